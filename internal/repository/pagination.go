package repository

import (
	"github.com/cardpool-next/internal/constants"

	"gorm.io/gorm"
)

// normalizePagination 统一处理非法页码与页大小，pageSize<=0 时使用默认值。
func normalizePagination(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = constants.CardListDefaultPerPage
	}
	if pageSize > constants.CardListMaxPerPage {
		pageSize = constants.CardListMaxPerPage
	}
	return page, pageSize
}

// applyPagination 应用分页参数
func applyPagination(query *gorm.DB, page, pageSize int) *gorm.DB {
	if query == nil {
		return query
	}
	page, pageSize = normalizePagination(page, pageSize)
	return query.Limit(pageSize).Offset((page - 1) * pageSize)
}
