package repository

import (
	"context"
	"errors"

	"github.com/cardpool-next/internal/models"

	"gorm.io/gorm"
)

// CardBatchRepository 卡密导入批次数据访问接口
type CardBatchRepository interface {
	Create(ctx context.Context, batch *models.CardBatch) error
	ListByProduct(ctx context.Context, productID uint, page, pageSize int) ([]models.CardBatch, int64, error)
	WithTx(tx *gorm.DB) CardBatchRepository
}

// GormCardBatchRepository GORM 实现
type GormCardBatchRepository struct {
	db *gorm.DB
}

// NewCardBatchRepository 创建批次仓库
func NewCardBatchRepository(db *gorm.DB) *GormCardBatchRepository {
	return &GormCardBatchRepository{db: db}
}

// WithTx 绑定事务
func (r *GormCardBatchRepository) WithTx(tx *gorm.DB) CardBatchRepository {
	if tx == nil {
		return r
	}
	return &GormCardBatchRepository{db: tx}
}

// Create 创建批次
func (r *GormCardBatchRepository) Create(ctx context.Context, batch *models.CardBatch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	return r.db.WithContext(ctx).Create(batch).Error
}

// ListByProduct 按商品获取批次列表
func (r *GormCardBatchRepository) ListByProduct(ctx context.Context, productID uint, page, pageSize int) ([]models.CardBatch, int64, error) {
	if productID == 0 {
		return nil, 0, errors.New("invalid product id")
	}
	query := r.db.WithContext(ctx).Model(&models.CardBatch{}).Where("product_id = ?", productID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var batches []models.CardBatch
	if err := applyPagination(query, page, pageSize).Order("id desc").Find(&batches).Error; err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}
