package repository

import "time"

// CardListFilter 查询卡密列表的过滤条件
type CardListFilter struct {
	Page      int
	PageSize  int
	ProductID uint
	Status    string
	Search    string // 卡密内容模糊匹配
	OrderID   string
}

// CardExportRow 卡密导出行
type CardExportRow struct {
	Content   string
	Status    string
	CreatedAt time.Time
	SoldAt    *time.Time
}

// CardStatusCount 按商品与状态分组的库存数量
type CardStatusCount struct {
	ProductID uint
	Status    string
	Total     int64
}
