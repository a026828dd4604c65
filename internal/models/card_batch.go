package models

import (
	"time"
)

// CardBatch 卡密导入批次表
type CardBatch struct {
	ID            uint      `gorm:"primarykey" json:"id"`                 // 主键
	ProductID     uint      `gorm:"index;not null" json:"product_id"`     // 商品ID
	BatchNo       string    `gorm:"uniqueIndex;not null" json:"batch_no"` // 批次号
	Source        string    `gorm:"not null" json:"source"`               // 来源（manual/text/csv）
	TotalCount    int       `gorm:"not null" json:"total_count"`          // 提交的有效条数
	ImportedCount int       `gorm:"not null" json:"imported_count"`       // 实际入库条数
	Deduplicate   bool      `gorm:"not null" json:"deduplicate"`          // 是否开启去重
	Note          string    `gorm:"type:text" json:"note"`                // 备注
	CreatedAt     time.Time `gorm:"index" json:"created_at"`              // 创建时间
}

// TableName 指定表名
func (CardBatch) TableName() string {
	return "card_batches"
}
