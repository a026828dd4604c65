package models

import (
	"time"

	"github.com/cardpool-next/internal/constants"
)

// Card 卡密库存表
type Card struct {
	ID        uint       `gorm:"primarykey" json:"id"`                                                                                            // 主键
	ProductID uint       `gorm:"not null;index:idx_cards_product_status,priority:1;index:idx_cards_product_content,priority:1" json:"product_id"` // 商品ID，创建后不可变
	BatchID   *uint      `gorm:"index" json:"batch_id,omitempty"`                                                                                 // 导入批次ID
	Content   string     `gorm:"type:text;not null;index:idx_cards_product_content,priority:2" json:"content"`                                    // 卡密内容
	Status    string     `gorm:"type:varchar(16);not null;index:idx_cards_product_status,priority:2" json:"status"`                               // 状态（available/locked/sold）
	OrderID   *string    `gorm:"type:varchar(64);index" json:"order_id,omitempty"`                                                                // 占用或消费该卡密的订单
	LockedAt  *time.Time `gorm:"index" json:"locked_at,omitempty"`                                                                                // 锁定时间
	SoldAt    *time.Time `json:"sold_at,omitempty"`                                                                                               // 售出时间
	CreatedAt time.Time  `gorm:"index" json:"created_at"`                                                                                         // 创建时间，去重时最早者保留
	UpdatedAt time.Time  `json:"updated_at"`                                                                                                      // 更新时间
}

// TableName 指定表名
func (Card) TableName() string {
	return "cards"
}

// NewAvailableCard 构造一张可售卡密
func NewAvailableCard(productID uint, batchID *uint, content string, now time.Time) Card {
	card := Card{
		ProductID: productID,
		BatchID:   batchID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	card.applyState(AvailableState{})
	return card
}

// IsAvailable 是否处于可售且未绑定订单的状态
func (c *Card) IsAvailable() bool {
	return c != nil && c.Status == constants.CardStatusAvailable && c.OrderID == nil
}
