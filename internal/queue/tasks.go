package queue

import (
	"encoding/json"

	"github.com/cardpool-next/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskCardOrderRelease 订单支付超时后释放锁定卡密
	TaskCardOrderRelease = constants.TaskCardOrderRelease
	// TaskCardLockSweep 扫描并释放过期锁定
	TaskCardLockSweep = constants.TaskCardLockSweep
	// TaskCardDedupe 商品卡密去重清理
	TaskCardDedupe = constants.TaskCardDedupe
)

// CardOrderReleasePayload 释放订单锁定卡密任务载荷
type CardOrderReleasePayload struct {
	OrderID string `json:"order_id"`
}

// CardLockSweepPayload 过期锁定扫描任务载荷，MaxAgeSeconds 为 0 时使用配置值
type CardLockSweepPayload struct {
	MaxAgeSeconds int64 `json:"max_age_seconds"`
}

// CardDedupePayload 去重清理任务载荷
type CardDedupePayload struct {
	ProductID uint `json:"product_id"`
}

// NewCardOrderReleaseTask 创建释放订单卡密任务
func NewCardOrderReleaseTask(payload CardOrderReleasePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCardOrderRelease, body), nil
}

// NewCardLockSweepTask 创建过期锁定扫描任务
func NewCardLockSweepTask(payload CardLockSweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCardLockSweep, body), nil
}

// NewCardDedupeTask 创建去重清理任务
func NewCardDedupeTask(payload CardDedupePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCardDedupe, body), nil
}
