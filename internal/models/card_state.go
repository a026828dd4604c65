package models

import (
	"errors"
	"time"

	"github.com/cardpool-next/internal/constants"
)

// ErrCardStateCorrupt 卡密状态字段组合非法
var ErrCardStateCorrupt = errors.New("card state corrupt")

// CardState 卡密生命周期状态，只有三种取值：
// AvailableState、LockedState、SoldState。
type CardState interface {
	Status() string
	columns() map[string]interface{}
}

// AvailableState 可售
type AvailableState struct{}

// LockedState 已被订单锁定，等待支付
type LockedState struct {
	OrderID  string
	LockedAt time.Time
}

// SoldState 已售出
type SoldState struct {
	OrderID string
	SoldAt  time.Time
}

func (AvailableState) Status() string { return constants.CardStatusAvailable }
func (LockedState) Status() string    { return constants.CardStatusLocked }
func (SoldState) Status() string      { return constants.CardStatusSold }

func (AvailableState) columns() map[string]interface{} {
	return map[string]interface{}{
		"status":    constants.CardStatusAvailable,
		"order_id":  nil,
		"locked_at": nil,
		"sold_at":   nil,
	}
}

func (s LockedState) columns() map[string]interface{} {
	return map[string]interface{}{
		"status":    constants.CardStatusLocked,
		"order_id":  s.OrderID,
		"locked_at": s.LockedAt,
		"sold_at":   nil,
	}
}

// locked_at 保留用于审计
func (s SoldState) columns() map[string]interface{} {
	return map[string]interface{}{
		"status":   constants.CardStatusSold,
		"order_id": s.OrderID,
		"sold_at":  s.SoldAt,
	}
}

// StateColumns 生成状态迁移需要写入的列，updated_at 一并刷新
func StateColumns(state CardState, updatedAt time.Time) map[string]interface{} {
	cols := state.columns()
	cols["updated_at"] = updatedAt
	return cols
}

// State 将行数据解码为生命周期状态，违反不变式时返回 ErrCardStateCorrupt
func (c *Card) State() (CardState, error) {
	if c == nil {
		return nil, ErrCardStateCorrupt
	}
	switch c.Status {
	case constants.CardStatusAvailable:
		if c.OrderID != nil || c.LockedAt != nil || c.SoldAt != nil {
			return nil, ErrCardStateCorrupt
		}
		return AvailableState{}, nil
	case constants.CardStatusLocked:
		if c.OrderID == nil || *c.OrderID == "" || c.LockedAt == nil || c.SoldAt != nil {
			return nil, ErrCardStateCorrupt
		}
		return LockedState{OrderID: *c.OrderID, LockedAt: *c.LockedAt}, nil
	case constants.CardStatusSold:
		if c.OrderID == nil || *c.OrderID == "" || c.SoldAt == nil {
			return nil, ErrCardStateCorrupt
		}
		return SoldState{OrderID: *c.OrderID, SoldAt: *c.SoldAt}, nil
	default:
		return nil, ErrCardStateCorrupt
	}
}

func (c *Card) applyState(state CardState) {
	c.Status = state.Status()
	switch s := state.(type) {
	case AvailableState:
		c.OrderID, c.LockedAt, c.SoldAt = nil, nil, nil
	case LockedState:
		orderID, lockedAt := s.OrderID, s.LockedAt
		c.OrderID, c.LockedAt, c.SoldAt = &orderID, &lockedAt, nil
	case SoldState:
		orderID, soldAt := s.OrderID, s.SoldAt
		c.OrderID, c.SoldAt = &orderID, &soldAt
	}
}

// IsValidCardStatus 校验状态字符串
func IsValidCardStatus(status string) bool {
	switch status {
	case constants.CardStatusAvailable, constants.CardStatusLocked, constants.CardStatusSold:
		return true
	default:
		return false
	}
}
