package service

import (
	"errors"
	"fmt"
)

// 库存领域错误
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient card stock")
	ErrAllDuplicates     = errors.New("all cards already exist")
	ErrDuplicateContent  = errors.New("card content already exists")
	ErrCardLocked        = errors.New("card is locked or sold")
	ErrCardNotFound      = errors.New("card not found")
)

// 参数校验错误
var (
	ErrCardInvalid      = errors.New("card invalid")
	ErrInvalidQuantity  = errors.New("invalid claim quantity")
	ErrInvalidDelimiter = errors.New("invalid delimiter")
	ErrOrderInvalid     = errors.New("invalid order id")
)

// ErrInventoryStore 存储层故障，与领域错误区分
var ErrInventoryStore = errors.New("inventory store failure")

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInventoryStore, op, err)
}
