package service

import (
	"context"
	"strings"

	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/metrics"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/repository"

	"gorm.io/gorm"
)

// CardLifecycleService 单卡维护：编辑、删除、重置锁定
type CardLifecycleService struct {
	cardInventory
}

// NewCardLifecycleService 创建单卡维护服务
func NewCardLifecycleService(cardRepo repository.CardRepository, statsCache CardStatsCache, opts CardInventoryOptions) *CardLifecycleService {
	return &CardLifecycleService{
		cardInventory: newCardInventory(cardRepo, nil, nil, statsCache, opts),
	}
}

// UpdateContent 修改卡密内容，仅允许可售且未绑定订单的卡密
func (s *CardLifecycleService) UpdateContent(ctx context.Context, cardID uint, content string) (*models.Card, error) {
	content = strings.TrimSpace(content)
	if cardID == 0 {
		return nil, ErrCardInvalid
	}
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	card, err := s.cardRepo.GetByID(ctx, cardID)
	if err != nil {
		return nil, storeError("get card", err)
	}
	if card == nil {
		return nil, ErrCardNotFound
	}
	if !card.IsAvailable() {
		return nil, ErrCardLocked
	}
	if card.Content == content {
		return card, nil
	}

	var updated *models.Card
	err = s.cardRepo.Transaction(ctx, func(tx *gorm.DB) error {
		cardRepo := s.cardRepo.WithTx(tx)
		if err := cardRepo.LockProductForImport(ctx, card.ProductID); err != nil {
			return storeError("lock product", err)
		}
		// 读取后可能已被占用或售出，以事务内状态为准
		current, err := cardRepo.GetByID(ctx, card.ID)
		if err != nil {
			return storeError("get card", err)
		}
		if current == nil {
			return ErrCardNotFound
		}
		if !current.IsAvailable() {
			return ErrCardLocked
		}
		exists, err := cardRepo.ExistsAvailableContent(ctx, card.ProductID, content, card.ID)
		if err != nil {
			return storeError("check duplicate", err)
		}
		if exists {
			return ErrDuplicateContent
		}
		affected, err := cardRepo.UpdateAvailableContent(ctx, card.ID, content, s.now())
		if err != nil {
			return storeError("update content", err)
		}
		if affected == 0 {
			return ErrCardLocked
		}
		current, err = cardRepo.GetByID(ctx, card.ID)
		if err != nil {
			return storeError("get card", err)
		}
		if current == nil {
			return ErrCardNotFound
		}
		updated = current
		return nil
	})
	if err != nil {
		logger.Infow("card_update_rejected", "card_id", cardID, "product_id", card.ProductID, "reason", err.Error())
		return nil, err
	}

	s.invalidateStats(ctx, updated.ProductID)
	logger.Infow("card_content_updated", "card_id", updated.ID, "product_id", updated.ProductID)
	return updated, nil
}

// DeleteCards 删除卡密，仅可售且未绑定订单的卡密会被删除，其余静默跳过
func (s *CardLifecycleService) DeleteCards(ctx context.Context, cardIDs []uint) (int, error) {
	ids := uniqueIDs(cardIDs)
	if len(ids) == 0 {
		return 0, ErrCardInvalid
	}
	deleted, err := s.cardRepo.DeleteAvailableByIDs(ctx, ids)
	if err != nil {
		logger.Errorw("card_delete_failed", "requested", len(ids), "error", err)
		return 0, storeError("delete cards", err)
	}
	if len(deleted) > 0 {
		metrics.CardsDeleted.WithLabelValues("manual").Add(float64(len(deleted)))
		s.invalidateStats(ctx, cardProductIDs(deleted)...)
	}
	logger.Infow("card_delete_finished", "requested", len(ids), "deleted", len(deleted))
	return len(deleted), nil
}

// ResetLocked 按卡密 ID 释放锁定，非 locked 的卡密保持不变
func (s *CardLifecycleService) ResetLocked(ctx context.Context, cardIDs []uint) (int, error) {
	ids := uniqueIDs(cardIDs)
	if len(ids) == 0 {
		return 0, ErrCardInvalid
	}
	released, err := s.cardRepo.ReleaseLockedByIDs(ctx, ids, s.now())
	if err != nil {
		logger.Errorw("card_reset_failed", "requested", len(ids), "error", err)
		return 0, storeError("reset locked cards", err)
	}
	if len(released) > 0 {
		metrics.CardsReleased.WithLabelValues(metrics.ReleaseReasonReset).Add(float64(len(released)))
		s.invalidateStats(ctx, cardProductIDs(released)...)
	}
	logger.Infow("card_reset_finished", "requested", len(ids), "reset", len(released))
	return len(released), nil
}
