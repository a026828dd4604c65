package service

import (
	"context"

	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/metrics"
	"github.com/cardpool-next/internal/queue"
	"github.com/cardpool-next/internal/repository"

	"gorm.io/gorm"
)

// CardCleanupService 卡密去重清理
type CardCleanupService struct {
	cardInventory
	queueClient *queue.Client
}

// NewCardCleanupService 创建去重清理服务
func NewCardCleanupService(cardRepo repository.CardRepository, productRepo repository.ProductRepository, statsCache CardStatsCache, queueClient *queue.Client, opts CardInventoryOptions) *CardCleanupService {
	return &CardCleanupService{
		cardInventory: newCardInventory(cardRepo, nil, productRepo, statsCache, opts),
		queueClient:   queueClient,
	}
}

// Dedupe 同一商品内相同内容的可售卡密只保留最早创建的一张，返回删除数量。
// 锁定与已售卡密不参与，重复执行第二次删除数为 0。
func (s *CardCleanupService) Dedupe(ctx context.Context, productID uint) (int64, error) {
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return 0, err
	}
	var removed int64
	err := s.cardRepo.Transaction(ctx, func(tx *gorm.DB) error {
		cardRepo := s.cardRepo.WithTx(tx)
		if err := cardRepo.LockProductForImport(ctx, productID); err != nil {
			return storeError("lock product", err)
		}
		count, err := cardRepo.DeleteDuplicateAvailable(ctx, productID)
		if err != nil {
			return storeError("delete duplicates", err)
		}
		removed = count
		return nil
	})
	if err != nil {
		logger.Errorw("card_dedupe_failed", "product_id", productID, "error", err)
		return 0, err
	}
	if removed > 0 {
		metrics.CardsDeleted.WithLabelValues("dedupe").Add(float64(removed))
		s.invalidateStats(ctx, productID)
	}
	logger.Infow("card_dedupe_finished", "product_id", productID, "removed", removed)
	return removed, nil
}

// PreviewDuplicates 预览 Dedupe 将删除的卡密 ID，不做修改
func (s *CardCleanupService) PreviewDuplicates(ctx context.Context, productID uint) ([]uint, error) {
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return nil, err
	}
	cards, err := s.cardRepo.ListAvailableForDedupe(ctx, productID)
	if err != nil {
		return nil, storeError("list available cards", err)
	}
	return RedundantCardIDs(cards), nil
}

// DedupeAsync 投递异步去重任务，队列未启用时同步执行
func (s *CardCleanupService) DedupeAsync(ctx context.Context, productID uint) error {
	if !s.queueClient.Enabled() {
		_, err := s.Dedupe(ctx, productID)
		return err
	}
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return err
	}
	if err := s.queueClient.EnqueueCardDedupe(queue.CardDedupePayload{ProductID: productID}); err != nil {
		logger.Warnw("card_dedupe_enqueue_failed", "product_id", productID, "error", err)
		return err
	}
	logger.Infow("card_dedupe_enqueued", "product_id", productID)
	return nil
}
