package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/metrics"
	"github.com/cardpool-next/internal/queue"
	"github.com/cardpool-next/internal/repository"
)

const orderIDMaxLength = 64

// OrderSettlementChecker 查询订单是否已完成支付，由外部支付侧实现
type OrderSettlementChecker interface {
	IsOrderPaid(ctx context.Context, orderID string) (bool, error)
}

// CardAllocationService 卡密分配服务：占用、确认售出、释放与过期锁定回收
type CardAllocationService struct {
	cardInventory
	queueClient       *queue.Client
	settlementChecker OrderSettlementChecker
}

// NewCardAllocationService 创建卡密分配服务
func NewCardAllocationService(cardRepo repository.CardRepository, productRepo repository.ProductRepository, statsCache CardStatsCache, queueClient *queue.Client, opts CardInventoryOptions) *CardAllocationService {
	return &CardAllocationService{
		cardInventory: newCardInventory(cardRepo, nil, productRepo, statsCache, opts),
		queueClient:   queueClient,
	}
}

// SetSettlementChecker 设置订单支付状态查询，过期回收时跳过已支付订单
func (s *CardAllocationService) SetSettlementChecker(checker OrderSettlementChecker) {
	s.settlementChecker = checker
}

// ClaimInput 占用输入
type ClaimInput struct {
	ProductID uint
	Quantity  int
	OrderID   string
	// ReleaseAfter 大于 0 时在该时长后投递释放任务（订单支付超时）
	ReleaseAfter time.Duration
}

// ClaimedCard 已占用卡密
type ClaimedCard struct {
	ID      uint   `json:"id"`
	Content string `json:"content"`
}

// ClaimResult 占用结果
type ClaimResult struct {
	OrderID  string        `json:"order_id"`
	LockedAt time.Time     `json:"locked_at"`
	Cards    []ClaimedCard `json:"cards"`
}

// CardIDs 占用的卡密 ID
func (r *ClaimResult) CardIDs() []uint {
	if r == nil {
		return nil
	}
	ids := make([]uint, 0, len(r.Cards))
	for _, card := range r.Cards {
		ids = append(ids, card.ID)
	}
	return ids
}

// Claim 为订单原子占用 quantity 张可售卡密，优先最早入库的卡密。
// 库存不足时不占用任何卡密并返回 ErrInsufficientStock，调用方自行决定是否重试。
func (s *CardAllocationService) Claim(ctx context.Context, input ClaimInput) (*ClaimResult, error) {
	orderID, err := normalizeOrderID(input.OrderID)
	if err != nil {
		return nil, err
	}
	if input.Quantity <= 0 || input.Quantity > s.opts.MaxClaimQuantity {
		return nil, ErrInvalidQuantity
	}
	if _, err := s.ensureProduct(ctx, input.ProductID, true); err != nil {
		return nil, err
	}

	lockedAt := s.now()
	started := time.Now()
	claimed, err := s.cardRepo.ClaimAvailable(ctx, input.ProductID, input.Quantity, orderID, lockedAt)
	if err != nil {
		if errors.Is(err, repository.ErrClaimShortfall) {
			metrics.ObserveClaim(metrics.ClaimResultInsufficient, 0, time.Since(started))
			logger.Infow("card_claim_insufficient_stock",
				"product_id", input.ProductID,
				"order_id", orderID,
				"quantity", input.Quantity,
			)
			return nil, ErrInsufficientStock
		}
		metrics.ObserveClaim(metrics.ClaimResultError, 0, time.Since(started))
		logger.Errorw("card_claim_failed", "product_id", input.ProductID, "order_id", orderID, "error", err)
		return nil, storeError("claim cards", err)
	}
	metrics.ObserveClaim(metrics.ClaimResultSuccess, len(claimed), time.Since(started))

	result := &ClaimResult{
		OrderID:  orderID,
		LockedAt: lockedAt,
		Cards:    make([]ClaimedCard, 0, len(claimed)),
	}
	for _, card := range claimed {
		result.Cards = append(result.Cards, ClaimedCard{ID: card.ID, Content: card.Content})
	}

	s.invalidateStats(ctx, input.ProductID)
	logger.Infow("card_claim_succeeded",
		"product_id", input.ProductID,
		"order_id", orderID,
		"quantity", input.Quantity,
		"card_ids", result.CardIDs(),
	)

	if input.ReleaseAfter > 0 {
		s.scheduleRelease(orderID, input.ReleaseAfter)
	}
	return result, nil
}

// Finalize 订单支付成功：locked -> sold。重复调用或订单不存在均为无操作。
func (s *CardAllocationService) Finalize(ctx context.Context, orderID string) (int, error) {
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return 0, err
	}
	sold, err := s.cardRepo.FinalizeByOrder(ctx, orderID, s.now())
	if err != nil {
		logger.Errorw("card_finalize_failed", "order_id", orderID, "error", err)
		return 0, storeError("finalize order", err)
	}
	if len(sold) == 0 {
		logger.Debugw("card_finalize_noop", "order_id", orderID)
		return 0, nil
	}
	metrics.CardsSold.Add(float64(len(sold)))
	s.invalidateStats(ctx, cardProductIDs(sold)...)
	logger.Infow("card_finalize_succeeded", "order_id", orderID, "count", len(sold), "card_ids", cardIDs(sold))
	return len(sold), nil
}

// Release 订单取消、失败或超时：locked -> available，已售卡密不受影响。重复调用为无操作。
func (s *CardAllocationService) Release(ctx context.Context, orderID string) (int, error) {
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return 0, err
	}
	released, err := s.cardRepo.ReleaseByOrder(ctx, orderID, s.now())
	if err != nil {
		logger.Errorw("card_release_failed", "order_id", orderID, "error", err)
		return 0, storeError("release order", err)
	}
	if len(released) == 0 {
		logger.Debugw("card_release_noop", "order_id", orderID)
		return 0, nil
	}
	metrics.CardsReleased.WithLabelValues(metrics.ReleaseReasonOrder).Add(float64(len(released)))
	s.invalidateStats(ctx, cardProductIDs(released)...)
	logger.Infow("card_release_succeeded", "order_id", orderID, "count", len(released), "card_ids", cardIDs(released))
	return len(released), nil
}

// SweepExpiredLocks 释放锁定时间早于 maxAge 的卡密，maxAge<=0 时使用配置的锁定时长。
// 已支付的订单（由 OrderSettlementChecker 判定）会被跳过。
func (s *CardAllocationService) SweepExpiredLocks(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.opts.LockExpire
	}
	now := s.now()
	cutoff := now.Add(-maxAge)

	var (
		releasedTotal int
		skippedPaid   int
		after         string
	)
	for {
		if err := ctx.Err(); err != nil {
			return releasedTotal, err
		}
		orderIDs, err := s.cardRepo.ListExpiredLockedOrders(ctx, cutoff, after, s.opts.SweepBatchSize)
		if err != nil {
			logger.Errorw("card_sweep_list_failed", "cutoff", cutoff, "error", err)
			return releasedTotal, storeError("list expired locks", err)
		}
		for _, orderID := range orderIDs {
			after = orderID
			if s.isOrderPaid(ctx, orderID) {
				skippedPaid++
				continue
			}
			released, err := s.cardRepo.ReleaseExpiredByOrder(ctx, orderID, cutoff, now)
			if err != nil {
				logger.Errorw("card_sweep_release_failed", "order_id", orderID, "error", err)
				return releasedTotal, storeError("release expired locks", err)
			}
			if len(released) == 0 {
				continue
			}
			releasedTotal += len(released)
			metrics.CardsReleased.WithLabelValues(metrics.ReleaseReasonExpired).Add(float64(len(released)))
			s.invalidateStats(ctx, cardProductIDs(released)...)
			logger.Infow("card_lock_expired_released", "order_id", orderID, "count", len(released))
		}
		if len(orderIDs) < s.opts.SweepBatchSize {
			break
		}
	}

	if releasedTotal > 0 || skippedPaid > 0 {
		logger.Infow("card_sweep_finished",
			"released", releasedTotal,
			"skipped_paid_orders", skippedPaid,
			"max_age", maxAge.String(),
		)
	}
	return releasedTotal, nil
}

func (s *CardAllocationService) isOrderPaid(ctx context.Context, orderID string) bool {
	if s.settlementChecker == nil {
		return false
	}
	paid, err := s.settlementChecker.IsOrderPaid(ctx, orderID)
	if err != nil {
		// 查询失败时保守处理，下一轮再试
		logger.Warnw("card_sweep_settlement_check_failed", "order_id", orderID, "error", err)
		return true
	}
	if paid {
		logger.Warnw("card_sweep_skip_paid_order", "order_id", orderID)
	}
	return paid
}

func (s *CardAllocationService) scheduleRelease(orderID string, delay time.Duration) {
	if !s.queueClient.Enabled() {
		return
	}
	if err := s.queueClient.EnqueueCardOrderRelease(queue.CardOrderReleasePayload{OrderID: orderID}, delay); err != nil {
		logger.Warnw("card_release_enqueue_failed", "order_id", orderID, "delay", delay.String(), "error", err)
	}
}

func normalizeOrderID(raw string) (string, error) {
	orderID := strings.TrimSpace(raw)
	if orderID == "" || len(orderID) > orderIDMaxLength {
		return "", ErrOrderInvalid
	}
	return orderID, nil
}
