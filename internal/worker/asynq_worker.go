package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/provider"
	"github.com/cardpool-next/internal/queue"
	"github.com/cardpool-next/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskCardOrderRelease, c.handleCardOrderRelease)
	mux.HandleFunc(queue.TaskCardLockSweep, c.handleCardLockSweep)
	mux.HandleFunc(queue.TaskCardDedupe, c.handleCardDedupe)
}

func (c *Consumer) handleCardOrderRelease(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_card_order_release_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.CardOrderReleasePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_card_order_release_unmarshal_failed", "error", err)
		return err
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		logger.Debugw("worker_card_order_release_skip_invalid_payload", "order_id", payload.OrderID)
		return nil
	}
	if c.CardAllocationService == nil {
		logger.Warnw("worker_card_order_release_skip_service_nil", "order_id", orderID)
		return nil
	}
	released, err := c.CardAllocationService.Release(ctx, orderID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderInvalid):
			logger.Debugw("worker_card_order_release_skip_invalid_order", "order_id", orderID)
			return nil
		default:
			logger.Warnw("worker_card_order_release_failed", "order_id", orderID, "error", err)
			return err
		}
	}
	logger.Debugw("worker_card_order_release_done", "order_id", orderID, "released", released)
	return nil
}

func (c *Consumer) handleCardLockSweep(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_card_lock_sweep_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.CardLockSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Warnw("worker_card_lock_sweep_unmarshal_failed", "error", err)
			return err
		}
	}
	if c.CardAllocationService == nil {
		logger.Warnw("worker_card_lock_sweep_skip_service_nil")
		return nil
	}
	maxAge := time.Duration(payload.MaxAgeSeconds) * time.Second
	if _, err := c.CardAllocationService.SweepExpiredLocks(ctx, maxAge); err != nil {
		logger.Warnw("worker_card_lock_sweep_failed", "max_age_seconds", payload.MaxAgeSeconds, "error", err)
		return err
	}
	return nil
}

func (c *Consumer) handleCardDedupe(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_card_dedupe_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.CardDedupePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_card_dedupe_unmarshal_failed", "error", err)
		return err
	}
	if payload.ProductID == 0 {
		logger.Debugw("worker_card_dedupe_skip_invalid_payload", "product_id", payload.ProductID)
		return nil
	}
	if c.CardCleanupService == nil {
		logger.Warnw("worker_card_dedupe_skip_service_nil", "product_id", payload.ProductID)
		return nil
	}
	if _, err := c.CardCleanupService.Dedupe(ctx, payload.ProductID); err != nil {
		switch {
		case errors.Is(err, service.ErrProductNotFound):
			logger.Debugw("worker_card_dedupe_skip_product_not_found", "product_id", payload.ProductID)
			return nil
		default:
			logger.Warnw("worker_card_dedupe_failed", "product_id", payload.ProductID, "error", err)
			return err
		}
	}
	return nil
}
