package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/queue"

	"github.com/hibiken/asynq"
)

// Service 异步队列服务
type Service struct {
	name     string
	server   *asynq.Server
	mux      *asynq.ServeMux
	consumer *Consumer
}

// NewService 创建异步队列服务
func NewService(cfg *config.QueueConfig, consumer *Consumer) (*Service, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, errors.New("queue disabled")
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	opt, serverCfg := queue.BuildServerConfig(cfg)
	serverCfg.Logger = logger.Named("asynq")
	server := asynq.NewServer(opt, serverCfg)
	mux := asynq.NewServeMux()
	consumer.Register(mux)
	return &Service{
		name:     "worker",
		server:   server,
		mux:      mux,
		consumer: consumer,
	}, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.server == nil || s.mux == nil {
		return errors.New("worker not initialized")
	}
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	s.server.Shutdown()
	return nil
}

// SweepService 定时释放过期锁定。
// 队列启用时投递去重后的扫描任务，由任一 worker 执行；否则在本进程内直接扫描。
type SweepService struct {
	consumer *Consumer
	interval time.Duration
	maxAge   time.Duration
}

// NewSweepService 创建过期锁定扫描服务
func NewSweepService(consumer *Consumer, cfg config.InventoryConfig) (*SweepService, error) {
	if consumer == nil || consumer.Container == nil {
		return nil, errors.New("consumer is nil")
	}
	return &SweepService{
		consumer: consumer,
		interval: cfg.SweepInterval(),
		maxAge:   cfg.LockExpire(),
	}, nil
}

// Name 服务名称
func (s *SweepService) Name() string {
	return "sweeper"
}

// Start 启动扫描循环，直到 ctx 结束
func (s *SweepService) Start(ctx context.Context) error {
	if s == nil || s.consumer == nil {
		return errors.New("sweeper not initialized")
	}
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// Stop 停止服务（循环随 ctx 退出）
func (s *SweepService) Stop(ctx context.Context) error {
	return nil
}

func (s *SweepService) runOnce(ctx context.Context) {
	if client := s.consumer.QueueClient; client.Enabled() {
		payload := queue.CardLockSweepPayload{MaxAgeSeconds: int64(s.maxAge / time.Second)}
		err := client.EnqueueCardLockSweep(payload, asynq.Unique(s.interval), asynq.MaxRetry(0))
		if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			logger.Warnw("worker_card_lock_sweep_enqueue_failed", "error", err)
		}
		return
	}
	if s.consumer.CardAllocationService == nil {
		return
	}
	if _, err := s.consumer.CardAllocationService.SweepExpiredLocks(ctx, s.maxAge); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnw("worker_card_lock_sweep_failed", "error", err)
	}
}
