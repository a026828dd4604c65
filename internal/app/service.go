package app

import (
	"context"
	"errors"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service 可启停的后台组件（指标端点、队列 worker、过期锁定回收）
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner 按运行模式组合的库存服务
type Runner struct {
	mode     RunMode
	services []Service
}

// NewRunner 创建服务运行器
func NewRunner(mode RunMode, services ...Service) *Runner {
	return &Runner{mode: mode, services: services}
}

// Services 返回已装配的服务名，按启动顺序
func (r *Runner) Services() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.services))
	for _, svc := range r.services {
		names = append(names, svc.Name())
	}
	return names
}

// RunWithOptions 监听系统信号并运行
func RunWithOptions(runner *Runner, opts Options) error {
	if runner == nil {
		return errors.New("runner is nil")
	}
	ctx := context.Background()
	if len(opts.Signals) > 0 {
		var cancel context.CancelFunc
		ctx, cancel = signal.NotifyContext(ctx, opts.Signals...)
		defer cancel()
	}
	return runner.Run(ctx, opts.ShutdownTimeout, opts.Logger)
}

// Run 启动全部服务，任一服务退出或 ctx 结束后统一停止
func (r *Runner) Run(ctx context.Context, stopTimeout time.Duration, log *zap.SugaredLogger) error {
	if r == nil || len(r.services) == 0 {
		return errors.New("no services to run")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, svc := range r.services {
		if svc == nil {
			return errors.New("service is nil")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, svc := range r.services {
		svc := svc
		group.Go(func() error {
			log.Infow("inventory_service_start", "service", svc.Name(), "mode", r.mode)
			err := svc.Start(groupCtx)
			log.Infow("inventory_service_exit", "service", svc.Name(), "mode", r.mode, "error", err)
			cancel()
			return err
		})
	}

	<-groupCtx.Done()
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	for _, svc := range r.services {
		if err := svc.Stop(stopCtx); err != nil {
			log.Errorw("inventory_service_stop_failed", "service", svc.Name(), "mode", r.mode, "error", err)
		}
	}

	err := group.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
