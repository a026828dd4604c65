package app

import (
	"errors"

	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/provider"
	"github.com/cardpool-next/internal/worker"
)

// BuildRunner 按运行模式装配服务
func BuildRunner(opts Options) (*Runner, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg := opts.Config

	container := provider.NewContainer(cfg, nil, provider.WithSettlementChecker(opts.SettlementChecker))

	var services []Service

	// 指标与健康检查
	if opts.Mode.servesMetrics() && cfg.Metrics.Enabled {
		services = append(services, NewHTTPService(cfg.Metrics.Addr, NewMetricsHandler(models.DB)))
	}

	if opts.Mode.runsInventoryJobs() {
		consumer := worker.NewConsumer(container)
		// 队列未启用时只在 worker 模式下报错，all 模式退化为进程内扫描
		if cfg.Queue.Enabled || opts.Mode == ModeWorker {
			workerService, err := worker.NewService(&cfg.Queue, consumer)
			if err != nil {
				return nil, err
			}
			services = append(services, workerService)
		}
		sweeper, err := worker.NewSweepService(consumer, cfg.Inventory)
		if err != nil {
			return nil, err
		}
		services = append(services, sweeper)
		if opts.SettlementChecker == nil {
			opts.Logger.Warnw("card_sweep_without_settlement_checker", "mode", opts.Mode)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("no services initialized (check mode and config)")
	}

	return NewRunner(opts.Mode, services...), nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return err
	}

	runner, err := BuildRunner(opts)
	if err != nil {
		return err
	}

	opts.Logger.Infow("app_start",
		"metrics_addr", opts.Config.Metrics.Addr,
		"mode", opts.Mode,
		"queue_enabled", opts.Config.Queue.Enabled,
		"services", runner.Services(),
		"lock_expire", opts.Config.Inventory.LockExpire(),
	)
	return RunWithOptions(runner, opts)
}
