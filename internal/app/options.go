package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/service"

	"go.uber.org/zap"
)

// RunMode 进程运行模式
type RunMode string

const (
	ModeAll     RunMode = "all"
	ModeWorker  RunMode = "worker"
	ModeMetrics RunMode = "metrics"
)

func (m RunMode) valid() bool {
	switch m {
	case ModeAll, ModeWorker, ModeMetrics:
		return true
	}
	return false
}

// servesMetrics 是否挂载 /metrics 与 /healthz
func (m RunMode) servesMetrics() bool {
	return m == ModeAll || m == ModeMetrics
}

// runsInventoryJobs 是否运行释放、回收与去重任务
func (m RunMode) runsInventoryJobs() bool {
	return m == ModeAll || m == ModeWorker
}

// Options 应用启动选项
type Options struct {
	Config          *config.Config
	Logger          *zap.SugaredLogger
	Signals         []os.Signal
	ShutdownTimeout time.Duration
	Mode            RunMode
	// SettlementChecker 为空时过期回收不检查支付状态
	SettlementChecker service.OrderSettlementChecker
}

// normalizeOptions 补齐默认参数并校验运行模式
func normalizeOptions(opts Options) (Options, error) {
	if opts.Config == nil {
		return opts, errors.New("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = logger.S()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}
	if !opts.Mode.valid() {
		return opts, fmt.Errorf("unknown mode: %s", opts.Mode)
	}
	return opts, nil
}
