package provider

import (
	"github.com/cardpool-next/internal/cache"
	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/queue"
	"github.com/cardpool-next/internal/repository"
	"github.com/cardpool-next/internal/service"

	"gorm.io/gorm"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	StatsCache  service.CardStatsCache

	// SettlementChecker 外部支付侧实现，过期回收时跳过已支付订单
	SettlementChecker service.OrderSettlementChecker

	// Repositories
	CardRepo      repository.CardRepository
	CardBatchRepo repository.CardBatchRepository
	ProductRepo   repository.ProductRepository

	// Services
	CardImportService     *service.CardImportService
	CardAllocationService *service.CardAllocationService
	CardLifecycleService  *service.CardLifecycleService
	CardCleanupService    *service.CardCleanupService
	CardQueryService      *service.CardQueryService
}

// Option 容器可选项
type Option func(*Container)

// WithSettlementChecker 注入订单支付状态查询
func WithSettlementChecker(checker service.OrderSettlementChecker) Option {
	return func(c *Container) {
		c.SettlementChecker = checker
	}
}

// NewContainer 初始化容器，db 为空时使用 models.DB
func NewContainer(cfg *config.Config, db *gorm.DB, opts ...Option) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
	}
	// 未启用 redis 时保持接口为 nil，避免包装空指针
	if store := cache.NewCardStatsStore(); store != nil {
		c.StatsCache = store
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if db == nil {
		db = models.DB
	}
	c.initRepositories(db)
	c.initServices()
	return c
}

func (c *Container) initRepositories(db *gorm.DB) {
	c.CardRepo = repository.NewCardRepository(db)
	c.CardBatchRepo = repository.NewCardBatchRepository(db)
	c.ProductRepo = repository.NewProductRepository(db)
}

func (c *Container) initServices() {
	opts := service.NewCardInventoryOptions(c.Config.Inventory)
	c.CardImportService = service.NewCardImportService(c.CardRepo, c.CardBatchRepo, c.ProductRepo, c.StatsCache, opts)
	c.CardAllocationService = service.NewCardAllocationService(c.CardRepo, c.ProductRepo, c.StatsCache, c.QueueClient, opts)
	if c.SettlementChecker != nil {
		c.CardAllocationService.SetSettlementChecker(c.SettlementChecker)
	}
	c.CardLifecycleService = service.NewCardLifecycleService(c.CardRepo, c.StatsCache, opts)
	c.CardCleanupService = service.NewCardCleanupService(c.CardRepo, c.ProductRepo, c.StatsCache, c.QueueClient, opts)
	c.CardQueryService = service.NewCardQueryService(c.CardRepo, c.ProductRepo, c.StatsCache, opts)
}

// Close 释放外部连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	if err := c.QueueClient.Close(); err != nil {
		logger.Warnw("provider_close_queue_client_failed", "error", err)
	}
}
