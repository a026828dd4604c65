package service

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/repository"
)

// CardStatsCache 库存统计缓存，任何写操作后都需要失效
// SetCardStats 仅在版本号与读取统计前一致时写入
type CardStatsCache interface {
	CardStatsVersion(ctx context.Context, productID uint) (int64, error)
	GetCardStats(ctx context.Context, productID uint, dest interface{}) (bool, error)
	SetCardStats(ctx context.Context, productID uint, version int64, value interface{}, ttl time.Duration) (bool, error)
	InvalidateCardStats(ctx context.Context, productIDs ...uint) error
}

// CardInventoryOptions 库存相关限制
type CardInventoryOptions struct {
	ContentMaxLength int
	MaxImportLines   int
	MaxClaimQuantity int
	LockExpire       time.Duration
	SweepBatchSize   int
	StatsCacheTTL    time.Duration
}

// NewCardInventoryOptions 从配置构建库存限制
func NewCardInventoryOptions(cfg config.InventoryConfig) CardInventoryOptions {
	return CardInventoryOptions{
		ContentMaxLength: cfg.ContentMaxLength,
		MaxImportLines:   cfg.MaxImportLines,
		MaxClaimQuantity: cfg.MaxClaimQuantity,
		LockExpire:       cfg.LockExpire(),
		SweepBatchSize:   cfg.SweepBatchSize,
		StatsCacheTTL:    cfg.StatsCacheTTL(),
	}.normalized()
}

func (o CardInventoryOptions) normalized() CardInventoryOptions {
	if o.ContentMaxLength <= 0 {
		o.ContentMaxLength = constants.CardContentMaxLength
	}
	if o.MaxImportLines <= 0 {
		o.MaxImportLines = constants.CardImportMaxLines
	}
	if o.MaxClaimQuantity <= 0 {
		o.MaxClaimQuantity = constants.CardClaimMaxQuantity
	}
	if o.LockExpire <= 0 {
		o.LockExpire = 15 * time.Minute
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 500
	}
	if o.StatsCacheTTL <= 0 {
		o.StatsCacheTTL = 30 * time.Second
	}
	return o
}

// cardInventory 各库存服务共享的依赖
type cardInventory struct {
	cardRepo    repository.CardRepository
	batchRepo   repository.CardBatchRepository
	productRepo repository.ProductRepository
	statsCache  CardStatsCache
	opts        CardInventoryOptions
	now         func() time.Time
}

func newCardInventory(cardRepo repository.CardRepository, batchRepo repository.CardBatchRepository, productRepo repository.ProductRepository, statsCache CardStatsCache, opts CardInventoryOptions) cardInventory {
	return cardInventory{
		cardRepo:    cardRepo,
		batchRepo:   batchRepo,
		productRepo: productRepo,
		statsCache:  statsCache,
		opts:        opts.normalized(),
		now:         utcNow,
	}
}

func (c *cardInventory) ensureProduct(ctx context.Context, productID uint, requireActive bool) (*models.Product, error) {
	if productID == 0 {
		return nil, ErrProductNotFound
	}
	product, err := c.productRepo.GetByID(ctx, productID)
	if err != nil {
		return nil, storeError("get product", err)
	}
	if product == nil || (requireActive && !product.IsActive) {
		return nil, ErrProductNotFound
	}
	return product, nil
}

func (c *cardInventory) validateContent(content string) error {
	if content == "" || utf8.RuneCountInString(content) > c.opts.ContentMaxLength {
		return ErrCardInvalid
	}
	return nil
}

func (c *cardInventory) invalidateStats(ctx context.Context, productIDs ...uint) {
	if c.statsCache == nil || len(productIDs) == 0 {
		return
	}
	if err := c.statsCache.InvalidateCardStats(ctx, productIDs...); err != nil {
		logger.Warnw("card_stats_cache_invalidate_failed", "product_ids", productIDs, "error", err)
	}
}

// utcNow 统一以 UTC 写入时间，保证 sqlite 文本时间列可直接比较
func utcNow() time.Time {
	return time.Now().UTC()
}

// cardProductIDs 去重后的商品 ID 列表
func cardProductIDs(cards []models.Card) []uint {
	seen := make(map[uint]struct{}, 1)
	ids := make([]uint, 0, 1)
	for _, card := range cards {
		if _, ok := seen[card.ProductID]; ok {
			continue
		}
		seen[card.ProductID] = struct{}{}
		ids = append(ids, card.ProductID)
	}
	return ids
}

func cardIDs(cards []models.Card) []uint {
	ids := make([]uint, 0, len(cards))
	for _, card := range cards {
		ids = append(ids, card.ID)
	}
	return ids
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	result := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
