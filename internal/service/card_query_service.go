package service

import (
	"context"
	"strings"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/repository"
)

// CardQueryService 卡密查询、统计与导出
type CardQueryService struct {
	cardInventory
}

// NewCardQueryService 创建卡密查询服务
func NewCardQueryService(cardRepo repository.CardRepository, productRepo repository.ProductRepository, statsCache CardStatsCache, opts CardInventoryOptions) *CardQueryService {
	return &CardQueryService{
		cardInventory: newCardInventory(cardRepo, nil, productRepo, statsCache, opts),
	}
}

// ListCardsInput 卡密列表输入
type ListCardsInput struct {
	ProductID uint
	Status    string
	Search    string
	OrderID   string
	Page      int
	PageSize  int
}

// CardStats 商品库存统计
type CardStats struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Sold      int64 `json:"sold"`
	Total     int64 `json:"total"`
}

// ListCards 卡密列表，可售在前、新入库在前
func (s *CardQueryService) ListCards(ctx context.Context, input ListCardsInput) ([]models.Card, int64, error) {
	status := strings.TrimSpace(input.Status)
	if status != "" && !models.IsValidCardStatus(status) {
		return nil, 0, ErrCardInvalid
	}
	items, total, err := s.cardRepo.List(ctx, repository.CardListFilter{
		Page:      input.Page,
		PageSize:  input.PageSize,
		ProductID: input.ProductID,
		Status:    status,
		Search:    input.Search,
		OrderID:   input.OrderID,
	})
	if err != nil {
		return nil, 0, storeError("list cards", err)
	}
	return items, total, nil
}

// GetCard 获取单张卡密
func (s *CardQueryService) GetCard(ctx context.Context, cardID uint) (*models.Card, error) {
	if cardID == 0 {
		return nil, ErrCardInvalid
	}
	card, err := s.cardRepo.GetByID(ctx, cardID)
	if err != nil {
		return nil, storeError("get card", err)
	}
	if card == nil {
		return nil, ErrCardNotFound
	}
	return card, nil
}

// GetStats 获取商品库存统计，优先读缓存
func (s *CardQueryService) GetStats(ctx context.Context, productID uint) (*CardStats, error) {
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return nil, err
	}
	cacheable := false
	var version int64
	if s.statsCache != nil {
		var cached CardStats
		hit, err := s.statsCache.GetCardStats(ctx, productID, &cached)
		if err != nil {
			logger.Warnw("card_stats_cache_get_failed", "product_id", productID, "error", err)
		} else if hit {
			return &cached, nil
		}
		// 版本号须在统计前读取
		if version, err = s.statsCache.CardStatsVersion(ctx, productID); err != nil {
			logger.Warnw("card_stats_cache_version_failed", "product_id", productID, "error", err)
		} else {
			cacheable = true
		}
	}

	rows, err := s.cardRepo.CountStatusByProductIDs(ctx, []uint{productID})
	if err != nil {
		return nil, storeError("count cards", err)
	}
	stats := &CardStats{}
	for _, row := range rows {
		switch row.Status {
		case constants.CardStatusAvailable:
			stats.Available += row.Total
		case constants.CardStatusLocked:
			stats.Locked += row.Total
		case constants.CardStatusSold:
			stats.Sold += row.Total
		}
		stats.Total += row.Total
	}

	if cacheable {
		written, err := s.statsCache.SetCardStats(ctx, productID, version, stats, s.opts.StatsCacheTTL)
		if err != nil {
			logger.Warnw("card_stats_cache_set_failed", "product_id", productID, "error", err)
		} else if !written {
			logger.Debugw("card_stats_cache_set_skipped", "product_id", productID, "version", version)
		}
	}
	return stats, nil
}

// AvailableByProducts 批量查询可售库存
func (s *CardQueryService) AvailableByProducts(ctx context.Context, productIDs []uint) (map[uint]int64, error) {
	ids := uniqueIDs(productIDs)
	result, err := s.cardRepo.CountAvailableByProductIDs(ctx, ids)
	if err != nil {
		return nil, storeError("count available", err)
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = 0
		}
	}
	return result, nil
}

// Export 导出商品卡密（售出卡密返回完整内容，展示层自行脱敏）
func (s *CardQueryService) Export(ctx context.Context, productID uint, status string) ([]repository.CardExportRow, error) {
	status = strings.TrimSpace(status)
	if status != "" && !models.IsValidCardStatus(status) {
		return nil, ErrCardInvalid
	}
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return nil, err
	}
	rows, err := s.cardRepo.ListForExport(ctx, productID, status)
	if err != nil {
		return nil, storeError("export cards", err)
	}
	logger.Infow("card_export_finished", "product_id", productID, "status", status, "rows", len(rows))
	return rows, nil
}
