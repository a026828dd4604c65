package service

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/metrics"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CardImportService 卡密导入服务（批量导入、CSV 导入、单条新增）
type CardImportService struct {
	cardInventory
}

// NewCardImportService 创建卡密导入服务
func NewCardImportService(cardRepo repository.CardRepository, batchRepo repository.CardBatchRepository, productRepo repository.ProductRepository, statsCache CardStatsCache, opts CardInventoryOptions) *CardImportService {
	return &CardImportService{
		cardInventory: newCardInventory(cardRepo, batchRepo, productRepo, statsCache, opts),
	}
}

// ImportCardsInput 批量导入输入
type ImportCardsInput struct {
	ProductID   uint
	Content     string
	Delimiter   string // newline / comma，默认 newline
	Deduplicate *bool  // 为空时默认去重
	Note        string
}

// ImportCSVInput CSV 导入输入
type ImportCSVInput struct {
	ProductID   uint
	Reader      io.Reader
	Deduplicate *bool
	Note        string
}

// CreateCardInput 单条新增输入
type CreateCardInput struct {
	ProductID   uint
	Content     string
	Deduplicate *bool
	Note        string
}

// CardImportStats 导入统计
type CardImportStats struct {
	Total                   int  `json:"total"`
	SkippedDuplicateInBatch int  `json:"skipped_duplicate_in_batch"`
	SkippedExistingInDB     int  `json:"skipped_existing_in_db"`
	Imported                int  `json:"imported"`
	Skipped                 int  `json:"skipped"`
	Deduplicate             bool `json:"deduplicate"`
}

// CardImportResult 导入结果
type CardImportResult struct {
	Batch *models.CardBatch `json:"batch,omitempty"`
	Stats CardImportStats   `json:"stats"`
}

// ImportCards 按分隔符批量导入卡密。
// 全部条目均为重复时返回 ErrAllDuplicates，同时返回统计结果供调用方展示。
func (s *CardImportService) ImportCards(ctx context.Context, input ImportCardsInput) (*CardImportResult, error) {
	if input.ProductID == 0 {
		return nil, ErrCardInvalid
	}
	parts, err := SplitCardContent(input.Content, input.Delimiter)
	if err != nil {
		return nil, err
	}
	return s.importCandidates(ctx, input.ProductID, NormalizeCandidates(parts), dedupEnabled(input.Deduplicate), constants.CardSourceText, input.Note)
}

// ImportCSV 从 CSV 导入卡密，表头为 secret 或 content 时取该列，否则取第一列
func (s *CardImportService) ImportCSV(ctx context.Context, input ImportCSVInput) (*CardImportResult, error) {
	if input.ProductID == 0 || input.Reader == nil {
		return nil, ErrCardInvalid
	}
	values, err := parseCSVCards(input.Reader)
	if err != nil {
		logger.Warnw("card_import_csv_parse_failed", "product_id", input.ProductID, "error", err)
		return nil, ErrCardInvalid
	}
	return s.importCandidates(ctx, input.ProductID, NormalizeCandidates(values), dedupEnabled(input.Deduplicate), constants.CardSourceCSV, input.Note)
}

// CreateCard 新增单条卡密，去重开启时与可售卡密重复返回 ErrDuplicateContent
func (s *CardImportService) CreateCard(ctx context.Context, input CreateCardInput) (*models.Card, error) {
	content := strings.TrimSpace(input.Content)
	if input.ProductID == 0 {
		return nil, ErrCardInvalid
	}
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	if _, err := s.ensureProduct(ctx, input.ProductID, false); err != nil {
		return nil, err
	}
	dedup := dedupEnabled(input.Deduplicate)

	var card models.Card
	err := s.cardRepo.Transaction(ctx, func(tx *gorm.DB) error {
		cardRepo := s.cardRepo.WithTx(tx)
		if dedup {
			if err := cardRepo.LockProductForImport(ctx, input.ProductID); err != nil {
				return storeError("lock product", err)
			}
			exists, err := cardRepo.ExistsAvailableContent(ctx, input.ProductID, content, 0)
			if err != nil {
				return storeError("check duplicate", err)
			}
			if exists {
				return ErrDuplicateContent
			}
		}
		now := s.now()
		batch, err := s.createBatch(ctx, tx, input.ProductID, constants.CardSourceManual, 1, 1, dedup, input.Note, now)
		if err != nil {
			return err
		}
		card = models.NewAvailableCard(input.ProductID, &batch.ID, content, now)
		if err := cardRepo.Create(ctx, &card); err != nil {
			return storeError("create card", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateContent) {
			logger.Infow("card_create_duplicate", "product_id", input.ProductID)
		}
		return nil, err
	}

	metrics.CardsImported.WithLabelValues(constants.CardSourceManual).Inc()
	s.invalidateStats(ctx, input.ProductID)
	logger.Infow("card_created", "product_id", input.ProductID, "card_id", card.ID, "deduplicate", dedup)
	return &card, nil
}

// ListBatches 获取商品导入批次
func (s *CardImportService) ListBatches(ctx context.Context, productID uint, page, pageSize int) ([]models.CardBatch, int64, error) {
	if productID == 0 {
		return nil, 0, ErrCardInvalid
	}
	items, total, err := s.batchRepo.ListByProduct(ctx, productID, page, pageSize)
	if err != nil {
		return nil, 0, storeError("list batches", err)
	}
	return items, total, nil
}

func (s *CardImportService) importCandidates(ctx context.Context, productID uint, candidates []string, dedup bool, source, note string) (*CardImportResult, error) {
	if len(candidates) == 0 {
		return nil, ErrCardInvalid
	}
	if len(candidates) > s.opts.MaxImportLines {
		return nil, ErrCardInvalid
	}
	for _, content := range candidates {
		if err := s.validateContent(content); err != nil {
			return nil, err
		}
	}
	if _, err := s.ensureProduct(ctx, productID, false); err != nil {
		return nil, err
	}

	stats := CardImportStats{Total: len(candidates), Deduplicate: dedup}
	toInsert := candidates
	if dedup {
		batchDedup := DedupeBatch(candidates)
		stats.SkippedDuplicateInBatch = batchDedup.DuplicateInBatch
		toInsert = batchDedup.Unique
	}

	var batch *models.CardBatch
	err := s.cardRepo.Transaction(ctx, func(tx *gorm.DB) error {
		cardRepo := s.cardRepo.WithTx(tx)
		if dedup {
			if err := cardRepo.LockProductForImport(ctx, productID); err != nil {
				return storeError("lock product", err)
			}
			existing, err := cardRepo.FindAvailableContents(ctx, productID, toInsert)
			if err != nil {
				return storeError("find existing contents", err)
			}
			var removed int
			toInsert, removed = ExcludeExisting(toInsert, existing)
			stats.SkippedExistingInDB = removed
			if len(toInsert) == 0 {
				return ErrAllDuplicates
			}
		}

		now := s.now()
		created, err := s.createBatch(ctx, tx, productID, source, stats.Total, len(toInsert), dedup, note, now)
		if err != nil {
			return err
		}
		items := make([]models.Card, 0, len(toInsert))
		for _, content := range toInsert {
			items = append(items, models.NewAvailableCard(productID, &created.ID, content, now))
		}
		if err := cardRepo.CreateBatch(ctx, items); err != nil {
			return storeError("create cards", err)
		}
		batch = created
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrAllDuplicates) {
			stats.Skipped = stats.Total
			metrics.CardsSkipped.WithLabelValues("duplicate_in_batch").Add(float64(stats.SkippedDuplicateInBatch))
			metrics.CardsSkipped.WithLabelValues("existing_in_db").Add(float64(stats.SkippedExistingInDB))
			logger.Infow("card_import_all_duplicates",
				"product_id", productID,
				"source", source,
				"total", stats.Total,
				"skipped_duplicate_in_batch", stats.SkippedDuplicateInBatch,
				"skipped_existing_in_db", stats.SkippedExistingInDB,
			)
			return &CardImportResult{Stats: stats}, ErrAllDuplicates
		}
		logger.Warnw("card_import_failed", "product_id", productID, "source", source, "error", err)
		return nil, err
	}

	stats.Imported = len(toInsert)
	stats.Skipped = stats.Total - stats.Imported
	metrics.CardsImported.WithLabelValues(source).Add(float64(stats.Imported))
	metrics.CardsSkipped.WithLabelValues("duplicate_in_batch").Add(float64(stats.SkippedDuplicateInBatch))
	metrics.CardsSkipped.WithLabelValues("existing_in_db").Add(float64(stats.SkippedExistingInDB))
	s.invalidateStats(ctx, productID)
	logger.Infow("card_import_succeeded",
		"product_id", productID,
		"batch_no", batch.BatchNo,
		"source", source,
		"total", stats.Total,
		"imported", stats.Imported,
		"skipped_duplicate_in_batch", stats.SkippedDuplicateInBatch,
		"skipped_existing_in_db", stats.SkippedExistingInDB,
		"deduplicate", dedup,
	)
	return &CardImportResult{Batch: batch, Stats: stats}, nil
}

func (s *CardImportService) createBatch(ctx context.Context, tx *gorm.DB, productID uint, source string, total, imported int, dedup bool, note string, now time.Time) (*models.CardBatch, error) {
	batch := &models.CardBatch{
		ProductID:     productID,
		BatchNo:       generateBatchNo(now),
		Source:        source,
		TotalCount:    total,
		ImportedCount: imported,
		Deduplicate:   dedup,
		Note:          strings.TrimSpace(note),
		CreatedAt:     now,
	}
	if err := s.batchRepo.WithTx(tx).Create(ctx, batch); err != nil {
		return nil, storeError("create batch", err)
	}
	return batch, nil
}

func dedupEnabled(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

func parseCSVCards(reader io.Reader) ([]string, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1
	var (
		values     []string
		headerRead bool
		contentIdx = 0
	)
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		if !headerRead {
			headerRead = true
			skipRow := false
			for i, col := range record {
				name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
				if name == "secret" || name == "content" {
					contentIdx = i
					skipRow = true
					break
				}
			}
			if skipRow {
				continue
			}
		}
		if contentIdx >= len(record) {
			continue
		}
		values = append(values, record[contentIdx])
	}
	return values, nil
}

func generateBatchNo(now time.Time) string {
	return "BATCH-" + now.Format("20060102150405") + "-" + strings.ToUpper(uuid.NewString()[:8])
}
