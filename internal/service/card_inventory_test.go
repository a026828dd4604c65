package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/repository"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type cardServices struct {
	db         *gorm.DB
	importer   *CardImportService
	allocator  *CardAllocationService
	lifecycle  *CardLifecycleService
	cleanup    *CardCleanupService
	query      *CardQueryService
	statsCache *memoryStatsCache
}

// memoryStatsCache 记录失效调用的内存缓存
type memoryStatsCache struct {
	mu          sync.Mutex
	items       map[uint]CardStats
	invalidated map[uint]int
}

func newMemoryStatsCache() *memoryStatsCache {
	return &memoryStatsCache{items: map[uint]CardStats{}, invalidated: map[uint]int{}}
}

func (m *memoryStatsCache) GetCardStats(_ context.Context, productID uint, dest interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.items[productID]
	if !ok {
		return false, nil
	}
	*(dest.(*CardStats)) = stats
	return true, nil
}

func (m *memoryStatsCache) CardStatsVersion(_ context.Context, productID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.invalidated[productID]), nil
}

func (m *memoryStatsCache) SetCardStats(_ context.Context, productID uint, version int64, value interface{}, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(m.invalidated[productID]) != version {
		return false, nil
	}
	m.items[productID] = *(value.(*CardStats))
	return true, nil
}

func (m *memoryStatsCache) InvalidateCardStats(_ context.Context, productIDs ...uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range productIDs {
		delete(m.items, id)
		m.invalidated[id]++
	}
	return nil
}

func (m *memoryStatsCache) invalidations(productID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidated[productID]
}

func setupCardServices(t *testing.T) *cardServices {
	t.Helper()
	dsn := fmt.Sprintf("file:card_inventory_test_%d?mode=memory&cache=shared", time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	cardRepo := repository.NewCardRepository(db)
	batchRepo := repository.NewCardBatchRepository(db)
	productRepo := repository.NewProductRepository(db)
	statsCache := newMemoryStatsCache()
	opts := CardInventoryOptions{ContentMaxLength: 32, MaxImportLines: 100, MaxClaimQuantity: 10, SweepBatchSize: 2}

	return &cardServices{
		db:         db,
		importer:   NewCardImportService(cardRepo, batchRepo, productRepo, statsCache, opts),
		allocator:  NewCardAllocationService(cardRepo, productRepo, statsCache, nil, opts),
		lifecycle:  NewCardLifecycleService(cardRepo, statsCache, opts),
		cleanup:    NewCardCleanupService(cardRepo, productRepo, statsCache, nil, opts),
		query:      NewCardQueryService(cardRepo, productRepo, statsCache, opts),
		statsCache: statsCache,
	}
}

func seedProduct(t *testing.T, db *gorm.DB, slug string) *models.Product {
	t.Helper()
	product := &models.Product{Slug: slug, Name: slug, IsActive: true}
	if err := db.Create(product).Error; err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	return product
}

func seedCardAt(t *testing.T, db *gorm.DB, productID uint, content string, createdAt time.Time) models.Card {
	t.Helper()
	card := models.NewAvailableCard(productID, nil, content, createdAt)
	if err := db.Create(&card).Error; err != nil {
		t.Fatalf("create card failed: %v", err)
	}
	return card
}

func countCards(t *testing.T, db *gorm.DB, productID uint, status string) int64 {
	t.Helper()
	var total int64
	if err := db.Model(&models.Card{}).Where("product_id = ? AND status = ?", productID, status).Count(&total).Error; err != nil {
		t.Fatalf("count cards failed: %v", err)
	}
	return total
}

func boolPtr(v bool) *bool { return &v }

func TestClaimOnEmptyProductIsInsufficient(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "empty")

	_, err := svc.allocator.Claim(context.Background(), ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o1"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestClaimValidation(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "validation")
	ctx := context.Background()

	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 0, OrderID: "o1"}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for zero, got %v", err)
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 11, OrderID: "o1"}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity above max, got %v", err)
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "  "}); !errors.Is(err, ErrOrderInvalid) {
		t.Fatalf("expected ErrOrderInvalid, got %v", err)
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: 999, Quantity: 1, OrderID: "o1"}); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	if err := svc.db.Model(product).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate product failed: %v", err)
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o1"}); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("inactive product must not be claimable, got %v", err)
	}
}

func TestClaimShortfallLeavesStockUnchanged(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "shortfall")
	now := time.Now().UTC()
	seedCardAt(t, svc.db, product.ID, "a", now)
	seedCardAt(t, svc.db, product.ID, "b", now)

	before := countCards(t, svc.db, product.ID, constants.CardStatusAvailable)
	_, err := svc.allocator.Claim(context.Background(), ClaimInput{ProductID: product.ID, Quantity: 3, OrderID: "o1"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if after := countCards(t, svc.db, product.ID, constants.CardStatusAvailable); after != before {
		t.Fatalf("available count changed: before=%d after=%d", before, after)
	}
	if locked := countCards(t, svc.db, product.ID, constants.CardStatusLocked); locked != 0 {
		t.Fatalf("no card may remain locked, got %d", locked)
	}
}

func TestConcurrentClaimsNeverOversell(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "oversell")
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	const stock = 10
	for i := 0; i < stock; i++ {
		seedCardAt(t, svc.db, product.ID, fmt.Sprintf("card-%02d", i), base.Add(time.Duration(i)*time.Second))
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		owners = map[uint]string{}
	)
	for i := 0; i < 25; i++ {
		orderID := fmt.Sprintf("order-%d", i)
		quantity := i%3 + 1
		g.Go(func() error {
			result, err := svc.allocator.Claim(context.Background(), ClaimInput{ProductID: product.ID, Quantity: quantity, OrderID: orderID})
			if errors.Is(err, ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(result.Cards) != quantity {
				return fmt.Errorf("order %s claimed %d cards, want %d", orderID, len(result.Cards), quantity)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, card := range result.Cards {
				if prev, ok := owners[card.ID]; ok {
					return fmt.Errorf("card %d claimed by %s and %s", card.ID, prev, orderID)
				}
				owners[card.ID] = orderID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent claim failed: %v", err)
	}
	if len(owners) > stock {
		t.Fatalf("oversold: %d > %d", len(owners), stock)
	}
	locked := countCards(t, svc.db, product.ID, constants.CardStatusLocked)
	if int(locked) != len(owners) {
		t.Fatalf("locked rows %d mismatch claimed %d", locked, len(owners))
	}
	if available := countCards(t, svc.db, product.ID, constants.CardStatusAvailable); available+locked != stock {
		t.Fatalf("cards lost: available=%d locked=%d", available, locked)
	}
}

func TestTwoConcurrentClaimsForLastTwoCards(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "last-two")
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	x := seedCardAt(t, svc.db, product.ID, "x", base)
	y := seedCardAt(t, svc.db, product.ID, "y", base.Add(time.Second))

	results := make([]*ClaimResult, 2)
	errs := make([]error, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			results[i], errs[i] = svc.allocator.Claim(context.Background(), ClaimInput{ProductID: product.ID, Quantity: 2, OrderID: fmt.Sprintf("o%d", i)})
			return nil
		})
	}
	_ = g.Wait()

	succeeded, insufficient := 0, 0
	for i := 0; i < 2; i++ {
		switch {
		case errs[i] == nil:
			succeeded++
			ids := results[i].CardIDs()
			if len(ids) != 2 || ids[0] != x.ID || ids[1] != y.ID {
				t.Fatalf("winner must hold x,y in FIFO order, got %v", ids)
			}
		case errors.Is(errs[i], ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected claim error: %v", errs[i])
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one winner, got succeeded=%d insufficient=%d", succeeded, insufficient)
	}
}

func TestReleaseReturnsCardForReclaim(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "release")
	c1 := seedCardAt(t, svc.db, product.ID, "c1", time.Now().UTC())

	claimed, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o1"})
	if err != nil || claimed.Cards[0].ID != c1.ID {
		t.Fatalf("claim failed: %v", err)
	}
	released, err := svc.allocator.Release(ctx, "o1")
	if err != nil || released != 1 {
		t.Fatalf("release failed: %v (%d)", err, released)
	}

	var card models.Card
	if err := svc.db.First(&card, c1.ID).Error; err != nil {
		t.Fatalf("load card failed: %v", err)
	}
	if _, err := card.State(); err != nil || !card.IsAvailable() || card.LockedAt != nil {
		t.Fatalf("released card must be clean available: %+v", card)
	}

	again, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o2"})
	if err != nil || again.Cards[0].ID != c1.ID {
		t.Fatalf("expected c1 to be claimable again: %v", err)
	}
}

func TestFinalizeAndReleaseAreIdempotent(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "idempotent")
	for _, content := range []string{"a", "b", "c"} {
		seedCardAt(t, svc.db, product.ID, content, time.Now().UTC())
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 2, OrderID: "paid"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	sold, err := svc.allocator.Finalize(ctx, "paid")
	if err != nil || sold != 2 {
		t.Fatalf("finalize failed: %v (%d)", err, sold)
	}
	var snapshot []models.Card
	svc.db.Order("id asc").Find(&snapshot)

	if again, err := svc.allocator.Finalize(ctx, "paid"); err != nil || again != 0 {
		t.Fatalf("second finalize must be a no-op: %v (%d)", err, again)
	}
	if released, err := svc.allocator.Release(ctx, "paid"); err != nil || released != 0 {
		t.Fatalf("release must never reverse a sale: %v (%d)", err, released)
	}
	var after []models.Card
	svc.db.Order("id asc").Find(&after)
	for i := range snapshot {
		if snapshot[i].Status != after[i].Status || !snapshot[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Fatalf("state changed after repeated calls: %+v vs %+v", snapshot[i], after[i])
		}
	}

	if n, err := svc.allocator.Finalize(ctx, "missing-order"); err != nil || n != 0 {
		t.Fatalf("unknown order must be a no-op: %v (%d)", err, n)
	}
	if n, err := svc.allocator.Release(ctx, "missing-order"); err != nil || n != 0 {
		t.Fatalf("unknown order must be a no-op: %v (%d)", err, n)
	}
}

type fakeSettlement struct {
	paid map[string]bool
}

func (f fakeSettlement) IsOrderPaid(_ context.Context, orderID string) (bool, error) {
	return f.paid[orderID], nil
}

func TestSweepExpiredLocks(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "sweep")
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		seedCardAt(t, svc.db, product.ID, fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Second))
	}

	svc.allocator.now = func() time.Time { return base }
	for _, orderID := range []string{"abandoned-1", "abandoned-2", "abandoned-3", "paid-late"} {
		if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: orderID}); err != nil {
			t.Fatalf("claim %s failed: %v", orderID, err)
		}
	}
	svc.allocator.now = func() time.Time { return base.Add(10 * time.Minute) }
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "fresh"}); err != nil {
		t.Fatalf("claim fresh failed: %v", err)
	}

	svc.allocator.SetSettlementChecker(fakeSettlement{paid: map[string]bool{"paid-late": true}})
	svc.allocator.now = func() time.Time { return base.Add(20 * time.Minute) }
	released, err := svc.allocator.SweepExpiredLocks(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if released != 3 {
		t.Fatalf("expected 3 abandoned cards released, got %d", released)
	}
	if locked := countCards(t, svc.db, product.ID, constants.CardStatusLocked); locked != 2 {
		t.Fatalf("paid and fresh locks must remain, got %d", locked)
	}

	again, err := svc.allocator.SweepExpiredLocks(ctx, 15*time.Minute)
	if err != nil || again != 0 {
		t.Fatalf("second sweep must release nothing: %v (%d)", err, again)
	}
}

func TestImportDeduplicatesWithinBatch(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "import-batch")

	result, err := svc.importer.ImportCards(context.Background(), ImportCardsInput{
		ProductID: product.ID,
		Content:   "a\nb\na\nc",
		Delimiter: constants.CardDelimiterNewline,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Stats.Imported != 3 || result.Stats.SkippedDuplicateInBatch != 1 || result.Stats.SkippedExistingInDB != 0 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if result.Batch == nil || result.Batch.ImportedCount != 3 || result.Batch.Source != constants.CardSourceText {
		t.Fatalf("unexpected batch: %+v", result.Batch)
	}
	if got := countCards(t, svc.db, product.ID, constants.CardStatusAvailable); got != 3 {
		t.Fatalf("expected 3 available cards, got %d", got)
	}
}

func TestImportSkipsExistingAvailableContent(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "import-existing")
	seedCardAt(t, svc.db, product.ID, "a", time.Now().UTC())

	result, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a,b, c ,b", Delimiter: constants.CardDelimiterComma})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Stats.Total != 4 || result.Stats.Imported != 2 || result.Stats.SkippedExistingInDB != 1 || result.Stats.SkippedDuplicateInBatch != 1 || result.Stats.Skipped != 2 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}

	var duplicates int64
	svc.db.Raw(`SELECT COUNT(*) FROM (SELECT content FROM cards WHERE product_id = ? AND status = ? GROUP BY content HAVING COUNT(*) > 1) d`,
		product.ID, constants.CardStatusAvailable).Scan(&duplicates)
	if duplicates != 0 {
		t.Fatalf("deduplicated import left %d duplicated contents", duplicates)
	}
}

func TestImportAllDuplicatesInsertsNothing(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "import-dupes")
	seedCardAt(t, svc.db, product.ID, "a", time.Now().UTC())

	result, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a\na"})
	if !errors.Is(err, ErrAllDuplicates) {
		t.Fatalf("expected ErrAllDuplicates, got %v", err)
	}
	if result == nil || result.Stats.Imported != 0 || result.Stats.Skipped != 2 {
		t.Fatalf("expected stats alongside ErrAllDuplicates, got %+v", result)
	}
	var batches int64
	svc.db.Model(&models.CardBatch{}).Count(&batches)
	if batches != 0 {
		t.Fatalf("no batch may be recorded, got %d", batches)
	}
	if got := countCards(t, svc.db, product.ID, constants.CardStatusAvailable); got != 1 {
		t.Fatalf("no card may be inserted, got %d", got)
	}
}

func TestImportWithoutDedupKeepsEverything(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "import-nodedup")
	seedCardAt(t, svc.db, product.ID, "a", time.Now().UTC())

	result, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a\na\nb", Deduplicate: boolPtr(false)})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Stats.Imported != 3 || result.Stats.Deduplicate || result.Stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if got := countCards(t, svc.db, product.ID, constants.CardStatusAvailable); got != 4 {
		t.Fatalf("expected 4 available cards, got %d", got)
	}
}

func TestImportValidation(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "import-validation")

	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a", Delimiter: "tab"}); !errors.Is(err, ErrInvalidDelimiter) {
		t.Fatalf("expected ErrInvalidDelimiter, got %v", err)
	}
	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: " \n \n"}); !errors.Is(err, ErrCardInvalid) {
		t.Fatalf("expected ErrCardInvalid for empty content, got %v", err)
	}
	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "ok\n" + string(make([]byte, 33))}); err == nil {
		t.Fatalf("expected error for oversized entry")
	}
	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: 404, Content: "a"}); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestImportCSVWithHeader(t *testing.T) {
	svc := setupCardServices(t)
	product := seedProduct(t, svc.db, "import-csv")

	csvBody := "\ufeffid,Secret\n1,KEY-1\n2,KEY-2\n3,KEY-1\n4,\n"
	result, err := svc.importer.ImportCSV(context.Background(), ImportCSVInput{ProductID: product.ID, Reader: stringsReader(csvBody)})
	if err != nil {
		t.Fatalf("csv import failed: %v", err)
	}
	if result.Stats.Imported != 2 || result.Stats.SkippedDuplicateInBatch != 1 || result.Batch.Source != constants.CardSourceCSV {
		t.Fatalf("unexpected csv result: %+v %+v", result.Stats, result.Batch)
	}
}

func TestCreateCardDedupContract(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "create")

	card, err := svc.importer.CreateCard(ctx, CreateCardInput{ProductID: product.ID, Content: "  single  "})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if card.Content != "single" || card.BatchID == nil || !card.IsAvailable() {
		t.Fatalf("unexpected card: %+v", card)
	}
	if _, err := svc.importer.CreateCard(ctx, CreateCardInput{ProductID: product.ID, Content: "single"}); !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent, got %v", err)
	}
	if _, err := svc.importer.CreateCard(ctx, CreateCardInput{ProductID: product.ID, Content: "single", Deduplicate: boolPtr(false)}); err != nil {
		t.Fatalf("create without dedup failed: %v", err)
	}

	// 已售内容不参与去重
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 2, OrderID: "o1"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := svc.allocator.Finalize(ctx, "o1"); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := svc.importer.CreateCard(ctx, CreateCardInput{ProductID: product.ID, Content: "single"}); err != nil {
		t.Fatalf("sold content must not block a new card: %v", err)
	}
}

func TestUpdateContentRules(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "update")
	now := time.Now().UTC()
	a := seedCardAt(t, svc.db, product.ID, "a", now)
	b := seedCardAt(t, svc.db, product.ID, "b", now.Add(time.Second))

	updated, err := svc.lifecycle.UpdateContent(ctx, a.ID, " a2 ")
	if err != nil || updated.Content != "a2" {
		t.Fatalf("update failed: %v %+v", err, updated)
	}
	if _, err := svc.lifecycle.UpdateContent(ctx, a.ID, "b"); !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent, got %v", err)
	}
	if _, err := svc.lifecycle.UpdateContent(ctx, 9999, "z"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}

	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 2, OrderID: "o1"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	for _, id := range []uint{a.ID, b.ID} {
		if _, err := svc.lifecycle.UpdateContent(ctx, id, "locked-edit"); !errors.Is(err, ErrCardLocked) {
			t.Fatalf("expected ErrCardLocked for locked card, got %v", err)
		}
	}
	if _, err := svc.allocator.Finalize(ctx, "o1"); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := svc.lifecycle.UpdateContent(ctx, b.ID, "sold-edit"); !errors.Is(err, ErrCardLocked) {
		t.Fatalf("expected ErrCardLocked for sold card, got %v", err)
	}
	var card models.Card
	svc.db.First(&card, b.ID)
	if card.Content != "b" {
		t.Fatalf("sold card content must not change, got %q", card.Content)
	}
}

// claimBeforeTxRepo 在事务开始前抢占卡密，模拟读取与写入之间的并发下单
type claimBeforeTxRepo struct {
	repository.CardRepository
	productID uint
	orderID   string
}

func (r *claimBeforeTxRepo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if _, err := r.CardRepository.ClaimAvailable(ctx, r.productID, 1, r.orderID, time.Now().UTC()); err != nil {
		return err
	}
	return r.CardRepository.Transaction(ctx, fn)
}

func TestUpdateContentReportsLockedWhenClaimedConcurrently(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "update-race")
	now := time.Now().UTC()
	target := seedCardAt(t, svc.db, product.ID, "a", now)
	seedCardAt(t, svc.db, product.ID, "b", now.Add(time.Second))

	repo := &claimBeforeTxRepo{
		CardRepository: repository.NewCardRepository(svc.db),
		productID:      product.ID,
		orderID:        "racer",
	}
	lifecycle := NewCardLifecycleService(repo, svc.statsCache, CardInventoryOptions{ContentMaxLength: 32})

	if _, err := lifecycle.UpdateContent(ctx, target.ID, "b"); !errors.Is(err, ErrCardLocked) {
		t.Fatalf("expected ErrCardLocked for a card claimed mid-update, got %v", err)
	}
	var card models.Card
	if err := svc.db.First(&card, target.ID).Error; err != nil {
		t.Fatalf("reload card failed: %v", err)
	}
	if card.Status != constants.CardStatusLocked || card.Content != "a" {
		t.Fatalf("unexpected card after rejected update: status=%s content=%s", card.Status, card.Content)
	}
}

func TestDeleteAndResetOnlyTouchSafeCards(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "delete-reset")
	now := time.Now().UTC()
	a := seedCardAt(t, svc.db, product.ID, "a", now)
	b := seedCardAt(t, svc.db, product.ID, "b", now.Add(time.Second))
	c := seedCardAt(t, svc.db, product.ID, "c", now.Add(2*time.Second))

	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "locked"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "sold"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := svc.allocator.Finalize(ctx, "sold"); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	deleted, err := svc.lifecycle.DeleteCards(ctx, []uint{a.ID, b.ID, c.ID, c.ID})
	if err != nil || deleted != 1 {
		t.Fatalf("expected only c deleted: %v (%d)", err, deleted)
	}
	reset, err := svc.lifecycle.ResetLocked(ctx, []uint{a.ID, b.ID})
	if err != nil || reset != 1 {
		t.Fatalf("expected only a reset: %v (%d)", err, reset)
	}
	if sold := countCards(t, svc.db, product.ID, constants.CardStatusSold); sold != 1 {
		t.Fatalf("sold card must be untouched, got %d", sold)
	}
	if _, err := svc.lifecycle.DeleteCards(ctx, nil); !errors.Is(err, ErrCardInvalid) {
		t.Fatalf("expected ErrCardInvalid for empty ids, got %v", err)
	}
}

func TestDedupeKeepsEarliestAndIsIdempotent(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "dedupe")
	t1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	first := seedCardAt(t, svc.db, product.ID, "a", t1)
	second := seedCardAt(t, svc.db, product.ID, "a", t2)

	preview, err := svc.cleanup.PreviewDuplicates(ctx, product.ID)
	if err != nil || len(preview) != 1 || preview[0] != second.ID {
		t.Fatalf("unexpected preview: %v %v", preview, err)
	}

	removed, err := svc.cleanup.Dedupe(ctx, product.ID)
	if err != nil || removed != 1 {
		t.Fatalf("dedupe failed: %v (%d)", err, removed)
	}
	var remaining []models.Card
	svc.db.Where("product_id = ?", product.ID).Find(&remaining)
	if len(remaining) != 1 || remaining[0].ID != first.ID {
		t.Fatalf("expected earliest card kept, got %+v", remaining)
	}

	again, err := svc.cleanup.Dedupe(ctx, product.ID)
	if err != nil || again != 0 {
		t.Fatalf("second dedupe must remove nothing: %v (%d)", err, again)
	}
	if err := svc.cleanup.DedupeAsync(ctx, product.ID); err != nil {
		t.Fatalf("dedupe async without queue must run inline: %v", err)
	}
	if _, err := svc.cleanup.Dedupe(ctx, 404); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestStatsCacheIsInvalidatedOnWrites(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "stats")

	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a\nb\nc"}); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	stats, err := svc.query.GetStats(ctx, product.ID)
	if err != nil || stats.Available != 3 || stats.Total != 3 {
		t.Fatalf("unexpected stats: %+v %v", stats, err)
	}

	before := svc.statsCache.invalidations(product.ID)
	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o1"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if svc.statsCache.invalidations(product.ID) != before+1 {
		t.Fatalf("claim must invalidate stats cache")
	}
	stats, err = svc.query.GetStats(ctx, product.ID)
	if err != nil || stats.Available != 2 || stats.Locked != 1 || stats.Total != 3 {
		t.Fatalf("stats must reflect claim: %+v %v", stats, err)
	}

	available, err := svc.query.AvailableByProducts(ctx, []uint{product.ID, 404})
	if err != nil || available[product.ID] != 2 || available[404] != 0 {
		t.Fatalf("unexpected available map: %+v %v", available, err)
	}
}

// claimAfterCountRepo 统计完成后、写缓存前插入一次下单
type claimAfterCountRepo struct {
	repository.CardRepository
	claim func()
}

func (r *claimAfterCountRepo) CountStatusByProductIDs(ctx context.Context, productIDs []uint) ([]repository.CardStatusCount, error) {
	rows, err := r.CardRepository.CountStatusByProductIDs(ctx, productIDs)
	if err == nil && r.claim != nil {
		r.claim()
		r.claim = nil
	}
	return rows, err
}

func TestStatsSnapshotReadBeforeClaimIsNotCached(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "stats-race")
	if _, err := svc.importer.ImportCards(ctx, ImportCardsInput{ProductID: product.ID, Content: "a\nb"}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	repo := &claimAfterCountRepo{CardRepository: repository.NewCardRepository(svc.db)}
	repo.claim = func() {
		if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o-race"}); err != nil {
			t.Errorf("claim failed: %v", err)
		}
	}
	query := NewCardQueryService(repo, repository.NewProductRepository(svc.db), svc.statsCache, CardInventoryOptions{})

	stale, err := query.GetStats(ctx, product.ID)
	if err != nil || stale.Available != 2 {
		t.Fatalf("unexpected first stats: %+v %v", stale, err)
	}
	var cached CardStats
	if hit, _ := svc.statsCache.GetCardStats(ctx, product.ID, &cached); hit {
		t.Fatalf("stats read before the claim must not be cached: %+v", cached)
	}
	fresh, err := query.GetStats(ctx, product.ID)
	if err != nil || fresh.Available != 1 || fresh.Locked != 1 {
		t.Fatalf("stats must reflect claim: %+v %v", fresh, err)
	}
}

func TestExportAndList(t *testing.T) {
	svc := setupCardServices(t)
	ctx := context.Background()
	product := seedProduct(t, svc.db, "export")
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedCardAt(t, svc.db, product.ID, "first", base)
	seedCardAt(t, svc.db, product.ID, "second", base.Add(time.Minute))

	if _, err := svc.allocator.Claim(ctx, ClaimInput{ProductID: product.ID, Quantity: 1, OrderID: "o1"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := svc.allocator.Finalize(ctx, "o1"); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	rows, err := svc.query.Export(ctx, product.ID, constants.CardStatusSold)
	if err != nil || len(rows) != 1 || rows[0].Content != "first" || rows[0].SoldAt == nil {
		t.Fatalf("sold export must carry full content: %+v %v", rows, err)
	}
	rows, err = svc.query.Export(ctx, product.ID, "")
	if err != nil || len(rows) != 2 || rows[0].Content != "second" || rows[1].Content != "first" {
		t.Fatalf("export must list newest first: %+v %v", rows, err)
	}
	if _, err := svc.query.Export(ctx, product.ID, "bogus"); !errors.Is(err, ErrCardInvalid) {
		t.Fatalf("expected ErrCardInvalid for bad status, got %v", err)
	}

	items, total, err := svc.query.ListCards(ctx, ListCardsInput{ProductID: product.ID})
	if err != nil || total != 2 || items[0].Status != constants.CardStatusAvailable {
		t.Fatalf("expected available first: %+v %v", items, err)
	}
}

func TestStoreFailureIsInfrastructureError(t *testing.T) {
	svc := setupCardServices(t)
	sqlDB, err := svc.db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	_ = sqlDB.Close()

	_, err = svc.allocator.Finalize(context.Background(), "o1")
	if !errors.Is(err, ErrInventoryStore) {
		t.Fatalf("expected ErrInventoryStore, got %v", err)
	}
	if errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("store failure must not look like a stock shortage")
	}
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
