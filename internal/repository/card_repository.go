package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimShortfall 可售卡密不足以满足本次占用，事务已回滚
var ErrClaimShortfall = errors.New("claim shortfall")

const (
	contentLookupChunkSize = 500
	cardInsertBatchSize    = 500
	// importLockNamespace 导入咨询锁命名空间（"CARD"）
	importLockNamespace uint32 = 0x43415244
)

// CardRepository 卡密库存数据访问接口
type CardRepository interface {
	WithTx(tx *gorm.DB) CardRepository
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	Create(ctx context.Context, card *models.Card) error
	CreateBatch(ctx context.Context, items []models.Card) error
	GetByID(ctx context.Context, id uint) (*models.Card, error)
	List(ctx context.Context, filter CardListFilter) ([]models.Card, int64, error)
	ListForExport(ctx context.Context, productID uint, status string) ([]CardExportRow, error)
	CountStatusByProductIDs(ctx context.Context, productIDs []uint) ([]CardStatusCount, error)
	CountAvailableByProductIDs(ctx context.Context, productIDs []uint) (map[uint]int64, error)
	FindAvailableContents(ctx context.Context, productID uint, contents []string) ([]string, error)
	ExistsAvailableContent(ctx context.Context, productID uint, content string, excludeID uint) (bool, error)
	LockProductForImport(ctx context.Context, productID uint) error
	ClaimAvailable(ctx context.Context, productID uint, quantity int, orderID string, lockedAt time.Time) ([]models.Card, error)
	FinalizeByOrder(ctx context.Context, orderID string, soldAt time.Time) ([]models.Card, error)
	ReleaseByOrder(ctx context.Context, orderID string, releasedAt time.Time) ([]models.Card, error)
	ReleaseLockedByIDs(ctx context.Context, ids []uint, releasedAt time.Time) ([]models.Card, error)
	ListExpiredLockedOrders(ctx context.Context, cutoff time.Time, afterOrderID string, limit int) ([]string, error)
	ReleaseExpiredByOrder(ctx context.Context, orderID string, cutoff, releasedAt time.Time) ([]models.Card, error)
	UpdateAvailableContent(ctx context.Context, id uint, content string, updatedAt time.Time) (int64, error)
	DeleteAvailableByIDs(ctx context.Context, ids []uint) ([]models.Card, error)
	ListAvailableForDedupe(ctx context.Context, productID uint) ([]models.Card, error)
	DeleteDuplicateAvailable(ctx context.Context, productID uint) (int64, error)
}

// GormCardRepository GORM 实现
type GormCardRepository struct {
	db *gorm.DB
}

// NewCardRepository 创建卡密仓库
func NewCardRepository(db *gorm.DB) *GormCardRepository {
	return &GormCardRepository{db: db}
}

// WithTx 绑定事务
func (r *GormCardRepository) WithTx(tx *gorm.DB) CardRepository {
	if tx == nil {
		return r
	}
	return &GormCardRepository{db: tx}
}

// Transaction 执行事务
func (r *GormCardRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// Create 创建单张卡密
func (r *GormCardRepository) Create(ctx context.Context, card *models.Card) error {
	if card == nil {
		return errors.New("card is nil")
	}
	return r.db.WithContext(ctx).Create(card).Error
}

// CreateBatch 批量创建卡密
func (r *GormCardRepository) CreateBatch(ctx context.Context, items []models.Card) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&items, cardInsertBatchSize).Error
}

// GetByID 获取卡密
func (r *GormCardRepository) GetByID(ctx context.Context, id uint) (*models.Card, error) {
	var card models.Card
	if err := r.db.WithContext(ctx).First(&card, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &card, nil
}

// List 卡密列表，按状态、创建时间倒序
func (r *GormCardRepository) List(ctx context.Context, filter CardListFilter) ([]models.Card, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Card{})
	if filter.ProductID > 0 {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if orderID := strings.TrimSpace(filter.OrderID); orderID != "" {
		query = query.Where("order_id = ?", orderID)
	}
	if keyword := strings.TrimSpace(filter.Search); keyword != "" {
		query = query.Where(containsLikeCondition(dbDialectName(r.db), "content"), containsLikeArg(keyword))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var items []models.Card
	if err := query.Order("status asc").Order("created_at desc").Order("id desc").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListForExport 导出商品卡密，售出卡密返回完整内容
func (r *GormCardRepository) ListForExport(ctx context.Context, productID uint, status string) ([]CardExportRow, error) {
	if productID == 0 {
		return nil, errors.New("invalid product id")
	}
	query := r.db.WithContext(ctx).Model(&models.Card{}).
		Select("content, status, created_at, sold_at").
		Where("product_id = ?", productID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var rows []CardExportRow
	// 最新导入的在前
	if err := query.Order("created_at desc").Order("id desc").Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountStatusByProductIDs 按商品与状态分组统计
func (r *GormCardRepository) CountStatusByProductIDs(ctx context.Context, productIDs []uint) ([]CardStatusCount, error) {
	if len(productIDs) == 0 {
		return []CardStatusCount{}, nil
	}
	var rows []CardStatusCount
	if err := r.db.WithContext(ctx).Model(&models.Card{}).
		Select("product_id, status, COUNT(*) as total").
		Where("product_id IN ?", productIDs).
		Group("product_id, status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountAvailableByProductIDs 批量统计可售库存
func (r *GormCardRepository) CountAvailableByProductIDs(ctx context.Context, productIDs []uint) (map[uint]int64, error) {
	result := make(map[uint]int64, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	var rows []CardStatusCount
	if err := r.db.WithContext(ctx).Model(&models.Card{}).
		Select("product_id, COUNT(*) as total").
		Where("product_id IN ? AND status = ?", productIDs, constants.CardStatusAvailable).
		Group("product_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.ProductID] = row.Total
	}
	return result, nil
}

// FindAvailableContents 返回 contents 中已作为可售卡密存在的内容
func (r *GormCardRepository) FindAvailableContents(ctx context.Context, productID uint, contents []string) ([]string, error) {
	if productID == 0 {
		return nil, errors.New("invalid product id")
	}
	existing := make([]string, 0)
	for start := 0; start < len(contents); start += contentLookupChunkSize {
		end := start + contentLookupChunkSize
		if end > len(contents) {
			end = len(contents)
		}
		var chunk []string
		if err := r.db.WithContext(ctx).Model(&models.Card{}).
			Where("product_id = ? AND status = ? AND content IN ?", productID, constants.CardStatusAvailable, contents[start:end]).
			Distinct().
			Pluck("content", &chunk).Error; err != nil {
			return nil, err
		}
		existing = append(existing, chunk...)
	}
	return existing, nil
}

// ExistsAvailableContent 判断商品下是否已有相同内容的可售卡密
func (r *GormCardRepository) ExistsAvailableContent(ctx context.Context, productID uint, content string, excludeID uint) (bool, error) {
	query := r.db.WithContext(ctx).Model(&models.Card{}).
		Where("product_id = ? AND status = ? AND content = ?", productID, constants.CardStatusAvailable, content)
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// LockProductForImport 在当前事务内串行化同一商品的导入与改写（仅 postgres 生效，sqlite 写事务天然串行）
func (r *GormCardRepository) LockProductForImport(ctx context.Context, productID uint) error {
	if !isPostgresDialect(dbDialectName(r.db)) {
		return nil
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockKey(importLockNamespace, productID)).Error
}

// ClaimAvailable 以单条条件更新按 FIFO 占用 quantity 张可售卡密，不足时整体回滚
func (r *GormCardRepository) ClaimAvailable(ctx context.Context, productID uint, quantity int, orderID string, lockedAt time.Time) ([]models.Card, error) {
	if productID == 0 {
		return nil, errors.New("invalid product id")
	}
	if quantity <= 0 {
		return nil, errors.New("invalid quantity")
	}
	if orderID == "" {
		return nil, errors.New("invalid order id")
	}

	claimed, err := r.claimOnce(ctx, productID, quantity, orderID, lockedAt, true)
	// SKIP LOCKED 会跳过其他未提交事务持有的行，短缺时以阻塞方式重试一次
	if errors.Is(err, ErrClaimShortfall) && isPostgresDialect(dbDialectName(r.db)) {
		claimed, err = r.claimOnce(ctx, productID, quantity, orderID, lockedAt, false)
	}
	if err != nil {
		return nil, err
	}
	sortCardsFIFO(claimed)
	return claimed, nil
}

func (r *GormCardRepository) claimOnce(ctx context.Context, productID uint, quantity int, orderID string, lockedAt time.Time, skipLocked bool) ([]models.Card, error) {
	var claimed []models.Card
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates := tx.Model(&models.Card{}).
			Select("id").
			Where("product_id = ? AND status = ?", productID, constants.CardStatusAvailable).
			Order("created_at asc").Order("id asc").
			Limit(quantity)
		if isPostgresDialect(dbDialectName(tx)) {
			locking := clause.Locking{Strength: "UPDATE"}
			if skipLocked {
				locking.Options = "SKIP LOCKED"
			}
			candidates = candidates.Clauses(locking)
		}

		result := tx.Model(&claimed).
			Clauses(clause.Returning{}).
			Where("id IN (?) AND status = ?", candidates, constants.CardStatusAvailable).
			Updates(models.StateColumns(models.LockedState{OrderID: orderID, LockedAt: lockedAt}, lockedAt))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected < int64(quantity) {
			return ErrClaimShortfall
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinalizeByOrder 订单已支付：locked -> sold，重复调用无副作用
func (r *GormCardRepository) FinalizeByOrder(ctx context.Context, orderID string, soldAt time.Time) ([]models.Card, error) {
	if orderID == "" {
		return nil, errors.New("invalid order id")
	}
	var sold []models.Card
	err := r.db.WithContext(ctx).Model(&sold).
		Clauses(clause.Returning{}).
		Where("order_id = ? AND status = ?", orderID, constants.CardStatusLocked).
		Updates(models.StateColumns(models.SoldState{OrderID: orderID, SoldAt: soldAt}, soldAt)).Error
	if err != nil {
		return nil, err
	}
	return sold, nil
}

// ReleaseByOrder 订单取消或失败：locked -> available，已售卡密不受影响
func (r *GormCardRepository) ReleaseByOrder(ctx context.Context, orderID string, releasedAt time.Time) ([]models.Card, error) {
	if orderID == "" {
		return nil, errors.New("invalid order id")
	}
	var released []models.Card
	err := r.db.WithContext(ctx).Model(&released).
		Clauses(clause.Returning{}).
		Where("order_id = ? AND status = ?", orderID, constants.CardStatusLocked).
		Updates(models.StateColumns(models.AvailableState{}, releasedAt)).Error
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ReleaseLockedByIDs 按卡密 ID 重置锁定，非 locked 的卡密保持不变
func (r *GormCardRepository) ReleaseLockedByIDs(ctx context.Context, ids []uint, releasedAt time.Time) ([]models.Card, error) {
	if len(ids) == 0 {
		return []models.Card{}, nil
	}
	var released []models.Card
	err := r.db.WithContext(ctx).Model(&released).
		Clauses(clause.Returning{}).
		Where("id IN ? AND status = ?", ids, constants.CardStatusLocked).
		Updates(models.StateColumns(models.AvailableState{}, releasedAt)).Error
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ListExpiredLockedOrders 按订单号升序列出锁定超时的订单，afterOrderID 用于翻页
func (r *GormCardRepository) ListExpiredLockedOrders(ctx context.Context, cutoff time.Time, afterOrderID string, limit int) ([]string, error) {
	query := r.db.WithContext(ctx).Model(&models.Card{}).
		Where("status = ? AND locked_at < ?", constants.CardStatusLocked, cutoff)
	if afterOrderID != "" {
		query = query.Where("order_id > ?", afterOrderID)
	}
	query = query.Distinct().Order("order_id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var orderIDs []string
	if err := query.Pluck("order_id", &orderIDs).Error; err != nil {
		return nil, err
	}
	return orderIDs, nil
}

// ReleaseExpiredByOrder 释放订单中锁定早于 cutoff 的卡密
func (r *GormCardRepository) ReleaseExpiredByOrder(ctx context.Context, orderID string, cutoff, releasedAt time.Time) ([]models.Card, error) {
	if orderID == "" {
		return nil, errors.New("invalid order id")
	}
	var released []models.Card
	err := r.db.WithContext(ctx).Model(&released).
		Clauses(clause.Returning{}).
		Where("order_id = ? AND status = ? AND locked_at < ?", orderID, constants.CardStatusLocked, cutoff).
		Updates(models.StateColumns(models.AvailableState{}, releasedAt)).Error
	if err != nil {
		return nil, err
	}
	return released, nil
}

// UpdateAvailableContent 修改可售且未绑定订单的卡密内容，返回受影响行数
func (r *GormCardRepository) UpdateAvailableContent(ctx context.Context, id uint, content string, updatedAt time.Time) (int64, error) {
	if id == 0 {
		return 0, errors.New("invalid card id")
	}
	result := r.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ? AND status = ? AND order_id IS NULL", id, constants.CardStatusAvailable).
		Updates(map[string]interface{}{
			"content":    content,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteAvailableByIDs 仅删除可售且未绑定订单的卡密，返回实际删除的行
func (r *GormCardRepository) DeleteAvailableByIDs(ctx context.Context, ids []uint) ([]models.Card, error) {
	if len(ids) == 0 {
		return []models.Card{}, nil
	}
	var deleted []models.Card
	err := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id IN ? AND status = ? AND order_id IS NULL", ids, constants.CardStatusAvailable).
		Delete(&deleted).Error
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ListAvailableForDedupe 列出商品下可去重的卡密（仅 id、内容与创建时间）
func (r *GormCardRepository) ListAvailableForDedupe(ctx context.Context, productID uint) ([]models.Card, error) {
	if productID == 0 {
		return nil, errors.New("invalid product id")
	}
	var items []models.Card
	if err := r.db.WithContext(ctx).
		Select("id, product_id, content, created_at").
		Where("product_id = ? AND status = ? AND order_id IS NULL", productID, constants.CardStatusAvailable).
		Order("created_at asc").Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

const deleteDuplicateAvailableSQL = `
DELETE FROM cards
WHERE id IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY content ORDER BY created_at ASC, id ASC) AS rn
		FROM cards
		WHERE product_id = ? AND status = ? AND order_id IS NULL
	) ranked
	WHERE ranked.rn > 1
)
AND status = ? AND order_id IS NULL`

// DeleteDuplicateAvailable 同一商品内相同内容的可售卡密仅保留最早创建的一张
func (r *GormCardRepository) DeleteDuplicateAvailable(ctx context.Context, productID uint) (int64, error) {
	if productID == 0 {
		return 0, errors.New("invalid product id")
	}
	result := r.db.WithContext(ctx).Exec(deleteDuplicateAvailableSQL,
		productID, constants.CardStatusAvailable, constants.CardStatusAvailable)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func sortCardsFIFO(items []models.Card) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
