package service

import (
	"sort"
	"strings"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/models"
)

// BatchDedupResult 批内去重结果
type BatchDedupResult struct {
	Unique           []string // 保留首次出现顺序
	DuplicateInBatch int
}

// SplitCardContent 按分隔符切分原始文本，换行同时兼容 \r\n
func SplitCardContent(raw, delimiter string) ([]string, error) {
	switch strings.TrimSpace(delimiter) {
	case "", constants.CardDelimiterNewline:
		return strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n"), nil
	case constants.CardDelimiterComma:
		return strings.Split(raw, ","), nil
	default:
		return nil, ErrInvalidDelimiter
	}
}

// NormalizeCandidates 去除首尾空白并丢弃空条目
func NormalizeCandidates(values []string) []string {
	result := make([]string, 0, len(values))
	for _, val := range values {
		trimmed := strings.TrimSpace(strings.TrimPrefix(val, "\ufeff"))
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

// DedupeBatch 批内去重，保留首次出现
func DedupeBatch(candidates []string) BatchDedupResult {
	seen := make(map[string]struct{}, len(candidates))
	unique := make([]string, 0, len(candidates))
	for _, val := range candidates {
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		unique = append(unique, val)
	}
	return BatchDedupResult{
		Unique:           unique,
		DuplicateInBatch: len(candidates) - len(unique),
	}
}

// ExcludeExisting 剔除已存在于库存中的内容，返回剩余条目与被剔除数量
func ExcludeExisting(candidates, existing []string) ([]string, int) {
	if len(existing) == 0 {
		return candidates, 0
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, val := range existing {
		existingSet[val] = struct{}{}
	}
	remaining := make([]string, 0, len(candidates))
	for _, val := range candidates {
		if _, ok := existingSet[val]; ok {
			continue
		}
		remaining = append(remaining, val)
	}
	return remaining, len(candidates) - len(remaining)
}

// RedundantCardIDs 同内容的卡密按创建时间分组，返回除最早一张外的全部 ID
func RedundantCardIDs(cards []models.Card) []uint {
	sorted := make([]models.Card, len(cards))
	copy(sorted, cards)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	kept := make(map[string]struct{}, len(sorted))
	redundant := make([]uint, 0)
	for _, card := range sorted {
		if _, ok := kept[card.Content]; ok {
			redundant = append(redundant, card.ID)
			continue
		}
		kept[card.Content] = struct{}{}
	}
	return redundant
}
