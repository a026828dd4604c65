package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CardStatsStore 商品库存统计缓存
//
// 每次失效都会递增版本号，快照只在版本未变化时写入，
// 避免失效前读到的旧统计在失效后回填。
type CardStatsStore struct{}

// NewCardStatsStore 创建库存统计缓存，Redis 未启用时返回 nil
func NewCardStatsStore() *CardStatsStore {
	if !Enabled() {
		return nil
	}
	return &CardStatsStore{}
}

var setCardStatsScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	current = "0"
end
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

func cardStatsKey(productID uint) string {
	return fmt.Sprintf("card:stats:%d", productID)
}

func cardStatsVersionKey(productID uint) string {
	return fmt.Sprintf("card:stats:ver:%d", productID)
}

// CardStatsVersion 读取统计版本号，未写入过时为 0
func (s *CardStatsStore) CardStatsVersion(ctx context.Context, productID uint) (int64, error) {
	if s == nil || productID == 0 || !Enabled() {
		return 0, nil
	}
	version, err := redisClient.Get(ctx, buildKey(cardStatsVersionKey(productID))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return version, err
}

// GetCardStats 读取统计快照
func (s *CardStatsStore) GetCardStats(ctx context.Context, productID uint, dest interface{}) (bool, error) {
	if s == nil || productID == 0 {
		return false, nil
	}
	return GetJSON(ctx, cardStatsKey(productID), dest)
}

// SetCardStats 版本号仍为 version 时写入统计快照，返回是否写入
func (s *CardStatsStore) SetCardStats(ctx context.Context, productID uint, version int64, value interface{}, ttl time.Duration) (bool, error) {
	if s == nil || productID == 0 || !Enabled() {
		return false, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	keys := []string{buildKey(cardStatsVersionKey(productID)), buildKey(cardStatsKey(productID))}
	written, err := setCardStatsScript.Run(ctx, redisClient, keys, version, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// InvalidateCardStats 递增版本号并删除统计快照
func (s *CardStatsStore) InvalidateCardStats(ctx context.Context, productIDs ...uint) error {
	if s == nil || len(productIDs) == 0 || !Enabled() {
		return nil
	}
	_, err := redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range productIDs {
			if id == 0 {
				continue
			}
			pipe.Incr(ctx, buildKey(cardStatsVersionKey(id)))
			pipe.Del(ctx, buildKey(cardStatsKey(id)))
		}
		return nil
	})
	return err
}
