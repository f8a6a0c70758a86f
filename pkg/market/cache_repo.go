// 文件: pkg/market/cache_repo.go
// 市场 Redis 缓存层
//
// 装饰器包装底层 MarketRepository，调用方只看接口。
// 读: 先 Redis，miss 回源并回填；写: 先 DB，成功后删缓存。
// 行情字段更新频繁，单市场缓存用短 TTL 而不是每笔成交都删。

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyMarket     = "pm:market:%d"
	cacheKeyActiveList = "pm:markets:active"

	marketCacheTTL = 5 * time.Second // 行情在变，短 TTL
	listCacheTTL   = time.Minute
)

// CachedMarketRepository Redis 缓存装饰器
type CachedMarketRepository struct {
	repo  MarketRepository
	redis *redis.Client
}

var _ MarketRepository = (*CachedMarketRepository)(nil)

func NewCachedMarketRepository(repo MarketRepository, rds *redis.Client) *CachedMarketRepository {
	return &CachedMarketRepository{repo: repo, redis: rds}
}

// =============================================================================
// 读
// =============================================================================

func (r *CachedMarketRepository) GetByID(ctx context.Context, id int64) (*Market, error) {
	key := fmt.Sprintf(cacheKeyMarket, id)

	if data, err := r.redis.Get(ctx, key).Bytes(); err == nil {
		var m Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	go r.setCache(context.Background(), key, m, marketCacheTTL)
	return m, nil
}

func (r *CachedMarketRepository) ListByStatus(ctx context.Context, status MarketStatus) ([]*Market, error) {
	if status != StatusActive {
		return r.repo.ListByStatus(ctx, status)
	}

	if data, err := r.redis.Get(ctx, cacheKeyActiveList).Bytes(); err == nil {
		var markets []*Market
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	}

	markets, err := r.repo.ListByStatus(ctx, StatusActive)
	if err != nil {
		return nil, err
	}

	go func() {
		if data, err := json.Marshal(markets); err == nil {
			r.redis.Set(context.Background(), cacheKeyActiveList, data, listCacheTTL)
		}
	}()
	return markets, nil
}

func (r *CachedMarketRepository) List(ctx context.Context, limit int) ([]*Market, error) {
	return r.repo.List(ctx, limit)
}

// =============================================================================
// 写
// =============================================================================

func (r *CachedMarketRepository) Create(ctx context.Context, m *Market) error {
	if err := r.repo.Create(ctx, m); err != nil {
		return err
	}
	r.redis.Del(ctx, cacheKeyActiveList)
	return nil
}

func (r *CachedMarketRepository) UpdateStatus(ctx context.Context, id int64, from, to MarketStatus) error {
	if err := r.repo.UpdateStatus(ctx, id, from, to); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedMarketRepository) SetResolution(ctx context.Context, id int64, resolution Resolution) error {
	if err := r.repo.SetResolution(ctx, id, resolution); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

// UpdateQuotes 行情更新不删单市场缓存，靠短 TTL 过期
func (r *CachedMarketRepository) UpdateQuotes(ctx context.Context, id int64, yesPrice, noPrice, volumeDelta, sharesDelta int64) error {
	return r.repo.UpdateQuotes(ctx, id, yesPrice, noPrice, volumeDelta, sharesDelta)
}

// =============================================================================
// 缓存操作
// =============================================================================

func (r *CachedMarketRepository) setCache(ctx context.Context, key string, m *Market, ttl time.Duration) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	r.redis.Set(ctx, key, data, ttl)
}

func (r *CachedMarketRepository) invalidate(ctx context.Context, id int64) {
	r.redis.Del(ctx, fmt.Sprintf(cacheKeyMarket, id))
	r.redis.Del(ctx, cacheKeyActiveList)
}
