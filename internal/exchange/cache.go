package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/reconciliation"
)

const cacheKeyPrefix = "ledger:exchange_balance:"

// CachedProvider is a read-through redis cache in front of another provider. Only
// successful fetches are cached; a redis failure falls back to the inner provider.
type CachedProvider struct {
	inner  reconciliation.ExchangeBalanceProvider
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedProvider caches successful inner balances in redis for ttl.
func NewCachedProvider(inner reconciliation.ExchangeBalanceProvider, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedProvider{inner: inner, client: client, ttl: ttl, logger: logger.Named("balance_cache")}
}

// NewRedisClient creates a client and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func cacheKey(exchangeID, asset string) string {
	return cacheKeyPrefix + exchangeID + ":" + asset
}

func (p *CachedProvider) GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	key := cacheKey(exchangeID, asset)

	cached, err := p.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if balance, perr := decimal.NewFromString(cached); perr == nil {
			return balance, nil
		}
		p.logger.Warn("discarding malformed cached balance", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		p.logger.Warn("balance cache read failed", zap.String("key", key), zap.Error(err))
	}

	balance, err := p.inner.GetBalance(ctx, exchangeID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.client.Set(ctx, key, balance.String(), p.ttl).Err(); err != nil {
		p.logger.Warn("balance cache write failed", zap.String("key", key), zap.Error(err))
	}
	return balance, nil
}

// Invalidate drops the cached balance of a pair.
func (p *CachedProvider) Invalidate(ctx context.Context, exchangeID, asset string) error {
	return p.client.Del(ctx, cacheKey(exchangeID, asset)).Err()
}

var _ reconciliation.CacheInvalidator = (*CachedProvider)(nil)
