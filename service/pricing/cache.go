package pricing

import (
	"context"
	"time"

	"github.com/brojonat/beanroast/service/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// CachingPriceClient remembers historical quotes in memory. Past days do not
// change, so a long-lived process (the worker) fetches each one once.
// Latest prices always go to the provider.
type CachingPriceClient struct {
	inner   PriceClient
	history *cache.Cache
	metrics *metrics.Metrics
}

// NewCachingPriceClient wraps inner. A nil history cache gets a private one.
func NewCachingPriceClient(inner PriceClient, history *cache.Cache, m *metrics.Metrics) *CachingPriceClient {
	if history == nil {
		history = NewHistoryCache()
	}
	return &CachingPriceClient{inner: inner, history: history, metrics: m}
}

// NewHistoryCache returns a cache sized for historical quotes.
func NewHistoryCache() *cache.Cache {
	return cache.New(24*time.Hour, time.Hour)
}

func historyKey(id string, day time.Time, fiat string) string {
	return id + "|" + day.Format("2006-01-02") + "|" + fiat
}

// HistoryPrice serves from the cache when it can. Errors are not cached.
func (c *CachingPriceClient) HistoryPrice(ctx context.Context, id string, day time.Time, fiat string) (decimal.Decimal, error) {
	key := historyKey(id, day, fiat)
	if v, ok := c.history.Get(key); ok {
		c.metrics.RecordCacheLookup("price_history", true)
		return v.(decimal.Decimal), nil
	}
	c.metrics.RecordCacheLookup("price_history", false)

	price, err := c.inner.HistoryPrice(ctx, id, day, fiat)
	if err != nil {
		return decimal.Zero, err
	}
	c.history.Set(key, price, cache.DefaultExpiration)
	return price, nil
}

// LatestPrices passes through.
func (c *CachingPriceClient) LatestPrices(ctx context.Context, ids []string, fiat string) (map[string]decimal.Decimal, error) {
	return c.inner.LatestPrices(ctx, ids, fiat)
}
