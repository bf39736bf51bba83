package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cache stores the latest rate per symbol in memory.
type Cache struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewCache() *Cache {
	return &Cache{rates: make(map[string]decimal.Decimal)}
}

func (c *Cache) Set(symbol string, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[symbol] = rate
}

func (c *Cache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rates[symbol]
	return r, ok
}

// CachedSource is a Source that answers from the cache, so bot ticks
// never block on the network.
type CachedSource struct {
	cache *Cache
}

func NewCachedSource(cache *Cache) *CachedSource {
	return &CachedSource{cache: cache}
}

func (s *CachedSource) Rate(_ context.Context, symbol string) (decimal.Decimal, error) {
	r, ok := s.cache.Get(symbol)
	if !ok {
		return decimal.Zero, &NotReadyError{Symbol: symbol}
	}
	return r, nil
}

// NotReadyError reports that the updater has not fetched this symbol
// yet. Tracker ticks skip quoting until the rate arrives.
type NotReadyError struct {
	Symbol string
}

func (e *NotReadyError) Error() string {
	return "no rate cached for " + e.Symbol
}

// StartUpdater refreshes the cached rate of each symbol on a fixed
// interval until ctx is done. The first refresh happens immediately.
func StartUpdater(ctx context.Context, src Source, cache *Cache, symbols []string, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refreshOnce(ctx, src, cache, symbols, log)

	for {
		select {
		case <-ticker.C:
			refreshOnce(ctx, src, cache, symbols, log)
		case <-ctx.Done():
			return
		}
	}
}

func refreshOnce(ctx context.Context, src Source, cache *Cache, symbols []string, log *zap.Logger) {
	for _, sym := range symbols {
		rate, err := src.Rate(ctx, sym)
		if err != nil {
			log.Warn("rate refresh failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		cache.Set(sym, rate)
		log.Debug("rate refreshed", zap.String("symbol", sym), zap.String("rate", rate.String()))
	}
}
