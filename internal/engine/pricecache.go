package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const priceMirrorTTL = 5 * time.Minute

// PricePoint is the last observed price for a symbol
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceCache keeps the last known price per symbol in memory. When a Redis
// client is supplied, prices are mirrored there for external tooling; mirror
// failures never affect the in-memory cache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]PricePoint

	redis  *redis.Client
	logger zerolog.Logger
}

func NewPriceCache(redisClient *redis.Client, logger zerolog.Logger) *PriceCache {
	return &PriceCache{
		prices: make(map[string]PricePoint),
		redis:  redisClient,
		logger: logger,
	}
}

// Set records the latest price for a symbol
func (c *PriceCache) Set(ctx context.Context, symbol string, price float64, ts time.Time) {
	c.mu.Lock()
	c.prices[symbol] = PricePoint{Price: price, Timestamp: ts}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}

	key := fmt.Sprintf("price:%s", symbol)
	if err := c.redis.Set(ctx, key, price, priceMirrorTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("Failed to mirror price to Redis")
	}
}

// Get returns the last known price for a symbol
func (c *PriceCache) Get(symbol string) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	point, ok := c.prices[symbol]
	return point, ok
}
