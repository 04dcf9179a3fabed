package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RateCache stores exchange rates as a Redis hash that expires as a whole.
type RateCache struct {
	client *redis.Client
	key    string
}

func NewRateCache(client *redis.Client, base string) *RateCache {
	return &RateCache{client: client, key: "fx:rates:" + base}
}

// Get returns the cached rates; ok is false when the hash is missing or expired.
func (c *RateCache) Get(ctx context.Context) (map[string]decimal.Decimal, bool, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read rate cache: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	rates := make(map[string]decimal.Decimal, len(raw))
	for cur, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, false, fmt.Errorf("decode cached rate %s: %w", cur, err)
		}
		rates[cur] = d
	}
	return rates, true, nil
}

func (c *RateCache) Set(ctx context.Context, rates map[string]decimal.Decimal, ttl time.Duration) error {
	values := make(map[string]any, len(rates))
	for cur, r := range rates {
		values[cur] = r.String()
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key)
	pipe.HSet(ctx, c.key, values)
	pipe.Expire(ctx, c.key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write rate cache: %w", err)
	}
	return nil
}
