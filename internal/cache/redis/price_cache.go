package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's LTP lives at "{namespace}:ltp:{token}" with fields "price"
// and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	key func(parts ...string) string
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// expire after ttl so a dead feed does not leave stale quotes behind; zero
// disables expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), key: c.Key, ttl: ttl}
}

func (pc *PriceCache) priceKey(token int64) string {
	return pc.key("ltp", strconv.FormatInt(token, 10))
}

// SetPrice stores the latest price and timestamp for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, token int64, price decimal.Decimal, ts time.Time) error {
	key := pc.priceKey(token)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "price", price.String(), "ts", strconv.FormatInt(ts.UnixNano(), 10))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %d: %w", token, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for an instrument.
// It returns domain.ErrNotFound when nothing is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, token int64) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(token)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %d: %w", token, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %d: %w", token, err)
	}
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices retrieves the latest prices for several instruments in one
// pipeline. Missing or malformed entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, tokens []int64) (map[int64]decimal.Decimal, error) {
	result := make(map[int64]decimal.Decimal, len(tokens))
	if len(tokens) == 0 {
		return result, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[int64]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGetAll(ctx, pc.priceKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			result[t] = price
		}
	}
	return result, nil
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, bool, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, false, nil
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, false, err
	}
	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		nano, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, false, err
		}
		ts = time.Unix(0, nano)
	}
	return price, ts, true, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
