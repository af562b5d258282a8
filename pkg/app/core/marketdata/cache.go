package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/brickdex/pkg/util"
)

// Cache holds rollups for a bounded time.
type Cache interface {
	Get(ctx context.Context, token common.Address) (*MarketData, bool, error)
	Set(ctx context.Context, md *MarketData, ttl time.Duration) error
	Delete(ctx context.Context, token common.Address) error
}

type memEntry struct {
	md      *MarketData
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	clock   util.Clock
	entries map[common.Address]memEntry
}

func NewMemoryCache(clock util.Clock) *MemoryCache {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &MemoryCache{clock: clock, entries: make(map[common.Address]memEntry)}
}

func (c *MemoryCache) Get(_ context.Context, token common.Address) (*MarketData, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, token)
		return nil, false, nil
	}
	return e.md, true, nil
}

func (c *MemoryCache) Set(_ context.Context, md *MarketData, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[md.PropertyToken] = memEntry{md: md, expires: c.clock.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, token common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
	return nil
}

// RedisCache shares rollups between API replicas. Values are JSON and
// expire on the Redis side.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(addr string) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return NewRedisCacheFromClient(client)
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "brickdex:marketdata:"}
}

func (c *RedisCache) key(token common.Address) string {
	return c.prefix + strings.ToLower(token.Hex())
}

func (c *RedisCache) Get(ctx context.Context, token common.Address) (*MarketData, bool, error) {
	raw, err := c.client.Get(ctx, c.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read market data: %w", err)
	}
	var md MarketData
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, false, fmt.Errorf("failed to decode market data: %w", err)
	}
	return &md, true, nil
}

func (c *RedisCache) Set(ctx context.Context, md *MarketData, ttl time.Duration) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode market data: %w", err)
	}
	return c.client.Set(ctx, c.key(md.PropertyToken), raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, token common.Address) error {
	return c.client.Del(ctx, c.key(token)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
