package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures the client created by NewClient.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, o Options) (*redis.Client, error) {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     20,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, o.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// Stores groups every Redis-backed store behind one key prefix.
type Stores struct {
	Hot       *HotStore
	Prices    *PriceHistory
	Croston   *CrostonStore
	Demand    *DemandLog
	Inventory *InventoryStore
}

// New builds every store over one client. retention caps each price series.
func New(client *redis.Client, prefix string, retention int) *Stores {
	b := base{client: client, prefix: prefix, timeout: 2 * time.Second}
	if b.prefix == "" {
		b.prefix = "sentinel"
	}
	return &Stores{
		Hot:       &HotStore{base: b},
		Prices:    &PriceHistory{base: b, retention: retention},
		Croston:   &CrostonStore{base: b},
		Demand:    &DemandLog{base: b},
		Inventory: &InventoryStore{base: b},
	}
}

type base struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func (b base) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// replaceScoreScript keeps one member per score: it drops whatever sits at
// ARGV[1] before adding ARGV[2], then trims to ARGV[3] newest entries when
// ARGV[3] is positive.
const replaceScoreScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local keep = tonumber(ARGV[3])
if keep > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -keep - 1)
end
return 1
`

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}
