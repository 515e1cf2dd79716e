package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// PriceHistory stores each series as a sorted set scored by observation time
// in milliseconds. Members are "<ms>:<price>" so one timestamp holds one
// price.
type PriceHistory struct {
	base
	retention int
}

func (p *PriceHistory) seriesKey(series string) string {
	return p.key("prices", series)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

// Record stores a price; re-recording a timestamp replaces it.
func (p *PriceHistory) Record(ctx context.Context, series string, at time.Time, price float64) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	score := millis(at)
	member := score + ":" + formatFloat(price)
	err := p.client.Eval(ctx, replaceScoreScript, []string{p.seriesKey(series)}, score, member, p.retention).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis record price %s: %w", series, err)
	}
	return nil
}

// Window returns up to n prices at or before at, oldest first.
func (p *PriceHistory) Window(ctx context.Context, series string, at time.Time, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	members, err := p.client.ZRevRangeByScore(ctx, p.seriesKey(series), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   millis(at),
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis price window %s: %w", series, err)
	}

	out := make([]float64, len(members))
	for i, m := range members {
		v, err := memberValue(m)
		if err != nil {
			return nil, fmt.Errorf("price series %s: %w", series, err)
		}
		out[len(members)-1-i] = v
	}
	return out, nil
}

// At returns the latest price at or before at.
func (p *PriceHistory) At(ctx context.Context, series string, at time.Time) (float64, bool, error) {
	w, err := p.Window(ctx, series, at, 1)
	if err != nil || len(w) == 0 {
		return 0, false, err
	}
	return w[0], true, nil
}

// memberValue parses the value half of a "<score>:<value>" member.
func memberValue(m string) (float64, error) {
	i := strings.LastIndexByte(m, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed member %q", m)
	}
	v, err := strconv.ParseFloat(m[i+1:], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed member %q: %w", m, err)
	}
	return v, nil
}
