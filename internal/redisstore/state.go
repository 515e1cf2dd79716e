package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sawpanic/sentinel/internal/domain"
)

// CrostonStore persists intermittent-demand state per (material, country).
type CrostonStore struct {
	base
}

func (s *CrostonStore) stateKey(material, country string) string {
	return s.key("croston", material, country)
}

func (s *CrostonStore) Load(ctx context.Context, material, country string) (domain.CrostonState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.stateKey(material, country)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.CrostonState{}, false, fmt.Errorf("redis load croston %s/%s: %w", material, country, err)
	}
	if len(fields) == 0 {
		return domain.CrostonState{}, false, nil
	}

	var st domain.CrostonState
	if st.P, err = parseFloat(fields, "p"); err != nil {
		return st, false, err
	}
	if st.Z, err = parseFloat(fields, "z"); err != nil {
		return st, false, err
	}
	if st.E, err = parseFloat(fields, "e"); err != nil {
		return st, false, err
	}
	if n := fields["n"]; n != "" {
		if st.Observations, err = strconv.Atoi(n); err != nil {
			return st, false, fmt.Errorf("field n: %w", err)
		}
	}
	if d := fields["last_day"]; d != "" {
		if st.LastObservedDay, err = strconv.ParseInt(d, 10, 64); err != nil {
			return st, false, fmt.Errorf("field last_day: %w", err)
		}
	}
	return st, true, nil
}

func (s *CrostonStore) Save(ctx context.Context, material, country string, st domain.CrostonState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.client.HSet(ctx, s.stateKey(material, country),
		"p", formatFloat(st.P),
		"z", formatFloat(st.Z),
		"e", formatFloat(st.E),
		"n", strconv.Itoa(st.Observations),
		"last_day", strconv.FormatInt(st.LastObservedDay, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis save croston %s/%s: %w", material, country, err)
	}
	return nil
}

// InventoryStore keeps stock positions in a hash per (material, country).
type InventoryStore struct {
	base
}

func (s *InventoryStore) positionKey(material, country string) string {
	return s.key("inventory", material, country)
}

func (s *InventoryStore) Position(ctx context.Context, material, country string) (domain.InventoryPosition, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.positionKey(material, country)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.InventoryPosition{}, false, fmt.Errorf("redis load inventory %s/%s: %w", material, country, err)
	}
	if len(fields) == 0 {
		return domain.InventoryPosition{}, false, nil
	}

	pos := domain.InventoryPosition{Material: material, Country: country}
	if pos.OnHand, err = parseFloat(fields, "on_hand"); err != nil {
		return pos, false, err
	}
	if pos.DailyDemand, err = parseFloat(fields, "daily_demand"); err != nil {
		return pos, false, err
	}
	if pos.DemandStdDev, err = parseFloat(fields, "demand_std"); err != nil {
		return pos, false, err
	}
	if ts := fields["updated_at"]; ts != "" {
		if pos.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return pos, false, fmt.Errorf("field updated_at: %w", err)
		}
	}
	return pos, true, nil
}

func (s *InventoryStore) Save(ctx context.Context, pos domain.InventoryPosition) error {
	if pos.Material == "" || pos.Country == "" {
		return fmt.Errorf("%w: inventory position requires material and country", domain.ErrMalformedInput)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.client.HSet(ctx, s.positionKey(pos.Material, pos.Country),
		"on_hand", formatFloat(pos.OnHand),
		"daily_demand", formatFloat(pos.DailyDemand),
		"demand_std", formatFloat(pos.DemandStdDev),
		"updated_at", pos.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis save inventory %s/%s: %w", pos.Material, pos.Country, err)
	}
	return nil
}

// DemandLog stores daily demand in a sorted set scored by day index with
// "<day>:<qty>" members.
type DemandLog struct {
	base
}

func (s *DemandLog) logKey(material, country string) string {
	return s.key("demand", material, country)
}

func (s *DemandLog) Record(ctx context.Context, material, country string, day int64, qty float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d := strconv.FormatInt(day, 10)
	err := s.client.Eval(ctx, replaceScoreScript, []string{s.logKey(material, country)}, d, d+":"+formatFloat(qty), 0).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis record demand %s/%s: %w", material, country, err)
	}
	return nil
}

func (s *DemandLog) Range(ctx context.Context, material, country string, fromDay, toDay int64) (map[int64]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.client.ZRangeByScore(ctx, s.logKey(material, country), &redis.ZRangeBy{
		Min: strconv.FormatInt(fromDay, 10),
		Max: strconv.FormatInt(toDay, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis demand range %s/%s: %w", material, country, err)
	}

	out := make(map[int64]float64, len(members))
	for _, m := range members {
		var day int64
		if _, err := fmt.Sscanf(m, "%d:", &day); err != nil {
			return nil, fmt.Errorf("malformed demand member %q: %w", m, err)
		}
		v, err := memberValue(m)
		if err != nil {
			return nil, err
		}
		out[day] = v
	}
	return out, nil
}
