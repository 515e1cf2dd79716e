package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sawpanic/sentinel/internal/persistence"
)

// upsertScript applies a last-writer-wins write. ARGV[1] is the zero-padded
// update stamp, compared as a string so nanosecond values keep full
// precision. ARGV[2] is the index member, ARGV[3..] field/value pairs.
const upsertScript = `
local cur = redis.call('HGET', KEYS[1], 'stamp')
if cur and cur > ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'stamp', ARGV[1], unpack(ARGV, 3))
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`

// HotStore keeps the latest decision per (material, country) in a hash at
// <prefix>:live:<country>:<material> with an index set per material.
type HotStore struct {
	base
}

func (s *HotStore) hashKey(material, country string) string {
	return s.key("live", country, material)
}

func (s *HotStore) indexKey(material string) string {
	return s.key("live", "index", material)
}

func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func liveFields(rec persistence.LiveRecord) []interface{} {
	quantity := ""
	if rec.Quantity != nil {
		quantity = formatFloat(*rec.Quantity)
	}
	return []interface{}{
		"material", rec.Material,
		"country", rec.Country,
		"forecast", formatFloat(rec.Forecast),
		"confidence", formatFloat(rec.Confidence),
		"decision", rec.Decision,
		"quantity", quantity,
		"risk", formatFloat(rec.Risk),
		"strategy", rec.Strategy,
		"low_confidence", strconv.FormatBool(rec.LowConfidence),
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Upsert writes rec unless the stored record is newer.
func (s *HotStore) Upsert(ctx context.Context, rec persistence.LiveRecord) (bool, error) {
	if rec.Material == "" || rec.Country == "" || rec.UpdatedAt.IsZero() {
		return false, fmt.Errorf("live record requires material, country and updated_at")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := append([]interface{}{stamp(rec.UpdatedAt), rec.Country}, liveFields(rec)...)
	n, err := s.client.Eval(ctx, upsertScript,
		[]string{s.hashKey(rec.Material, rec.Country), s.indexKey(rec.Material)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("redis upsert live %s/%s: %w", rec.Material, rec.Country, err)
	}
	return n == 1, nil
}

// Get returns the live record or nil.
func (s *HotStore) Get(ctx context.Context, material, country string) (*persistence.LiveRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.hashKey(material, country)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis hgetall live %s/%s: %w", material, country, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := parseLive(fields)
	if err != nil {
		return nil, fmt.Errorf("parse live %s/%s: %w", material, country, err)
	}
	if rec.Material == "" {
		rec.Material = material
	}
	if rec.Country == "" {
		rec.Country = country
	}
	return rec, nil
}

// ListByMaterial returns every live record of a material ordered by country.
func (s *HotStore) ListByMaterial(ctx context.Context, material string) ([]persistence.LiveRecord, error) {
	countries, err := s.client.SMembers(ctx, s.indexKey(material)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers live index %s: %w", material, err)
	}
	sort.Strings(countries)

	out := make([]persistence.LiveRecord, 0, len(countries))
	for _, c := range countries {
		rec, err := s.Get(ctx, material, c)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

var (
	_ persistence.HotStore       = (*HotStore)(nil)
	_ persistence.PriceHistory   = (*PriceHistory)(nil)
	_ persistence.CrostonStore   = (*CrostonStore)(nil)
	_ persistence.DemandLog      = (*DemandLog)(nil)
	_ persistence.InventoryStore = (*InventoryStore)(nil)
)

func parseLive(fields map[string]string) (*persistence.LiveRecord, error) {
	rec := &persistence.LiveRecord{
		Material: fields["material"],
		Country:  fields["country"],
		Decision: fields["decision"],
		Strategy: fields["strategy"],
	}
	var err error
	if rec.Forecast, err = parseFloat(fields, "forecast"); err != nil {
		return nil, err
	}
	if rec.Confidence, err = parseFloat(fields, "confidence"); err != nil {
		return nil, err
	}
	if rec.Risk, err = parseFloat(fields, "risk"); err != nil {
		return nil, err
	}
	if q := fields["quantity"]; q != "" {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil {
			return nil, fmt.Errorf("field quantity: %w", err)
		}
		rec.Quantity = &v
	}
	if lc := fields["low_confidence"]; lc != "" {
		if rec.LowConfidence, err = strconv.ParseBool(lc); err != nil {
			return nil, fmt.Errorf("field low_confidence: %w", err)
		}
	}
	if ts := fields["updated_at"]; ts != "" {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("field updated_at: %w", err)
		}
	}
	return rec, nil
}
