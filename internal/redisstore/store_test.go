package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
)

var ts = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

func newMockStores(t *testing.T, retention int) (*Stores, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	return New(client, "sentinel", retention), mock
}

func sampleLive() persistence.LiveRecord {
	q := 110.0
	return persistence.LiveRecord{
		Material:   "Copper",
		Country:    "Egypt",
		Forecast:   9135,
		Confidence: 82.5,
		Decision:   "BUY",
		Quantity:   &q,
		Risk:       0.42,
		Strategy:   "sequence",
		UpdatedAt:  ts,
	}
}

func TestHotStoreUpsert(t *testing.T) {
	s, mock := newMockStores(t, 0)
	rec := sampleLive()

	args := append([]interface{}{stamp(ts), "Egypt"}, liveFields(rec)...)
	mock.ExpectEval(upsertScript, []string{"sentinel:live:Egypt:Copper", "sentinel:live:index:Copper"}, args...).SetVal(int64(1))

	applied, err := s.Hot.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHotStoreUpsertStaleWriteIgnored(t *testing.T) {
	s, mock := newMockStores(t, 0)
	rec := sampleLive()

	args := append([]interface{}{stamp(ts), "Egypt"}, liveFields(rec)...)
	mock.ExpectEval(upsertScript, []string{"sentinel:live:Egypt:Copper", "sentinel:live:index:Copper"}, args...).SetVal(int64(0))

	applied, err := s.Hot.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestHotStoreUpsertRejectsIncompleteRecord(t *testing.T) {
	s, _ := newMockStores(t, 0)
	_, err := s.Hot.Upsert(context.Background(), persistence.LiveRecord{Material: "Copper"})
	assert.Error(t, err)
}

func TestHotStoreUpsertError(t *testing.T) {
	s, mock := newMockStores(t, 0)
	rec := sampleLive()
	args := append([]interface{}{stamp(ts), "Egypt"}, liveFields(rec)...)
	mock.ExpectEval(upsertScript, []string{"sentinel:live:Egypt:Copper", "sentinel:live:index:Copper"}, args...).
		SetErr(errors.New("connection reset"))

	_, err := s.Hot.Upsert(context.Background(), rec)
	assert.Error(t, err)
}

func TestStampOrdersLexically(t *testing.T) {
	older := stamp(ts)
	newer := stamp(ts.Add(time.Nanosecond))
	assert.Len(t, older, 20)
	assert.Less(t, older, newer)
}

func TestHotStoreGet(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectHGetAll("sentinel:live:Egypt:Copper").SetVal(map[string]string{
		"material":       "Copper",
		"country":        "Egypt",
		"forecast":       "9135",
		"confidence":     "82.5",
		"decision":       "BUY",
		"quantity":       "110",
		"risk":           "0.42",
		"strategy":       "sequence",
		"low_confidence": "false",
		"updated_at":     ts.Format(time.RFC3339Nano),
		"stamp":          stamp(ts),
	})

	rec, err := s.Hot.Get(context.Background(), "Copper", "Egypt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, sampleLive(), *rec)
}

func TestHotStoreGetMissing(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectHGetAll("sentinel:live:UAE:Copper").SetVal(map[string]string{})

	rec, err := s.Hot.Get(context.Background(), "Copper", "UAE")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHotStoreListByMaterial(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectSMembers("sentinel:live:index:PVC").SetVal([]string{"UAE", "Egypt"})
	mock.ExpectHGetAll("sentinel:live:Egypt:PVC").SetVal(map[string]string{"decision": "WAIT", "forecast": "1200"})
	mock.ExpectHGetAll("sentinel:live:UAE:PVC").SetVal(map[string]string{"decision": "HOLD", "low_confidence": "true"})

	recs, err := s.Hot.ListByMaterial(context.Background(), "PVC")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Egypt", recs[0].Country)
	assert.Equal(t, "PVC", recs[0].Material)
	assert.Nil(t, recs[0].Quantity)
	assert.True(t, recs[1].LowConfidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceHistoryRecord(t *testing.T) {
	s, mock := newMockStores(t, 500)
	ms := "1780302600000"
	mock.ExpectEval(replaceScoreScript, []string{"sentinel:prices:Copper"}, ms, ms+":9000", 500).SetVal(int64(1))

	require.NoError(t, s.Prices.Record(context.Background(), "Copper", ts, 9000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceHistoryWindowOldestFirst(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectZRevRangeByScore("sentinel:prices:oil", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   millis(ts),
		Count: 3,
	}).SetVal([]string{"3:72.5", "2:71", "1:70.25"})

	w, err := s.Prices.Window(context.Background(), "oil", ts, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{70.25, 71, 72.5}, w)
}

func TestPriceHistoryAt(t *testing.T) {
	s, mock := newMockStores(t, 0)
	by := &redis.ZRangeBy{Min: "-inf", Max: millis(ts), Count: 1}
	mock.ExpectZRevRangeByScore("sentinel:prices:oil", by).SetVal([]string{"9:80"})
	mock.ExpectZRevRangeByScore("sentinel:prices:oil", by).SetVal([]string{})

	p, ok, err := s.Prices.At(context.Background(), "oil", ts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 80.0, p)

	_, ok, err = s.Prices.At(context.Background(), "oil", ts)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPriceHistoryMalformedMember(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectZRevRangeByScore("sentinel:prices:oil", &redis.ZRangeBy{Min: "-inf", Max: millis(ts), Count: 1}).
		SetVal([]string{"garbage"})

	_, _, err := s.Prices.At(context.Background(), "oil", ts)
	assert.Error(t, err)
}

func TestCrostonStoreRoundTrip(t *testing.T) {
	s, mock := newMockStores(t, 0)
	st := domain.CrostonState{P: 60, Z: 12.5, E: 55, Observations: 4, LastObservedDay: 20600}

	mock.ExpectHSet("sentinel:croston:Mica Tape:Egypt",
		"p", "60", "z", "12.5", "e", "55", "n", "4", "last_day", "20600").SetVal(5)
	mock.ExpectHGetAll("sentinel:croston:Mica Tape:Egypt").SetVal(map[string]string{
		"p": "60", "z": "12.5", "e": "55", "n": "4", "last_day": "20600",
	})

	require.NoError(t, s.Croston.Save(context.Background(), "Mica Tape", "Egypt", st))
	got, ok, err := s.Croston.Load(context.Background(), "Mica Tape", "Egypt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, st, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrostonStoreMissing(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectHGetAll("sentinel:croston:Mica Tape:UAE").SetVal(map[string]string{})

	_, ok, err := s.Croston.Load(context.Background(), "Mica Tape", "UAE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInventoryStore(t *testing.T) {
	s, mock := newMockStores(t, 0)
	pos := domain.InventoryPosition{
		Material: "Copper", Country: "Egypt",
		OnHand: 100, DailyDemand: 4, DemandStdDev: 1.5, UpdatedAt: ts,
	}

	mock.ExpectHSet("sentinel:inventory:Copper:Egypt",
		"on_hand", "100", "daily_demand", "4", "demand_std", "1.5",
		"updated_at", ts.Format(time.RFC3339Nano)).SetVal(4)
	mock.ExpectHGetAll("sentinel:inventory:Copper:Egypt").SetVal(map[string]string{
		"on_hand": "100", "daily_demand": "4", "demand_std": "1.5",
		"updated_at": ts.Format(time.RFC3339Nano),
	})

	require.NoError(t, s.Inventory.Save(context.Background(), pos))
	got, ok, err := s.Inventory.Position(context.Background(), "Copper", "Egypt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pos, got)

	err = s.Inventory.Save(context.Background(), domain.InventoryPosition{Material: "Copper"})
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestDemandLog(t *testing.T) {
	s, mock := newMockStores(t, 0)
	mock.ExpectEval(replaceScoreScript, []string{"sentinel:demand:Mica Tape:Egypt"}, "20601", "20601:12", 0).SetVal(int64(1))
	mock.ExpectZRangeByScore("sentinel:demand:Mica Tape:Egypt", &redis.ZRangeBy{Min: "20590", Max: "20601"}).
		SetVal([]string{"20595:3.5", "20601:12"})

	require.NoError(t, s.Demand.Record(context.Background(), "Mica Tape", "Egypt", 20601, 12))
	got, err := s.Demand.Range(context.Background(), "Mica Tape", "Egypt", 20590, 20601)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{20595: 3.5, 20601: 12}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
