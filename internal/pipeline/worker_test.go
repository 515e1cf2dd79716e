package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/sentinel/internal/config"
	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/breakers"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/models"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/persistence/memory"
	"github.com/sawpanic/sentinel/internal/queue"
)

var observed = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

type fixture struct {
	registry *config.Registry
	audit    *memory.AuditRepo
	hot      *memory.HotStore
	prices   *memory.PriceHistory
	croston  *memory.CrostonStore
	demand   *memory.DemandLog
	stock    *memory.InventoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ref := config.DefaultReference()
	reg, err := config.NewRegistry(ref.Materials, ref.Countries)
	require.NoError(t, err)
	return &fixture{
		registry: reg,
		audit:    memory.NewAuditRepo(),
		hot:      memory.NewHotStore(),
		prices:   memory.NewPriceHistory(),
		croston:  memory.NewCrostonStore(),
		demand:   memory.NewDemandLog(),
		stock:    memory.NewInventoryStore(),
	}
}

func (f *fixture) stores() Stores {
	return Stores{Hot: f.hot, Audit: f.audit, Prices: f.prices, Croston: f.croston, Demand: f.demand, Inventory: f.stock}
}

func testSettings() models.Settings {
	s := models.DefaultSettings()
	s.Window = 3
	return s
}

// selector with a three-price sequence model that projects the latest
// price plus 0.675 of the window range, and a fixed 88% confidence.
func testSelector(t *testing.T) *models.Selector {
	return shiftedSelector(t, 0.675)
}

// shiftedSelector projects the latest price plus shift times the window range.
func shiftedSelector(t *testing.T, shift float64) *models.Selector {
	t.Helper()
	s := testSettings()
	sel, err := models.NewSelector(
		models.NewRegression(nil, errors.New("weights not loaded"), s),
		models.NewSequence(&models.SequenceWeights{
			Window:     3,
			Price:      models.SequenceHead{Weights: []float64{0, 0, 1}, Bias: shift},
			Confidence: models.SequenceHead{Weights: []float64{0, 0, 0}, Bias: 2},
		}, nil, s),
		models.NewIntermittent(s),
	)
	require.NoError(t, err)
	return sel
}

func (f *fixture) worker(t *testing.T, opts ...Option) *Worker {
	opts = append([]Option{WithBackoff(Backoff{Base: time.Millisecond, Max: time.Millisecond, Attempts: 2})}, opts...)
	return NewWorker(f.registry, testSelector(t), f.stores(), Settings{
		HorizonDays:     30,
		Trials:          500,
		Seed:            42,
		LogisticsSeries: "logistics",
		InitialInterval: 1,
	}, opts...)
}

func copperTask() domain.PredictionTask {
	return domain.PredictionTask{
		ID:         "task-1",
		Material:   "Copper",
		Country:    "Egypt",
		InputPrice: 9000,
		Trend:      1.5,
		ObservedAt: observed,
		CreatedAt:  observed,
	}
}

func (f *fixture) seedCopper(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, f.prices.Record(ctx, "HG=F", observed.AddDate(0, 0, -2), 8800))
	require.NoError(t, f.prices.Record(ctx, "HG=F", observed.AddDate(0, 0, -1), 8900))
	require.NoError(t, f.stock.Save(ctx, domain.InventoryPosition{
		Material: "Copper", Country: "Egypt", OnHand: 100, DailyDemand: 10, DemandStdDev: 2, UpdatedAt: observed,
	}))
}

func TestCopperEgyptBelowSafetyStockBuys(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	m := metrics.New()
	w := f.worker(t, WithMetrics(m))

	d, err := w.Process(context.Background(), copperTask())
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, d.Action)
	require.NotNil(t, d.Quantity)
	assert.InDelta(t, d.SafetyStock-100, *d.Quantity, 1e-6)
	assert.InDelta(t, 9135.0, d.Forecast, 1e-6)
	assert.Equal(t, 9000.0, d.InputPrice)
	assert.Greater(t, d.DeliveryPrice, d.InputPrice)
	assert.Equal(t, "price trending up, inventory below safety stock", d.Rationale)
	assert.InDelta(t, 88.08, d.Confidence, 0.01)
	assert.Equal(t, "sequence", d.Strategy)
	assert.False(t, d.LowConfidence)

	history, err := f.audit.History(context.Background(), "Copper", "Egypt", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 9000.0, history[0].InputPrice)
	assert.Equal(t, "BUY", history[0].Decision)
	assert.Equal(t, observed, history[0].CreatedAt)

	live, err := f.hot.Get(context.Background(), "Copper", "Egypt")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "BUY", live.Decision)
	assert.Equal(t, *d.Quantity, *live.Quantity)

	price, ok, err := f.prices.At(context.Background(), "HG=F", observed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9000.0, price)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["sentinel_tasks_processed_total"])
	assert.Equal(t, 1.0, snap["sentinel_audit_writes_total"])
}

func (f *fixture) stockCopper(t *testing.T, onHand float64) {
	require.NoError(t, f.stock.Save(context.Background(), domain.InventoryPosition{
		Material: "Copper", Country: "Egypt", OnHand: onHand, DailyDemand: 10, DemandStdDev: 2, UpdatedAt: observed,
	}))
}

func TestDeliveryForecastBelowSpotWaitsDespiteRisingTrend(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	f.stockCopper(t, 100000)
	w := NewWorker(f.registry, shiftedSelector(t, -0.675), f.stores(), Settings{HorizonDays: 30, Trials: 500, Seed: 42})

	task := copperTask()
	require.Equal(t, 1.5, task.Trend)
	d, err := w.Process(context.Background(), task)
	require.NoError(t, err)

	// 8800 + 0.325 * 200
	assert.InDelta(t, 8865.0, d.Forecast, 1e-6)
	assert.Less(t, d.DeliveryPrice, d.InputPrice)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Nil(t, d.Quantity)
	assert.Equal(t, "price trending down, inventory adequate", d.Rationale)
}

func TestDeliveryForecastAboveSpotDoesNotWaitDespiteFallingTrend(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	f.stockCopper(t, 100000)
	w := f.worker(t)

	task := copperTask()
	task.Trend = -1.5
	d, err := w.Process(context.Background(), task)
	require.NoError(t, err)

	assert.InDelta(t, 9135.0, d.Forecast, 1e-6)
	assert.Greater(t, d.DeliveryPrice, d.InputPrice)
	assert.Equal(t, domain.ActionHold, d.Action)
	assert.Equal(t, "price trending up, inventory adequate", d.Rationale)
	assert.False(t, d.LowConfidence)
}

func TestRedeliveredTaskIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	w := f.worker(t)

	first, err := w.Process(context.Background(), copperTask())
	require.NoError(t, err)

	again := copperTask()
	again.ID = "task-1-redelivered"
	again.Attempt = 1
	second, err := w.Process(context.Background(), again)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.audit.Len())
}

func TestModelUnavailableHolds(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	w := NewWorker(f.registry, models.NewDefaultSelector(nil, testSettings()), f.stores(), Settings{Seed: 1})

	d, err := w.Process(context.Background(), copperTask())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionHold, d.Action)
	assert.True(t, d.LowConfidence)
	assert.Equal(t, "model unavailable", d.Rationale)
	assert.Nil(t, d.Quantity)
	assert.Equal(t, 9000.0, d.InputPrice)
	assert.Equal(t, 1, f.audit.Len())
}

func TestShortHistoryHolds(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t)

	d, err := w.Process(context.Background(), copperTask())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionHold, d.Action)
	assert.Equal(t, "insufficient history", d.Rationale)
	assert.True(t, d.LowConfidence)
}

func TestIntermittentOrderDueBuys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	today := domain.DayIndex(observed)
	require.NoError(t, f.croston.Save(ctx, "Mica Tape", "Egypt", domain.CrostonState{
		P: 60, Z: 40, E: 54, Observations: 5, LastObservedDay: today - 1,
	}))
	require.NoError(t, f.stock.Save(ctx, domain.InventoryPosition{
		Material: "Mica Tape", Country: "Egypt", OnHand: 30, DailyDemand: 0.5, UpdatedAt: observed,
	}))
	w := f.worker(t)

	task := domain.PredictionTask{ID: "t", Material: "Mica Tape", Country: "Egypt", InputPrice: 120, ObservedAt: observed}
	d, err := w.Process(ctx, task)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, d.Action)
	require.NotNil(t, d.Quantity)
	assert.Greater(t, *d.Quantity, 30.0)
	assert.Contains(t, d.Rationale, "intermittent order due")
	assert.Equal(t, "croston", d.Strategy)

	st, ok, err := f.croston.Load(ctx, "Mica Tape", "Egypt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 55.0, st.E)
	assert.Equal(t, today, st.LastObservedDay)

	// same day again: state does not advance
	_, err = w.Process(ctx, task)
	require.NoError(t, err)
	st, _, _ = f.croston.Load(ctx, "Mica Tape", "Egypt")
	assert.Equal(t, 55.0, st.E)
}

func TestIntermittentDemandResetsElapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	today := domain.DayIndex(observed)
	require.NoError(t, f.croston.Save(ctx, "Mica Tape", "Egypt", domain.CrostonState{
		P: 60, Z: 40, E: 54, Observations: 5, LastObservedDay: today - 1,
	}))
	require.NoError(t, f.demand.Record(ctx, "Mica Tape", "Egypt", today, 50))
	w := f.worker(t)

	_, err := w.Process(ctx, domain.PredictionTask{ID: "t", Material: "Mica Tape", Country: "Egypt", InputPrice: 120, ObservedAt: observed})
	require.NoError(t, err)

	st, _, _ := f.croston.Load(ctx, "Mica Tape", "Egypt")
	assert.Equal(t, 0.0, st.E)
	assert.InDelta(t, 0.15*55+0.85*60, st.P, 1e-9)
	assert.InDelta(t, 0.15*50+0.85*40, st.Z, 1e-9)
}

func TestIntermittentStateSeededFromDemandHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	today := domain.DayIndex(observed)
	for _, back := range []int64{70, 40, 10} {
		require.NoError(t, f.demand.Record(ctx, "Mica Tape", "Egypt", today-back, 20))
	}
	w := f.worker(t)

	d, err := w.Process(ctx, domain.PredictionTask{ID: "t", Material: "Mica Tape", Country: "Egypt", InputPrice: 120, ObservedAt: observed})
	require.NoError(t, err)
	assert.Equal(t, "croston", d.Strategy)

	st, ok, err := f.croston.Load(ctx, "Mica Tape", "Egypt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, st.Observations)
	assert.InDelta(t, 20.0, st.Z, 1e-9)
	assert.Equal(t, 10.0, st.E)
	assert.Equal(t, today, st.LastObservedDay)
}

func TestMalformedTaskRejected(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t)

	_, err := w.Process(context.Background(), domain.PredictionTask{Material: "Unobtainium", Country: "Egypt", InputPrice: 1, ObservedAt: observed})
	assert.ErrorIs(t, err, domain.ErrMalformedInput)

	bad := copperTask()
	bad.InputPrice = 0
	_, err = w.Process(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
	assert.Zero(t, f.audit.Len())
}

type flakyHot struct {
	persistence.HotStore
	failures int
	calls    int
}

func (h *flakyHot) Upsert(ctx context.Context, rec persistence.LiveRecord) (bool, error) {
	h.calls++
	if h.calls <= h.failures {
		return false, errors.New("connection reset")
	}
	return h.HotStore.Upsert(ctx, rec)
}

func TestSinkFailureRetriedThenReturned(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)

	hot := &flakyHot{HotStore: f.hot, failures: 1}
	stores := f.stores()
	stores.Hot = hot
	w := NewWorker(f.registry, testSelector(t), stores, Settings{Seed: 1},
		WithBackoff(Backoff{Base: time.Millisecond, Max: time.Millisecond, Attempts: 2}))

	_, err := w.Process(context.Background(), copperTask())
	require.NoError(t, err)
	assert.Equal(t, 2, hot.calls)

	hot.failures, hot.calls = 10, 0
	_, err = w.Process(context.Background(), copperTask())
	require.Error(t, err)
	assert.Equal(t, 2, hot.calls)
}

func TestOpenBreakerFailsFast(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)

	hot := &flakyHot{HotStore: f.hot, failures: 100}
	stores := f.stores()
	stores.Hot = hot
	b := breakers.New("hot", breakers.Settings{ConsecutiveFailures: 1, Timeout: time.Minute})
	w := NewWorker(f.registry, testSelector(t), stores, Settings{Seed: 1},
		WithBreakers(b, nil),
		WithBackoff(Backoff{Base: time.Millisecond, Max: time.Millisecond, Attempts: 3}))

	_, err := w.Process(context.Background(), copperTask())
	require.Error(t, err)
	assert.ErrorIs(t, err, breakers.ErrOpen)
	assert.Equal(t, 1, hot.calls)
	assert.Zero(t, f.audit.Len())
}

type recorder struct{ got []domain.ProcurementDecision }

func (r *recorder) Notify(d domain.ProcurementDecision) { r.got = append(r.got, d) }

func TestPoolsProcessAndDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.seedCopper(t)
	feed := &recorder{}
	w := f.worker(t, WithNotifier(feed))

	q := queue.NewMemoryQueue(20*time.Millisecond, queue.Options{MaxAttempts: 3})
	good, _ := json.Marshal(copperTask())
	bad, _ := json.Marshal(domain.PredictionTask{Material: "Copper", Country: "Egypt"})
	require.NoError(t, q.PublishBatch(context.Background(), "tasks:volatile-metal", [][]byte{good, bad}))

	pools := NewPools(q, w, PoolConfig{
		Sizes:      map[domain.Category]int{domain.CategoryVolatileMetal: 2},
		DepthEvery: 10 * time.Millisecond,
	}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pools.Run(ctx) }()

	require.Eventually(t, func() bool {
		dl, _ := q.DeadLetters(context.Background(), 0)
		return f.audit.Len() == 1 && len(dl) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, q.InFlight("tasks:volatile-metal"))
	require.Len(t, feed.got, 1)
	assert.Equal(t, domain.ActionBuy, feed.got[0].Action)
}

func TestPoolsRequireAPool(t *testing.T) {
	q := queue.NewMemoryQueue(time.Millisecond, queue.Options{})
	err := NewPools(q, nil, PoolConfig{}, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	err := retry(context.Background(), Backoff{Base: time.Millisecond, Max: time.Millisecond, Attempts: 5}, "op", func() error {
		calls++
		return domain.ErrMalformedInput
	})
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
	assert.Equal(t, 1, calls)

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.GreaterOrEqual(t, b.delay(0), 100*time.Millisecond)
	assert.Less(t, b.delay(0), 111*time.Millisecond)
	assert.GreaterOrEqual(t, b.delay(10), time.Second)
}
