package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/breakers"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/models"
	"github.com/sawpanic/sentinel/internal/optimizer"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/risk"
)

// crostonSeedDays is how much logged demand seeds a pair with no state.
const crostonSeedDays = 365

// Registry resolves materials for incoming tasks.
type Registry interface {
	Material(name string) (domain.Material, error)
}

// Notifier receives every decision after it has been persisted.
type Notifier interface {
	Notify(d domain.ProcurementDecision)
}

// Stores are the collaborators a worker reads from and writes to.
type Stores struct {
	Hot       persistence.HotStore
	Audit     persistence.AuditRepo
	Prices    persistence.PriceHistory
	Croston   persistence.CrostonStore
	Demand    persistence.DemandLog
	Inventory persistence.InventoryStore
}

// Settings are the per-process inference parameters.
type Settings struct {
	HorizonDays     int
	Trials          int
	Seed            uint64
	LeadTimeStdDev  float64
	LogisticsSeries string
	InitialInterval float64
	Policy          optimizer.Policy
}

// Worker runs the per-task path: select, predict, simulate, optimize,
// persist. A Worker is safe for concurrent use by a pool.
type Worker struct {
	registry  Registry
	selector  *models.Selector
	simulator *risk.Simulator
	optimizer *optimizer.Optimizer
	stores    Stores
	settings  Settings

	hotBreaker   *breakers.Breaker
	auditBreaker *breakers.Breaker
	backoff      Backoff
	metrics      *metrics.Registry
	notifier     Notifier
}

// Option configures a Worker.
type Option func(*Worker)

// WithBreakers guards the hot and audit sinks.
func WithBreakers(hot, audit *breakers.Breaker) Option {
	return func(w *Worker) {
		w.hotBreaker = hot
		w.auditBreaker = audit
	}
}

func WithBackoff(b Backoff) Option            { return func(w *Worker) { w.backoff = b } }
func WithMetrics(m *metrics.Registry) Option { return func(w *Worker) { w.metrics = m } }
func WithNotifier(n Notifier) Option         { return func(w *Worker) { w.notifier = n } }

// NewWorker wires a worker. Stores must all be non-nil.
func NewWorker(registry Registry, selector *models.Selector, stores Stores, settings Settings, opts ...Option) *Worker {
	if settings.HorizonDays <= 0 {
		settings.HorizonDays = 30
	}
	if settings.Trials <= 0 {
		settings.Trials = risk.DefaultTrials
	}
	if settings.InitialInterval <= 0 {
		settings.InitialInterval = 1
	}
	settings.Policy = settings.Policy.WithDefaults()

	w := &Worker{
		registry:  registry,
		selector:  selector,
		simulator: risk.NewSimulator(),
		optimizer: optimizer.New(),
		stores:    stores,
		settings:  settings,
		backoff:   DefaultBackoff(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// assembled is the context gathered for one task before prediction.
type assembled struct {
	material  domain.Material
	strategy  models.Strategy
	input     models.Input
	inventory domain.InventoryPosition
}

// Process turns one task into a persisted decision. Malformed tasks return an
// error wrapping domain.ErrMalformedInput; a sink failure that survives the
// retries is returned as-is so the task can be redelivered. Model and
// optimizer failures do not error: they produce a low-confidence HOLD.
func (w *Worker) Process(ctx context.Context, task domain.PredictionTask) (domain.ProcurementDecision, error) {
	if err := task.Validate(); err != nil {
		return domain.ProcurementDecision{}, err
	}
	material, err := w.registry.Material(task.Material)
	if err != nil {
		return domain.ProcurementDecision{}, fmt.Errorf("%w: %w", domain.ErrMalformedInput, err)
	}
	strategy, err := w.selector.Select(material.Category)
	if err != nil {
		return domain.ProcurementDecision{}, fmt.Errorf("%w: %w", domain.ErrMalformedInput, err)
	}
	category := string(material.Category)

	a, err := w.assemble(ctx, task, material, strategy)
	if err != nil {
		w.metrics.RecordTaskError(category, "assemble")
		return domain.ProcurementDecision{}, err
	}

	decision := w.decide(ctx, task, a)
	if err := w.persist(ctx, decision); err != nil {
		w.metrics.RecordTaskError(category, "sink")
		return domain.ProcurementDecision{}, err
	}

	w.metrics.RecordProcessed(category, string(decision.Action))
	if w.notifier != nil {
		w.notifier.Notify(decision)
	}
	log.Info().
		Str("material", decision.Material).
		Str("country", decision.Country).
		Str("action", string(decision.Action)).
		Float64("quantity", decision.QuantityValue()).
		Float64("confidence", decision.Confidence).
		Float64("risk", decision.Risk).
		Bool("low_confidence", decision.LowConfidence).
		Msg("Decision recorded")
	return decision, nil
}

// assemble records the task price and gathers the history, driver, demand
// state and inventory the strategy and simulator need.
func (w *Worker) assemble(ctx context.Context, task domain.PredictionTask, material domain.Material, strategy models.Strategy) (assembled, error) {
	timer := w.metrics.StartStepTimer("assemble")
	at := task.ObservedAt
	series := seriesName(material)

	err := retry(ctx, w.backoff, "record_price", func() error {
		return w.stores.Prices.Record(ctx, series, at, task.InputPrice)
	})
	if err != nil {
		timer.Stop("error")
		return assembled{}, fmt.Errorf("record price %s: %w", series, err)
	}

	in := models.Input{
		Material:   material,
		Country:    task.Country,
		Price:      task.InputPrice,
		Trend:      task.Trend,
		ObservedAt: at,
		Now:        at,
	}

	switch s := strategy.(type) {
	case *models.Sequence:
		in.History, err = w.stores.Prices.Window(ctx, series, at, s.Window())
	case *models.Regression:
		err = w.driverInputs(ctx, &in, material, s.LagDays())
	case *models.Intermittent:
		in.Croston, err = w.advanceCroston(ctx, s, material.Name, task.Country, domain.DayIndex(at))
		in.HasCroston = err == nil
	}
	if err != nil {
		timer.Stop("error")
		return assembled{}, err
	}

	pos, ok, err := w.stores.Inventory.Position(ctx, material.Name, task.Country)
	if err != nil {
		timer.Stop("error")
		return assembled{}, fmt.Errorf("inventory %s/%s: %w", material.Name, task.Country, err)
	}
	if !ok {
		log.Warn().Str("material", material.Name).Str("country", task.Country).Msg("No inventory position; assuming empty stock")
		pos = domain.InventoryPosition{Material: material.Name, Country: task.Country}
	}

	timer.Stop("success")
	return assembled{material: material, strategy: strategy, input: in, inventory: pos}, nil
}

func (w *Worker) driverInputs(ctx context.Context, in *models.Input, material domain.Material, lagDays int) error {
	if material.Driver != "" {
		lagged := in.ObservedAt.AddDate(0, 0, -lagDays)
		price, ok, err := w.stores.Prices.At(ctx, material.Driver, lagged)
		if err != nil {
			return fmt.Errorf("driver %s: %w", material.Driver, err)
		}
		in.DriverLagged, in.HasDriver = price, ok
	}
	if w.settings.LogisticsSeries != "" {
		idx, ok, err := w.stores.Prices.At(ctx, w.settings.LogisticsSeries, in.ObservedAt)
		if err != nil {
			return fmt.Errorf("logistics %s: %w", w.settings.LogisticsSeries, err)
		}
		if ok {
			in.Logistics = idx
		}
	}
	return nil
}

// seedCroston builds the first state of a pair from its logged demand history,
// falling back to the configured initial interval when nothing was logged.
func (w *Worker) seedCroston(ctx context.Context, m *models.Intermittent, material, country string, today int64) (domain.CrostonState, error) {
	history, err := w.stores.Demand.Range(ctx, material, country, today-crostonSeedDays, today-1)
	if err != nil {
		return domain.CrostonState{}, fmt.Errorf("demand history %s/%s: %w", material, country, err)
	}
	if st, ok := m.Seed(history, today, w.settings.InitialInterval); ok {
		log.Info().
			Str("material", material).
			Str("country", country).
			Int("observations", st.Observations).
			Float64("interval", st.P).
			Msg("Seeded demand state from history")
		return st, nil
	}
	return domain.NewCrostonState(w.settings.InitialInterval), nil
}

// advanceCroston replays demand logged since the last advance and saves the
// result. Advancing to a day already observed leaves the state unchanged.
func (w *Worker) advanceCroston(ctx context.Context, m *models.Intermittent, material, country string, today int64) (domain.CrostonState, error) {
	state, ok, err := w.stores.Croston.Load(ctx, material, country)
	if err != nil {
		return domain.CrostonState{}, fmt.Errorf("croston state %s/%s: %w", material, country, err)
	}
	if !ok {
		state, err = w.seedCroston(ctx, m, material, country, today)
		if err != nil {
			return domain.CrostonState{}, err
		}
	}
	if state.LastObservedDay >= today {
		return state, nil
	}

	from := state.LastObservedDay + 1
	if state.LastObservedDay == 0 {
		from = today
	}
	demand, err := w.stores.Demand.Range(ctx, material, country, from, today)
	if err != nil {
		return domain.CrostonState{}, fmt.Errorf("demand log %s/%s: %w", material, country, err)
	}

	next := m.Advance(state, demand, today)
	err = retry(ctx, w.backoff, "save_croston", func() error {
		return w.stores.Croston.Save(ctx, material, country, next)
	})
	if err != nil {
		return domain.CrostonState{}, fmt.Errorf("save croston state %s/%s: %w", material, country, err)
	}
	return next, nil
}

// decide runs prediction, simulation and optimization. Every failure along
// the way degrades to a low-confidence HOLD.
func (w *Worker) decide(ctx context.Context, task domain.PredictionTask, a assembled) domain.ProcurementDecision {
	material := a.material
	hold := func(reason string, err error) domain.ProcurementDecision {
		log.Warn().Err(err).
			Str("material", material.Name).
			Str("country", task.Country).
			Str("strategy", a.strategy.Name()).
			Msg("Holding: " + reason)
		d := optimizer.Hold(material.Name, task.Country, reason, task.ObservedAt)
		d.InputPrice = task.InputPrice
		d.Strategy = a.strategy.Name()
		return d
	}

	timer := w.metrics.StartStepTimer("predict")
	result, err := a.strategy.Predict(ctx, a.input)
	if err != nil {
		timer.Stop("error")
		w.metrics.RecordTaskError(string(material.Category), errorKind(err))
		switch {
		case errors.Is(err, domain.ErrModelUnavailable):
			return hold("model unavailable", err)
		case errors.Is(err, domain.ErrInsufficientHistory):
			return hold("insufficient history", err)
		default:
			return hold("prediction failed", err)
		}
	}
	timer.Stop("success")

	dailyDemand := a.inventory.DailyDemand
	curve := optimizer.NewForecastCurve(task.InputPrice, result.Forecast, result.HorizonDays)
	var expectedOrder float64
	if material.Category == domain.CategoryIntermittentSpecialty {
		// the Croston forecast is a demand rate, not a price
		if dailyDemand == 0 {
			dailyDemand = result.Forecast
		}
		curve = optimizer.NewTrendCurve(task.InputPrice, task.Trend, w.settings.HorizonDays)
		expectedOrder = metaFloat(result.Metadata, "expected_order")
	}

	timer = w.metrics.StartStepTimer("simulate")
	assessment, err := w.simulator.Simulate(risk.Params{
		DailyDemand:    dailyDemand,
		ErrorStdDev:    a.inventory.DemandStdDev,
		LeadTimeDays:   material.LeadTimeDays,
		LeadTimeStdDev: w.settings.LeadTimeStdDev,
		Inventory:      a.inventory.OnHand,
		Trials:         w.settings.Trials,
		Seed:           taskSeed(w.settings.Seed, task),
		Result:         result,
	})
	if err != nil {
		timer.Stop("error")
		w.metrics.RecordTaskError(string(material.Category), "simulate")
		d := hold("infeasible constraints", err)
		d.Forecast, d.Confidence = result.Forecast, result.Confidence
		return d
	}
	timer.Stop("success")

	in := optimizer.Input{
		Material:      material.Name,
		Country:       task.Country,
		Category:      material.Category,
		Curve:         curve,
		Risk:          assessment,
		Inventory:     a.inventory.OnHand,
		DailyDemand:   dailyDemand,
		LeadTimeDays:  material.LeadTimeDays,
		ExpectedOrder: expectedOrder,
		Policy:        w.settings.Policy,
		Forecast:      result.Forecast,
		Confidence:    result.Confidence,
		Strategy:      result.Strategy,
		Now:           task.ObservedAt,
	}

	timer = w.metrics.StartStepTimer("optimize")
	decision, err := w.optimizer.Optimize(in)
	if err != nil {
		timer.Stop("error")
		w.metrics.RecordTaskError(string(material.Category), "infeasible")
		log.Warn().Err(err).Str("material", material.Name).Str("country", task.Country).Msg("Optimization infeasible")
		d := optimizer.FallbackHold(in)
		d.InputPrice = task.InputPrice
		d.Forecast, d.Confidence, d.Risk = result.Forecast, result.Confidence, assessment.StockoutProbability
		d.Strategy = result.Strategy
		return d
	}
	timer.Stop("success")
	return decision
}

// persist writes the hot record and the audit row. Both are idempotent, so a
// redelivered task rewrites the same state.
func (w *Worker) persist(ctx context.Context, d domain.ProcurementDecision) error {
	timer := w.metrics.StartStepTimer("persist")

	var applied bool
	err := retry(ctx, w.backoff, "hot_upsert", func() error {
		return guard(w.hotBreaker, func() error {
			var err error
			applied, err = w.stores.Hot.Upsert(ctx, persistence.LiveFromDecision(d))
			return err
		})
	})
	if err != nil {
		timer.Stop("error")
		return fmt.Errorf("hot upsert %s/%s: %w", d.Material, d.Country, err)
	}
	w.metrics.RecordHotWrite(applied)

	var inserted bool
	err = retry(ctx, w.backoff, "audit_append", func() error {
		return guard(w.auditBreaker, func() error {
			var err error
			inserted, err = w.stores.Audit.Append(ctx, persistence.RecordFromDecision(d))
			return err
		})
	})
	if err != nil {
		timer.Stop("error")
		return fmt.Errorf("audit append %s/%s: %w", d.Material, d.Country, err)
	}
	w.metrics.RecordAuditWrite(inserted)

	timer.Stop("success")
	return nil
}

func guard(b *breakers.Breaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Do(fn)
}

func seriesName(m domain.Material) string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return m.Name
}

// taskSeed derives a per-task seed so redeliveries replay the same trials.
func taskSeed(base uint64, task domain.PredictionTask) uint64 {
	h := fnv.New64a()
	h.Write([]byte(task.DedupKey()))
	return base ^ h.Sum64()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, domain.ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, domain.ErrMalformedInput):
		return "malformed"
	case errors.Is(err, breakers.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}

func metaFloat(meta map[string]interface{}, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
