package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/config"
	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/reconcile"
)

// Catalog lists the materials to reconcile and resolves regions.
type Catalog interface {
	Materials() []domain.Material
	Region(country string) string
}

// Stores are the collaborators a reconciliation pass reads and writes.
type Stores struct {
	Hot             persistence.HotStore
	Audit           persistence.AuditRepo
	Reconciliations persistence.ReconciliationRepo
}

// Status represents scheduler status
type Status struct {
	Running    bool          `json:"running"`
	Passes     int           `json:"passes"`
	Violations int           `json:"violations"`
	LastRun    time.Time     `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	Uptime     time.Duration `json:"uptime"`
}

// JobResult is the outcome of reconciling one material in a pass.
type JobResult struct {
	Material  string                        `json:"material"`
	StartTime time.Time                     `json:"start_time"`
	Duration  time.Duration                 `json:"duration"`
	Success   bool                          `json:"success"`
	Skipped   bool                          `json:"skipped"`
	Error     string                        `json:"error,omitempty"`
	Run       *reconcile.Run                `json:"run,omitempty"`
	Violation *reconcile.ToleranceViolation `json:"violation,omitempty"`
}

// Scheduler runs the reconciliation pass on an interval over the hot-state
// results of the configured window.
type Scheduler struct {
	config     config.ReconcileConfig
	catalog    Catalog
	reconciler *reconcile.Reconciler
	stores     Stores
	metrics    *metrics.Registry
	now        func() time.Time

	mu         sync.Mutex
	running    bool
	startTime  time.Time
	lastRun    time.Time
	passes     int
	violations int
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg config.ReconcileConfig, catalog Catalog, stores Stores, m *metrics.Registry) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Direction == "" {
		cfg.Direction = domain.DirectionBottomUp
	}
	return &Scheduler{
		config:     cfg,
		catalog:    catalog,
		reconciler: reconcile.New(catalog),
		stores:     stores,
		metrics:    m,
		now:        time.Now,
	}
}

// GetStatus returns current scheduler status
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:    s.running,
		Passes:     s.passes,
		Violations: s.violations,
		LastRun:    s.lastRun,
	}
	if s.running {
		st.Uptime = time.Since(s.startTime)
		st.NextRun = s.lastRun.Add(s.config.Interval)
	}
	return st
}

// Start runs a pass immediately and then on every interval until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Info().
		Dur("interval", s.config.Interval).
		Dur("window", s.config.Window).
		Str("direction", s.config.Direction).
		Msg("Reconciliation scheduler starting")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass reconciles every configured material once. Failures of one
// material do not stop the others.
func (s *Scheduler) RunPass(ctx context.Context) []JobResult {
	now := s.now().UTC()
	materials := s.materials()
	results := make([]JobResult, 0, len(materials))

	for _, m := range materials {
		if ctx.Err() != nil {
			break
		}
		res := s.RunMaterial(ctx, m, now)
		results = append(results, res)
		if !res.Success {
			log.Warn().Str("material", m).Str("error", res.Error).Msg("Reconciliation failed")
		}
	}

	s.mu.Lock()
	s.passes++
	s.lastRun = now
	for _, r := range results {
		if r.Violation != nil {
			s.violations++
		}
	}
	s.mu.Unlock()
	return results
}

// RunMaterial reconciles one material against the hot records updated
// within the window ending at now.
func (s *Scheduler) RunMaterial(ctx context.Context, material string, now time.Time) (result JobResult) {
	start := time.Now()
	result = JobResult{Material: material, StartTime: start, Success: true}
	defer func() { result.Duration = time.Since(start) }()

	forecasts, err := s.snapshot(ctx, material, now)
	if err != nil {
		return failed(result, err)
	}
	if len(forecasts) == 0 {
		log.Debug().Str("material", material).Msg("No recent results to reconcile")
		result.Skipped = true
		return result
	}

	opts := reconcile.Options{
		Direction: s.config.Direction,
		Weighted:  s.config.Weighted,
		Tolerance: s.config.Tolerance,
		Now:       now,
	}
	if s.config.Direction == domain.DirectionTopDown {
		if opts.Shares, err = s.shares(ctx, material, now); err != nil {
			return failed(result, err)
		}
	}

	run, err := s.reconciler.Reconcile(material, forecasts, opts)
	if errors.Is(err, reconcile.ErrNoShares) {
		log.Info().Str("material", material).Msg("No purchase history for top-down shares; skipping")
		result.Skipped = true
		return result
	}
	if err != nil {
		return failed(result, err)
	}

	if s.stores.Reconciliations != nil {
		if err := s.stores.Reconciliations.InsertBatch(ctx, run.Adjustments); err != nil {
			return failed(result, fmt.Errorf("store adjustments: %w", err))
		}
	}

	if run.Violation != nil {
		s.metrics.RecordToleranceViolation(material)
		log.Warn().
			Str("material", material).
			Str("run_id", run.ID).
			Float64("expected", run.Violation.Expected).
			Float64("actual", run.Violation.Actual).
			Float64("diff", run.Violation.Diff).
			Msg("Reconciliation outside tolerance")
		result.Violation = run.Violation
	}

	log.Info().
		Str("material", material).
		Str("run_id", run.ID).
		Str("direction", run.Direction).
		Int("countries", len(run.Adjustments)).
		Float64("total", run.Total).
		Msg("Reconciliation complete")

	result.Run = &run
	return result
}

// snapshot reads hot records updated within the window. Weighted runs weigh
// each forecast by its confidence. Fallback holds written without a forecast
// are left out so a failing model does not count as zero demand.
func (s *Scheduler) snapshot(ctx context.Context, material string, now time.Time) ([]reconcile.Forecast, error) {
	if s.stores.Hot == nil {
		return nil, fmt.Errorf("hot store not configured")
	}
	records, err := s.stores.Hot.ListByMaterial(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("list hot records: %w", err)
	}

	from := now.Add(-s.config.Window)
	var out []reconcile.Forecast
	for _, rec := range records {
		if rec.UpdatedAt.Before(from) || rec.UpdatedAt.After(now) {
			continue
		}
		if !usable(rec) {
			log.Debug().
				Str("material", material).
				Str("country", rec.Country).
				Str("decision", rec.Decision).
				Msg("Skipping record without a usable forecast")
			continue
		}
		out = append(out, reconcile.Forecast{
			Country: rec.Country,
			Value:   rec.Forecast,
			Weight:  rec.Confidence / 100,
		})
	}
	return out, nil
}

func usable(rec persistence.LiveRecord) bool {
	if math.IsNaN(rec.Forecast) || math.IsInf(rec.Forecast, 0) {
		return false
	}
	return !rec.LowConfidence || rec.Forecast != 0
}

func (s *Scheduler) shares(ctx context.Context, material string, now time.Time) (map[string]float64, error) {
	if s.stores.Audit == nil {
		return nil, fmt.Errorf("audit store not configured")
	}
	lookback := s.config.ShareLookback
	if lookback <= 0 {
		lookback = 90 * 24 * time.Hour
	}
	records, err := s.stores.Audit.ListRange(ctx, material, persistence.TimeRange{From: now.Add(-lookback), To: now})
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}
	return reconcile.SharesFromHistory(records), nil
}

func (s *Scheduler) materials() []string {
	if len(s.config.Materials) > 0 {
		return s.config.Materials
	}
	all := s.catalog.Materials()
	out := make([]string, 0, len(all))
	for _, m := range all {
		out = append(out, m.Name)
	}
	return out
}

func failed(r JobResult, err error) JobResult {
	r.Success = false
	r.Error = err.Error()
	return r
}
