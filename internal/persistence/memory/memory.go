// Package memory provides in-process implementations of the persistence
// contracts for tests and single-node runs without Redis or Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
)

func pairKey(material, country string) string {
	return material + "|" + country
}

// AuditRepo is an append-only decision log.
type AuditRepo struct {
	mu     sync.Mutex
	rows   []persistence.DecisionRecord
	seen   map[string]struct{}
	nextID int64
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{seen: make(map[string]struct{})}
}

func (r *AuditRepo) Append(ctx context.Context, rec persistence.DecisionRecord) (bool, error) {
	if rec.Material == "" || rec.Country == "" || rec.CreatedAt.IsZero() {
		return false, fmt.Errorf("decision record requires material, country and created_at")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := fmt.Sprintf("%s|%s|%d", rec.Material, rec.Country, rec.CreatedAt.UnixNano())
	if _, dup := r.seen[k]; dup {
		return false, nil
	}
	r.seen[k] = struct{}{}
	r.nextID++
	rec.ID = r.nextID
	rec.CreatedAt = rec.CreatedAt.UTC()
	r.rows = append(r.rows, rec)
	return true, nil
}

func (r *AuditRepo) History(ctx context.Context, material, country string, limit int) ([]persistence.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []persistence.DecisionRecord
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if row.Material == material && row.Country == country {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *AuditRepo) ListRange(ctx context.Context, material string, tr persistence.TimeRange) ([]persistence.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []persistence.DecisionRecord
	for _, row := range r.rows {
		if row.Material != material || row.CreatedAt.Before(tr.From) || row.CreatedAt.After(tr.To) {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Len returns the number of stored rows.
func (r *AuditRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// ReconciliationRepo stores adjustments per run.
type ReconciliationRepo struct {
	mu   sync.Mutex
	runs map[string][]domain.ReconciliationAdjustment
	// latest run per material
	latest map[string]string
}

func NewReconciliationRepo() *ReconciliationRepo {
	return &ReconciliationRepo{
		runs:   make(map[string][]domain.ReconciliationAdjustment),
		latest: make(map[string]string),
	}
}

func (r *ReconciliationRepo) InsertBatch(ctx context.Context, adjustments []domain.ReconciliationAdjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range adjustments {
		if a.RunID == "" || a.Country == "" {
			return fmt.Errorf("adjustment requires run_id and country")
		}
	}
	for _, a := range adjustments {
		existing := r.runs[a.RunID]
		dup := false
		for _, e := range existing {
			if e.Country == a.Country {
				dup = true
				break
			}
		}
		if !dup {
			r.runs[a.RunID] = append(existing, a)
		}
		r.latest[a.Material] = a.RunID
	}
	return nil
}

func (r *ReconciliationRepo) ListByRun(ctx context.Context, runID string) ([]domain.ReconciliationAdjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ReconciliationAdjustment(nil), r.runs[runID]...), nil
}

func (r *ReconciliationRepo) Latest(ctx context.Context, material string) ([]domain.ReconciliationAdjustment, error) {
	r.mu.Lock()
	id, ok := r.latest[material]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.ListByRun(ctx, id)
}

// HotStore keeps the newest live record per pair.
type HotStore struct {
	mu   sync.RWMutex
	recs map[string]persistence.LiveRecord
}

func NewHotStore() *HotStore {
	return &HotStore{recs: make(map[string]persistence.LiveRecord)}
}

func (s *HotStore) Upsert(ctx context.Context, rec persistence.LiveRecord) (bool, error) {
	if rec.Material == "" || rec.Country == "" || rec.UpdatedAt.IsZero() {
		return false, fmt.Errorf("live record requires material, country and updated_at")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(rec.Material, rec.Country)
	if cur, ok := s.recs[k]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return false, nil
	}
	s.recs[k] = rec
	return true, nil
}

func (s *HotStore) Get(ctx context.Context, material, country string) (*persistence.LiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[pairKey(material, country)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *HotStore) ListByMaterial(ctx context.Context, material string) ([]persistence.LiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.LiveRecord
	for _, rec := range s.recs {
		if rec.Material == material {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}

type pricePoint struct {
	at    time.Time
	price float64
}

// PriceHistory keeps series sorted by time.
type PriceHistory struct {
	mu     sync.RWMutex
	series map[string][]pricePoint
}

func NewPriceHistory() *PriceHistory {
	return &PriceHistory{series: make(map[string][]pricePoint)}
}

func (p *PriceHistory) Record(ctx context.Context, series string, at time.Time, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	at = at.UTC().Truncate(time.Millisecond)
	pts := p.series[series]
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].at.Before(at) })
	if i < len(pts) && pts[i].at.Equal(at) {
		pts[i].price = price
		return nil
	}
	pts = append(pts, pricePoint{})
	copy(pts[i+1:], pts[i:])
	pts[i] = pricePoint{at: at, price: price}
	p.series[series] = pts
	return nil
}

func (p *PriceHistory) Window(ctx context.Context, series string, at time.Time, n int) ([]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pts := p.series[series]
	end := sort.Search(len(pts), func(i int) bool { return pts[i].at.After(at) })
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, end-start)
	for _, pt := range pts[start:end] {
		out = append(out, pt.price)
	}
	return out, nil
}

func (p *PriceHistory) At(ctx context.Context, series string, at time.Time) (float64, bool, error) {
	w, _ := p.Window(ctx, series, at, 1)
	if len(w) == 0 {
		return 0, false, nil
	}
	return w[0], true, nil
}

// CrostonStore keeps intermittent-demand state.
type CrostonStore struct {
	mu     sync.RWMutex
	states map[string]domain.CrostonState
}

func NewCrostonStore() *CrostonStore {
	return &CrostonStore{states: make(map[string]domain.CrostonState)}
}

func (s *CrostonStore) Load(ctx context.Context, material, country string) (domain.CrostonState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[pairKey(material, country)]
	return st, ok, nil
}

func (s *CrostonStore) Save(ctx context.Context, material, country string, st domain.CrostonState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pairKey(material, country)] = st
	return nil
}

// DemandLog keeps daily demand per pair.
type DemandLog struct {
	mu   sync.RWMutex
	days map[string]map[int64]float64
}

func NewDemandLog() *DemandLog {
	return &DemandLog{days: make(map[string]map[int64]float64)}
}

func (d *DemandLog) Record(ctx context.Context, material, country string, day int64, qty float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := pairKey(material, country)
	if d.days[k] == nil {
		d.days[k] = make(map[int64]float64)
	}
	d.days[k][day] = qty
	return nil
}

func (d *DemandLog) Range(ctx context.Context, material, country string, fromDay, toDay int64) (map[int64]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int64]float64)
	for day, qty := range d.days[pairKey(material, country)] {
		if day >= fromDay && day <= toDay {
			out[day] = qty
		}
	}
	return out, nil
}

// InventoryStore keeps stock positions.
type InventoryStore struct {
	mu        sync.RWMutex
	positions map[string]domain.InventoryPosition
}

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{positions: make(map[string]domain.InventoryPosition)}
}

func (s *InventoryStore) Position(ctx context.Context, material, country string) (domain.InventoryPosition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[pairKey(material, country)]
	return pos, ok, nil
}

func (s *InventoryStore) Save(ctx context.Context, pos domain.InventoryPosition) error {
	if pos.Material == "" || pos.Country == "" {
		return fmt.Errorf("%w: inventory position requires material and country", domain.ErrMalformedInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pairKey(pos.Material, pos.Country)] = pos
	return nil
}

var (
	_ persistence.AuditRepo          = (*AuditRepo)(nil)
	_ persistence.ReconciliationRepo = (*ReconciliationRepo)(nil)
	_ persistence.HotStore           = (*HotStore)(nil)
	_ persistence.PriceHistory       = (*PriceHistory)(nil)
	_ persistence.CrostonStore       = (*CrostonStore)(nil)
	_ persistence.DemandLog          = (*DemandLog)(nil)
	_ persistence.InventoryStore     = (*InventoryStore)(nil)
)
