package reconcile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
)

// ErrNoShares is returned by top-down reconciliation without usable shares.
var ErrNoShares = fmt.Errorf("no historical shares")

// RegionLookup resolves the region of a country.
type RegionLookup interface {
	Region(country string) string
}

// Forecast is one country-level value entering reconciliation.
type Forecast struct {
	Country string  `json:"country"`
	Value   float64 `json:"value"`
	Weight  float64 `json:"weight"` // only used by weighted bottom-up
}

// RegionTotal is the aggregate of one region.
type RegionTotal struct {
	Region    string  `json:"region"`
	Total     float64 `json:"total"`
	Countries int     `json:"countries"`
}

// Aggregate is the bottom-up view of one material.
type Aggregate struct {
	Material string        `json:"material"`
	Regions  []RegionTotal `json:"regions"`
	Global   float64       `json:"global"`
	Weighted bool          `json:"weighted"`
}

// Allocation is one country's share of a top-down total.
type Allocation struct {
	Country string  `json:"country"`
	Share   float64 `json:"share"`
	Value   float64 `json:"value"`
}

// ToleranceViolation is a warning artifact raised when the adjusted values do
// not sum to the reconciled total. It never fails the run.
type ToleranceViolation struct {
	Material  string  `json:"material"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Diff      float64 `json:"diff"`
	Tolerance float64 `json:"tolerance"`
}

func (v ToleranceViolation) String() string {
	return fmt.Sprintf("%s: adjusted sum %.6f differs from total %.6f by %.6g (tolerance %.6g)",
		v.Material, v.Actual, v.Expected, v.Diff, v.Tolerance)
}

// Options controls one reconciliation run. Direction comes from
// configuration and is never inferred.
type Options struct {
	Direction string
	Weighted  bool
	Tolerance float64
	Total     *float64 // top-down macro total; defaults to the bottom-up global
	Shares    map[string]float64
	RunID     string
	Now       time.Time
}

// Run is the outcome of reconciling one material.
type Run struct {
	ID          string                            `json:"id"`
	Material    string                            `json:"material"`
	Direction   string                            `json:"direction"`
	Total       float64                           `json:"total"`
	Aggregate   Aggregate                         `json:"aggregate"`
	Adjustments []domain.ReconciliationAdjustment `json:"adjustments"`
	Violation   *ToleranceViolation               `json:"violation,omitempty"`
	CreatedAt   time.Time                         `json:"created_at"`
}

// Reconciler keeps country, region and global forecasts coherent.
type Reconciler struct {
	regions RegionLookup
}

// New creates a reconciler over a region hierarchy.
func New(regions RegionLookup) *Reconciler {
	return &Reconciler{regions: regions}
}

// BottomUp sums country forecasts into regional and global totals. Weighted
// aggregation multiplies each value by its weight.
func (r *Reconciler) BottomUp(material string, forecasts []Forecast, weighted bool) (Aggregate, error) {
	if len(forecasts) == 0 {
		return Aggregate{}, fmt.Errorf("%w: no forecasts for %s", domain.ErrMalformedInput, material)
	}

	byRegion := make(map[string]*RegionTotal)
	values := make([]float64, 0, len(forecasts))
	for _, f := range forecasts {
		if !finite(f.Value) || !finite(f.Weight) || f.Weight < 0 {
			return Aggregate{}, fmt.Errorf("%w: forecast for %s/%s is not finite", domain.ErrMalformedInput, material, f.Country)
		}
		v := f.Value
		if weighted {
			v *= f.Weight
		}
		values = append(values, v)

		region := r.regions.Region(f.Country)
		rt, ok := byRegion[region]
		if !ok {
			rt = &RegionTotal{Region: region}
			byRegion[region] = rt
		}
		rt.Total += v
		rt.Countries++
	}

	agg := Aggregate{Material: material, Global: floats.Sum(values), Weighted: weighted}
	for _, rt := range byRegion {
		agg.Regions = append(agg.Regions, *rt)
	}
	sort.Slice(agg.Regions, func(i, j int) bool { return agg.Regions[i].Region < agg.Regions[j].Region })
	return agg, nil
}

// TopDown splits total across countries in proportion to their historical
// shares. Shares are normalized; negative or non-finite shares are rejected.
func (r *Reconciler) TopDown(material string, total float64, shares map[string]float64) ([]Allocation, error) {
	if !finite(total) {
		return nil, fmt.Errorf("%w: total %v for %s", domain.ErrMalformedInput, total, material)
	}
	var sum float64
	for country, s := range shares {
		if !finite(s) || s < 0 {
			return nil, fmt.Errorf("%w: share %v for %s/%s", domain.ErrMalformedInput, s, material, country)
		}
		sum += s
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoShares, material)
	}

	countries := make([]string, 0, len(shares))
	for c := range shares {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	out := make([]Allocation, 0, len(countries))
	for _, c := range countries {
		share := shares[c] / sum
		out = append(out, Allocation{Country: c, Share: share, Value: total * share})
	}
	return out, nil
}

// Reconcile runs one direction and checks that adjusted values sum to the
// total within tolerance.
func (r *Reconciler) Reconcile(material string, forecasts []Forecast, opts Options) (Run, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	agg, err := r.BottomUp(material, forecasts, opts.Weighted)
	if err != nil {
		return Run{}, err
	}

	run := Run{
		ID:        opts.RunID,
		Material:  material,
		Direction: opts.Direction,
		Aggregate: agg,
		CreatedAt: opts.Now.UTC(),
	}

	before := make(map[string]float64, len(forecasts))
	for _, f := range forecasts {
		before[f.Country] = f.Value
	}

	switch opts.Direction {
	case domain.DirectionBottomUp:
		run.Total = agg.Global
		for _, f := range forecasts {
			after := f.Value
			if opts.Weighted {
				after *= f.Weight
			}
			run.Adjustments = append(run.Adjustments, r.adjustment(run, f.Country, f.Value, after, 0))
		}

	case domain.DirectionTopDown:
		run.Total = agg.Global
		if opts.Total != nil {
			run.Total = *opts.Total
		}
		allocs, err := r.TopDown(material, run.Total, opts.Shares)
		if err != nil {
			return Run{}, err
		}
		for _, a := range allocs {
			run.Adjustments = append(run.Adjustments, r.adjustment(run, a.Country, before[a.Country], a.Value, a.Share))
		}

	default:
		return Run{}, fmt.Errorf("%w: reconciliation direction %q", domain.ErrMalformedInput, opts.Direction)
	}

	run.Violation = CheckTolerance(material, run.Total, run.Adjustments, opts.Tolerance)
	return run, nil
}

func (r *Reconciler) adjustment(run Run, country string, before, after, share float64) domain.ReconciliationAdjustment {
	return domain.ReconciliationAdjustment{
		RunID:     run.ID,
		Material:  run.Material,
		Country:   country,
		Region:    r.regions.Region(country),
		Before:    before,
		After:     after,
		Share:     share,
		Direction: run.Direction,
		CreatedAt: run.CreatedAt,
	}
}

// CheckTolerance returns a violation when |sum(after) - total| > tolerance.
func CheckTolerance(material string, total float64, adjustments []domain.ReconciliationAdjustment, tolerance float64) *ToleranceViolation {
	after := make([]float64, len(adjustments))
	for i, a := range adjustments {
		after[i] = a.After
	}
	actual := floats.Sum(after)
	diff := math.Abs(actual - total)
	if diff <= tolerance {
		return nil
	}
	return &ToleranceViolation{
		Material:  material,
		Expected:  total,
		Actual:    actual,
		Diff:      diff,
		Tolerance: tolerance,
	}
}

// SharesFromHistory derives each country's share of purchased volume from
// audit history. Only BUY rows with a quantity count.
func SharesFromHistory(records []persistence.DecisionRecord) map[string]float64 {
	volume := make(map[string]float64)
	var total float64
	for _, rec := range records {
		if rec.Decision != string(domain.ActionBuy) || rec.Quantity == nil || *rec.Quantity <= 0 {
			continue
		}
		volume[rec.Country] += *rec.Quantity
		total += *rec.Quantity
	}
	if total == 0 {
		return nil
	}
	shares := make(map[string]float64, len(volume))
	for c, v := range volume {
		shares[c] = v / total
	}
	return shares
}

// SharesFromForecasts derives each country's share of the bottom-up total
// from a forecast set. Splitting that total top-down with these shares gives
// back the original forecasts.
func SharesFromForecasts(forecasts []Forecast) map[string]float64 {
	var total float64
	for _, f := range forecasts {
		if finite(f.Value) && f.Value > 0 {
			total += f.Value
		}
	}
	if total == 0 {
		return nil
	}
	shares := make(map[string]float64, len(forecasts))
	for _, f := range forecasts {
		if finite(f.Value) && f.Value > 0 {
			shares[f.Country] += f.Value / total
		}
	}
	return shares
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
