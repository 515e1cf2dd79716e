package domain

import (
	"math"
	"time"
)

// CrostonState is the smoothed intermittent-demand state for one
// (material, country). P is the expected interval between non-zero demands in
// days, Z the expected non-zero demand size, and E the days elapsed since the
// last non-zero demand.
type CrostonState struct {
	P               float64 `json:"p"`
	Z               float64 `json:"z"`
	E               float64 `json:"e"`
	Observations    int     `json:"observations"`
	LastObservedDay int64   `json:"last_observed_day"`
}

// NewCrostonState seeds the state with an initial interval estimate.
func NewCrostonState(initialInterval float64) CrostonState {
	if initialInterval <= 0 {
		initialInterval = 1
	}
	return CrostonState{P: initialInterval}
}

// TrainCroston builds a state from a daily demand history. P and Z start at
// the mean interval and mean non-zero size, then the history is replayed.
func TrainCroston(history []float64, alpha, initialInterval float64) CrostonState {
	s := NewCrostonState(initialInterval)
	var total float64
	var nonZero int
	for _, v := range history {
		if v > 0 {
			total += v
			nonZero++
		}
	}
	if nonZero == 0 {
		s.E = float64(len(history))
		return s
	}
	s.P = float64(len(history)) / float64(nonZero)
	s.Z = total / float64(nonZero)

	seen := false
	for _, v := range history {
		switch {
		case v <= 0:
			s.E++
		case !seen:
			s.Z = alpha*v + (1-alpha)*s.Z
			s.E = 0
			s.Observations++
			seen = true
		default:
			s.Observe(v, alpha)
		}
	}
	return s
}

// ObserveInterval folds a completed interval d with non-zero demand s into the
// estimates and resets the elapsed counter.
func (s *CrostonState) ObserveInterval(d, size, alpha float64) {
	s.P = alpha*d + (1-alpha)*s.P
	s.Z = alpha*size + (1-alpha)*s.Z
	s.E = 0
	s.Observations++
}

// Observe records one day of demand.
func (s *CrostonState) Observe(demand, alpha float64) {
	if demand <= 0 {
		s.E++
		return
	}
	s.ObserveInterval(s.E+1, demand, alpha)
}

// Rate is the expected demand per day, Z/P.
func (s CrostonState) Rate() float64 {
	if s.P <= 0 {
		return 0
	}
	return s.Z / s.P
}

// Elevated reports whether an order is due: E within margin of P.
func (s CrostonState) Elevated(margin float64) bool {
	if s.Z <= 0 {
		return false
	}
	return s.E >= s.P-margin
}

// DayIndex converts a timestamp into a UTC day number.
func DayIndex(t time.Time) int64 {
	return int64(math.Floor(float64(t.UTC().Unix()) / 86400))
}

// InventoryPosition is the stock and demand picture for one (material, country).
type InventoryPosition struct {
	Material     string    `json:"material"`
	Country      string    `json:"country"`
	OnHand       float64   `json:"on_hand"`
	DailyDemand  float64   `json:"daily_demand"`
	DemandStdDev float64   `json:"demand_std_dev"`
	UpdatedAt    time.Time `json:"updated_at"`
}
