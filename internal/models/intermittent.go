package models

import (
	"context"
	"fmt"

	"github.com/sawpanic/sentinel/internal/domain"
)

// maxCatchUpDays bounds how many missed days a single advance replays.
const maxCatchUpDays = 366

// Intermittent applies Croston's method to specialty materials with lumpy
// demand. The forecast is a daily demand rate rather than a price.
type Intermittent struct {
	settings Settings
}

// NewIntermittent creates the intermittent-specialty strategy.
func NewIntermittent(settings Settings) *Intermittent {
	return &Intermittent{settings: settings}
}

func (m *Intermittent) Name() string              { return "croston" }
func (m *Intermittent) Category() domain.Category { return domain.CategoryIntermittentSpecialty }

// Advance replays daily demand for every day after state.LastObservedDay up
// to and including today. Days absent from demand count as zero. Replaying
// a day that was already observed is a no-op, so redelivered tasks do not
// advance the state twice.
func (m *Intermittent) Advance(state domain.CrostonState, demand map[int64]float64, today int64) domain.CrostonState {
	if state.LastObservedDay == 0 {
		state.LastObservedDay = today - 1
	}
	if today <= state.LastObservedDay {
		return state
	}
	from := state.LastObservedDay + 1
	if today-from >= maxCatchUpDays {
		state.E += float64(today - maxCatchUpDays + 1 - from)
		from = today - maxCatchUpDays + 1
	}
	for day := from; day <= today; day++ {
		state.Observe(demand[day], m.settings.CrostonAlpha)
	}
	state.LastObservedDay = today
	return state
}

// Seed trains a first state from the demand logged before today. It reports
// false when that history holds no demand at all.
func (m *Intermittent) Seed(demand map[int64]float64, today int64, initialInterval float64) (domain.CrostonState, bool) {
	first := today
	for day, v := range demand {
		if v > 0 && day < first {
			first = day
		}
	}
	if first == today {
		return domain.CrostonState{}, false
	}
	history := make([]float64, 0, today-first)
	for day := first; day < today; day++ {
		history = append(history, demand[day])
	}
	st := domain.TrainCroston(history, m.settings.CrostonAlpha, initialInterval)
	st.LastObservedDay = today - 1
	return st, true
}

// Predict reads the advanced state and classifies whether an order is due.
func (m *Intermittent) Predict(ctx context.Context, in Input) (domain.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PredictionResult{}, err
	}
	if !in.HasCroston {
		return domain.PredictionResult{}, fmt.Errorf("%w: no demand state for %s/%s",
			domain.ErrInsufficientHistory, in.Material.Name, in.Country)
	}
	st := in.Croston

	classification := domain.RiskNormal
	if st.Elevated(m.settings.ElevatedMargin) {
		classification = domain.RiskElevated
	}

	n := float64(st.Observations)
	res := newResult(in, m, m.settings.HorizonDays, st.Rate(), 100*n/(n+2))
	res.Metadata["interval"] = st.P
	res.Metadata["size"] = st.Z
	res.Metadata["elapsed"] = st.E
	res.Metadata["expected_order"] = st.Z
	res.Metadata["classification"] = classification
	return res, nil
}
