package models

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/sentinel/internal/domain"
)

var observed = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const regressionYAML = `
lag_days: 30
default:
  intercept: 10
  price: 1.0
  driver_lag: 2.0
  month_sin: 0
  month_cos: 0
  logistics: 0.5
materials:
  XLPE:
    intercept: 0
    price: 1.1
    driver_lag: 0
`

const sequenceYAML = `
window: 3
price:
  weights: [0, -0.5, 1.5]
  bias: 0
confidence:
  weights: [0, 0, 0]
  bias: 0
`

func TestSelector_ClosedRegistry(t *testing.T) {
	sel := NewDefaultSelector(&Weights{}, DefaultSettings())

	for _, c := range domain.Categories {
		s, err := sel.Select(c)
		require.NoError(t, err)
		assert.Equal(t, c, s.Category())
	}

	_, err := sel.Select(domain.Category("cobalt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownCategory))
}

func TestSelector_RejectsDuplicateCategory(t *testing.T) {
	_, err := NewSelector(NewIntermittent(DefaultSettings()), NewIntermittent(DefaultSettings()))
	require.Error(t, err)
}

func TestRegression_Predict(t *testing.T) {
	w, err := LoadRegressionWeights(writeFile(t, "regression.yaml", regressionYAML))
	require.NoError(t, err)

	strat := NewRegression(w, nil, DefaultSettings())
	in := Input{
		Material:     domain.Material{Name: "PVC", Category: domain.CategoryOilLinked, ErrorStdDev: 25},
		Country:      "Egypt",
		Price:        1000,
		ObservedAt:   observed,
		DriverLagged: 80,
		HasDriver:    true,
		Logistics:    100,
		Now:          observed,
	}

	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)

	// 10 + 1000 + 2*80 + 0.5*100
	assert.InDelta(t, 1220.0, res.Forecast, 1e-9)
	assert.InDelta(t, 100*(1-25.0/1220.0), res.Confidence, 1e-9)
	assert.Equal(t, "regression", res.Strategy)
	assert.Equal(t, 30, res.HorizonDays)
	assert.Equal(t, domain.CategoryOilLinked, res.Category)

	in.Material.Name = "XLPE"
	res, err = strat.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 1100.0, res.Forecast, 1e-9)
}

func TestRegression_SeasonalityFeatures(t *testing.T) {
	w := &RegressionWeights{Default: &Coefficients{MonthSin: 10, MonthCos: 10}}
	strat := NewRegression(w, nil, DefaultSettings())

	in := Input{Material: domain.Material{Name: "PE"}, HasDriver: true, ObservedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)

	// March: sin(pi/2)=1, cos(pi/2)=0
	assert.InDelta(t, 10.0, res.Forecast, 1e-9)
	assert.InDelta(t, 1.0, res.Metadata["month_sin"].(float64), 1e-12)
}

func TestRegression_ConfidenceClamped(t *testing.T) {
	w := &RegressionWeights{Default: &Coefficients{Price: 1}}
	strat := NewRegression(w, nil, DefaultSettings())

	in := Input{Material: domain.Material{Name: "PE", ErrorStdDev: 500}, Price: 100, HasDriver: true, ObservedAt: observed}
	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestRegression_FailsClosed(t *testing.T) {
	_, loadErr := LoadRegressionWeights(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, loadErr)

	strat := NewRegression(nil, loadErr, DefaultSettings())
	_, err := strat.Predict(context.Background(), Input{Material: domain.Material{Name: "PVC"}, HasDriver: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))

	corrupt := writeFile(t, "corrupt.yaml", "default: [this is: not, valid")
	_, loadErr = LoadRegressionWeights(corrupt)
	require.Error(t, loadErr)
}

func TestRegression_MissingDriverHistory(t *testing.T) {
	strat := NewRegression(&RegressionWeights{Default: &Coefficients{}}, nil, DefaultSettings())
	_, err := strat.Predict(context.Background(), Input{Material: domain.Material{Name: "PVC", Driver: "oil"}, ObservedAt: observed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientHistory))
}

func TestLoadRegressionWeights_RejectsLagOutsideRange(t *testing.T) {
	_, err := LoadRegressionWeights(writeFile(t, "lag.yaml", "lag_days: 10\ndefault:\n  price: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lag_days")
}

func TestSequence_Predict(t *testing.T) {
	w, err := LoadSequenceWeights(writeFile(t, "sequence.yaml", sequenceYAML))
	require.NoError(t, err)

	strat := NewSequence(w, nil, DefaultSettings())
	assert.Equal(t, 3, strat.Window())

	in := Input{
		Material: domain.Material{Name: "Copper", Category: domain.CategoryVolatileMetal},
		Country:  "Egypt",
		History:  []float64{1, 8800, 8900, 9000},
		Now:      observed,
	}
	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)

	// normalized window [0, 0.5, 1]; head output -0.25+1.5 = 1.25
	assert.InDelta(t, 8800+1.25*200, res.Forecast, 1e-9)
	assert.InDelta(t, 50.0, res.Confidence, 1e-9)
	assert.Equal(t, 8800.0, res.Metadata["window_min"])
}

func TestSequence_NormalizesPerCall(t *testing.T) {
	w, err := LoadSequenceWeights(writeFile(t, "sequence.yaml", sequenceYAML))
	require.NoError(t, err)
	strat := NewSequence(w, nil, DefaultSettings())

	a, err := strat.Predict(context.Background(), Input{History: []float64{10, 20, 30}})
	require.NoError(t, err)
	b, err := strat.Predict(context.Background(), Input{History: []float64{1000, 2000, 3000}})
	require.NoError(t, err)

	// Same shape at a different scale gives the same relative forecast.
	assert.InDelta(t, a.Forecast*100, b.Forecast, 1e-6)
	assert.Equal(t, a.Confidence, b.Confidence)
}

func TestSequence_FlatWindow(t *testing.T) {
	w, err := LoadSequenceWeights(writeFile(t, "sequence.yaml", sequenceYAML))
	require.NoError(t, err)
	strat := NewSequence(w, nil, DefaultSettings())

	res, err := strat.Predict(context.Background(), Input{History: []float64{500, 500, 500}})
	require.NoError(t, err)
	assert.Equal(t, 500.0, res.Forecast)
	assert.False(t, math.IsNaN(res.Confidence))
}

func TestSequence_ShortWindow(t *testing.T) {
	w, err := LoadSequenceWeights(writeFile(t, "sequence.yaml", sequenceYAML))
	require.NoError(t, err)
	strat := NewSequence(w, nil, DefaultSettings())

	_, err = strat.Predict(context.Background(), Input{History: []float64{1, 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientHistory))
}

func TestSequence_FailsClosed(t *testing.T) {
	_, loadErr := LoadSequenceWeights(writeFile(t, "bad.yaml", "window: 3\nprice:\n  weights: [1, 2]\n"))
	require.Error(t, loadErr)

	strat := NewSequence(nil, loadErr, DefaultSettings())
	_, err := strat.Predict(context.Background(), Input{History: make([]float64, 100)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}

func TestCroston_IntervalUpdate(t *testing.T) {
	s := domain.CrostonState{P: 60, Z: 10}
	s.ObserveInterval(60, 10, 0.15)
	assert.InDelta(t, 60.0, s.P, 1e-12)
	assert.InDelta(t, 10.0, s.Z, 1e-12)
	assert.Equal(t, 0.0, s.E)

	s.ObserveInterval(40, 20, 0.15)
	assert.InDelta(t, 0.15*40+0.85*60, s.P, 1e-12)
	assert.InDelta(t, 0.15*20+0.85*10, s.Z, 1e-12)
}

func TestCroston_ZeroDemandIncrementsElapsed(t *testing.T) {
	s := domain.CrostonState{P: 60, Z: 10, E: 3}
	s.Observe(0, 0.15)
	assert.Equal(t, 4.0, s.E)
	assert.Equal(t, 60.0, s.P)

	s.Observe(12, 0.15)
	assert.Equal(t, 0.0, s.E)
	assert.InDelta(t, 0.15*5+0.85*60, s.P, 1e-12)
}

func TestCroston_TrainFromHistory(t *testing.T) {
	history := []float64{0, 0, 10, 0, 0, 0, 10, 0}
	s := domain.TrainCroston(history, 0.15, 1)

	assert.Equal(t, 2, s.Observations)
	assert.Equal(t, 1.0, s.E)
	assert.InDelta(t, 10.0, s.Z, 1e-12)
	// start at 8/2 = 4, then one interval of 4 days
	assert.InDelta(t, 4.0, s.P, 1e-12)
}

func TestIntermittent_SeedFromDemandLog(t *testing.T) {
	strat := NewIntermittent(DefaultSettings())
	today := int64(20000)

	_, ok := strat.Seed(map[int64]float64{today: 5}, today, 1)
	assert.False(t, ok, "demand on today itself is left to Advance")

	st, ok := strat.Seed(map[int64]float64{today - 8: 10, today - 4: 10}, today, 1)
	require.True(t, ok)
	assert.Equal(t, domain.TrainCroston([]float64{10, 0, 0, 0, 10, 0, 0, 0}, 0.15, 1), withoutDay(st))
	assert.Equal(t, today-1, st.LastObservedDay)
}

func withoutDay(s domain.CrostonState) domain.CrostonState {
	s.LastObservedDay = 0
	return s
}

func TestIntermittent_ElevatedWithinMargin(t *testing.T) {
	strat := NewIntermittent(DefaultSettings())

	// Last order 55 days ago against an expected 60-day interval.
	in := Input{
		Material:   domain.Material{Name: "Mica Tape", Category: domain.CategoryIntermittentSpecialty},
		Country:    "Egypt",
		Croston:    domain.CrostonState{P: 60, Z: 40, E: 55, Observations: 6},
		HasCroston: true,
	}
	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskElevated, res.Metadata["classification"])
	assert.InDelta(t, 40.0/60.0, res.Forecast, 1e-12)
	assert.InDelta(t, 75.0, res.Confidence, 1e-9)
	assert.Equal(t, 40.0, res.Metadata["expected_order"])

	in.Croston.E = 20
	res, err = strat.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskNormal, res.Metadata["classification"])
}

func TestIntermittent_MarginConfigurable(t *testing.T) {
	settings := DefaultSettings()
	settings.ElevatedMargin = 1
	strat := NewIntermittent(settings)

	in := Input{Croston: domain.CrostonState{P: 60, Z: 40, E: 55}, HasCroston: true}
	res, err := strat.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskNormal, res.Metadata["classification"])
}

func TestIntermittent_AdvanceIsIdempotentByDay(t *testing.T) {
	strat := NewIntermittent(DefaultSettings())
	start := domain.CrostonState{P: 60, Z: 40, E: 50, LastObservedDay: 100}

	once := strat.Advance(start, nil, 105)
	assert.Equal(t, 55.0, once.E)
	assert.Equal(t, int64(105), once.LastObservedDay)

	twice := strat.Advance(once, nil, 105)
	assert.Equal(t, once, twice)

	stale := strat.Advance(once, nil, 103)
	assert.Equal(t, once, stale)
}

func TestIntermittent_AdvanceAppliesDemand(t *testing.T) {
	strat := NewIntermittent(DefaultSettings())
	start := domain.CrostonState{P: 60, Z: 40, E: 50, LastObservedDay: 100}

	next := strat.Advance(start, map[int64]float64{103: 30}, 105)
	assert.Equal(t, 2.0, next.E)
	assert.InDelta(t, 0.15*53+0.85*60, next.P, 1e-12)
	assert.InDelta(t, 0.15*30+0.85*40, next.Z, 1e-12)
	assert.Equal(t, 1, next.Observations)
}

func TestIntermittent_NoState(t *testing.T) {
	_, err := NewIntermittent(DefaultSettings()).Predict(context.Background(), Input{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientHistory))
}

func TestLoadWeights_PartialFailure(t *testing.T) {
	w := LoadWeights(writeFile(t, "regression.yaml", regressionYAML), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, w.RegressionErr)
	assert.Error(t, w.SequenceErr)

	sel := NewDefaultSelector(w, DefaultSettings())
	s, err := sel.Select(domain.CategoryVolatileMetal)
	require.NoError(t, err)
	_, err = s.Predict(context.Background(), Input{History: make([]float64, 60)})
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}
