package models

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/sawpanic/sentinel/internal/domain"
)

// Sequence forecasts volatile metals from a fixed window of recent prices.
// The window is min-max normalized on its own range per call so no scaler
// state is shared between predictions.
type Sequence struct {
	weights  *SequenceWeights
	loadErr  error
	settings Settings
}

// NewSequence creates the volatile-metal strategy.
func NewSequence(weights *SequenceWeights, loadErr error, settings Settings) *Sequence {
	if weights != nil {
		settings.Window = weights.Window
	}
	return &Sequence{weights: weights, loadErr: loadErr, settings: settings}
}

func (s *Sequence) Name() string              { return "sequence" }
func (s *Sequence) Category() domain.Category { return domain.CategoryVolatileMetal }

// Window is the number of prices the strategy consumes.
func (s *Sequence) Window() int { return s.settings.Window }

// Predict produces the price forecast and its confidence from one pass over
// the window.
func (s *Sequence) Predict(ctx context.Context, in Input) (domain.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PredictionResult{}, err
	}
	if s.loadErr != nil || s.weights == nil {
		return domain.PredictionResult{}, fmt.Errorf("%w: sequence weights: %v", domain.ErrModelUnavailable, s.loadErr)
	}
	n := s.settings.Window
	if len(in.History) < n {
		return domain.PredictionResult{}, fmt.Errorf("%w: %d of %d prices for %s",
			domain.ErrInsufficientHistory, len(in.History), n, in.Material.Name)
	}
	window := in.History[len(in.History)-n:]

	norm, lo, hi := normalize(window)
	priceOut := floats.Dot(s.weights.Price.Weights, norm) + s.weights.Price.Bias
	confOut := floats.Dot(s.weights.Confidence.Weights, norm) + s.weights.Confidence.Bias

	forecast := lo + priceOut*(hi-lo)
	confidence := 100 * sigmoid(confOut)

	res := newResult(in, s, s.settings.HorizonDays, forecast, confidence)
	res.Metadata["window"] = n
	res.Metadata["window_min"] = lo
	res.Metadata["window_max"] = hi
	return res, nil
}

// normalize scales values onto [0,1]; a flat window maps to 0.5.
func normalize(values []float64) (out []float64, lo, hi float64) {
	lo, hi = floats.Min(values), floats.Max(values)
	out = make([]float64, len(values))
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - lo) / span
	}
	return out, lo, hi
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
