package models

import (
	"context"
	"time"

	"github.com/sawpanic/sentinel/internal/domain"
)

// Input is the assembled feature context for one prediction.
type Input struct {
	Material   domain.Material
	Country    string
	Price      float64
	Trend      float64
	ObservedAt time.Time

	// History is the recent price window, oldest first.
	History []float64

	// DriverLagged is the driver series price LagDays before ObservedAt.
	DriverLagged float64
	HasDriver    bool
	Logistics    float64
	Croston      domain.CrostonState
	HasCroston   bool
	Now          time.Time
}

// Strategy forecasts one category of materials.
type Strategy interface {
	Name() string
	Category() domain.Category
	Predict(ctx context.Context, in Input) (domain.PredictionResult, error)
}

// Settings are the shared inference parameters.
type Settings struct {
	HorizonDays    int
	LagDays        int
	Window         int
	CrostonAlpha   float64
	ElevatedMargin float64
}

// DefaultSettings mirrors the pipeline defaults.
func DefaultSettings() Settings {
	return Settings{
		HorizonDays:    30,
		LagDays:        30,
		Window:         60,
		CrostonAlpha:   0.15,
		ElevatedMargin: 5,
	}
}

func newResult(in Input, s Strategy, horizon int, forecast, confidence float64) domain.PredictionResult {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	return domain.PredictionResult{
		Material:    in.Material.Name,
		Country:     in.Country,
		Category:    s.Category(),
		Strategy:    s.Name(),
		Forecast:    forecast,
		HorizonDays: horizon,
		Confidence:  domain.ClampConfidence(confidence),
		Metadata:    map[string]interface{}{},
		CreatedAt:   now.UTC(),
	}
}
