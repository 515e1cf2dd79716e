package models

import (
	"context"
	"fmt"
	"math"

	"github.com/sawpanic/sentinel/internal/domain"
)

// Regression forecasts oil-linked materials from the current price, the
// lagged driver price, month seasonality and a logistics index.
type Regression struct {
	weights  *RegressionWeights
	loadErr  error
	settings Settings
}

// NewRegression creates the oil-linked strategy. A nil weights value or a
// load error makes every prediction fail with ErrModelUnavailable.
func NewRegression(weights *RegressionWeights, loadErr error, settings Settings) *Regression {
	if weights != nil && weights.LagDays > 0 {
		settings.LagDays = weights.LagDays
	}
	return &Regression{weights: weights, loadErr: loadErr, settings: settings}
}

func (r *Regression) Name() string              { return "regression" }
func (r *Regression) Category() domain.Category { return domain.CategoryOilLinked }

// LagDays is the driver lag the worker must look up.
func (r *Regression) LagDays() int { return r.settings.LagDays }

// Predict returns the price HorizonDays ahead. Confidence is derived from the
// material's historical residual error relative to the forecast.
func (r *Regression) Predict(ctx context.Context, in Input) (domain.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PredictionResult{}, err
	}
	if r.loadErr != nil || r.weights == nil {
		return domain.PredictionResult{}, fmt.Errorf("%w: regression weights: %v", domain.ErrModelUnavailable, r.loadErr)
	}
	coef, ok := r.weights.For(in.Material.Name)
	if !ok {
		return domain.PredictionResult{}, fmt.Errorf("%w: no regression coefficients for %s", domain.ErrModelUnavailable, in.Material.Name)
	}
	if !in.HasDriver {
		return domain.PredictionResult{}, fmt.Errorf("%w: no %s price %d days before %s",
			domain.ErrInsufficientHistory, in.Material.Driver, r.settings.LagDays, in.ObservedAt.Format("2006-01-02"))
	}

	month := float64(in.ObservedAt.Month())
	monthSin := math.Sin(2 * math.Pi * month / 12)
	monthCos := math.Cos(2 * math.Pi * month / 12)

	forecast := coef.Intercept +
		coef.Price*in.Price +
		coef.DriverLag*in.DriverLagged +
		coef.MonthSin*monthSin +
		coef.MonthCos*monthCos +
		coef.Logistics*in.Logistics

	confidence := 0.0
	if forecast != 0 {
		confidence = 100 * (1 - in.Material.ErrorStdDev/math.Abs(forecast))
	}

	res := newResult(in, r, r.settings.HorizonDays, forecast, confidence)
	res.Metadata["driver_lagged"] = in.DriverLagged
	res.Metadata["lag_days"] = r.settings.LagDays
	res.Metadata["month_sin"] = monthSin
	res.Metadata["month_cos"] = monthCos
	res.Metadata["logistics"] = in.Logistics
	return res, nil
}
