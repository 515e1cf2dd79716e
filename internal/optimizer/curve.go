package optimizer

// PriceCurve is a linear price path starting at the spot price.
type PriceCurve struct {
	Spot  float64 `json:"spot"`
	Slope float64 `json:"slope"` // price change per day
}

// NewForecastCurve interpolates between the spot price today and a forecast
// price horizonDays ahead.
func NewForecastCurve(spot, forecast float64, horizonDays int) PriceCurve {
	if horizonDays <= 0 {
		return PriceCurve{Spot: spot}
	}
	return PriceCurve{Spot: spot, Slope: (forecast - spot) / float64(horizonDays)}
}

// NewTrendCurve extends an observed percentage move over horizonDays.
func NewTrendCurve(spot, trendPct float64, horizonDays int) PriceCurve {
	return NewForecastCurve(spot, spot*(1+trendPct/100), horizonDays)
}

// At returns the price days from now.
func (c PriceCurve) At(days int) float64 {
	return c.Spot + c.Slope*float64(days)
}
