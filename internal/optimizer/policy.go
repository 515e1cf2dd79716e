package optimizer

import (
	"fmt"
	"math"

	"github.com/sawpanic/sentinel/internal/domain"
)

// PolicyMode selects how an up-trend with adequate stock is handled.
type PolicyMode string

const (
	PolicyAggressive   PolicyMode = "aggressive"
	PolicyConservative PolicyMode = "conservative"
)

// Policy holds the procurement cost and buffer parameters.
type Policy struct {
	Mode                PolicyMode `yaml:"mode"`
	HoldingCostPct      float64    `yaml:"holding_cost_pct"`      // fraction of unit price per unit held
	CapitalCostRate     float64    `yaml:"capital_cost_rate"`     // added to holding cost for volatile metals
	ServiceFactor       float64    `yaml:"service_factor"`        // base lead-time cover
	RiskFactor          float64    `yaml:"risk_factor"`           // extra cover per unit of stockout probability
	HedgeFactor         float64    `yaml:"hedge_factor"`          // aggressive hedge as a fraction of safety stock
	SpecialtyBufferDays int        `yaml:"specialty_buffer_days"` // shipping risk days for specialty items
	SpecialtyMultiplier float64    `yaml:"specialty_multiplier"`
	TrendThreshold      float64    `yaml:"trend_threshold"` // relative move below which price is not trending up
}

// DefaultPolicy returns the conservative policy with standard cost parameters.
func DefaultPolicy() Policy {
	return Policy{}.WithDefaults()
}

// WithDefaults fills unset fields.
func (p Policy) WithDefaults() Policy {
	if p.Mode == "" {
		p.Mode = PolicyConservative
	}
	if p.HoldingCostPct == 0 {
		p.HoldingCostPct = 0.02
	}
	if p.CapitalCostRate == 0 {
		p.CapitalCostRate = 0.0003
	}
	if p.ServiceFactor == 0 {
		p.ServiceFactor = 0.5
	}
	if p.RiskFactor == 0 {
		p.RiskFactor = 1.0
	}
	if p.HedgeFactor == 0 {
		p.HedgeFactor = 0.5
	}
	if p.SpecialtyBufferDays == 0 {
		p.SpecialtyBufferDays = 7
	}
	if p.SpecialtyMultiplier == 0 {
		p.SpecialtyMultiplier = 1.2
	}
	return p
}

// Validate rejects policies the optimizer cannot act on.
func (p Policy) Validate() error {
	switch p.Mode {
	case PolicyAggressive, PolicyConservative:
	default:
		return fmt.Errorf("unknown policy mode %q", p.Mode)
	}
	for name, v := range map[string]float64{
		"holding_cost_pct":     p.HoldingCostPct,
		"capital_cost_rate":    p.CapitalCostRate,
		"service_factor":       p.ServiceFactor,
		"hedge_factor":         p.HedgeFactor,
		"specialty_multiplier": p.SpecialtyMultiplier,
		"trend_threshold":      p.TrendThreshold,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %v", name, v)
		}
	}
	if !(p.RiskFactor > 0) || math.IsInf(p.RiskFactor, 0) {
		return fmt.Errorf("risk_factor must be positive, got %v", p.RiskFactor)
	}
	if p.SpecialtyBufferDays < 0 {
		return fmt.Errorf("specialty_buffer_days cannot be negative")
	}
	return nil
}

// SafetyStock is the stock required to cover lead-time demand at the given
// stockout probability. It is strictly increasing in risk when demand is
// positive.
func (p Policy) SafetyStock(category domain.Category, dailyDemand, risk float64, leadTimeDays int) float64 {
	days := float64(leadTimeDays)
	mult := 1.0
	if category == domain.CategoryIntermittentSpecialty {
		days += float64(p.SpecialtyBufferDays)
		mult = p.SpecialtyMultiplier
	}
	return dailyDemand * days * (p.ServiceFactor + p.RiskFactor*risk) * mult
}

// HoldingCost is the per-unit cost of carrying stock at the given price.
func (p Policy) HoldingCost(category domain.Category, price float64) float64 {
	rate := p.HoldingCostPct
	if category == domain.CategoryVolatileMetal {
		rate += p.CapitalCostRate
	}
	return price * rate
}
