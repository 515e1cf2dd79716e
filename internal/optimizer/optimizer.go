package optimizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/sawpanic/sentinel/internal/domain"
)

// ErrInfeasibleOptimization is returned when no valid decision exists for the
// inputs; callers fall back to FallbackHold.
var ErrInfeasibleOptimization = fmt.Errorf("infeasible optimization")

const simplexTol = 1e-10

// Input is everything the optimizer needs for one (material, country).
type Input struct {
	Material      string
	Country       string
	Category      domain.Category
	Curve         PriceCurve
	Risk          domain.RiskAssessment
	Inventory     float64
	DailyDemand   float64
	LeadTimeDays  int
	ExpectedOrder float64 // next intermittent order size, added when risk is elevated
	Policy        Policy
	Forecast      float64
	Confidence    float64
	Strategy      string
	Now           time.Time
}

// Optimizer maps forecasts and risk onto BUY, WAIT or HOLD.
type Optimizer struct{}

// New creates an optimizer.
func New() *Optimizer {
	return &Optimizer{}
}

// Optimize solves the purchase problem
//
//	min  price*qty + holding*(inventory+qty)
//	s.t. inventory + qty >= target, qty >= 0
//
// where price is the curve evaluated at the delivery date and target is the
// safety stock, plus a hedge or an expected intermittent order when they apply.
func (o *Optimizer) Optimize(in Input) (domain.ProcurementDecision, error) {
	if err := validate(in); err != nil {
		return domain.ProcurementDecision{}, err
	}

	spot := in.Curve.At(0)
	delivery := in.Curve.At(in.LeadTimeDays)
	if !finite(delivery) || delivery <= 0 {
		return domain.ProcurementDecision{}, fmt.Errorf("%w: delivery price %v", ErrInfeasibleOptimization, delivery)
	}
	trendUp := delivery > spot*(1+in.Policy.TrendThreshold)

	risk := in.Risk.StockoutProbability
	safety := in.Policy.SafetyStock(in.Category, in.DailyDemand, risk, in.LeadTimeDays)
	required := safety
	orderDue := in.Category == domain.CategoryIntermittentSpecialty &&
		in.Risk.Classification == domain.RiskElevated && in.ExpectedOrder > 0
	if orderDue {
		required += in.ExpectedOrder
	}

	d := domain.ProcurementDecision{
		Material:      in.Material,
		Country:       in.Country,
		Confidence:    domain.ClampConfidence(in.Confidence),
		Risk:          risk,
		InputPrice:    spot,
		Forecast:      in.Forecast,
		DeliveryPrice: delivery,
		SafetyStock:   safety,
		Strategy:      in.Strategy,
		CreatedAt:     in.Now.UTC(),
	}

	holding := in.Policy.HoldingCost(in.Category, delivery)
	below := in.Inventory < required

	switch {
	case below:
		qty, err := solve(delivery, holding, in.Inventory, required)
		if err != nil {
			return domain.ProcurementDecision{}, err
		}
		d.Action = domain.ActionBuy
		d.Quantity = &qty
		switch {
		case orderDue:
			d.Rationale = fmt.Sprintf("intermittent order due (elapsed %.0f of %.0f days), inventory below requirement",
				metaFloat(in.Risk.Result.Metadata, "elapsed"), metaFloat(in.Risk.Result.Metadata, "interval"))
		case trendUp:
			d.Rationale = "price trending up, inventory below safety stock"
		default:
			d.Rationale = "inventory below safety stock despite falling price"
		}

	case !trendUp:
		d.Action = domain.ActionWait
		d.Rationale = "price trending down, inventory adequate"

	case in.Policy.Mode == PolicyAggressive && safety == 0:
		// zero demand leaves nothing to hedge against
		d.Action = domain.ActionHold
		d.Rationale = "price trending up, no demand to hedge"

	case in.Policy.Mode == PolicyAggressive:
		qty, err := solve(delivery, holding, in.Inventory, in.Inventory+in.Policy.HedgeFactor*safety)
		if err != nil {
			return domain.ProcurementDecision{}, err
		}
		d.Action = domain.ActionBuy
		d.Quantity = &qty
		d.Rationale = "price trending up, hedging ahead of delivery"

	default:
		d.Action = domain.ActionHold
		d.Rationale = "price trending up, inventory adequate"
	}

	return d, nil
}

// FallbackHold is the decision emitted when optimization is infeasible.
func FallbackHold(in Input) domain.ProcurementDecision {
	return Hold(in.Material, in.Country, "infeasible constraints", in.Now)
}

// Hold builds a low-confidence HOLD decision.
func Hold(material, country, rationale string, now time.Time) domain.ProcurementDecision {
	return domain.ProcurementDecision{
		Material:      material,
		Country:       country,
		Action:        domain.ActionHold,
		Rationale:     rationale,
		LowConfidence: true,
		CreatedAt:     now.UTC(),
	}
}

func validate(in Input) error {
	switch {
	case in.LeadTimeDays <= 0:
		return fmt.Errorf("%w: lead time %d", ErrInfeasibleOptimization, in.LeadTimeDays)
	case !finite(in.Curve.Spot) || in.Curve.Spot <= 0:
		return fmt.Errorf("%w: spot price %v", ErrInfeasibleOptimization, in.Curve.Spot)
	case !finite(in.Curve.Slope):
		return fmt.Errorf("%w: price slope %v", ErrInfeasibleOptimization, in.Curve.Slope)
	case !finite(in.Inventory):
		return fmt.Errorf("%w: inventory %v", ErrInfeasibleOptimization, in.Inventory)
	case !finite(in.DailyDemand) || in.DailyDemand < 0:
		return fmt.Errorf("%w: daily demand %v", ErrInfeasibleOptimization, in.DailyDemand)
	case !finite(in.ExpectedOrder) || in.ExpectedOrder < 0:
		return fmt.Errorf("%w: expected order %v", ErrInfeasibleOptimization, in.ExpectedOrder)
	case !finite(in.Risk.StockoutProbability) || in.Risk.StockoutProbability < 0 || in.Risk.StockoutProbability > 1:
		return fmt.Errorf("%w: stockout probability %v", ErrInfeasibleOptimization, in.Risk.StockoutProbability)
	}
	if err := in.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInfeasibleOptimization, err)
	}
	return nil
}

// solve finds the cheapest quantity bringing inventory to at least target.
// The problem is written in standard form over [qty, surplus]:
//
//	qty - surplus = target - inventory
//
// with the row negated when the gap is negative so b stays non-negative.
func solve(price, holding, inventory, target float64) (float64, error) {
	gap := target - inventory
	if !finite(gap) {
		return 0, fmt.Errorf("%w: target %v", ErrInfeasibleOptimization, target)
	}

	c := []float64{price + holding, 0}
	A := mat.NewDense(1, 2, []float64{1, -1})
	b := []float64{gap}
	basic := []int{0}
	if gap < 0 {
		A = mat.NewDense(1, 2, []float64{-1, 1})
		b[0] = -gap
		basic = []int{1}
	}

	_, x, err := lp.Simplex(c, A, b, simplexTol, basic)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) || errors.Is(err, lp.ErrUnbounded) {
			return 0, fmt.Errorf("%w: %w", ErrInfeasibleOptimization, err)
		}
		return 0, fmt.Errorf("%w: simplex: %w", ErrInfeasibleOptimization, err)
	}

	qty := x[0]
	if qty < 0 && qty > -simplexTol {
		qty = 0
	}
	return qty, nil
}

func metaFloat(meta map[string]interface{}, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
