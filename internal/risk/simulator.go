package risk

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/sentinel/internal/domain"
)

// ErrInvalidParameters is returned for parameters the simulation cannot run on.
var ErrInvalidParameters = fmt.Errorf("invalid simulation parameters")

const (
	DefaultTrials            = 1000
	DefaultElevatedThreshold = 0.3
	worstCaseQuantile        = 0.05
)

// Params describes one simulation run. DailyDemand and ErrorStdDev are the
// forecast daily demand and its historical residual standard deviation.
type Params struct {
	DailyDemand    float64
	ErrorStdDev    float64
	LeadTimeDays   int
	LeadTimeStdDev float64
	Inventory      float64
	Trials         int
	Seed           uint64
	Result         domain.PredictionResult
}

// Simulator estimates stockout probability by Monte Carlo sampling. It holds
// no random state; every run is seeded from its Params.
type Simulator struct {
	ElevatedThreshold float64
}

// NewSimulator creates a simulator with the default classification threshold.
func NewSimulator() *Simulator {
	return &Simulator{ElevatedThreshold: DefaultElevatedThreshold}
}

// Simulate draws p.Trials demand scenarios over the lead time and counts the
// fraction in which inventory runs out before replenishment arrives.
func (s *Simulator) Simulate(p Params) (domain.RiskAssessment, error) {
	if p.Trials == 0 {
		p.Trials = DefaultTrials
	}
	if err := p.validate(); err != nil {
		return domain.RiskAssessment{}, err
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	lead := float64(p.LeadTimeDays)

	ending := make([]float64, p.Trials)
	stockouts := 0
	for i := range ending {
		lt := lead
		if p.LeadTimeStdDev > 0 {
			lt = math.Max(1, lead+p.LeadTimeStdDev*rng.NormFloat64())
		}
		demand := p.DailyDemand*lt + p.ErrorStdDev*math.Sqrt(lt)*rng.NormFloat64()
		if demand < 0 {
			demand = 0
		}
		ending[i] = p.Inventory - demand
		if ending[i] < 0 {
			stockouts++
		}
	}

	prob := float64(stockouts) / float64(p.Trials)
	avg := stat.Mean(ending, nil)
	sort.Float64s(ending)
	worst := stat.Quantile(worstCaseQuantile, stat.Empirical, ending, nil)

	return domain.RiskAssessment{
		StockoutProbability: prob,
		Trials:              p.Trials,
		Seed:                p.Seed,
		AvgEndingStock:      avg,
		WorstCaseStock:      worst,
		Classification:      s.classify(prob, p.Result),
		Result:              p.Result,
	}, nil
}

func (s *Simulator) classify(prob float64, result domain.PredictionResult) string {
	if c, ok := result.Metadata["classification"].(string); ok && c == domain.RiskElevated {
		return domain.RiskElevated
	}
	if prob >= s.ElevatedThreshold {
		return domain.RiskElevated
	}
	return domain.RiskNormal
}

func (p Params) validate() error {
	switch {
	case !finite(p.ErrorStdDev) || p.ErrorStdDev < 0:
		return fmt.Errorf("%w: error std dev %v", ErrInvalidParameters, p.ErrorStdDev)
	case p.LeadTimeDays <= 0:
		return fmt.Errorf("%w: lead time %d days", ErrInvalidParameters, p.LeadTimeDays)
	case p.Trials <= 0:
		return fmt.Errorf("%w: trials %d", ErrInvalidParameters, p.Trials)
	case !finite(p.DailyDemand) || p.DailyDemand < 0:
		return fmt.Errorf("%w: daily demand %v", ErrInvalidParameters, p.DailyDemand)
	case !finite(p.Inventory):
		return fmt.Errorf("%w: inventory %v", ErrInvalidParameters, p.Inventory)
	case !finite(p.LeadTimeStdDev) || p.LeadTimeStdDev < 0:
		return fmt.Errorf("%w: lead time std dev %v", ErrInvalidParameters, p.LeadTimeStdDev)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
