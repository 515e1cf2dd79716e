package models

import (
	"fmt"

	"github.com/sawpanic/sentinel/internal/domain"
)

// Selector maps each category to exactly one strategy. The mapping is fixed
// at construction; there is no registration API and no default strategy.
type Selector struct {
	strategies map[domain.Category]Strategy
}

// NewSelector builds a selector from strategies, one per category.
func NewSelector(strategies ...Strategy) (*Selector, error) {
	m := make(map[domain.Category]Strategy, len(strategies))
	for _, s := range strategies {
		c := s.Category()
		if !c.Valid() {
			return nil, fmt.Errorf("strategy %s: %w: %q", s.Name(), domain.ErrUnknownCategory, c)
		}
		if prev, dup := m[c]; dup {
			return nil, fmt.Errorf("category %s has two strategies: %s and %s", c, prev.Name(), s.Name())
		}
		m[c] = s
	}
	return &Selector{strategies: m}, nil
}

// NewDefaultSelector wires the three production strategies.
func NewDefaultSelector(w *Weights, settings Settings) *Selector {
	if w == nil {
		w = &Weights{
			RegressionErr: fmt.Errorf("weights not loaded"),
			SequenceErr:   fmt.Errorf("weights not loaded"),
		}
	}
	sel, _ := NewSelector(
		NewRegression(w.Regression, w.RegressionErr, settings),
		NewSequence(w.Sequence, w.SequenceErr, settings),
		NewIntermittent(settings),
	)
	return sel
}

// Select returns the strategy for a category.
func (s *Selector) Select(c domain.Category) (Strategy, error) {
	st, ok := s.strategies[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, c)
	}
	return st, nil
}
