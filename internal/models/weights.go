package models

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Coefficients are the linear weights of the oil-linked regression.
type Coefficients struct {
	Intercept float64 `yaml:"intercept"`
	Price     float64 `yaml:"price"`
	DriverLag float64 `yaml:"driver_lag"`
	MonthSin  float64 `yaml:"month_sin"`
	MonthCos  float64 `yaml:"month_cos"`
	Logistics float64 `yaml:"logistics"`
}

// RegressionWeights holds per-material coefficients with a default fallback.
type RegressionWeights struct {
	LagDays   int                     `yaml:"lag_days"`
	Default   *Coefficients           `yaml:"default"`
	Materials map[string]Coefficients `yaml:"materials"`
}

// For returns the coefficients for a material.
func (w *RegressionWeights) For(material string) (Coefficients, bool) {
	if c, ok := w.Materials[material]; ok {
		return c, true
	}
	if w.Default != nil {
		return *w.Default, true
	}
	return Coefficients{}, false
}

// SequenceHead is one linear read-out over the normalized window.
type SequenceHead struct {
	Weights []float64 `yaml:"weights"`
	Bias    float64   `yaml:"bias"`
}

// SequenceWeights holds the two heads of the volatile-metal model.
type SequenceWeights struct {
	Window     int          `yaml:"window"`
	Price      SequenceHead `yaml:"price"`
	Confidence SequenceHead `yaml:"confidence"`
}

// Weights are loaded once per process and shared read-only. A part that
// failed to load keeps its error so the matching strategy fails closed at
// predict time.
type Weights struct {
	Regression    *RegressionWeights
	RegressionErr error
	Sequence      *SequenceWeights
	SequenceErr   error
}

// LoadWeights reads both weight files. It never fails: load errors are
// recorded on the result.
func LoadWeights(regressionPath, sequencePath string) *Weights {
	w := &Weights{}
	w.Regression, w.RegressionErr = LoadRegressionWeights(regressionPath)
	w.Sequence, w.SequenceErr = LoadSequenceWeights(sequencePath)
	return w
}

// LoadRegressionWeights reads and validates regression coefficients.
func LoadRegressionWeights(path string) (*RegressionWeights, error) {
	var w RegressionWeights
	if err := readYAML(path, &w); err != nil {
		return nil, err
	}
	if w.Default == nil && len(w.Materials) == 0 {
		return nil, fmt.Errorf("regression weights %s define no coefficients", path)
	}
	check := func(name string, c Coefficients) error {
		for _, v := range []float64{c.Intercept, c.Price, c.DriverLag, c.MonthSin, c.MonthCos, c.Logistics} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("regression weights %s: non-finite coefficient for %s", path, name)
			}
		}
		return nil
	}
	if w.Default != nil {
		if err := check("default", *w.Default); err != nil {
			return nil, err
		}
	}
	for name, c := range w.Materials {
		if err := check(name, c); err != nil {
			return nil, err
		}
	}
	if w.LagDays != 0 && (w.LagDays < 30 || w.LagDays > 45) {
		return nil, fmt.Errorf("regression weights %s: lag_days %d outside 30-45", path, w.LagDays)
	}
	return &w, nil
}

// LoadSequenceWeights reads and validates the sequence heads.
func LoadSequenceWeights(path string) (*SequenceWeights, error) {
	var w SequenceWeights
	if err := readYAML(path, &w); err != nil {
		return nil, err
	}
	if w.Window < 2 {
		return nil, fmt.Errorf("sequence weights %s: window must be at least 2, got %d", path, w.Window)
	}
	for name, h := range map[string]SequenceHead{"price": w.Price, "confidence": w.Confidence} {
		if len(h.Weights) != w.Window {
			return nil, fmt.Errorf("sequence weights %s: %s head has %d weights, want %d", path, name, len(h.Weights), w.Window)
		}
		for _, v := range append([]float64{h.Bias}, h.Weights...) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("sequence weights %s: non-finite %s weight", path, name)
			}
		}
	}
	return &w, nil
}

func readYAML(path string, out interface{}) error {
	if path == "" {
		return fmt.Errorf("weights path not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read weights %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse weights %s: %w", path, err)
	}
	return nil
}
