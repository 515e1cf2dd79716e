package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of material categories. Each maps to exactly one
// forecasting strategy.
type Category string

const (
	CategoryOilLinked             Category = "oil-linked"
	CategoryVolatileMetal         Category = "volatile-metal"
	CategoryIntermittentSpecialty Category = "intermittent-specialty"
)

// Categories lists every known category in a stable order.
var Categories = []Category{
	CategoryOilLinked,
	CategoryVolatileMetal,
	CategoryIntermittentSpecialty,
}

// categoryAliases maps the legacy registry names onto the enumeration.
var categoryAliases = map[string]Category{
	"oil-linked":             CategoryOilLinked,
	"polymer":                CategoryOilLinked,
	"volatile-metal":         CategoryVolatileMetal,
	"shielding":              CategoryVolatileMetal,
	"intermittent-specialty": CategoryIntermittentSpecialty,
	"screening":              CategoryIntermittentSpecialty,
}

// ParseCategory resolves a category name or legacy alias.
func ParseCategory(s string) (Category, error) {
	if c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Valid reports whether c is part of the enumeration.
func (c Category) Valid() bool {
	switch c {
	case CategoryOilLinked, CategoryVolatileMetal, CategoryIntermittentSpecialty:
		return true
	}
	return false
}

// UnmarshalYAML accepts both canonical names and legacy aliases.
func (c *Category) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseCategory(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Material is immutable reference data loaded at startup.
type Material struct {
	Name         string   `yaml:"name" json:"name"`
	Category     Category `yaml:"category" json:"category"`
	LeadTimeDays int      `yaml:"lead_time_days" json:"lead_time_days"`
	Driver       string   `yaml:"driver" json:"driver"`
	Symbol       string   `yaml:"symbol" json:"symbol"`
	ErrorStdDev  float64  `yaml:"error_std_dev" json:"error_std_dev"`
	Countries    []string `yaml:"countries" json:"countries"`
}

// Country is immutable reference data.
type Country struct {
	Name   string `yaml:"name" json:"name"`
	Code   string `yaml:"code" json:"code"`
	Region string `yaml:"region" json:"region"`
}

// MarketUpdateEvent is produced by the ingestion collaborator.
type MarketUpdateEvent struct {
	Material   string    `json:"material"`
	Price      float64   `json:"price"`
	Trend      float64   `json:"trend"` // percent
	ObservedAt time.Time `json:"observed_at"`
}

// Validate rejects events that cannot be fanned out.
func (e MarketUpdateEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.Material) == "":
		return fmt.Errorf("%w: event missing material", ErrMalformedInput)
	case math.IsNaN(e.Price) || math.IsInf(e.Price, 0) || e.Price <= 0:
		return fmt.Errorf("%w: event price %v", ErrMalformedInput, e.Price)
	case math.IsNaN(e.Trend) || math.IsInf(e.Trend, 0):
		return fmt.Errorf("%w: event trend %v", ErrMalformedInput, e.Trend)
	case e.ObservedAt.IsZero():
		return fmt.Errorf("%w: event missing observed_at", ErrMalformedInput)
	}
	return nil
}

// PredictionTask is one unit of work for a Worker.
type PredictionTask struct {
	ID         string    `json:"id"`
	Material   string    `json:"material"`
	Country    string    `json:"country"`
	InputPrice float64   `json:"input_price"`
	Trend      float64   `json:"trend"`
	ObservedAt time.Time `json:"observed_at"`
	CreatedAt  time.Time `json:"created_at"`
	Attempt    int       `json:"attempt"`
}

// NewPredictionTask builds a task for one country from an event.
func NewPredictionTask(ev MarketUpdateEvent, country string, now time.Time) PredictionTask {
	return PredictionTask{
		ID:         uuid.NewString(),
		Material:   ev.Material,
		Country:    country,
		InputPrice: ev.Price,
		Trend:      ev.Trend,
		ObservedAt: ev.ObservedAt.UTC(),
		CreatedAt:  now.UTC(),
	}
}

// Validate rejects tasks missing required fields.
func (t PredictionTask) Validate() error {
	switch {
	case t.Material == "":
		return fmt.Errorf("%w: task missing material", ErrMalformedInput)
	case t.Country == "":
		return fmt.Errorf("%w: task missing country", ErrMalformedInput)
	case math.IsNaN(t.InputPrice) || math.IsInf(t.InputPrice, 0) || t.InputPrice <= 0:
		return fmt.Errorf("%w: task input price %v", ErrMalformedInput, t.InputPrice)
	case t.ObservedAt.IsZero():
		return fmt.Errorf("%w: task missing observed_at", ErrMalformedInput)
	}
	return nil
}

// DedupKey is stable across redeliveries of the same event.
func (t PredictionTask) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", t.Material, t.Country, t.ObservedAt.UnixNano())
}

// PredictionResult is the output of a strategy. New results supersede old ones.
type PredictionResult struct {
	Material    string                 `json:"material"`
	Country     string                 `json:"country"`
	Category    Category               `json:"category"`
	Strategy    string                 `json:"strategy"`
	Forecast    float64                `json:"forecast"`
	HorizonDays int                    `json:"horizon_days"`
	Confidence  float64                `json:"confidence"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ClampConfidence bounds a confidence score to [0,100].
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(100, c))
}

// Risk classifications.
const (
	RiskNormal   = "normal"
	RiskElevated = "elevated"
)

// RiskAssessment is produced by the Monte Carlo simulator.
type RiskAssessment struct {
	StockoutProbability float64          `json:"stockout_probability"`
	Trials              int              `json:"trials"`
	Seed                uint64           `json:"seed"`
	AvgEndingStock      float64          `json:"avg_ending_stock"`
	WorstCaseStock      float64          `json:"worst_case_stock"`
	Classification      string           `json:"classification"`
	Result              PredictionResult `json:"result"`
}

// Action is the recommendation emitted for a (material, country).
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionWait Action = "WAIT"
	ActionHold Action = "HOLD"
)

// ProcurementDecision is the terminal artifact of the per-task path.
type ProcurementDecision struct {
	Material      string    `json:"material"`
	Country       string    `json:"country"`
	Action        Action    `json:"action"`
	Quantity      *float64  `json:"quantity,omitempty"`
	Rationale     string    `json:"rationale"`
	Confidence    float64   `json:"confidence"`
	Risk          float64   `json:"risk"`
	LowConfidence bool      `json:"low_confidence"`
	InputPrice    float64   `json:"input_price"`
	Forecast      float64   `json:"forecast"`
	DeliveryPrice float64   `json:"delivery_price"`
	SafetyStock   float64   `json:"safety_stock"`
	Strategy      string    `json:"strategy,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// QuantityValue returns the BUY quantity or zero.
func (d ProcurementDecision) QuantityValue() float64 {
	if d.Quantity == nil {
		return 0
	}
	return *d.Quantity
}

// Reconciliation directions.
const (
	DirectionBottomUp = "bottom-up"
	DirectionTopDown  = "top-down"
)

// ReconciliationAdjustment records one country's forecast before and after a run.
type ReconciliationAdjustment struct {
	RunID     string    `json:"run_id" db:"run_id"`
	Material  string    `json:"material" db:"material"`
	Country   string    `json:"country" db:"country"`
	Region    string    `json:"region" db:"region"`
	Before    float64   `json:"before" db:"before_value"`
	After     float64   `json:"after" db:"after_value"`
	Share     float64   `json:"share" db:"share"`
	Direction string    `json:"direction" db:"direction"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
