package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/sentinel/internal/domain"
)

// TimeRange represents a time window for history queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DecisionRecord is one append-only audit row
type DecisionRecord struct {
	ID            int64     `json:"id" db:"id"`
	Material      string    `json:"material" db:"material"`
	Country       string    `json:"country" db:"country"`
	InputPrice    float64   `json:"input_price" db:"input_price"`
	Forecast      float64   `json:"forecast" db:"forecast"`
	Decision      string    `json:"decision" db:"decision"`
	Quantity      *float64  `json:"quantity,omitempty" db:"quantity"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	Risk          float64   `json:"risk" db:"risk"`
	Rationale     string    `json:"rationale" db:"rationale"`
	Strategy      string    `json:"strategy" db:"strategy"`
	LowConfidence bool      `json:"low_confidence" db:"low_confidence"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// RecordFromDecision maps a decision onto its audit row.
func RecordFromDecision(d domain.ProcurementDecision) DecisionRecord {
	return DecisionRecord{
		Material:      d.Material,
		Country:       d.Country,
		InputPrice:    d.InputPrice,
		Forecast:      d.Forecast,
		Decision:      string(d.Action),
		Quantity:      d.Quantity,
		Confidence:    d.Confidence,
		Risk:          d.Risk,
		Rationale:     d.Rationale,
		Strategy:      d.Strategy,
		LowConfidence: d.LowConfidence,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}

// LiveRecord is the latest hot state for one (material, country)
type LiveRecord struct {
	Material      string    `json:"material"`
	Country       string    `json:"country"`
	Forecast      float64   `json:"forecast"`
	Confidence    float64   `json:"confidence"`
	Decision      string    `json:"decision"`
	Quantity      *float64  `json:"quantity,omitempty"`
	Risk          float64   `json:"risk"`
	Strategy      string    `json:"strategy"`
	LowConfidence bool      `json:"low_confidence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LiveFromDecision maps a decision onto its hot-state record.
func LiveFromDecision(d domain.ProcurementDecision) LiveRecord {
	return LiveRecord{
		Material:      d.Material,
		Country:       d.Country,
		Forecast:      d.Forecast,
		Confidence:    d.Confidence,
		Decision:      string(d.Action),
		Quantity:      d.Quantity,
		Risk:          d.Risk,
		Strategy:      d.Strategy,
		LowConfidence: d.LowConfidence,
		UpdatedAt:     d.CreatedAt.UTC(),
	}
}

// AuditRepo provides append-only decision history
type AuditRepo interface {
	// Append inserts a decision; a duplicate (material, country, created_at)
	// is a no-op and reports inserted=false
	Append(ctx context.Context, rec DecisionRecord) (inserted bool, err error)

	// History returns the most recent decisions for a (material, country)
	History(ctx context.Context, material, country string, limit int) ([]DecisionRecord, error)

	// ListRange returns decisions for a material within a time window
	ListRange(ctx context.Context, material string, tr TimeRange) ([]DecisionRecord, error)
}

// ReconciliationRepo stores reconciliation adjustments
type ReconciliationRepo interface {
	// InsertBatch stores every adjustment of a run atomically
	InsertBatch(ctx context.Context, adjustments []domain.ReconciliationAdjustment) error

	// ListByRun returns the adjustments of one run
	ListByRun(ctx context.Context, runID string) ([]domain.ReconciliationAdjustment, error)

	// Latest returns the adjustments of the most recent run for a material
	Latest(ctx context.Context, material string) ([]domain.ReconciliationAdjustment, error)
}

// HotStore holds the latest decision per (material, country)
type HotStore interface {
	// Upsert writes rec unless a newer record is already stored; applied
	// reports whether the write took effect
	Upsert(ctx context.Context, rec LiveRecord) (applied bool, err error)

	// Get returns the live record or nil if none exists
	Get(ctx context.Context, material, country string) (*LiveRecord, error)

	// ListByMaterial returns every live record for a material
	ListByMaterial(ctx context.Context, material string) ([]LiveRecord, error)
}

// PriceHistory stores observed prices per series
type PriceHistory interface {
	// Record stores a price observation; re-recording the same timestamp
	// overwrites it
	Record(ctx context.Context, series string, at time.Time, price float64) error

	// Window returns up to n most recent prices at or before at, oldest first
	Window(ctx context.Context, series string, at time.Time, n int) ([]float64, error)

	// At returns the latest price at or before at
	At(ctx context.Context, series string, at time.Time) (price float64, ok bool, err error)
}

// CrostonStore persists intermittent-demand state
type CrostonStore interface {
	Load(ctx context.Context, material, country string) (state domain.CrostonState, ok bool, err error)
	Save(ctx context.Context, material, country string, state domain.CrostonState) error
}

// DemandLog holds daily demand observations
type DemandLog interface {
	// Record stores the demand of one day; re-recording a day overwrites it
	Record(ctx context.Context, material, country string, day int64, qty float64) error

	// Range returns demand by day for fromDay..toDay inclusive; missing days
	// are absent from the map
	Range(ctx context.Context, material, country string, fromDay, toDay int64) (map[int64]float64, error)
}

// InventoryStore holds stock positions
type InventoryStore interface {
	Position(ctx context.Context, material, country string) (pos domain.InventoryPosition, ok bool, err error)
	Save(ctx context.Context, pos domain.InventoryPosition) error
}

// Repository aggregates the durable persistence interfaces
type Repository struct {
	Audit           AuditRepo
	Reconciliations ReconciliationRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}
