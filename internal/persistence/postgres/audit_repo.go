package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/sentinel/internal/persistence"
)

// auditRepo implements AuditRepo for PostgreSQL
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a new PostgreSQL decision audit repository
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{
		db:      db,
		timeout: timeout,
	}
}

const decisionColumns = `id, material, country, input_price, forecast, decision, quantity,
		       confidence, risk, rationale, strategy, low_confidence, created_at`

// Append inserts a decision row. Redelivered tasks produce the same
// (material, country, created_at) and collapse onto the existing row.
func (r *auditRepo) Append(ctx context.Context, rec persistence.DecisionRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.Material == "" || rec.Country == "" {
		return false, fmt.Errorf("decision record missing material or country")
	}
	if rec.CreatedAt.IsZero() {
		return false, fmt.Errorf("decision record missing created_at")
	}

	query := `
		INSERT INTO procurement_decisions
		(material, country, input_price, forecast, decision, quantity, confidence,
		 risk, rationale, strategy, low_confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (material, country, created_at) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		rec.Material, rec.Country, rec.InputPrice, rec.Forecast, rec.Decision,
		rec.Quantity, rec.Confidence, rec.Risk, rec.Rationale, rec.Strategy,
		rec.LowConfidence, rec.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("failed to append decision: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// History returns the most recent decisions for a (material, country)
func (r *auditRepo) History(ctx context.Context, material, country string, limit int) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + decisionColumns + `
		FROM procurement_decisions
		WHERE material = $1 AND country = $2
		ORDER BY created_at DESC
		LIMIT $3`

	var records []persistence.DecisionRecord
	if err := r.db.SelectContext(ctx, &records, query, material, country, limit); err != nil {
		return nil, fmt.Errorf("failed to query decision history: %w", err)
	}
	return records, nil
}

// ListRange returns decisions for a material within a time window
func (r *auditRepo) ListRange(ctx context.Context, material string, tr persistence.TimeRange) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + decisionColumns + `
		FROM procurement_decisions
		WHERE material = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC`

	var records []persistence.DecisionRecord
	if err := r.db.SelectContext(ctx, &records, query, material, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query decision range: %w", err)
	}
	return records, nil
}
