package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
)

// reconciliationRepo implements ReconciliationRepo for PostgreSQL
type reconciliationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReconciliationRepo creates a new PostgreSQL reconciliation repository
func NewReconciliationRepo(db *sqlx.DB, timeout time.Duration) persistence.ReconciliationRepo {
	return &reconciliationRepo{
		db:      db,
		timeout: timeout,
	}
}

const adjustmentColumns = `run_id, material, country, region, before_value, after_value,
		       share, direction, created_at`

// InsertBatch stores every adjustment of a run in one transaction
func (r *reconciliationRepo) InsertBatch(ctx context.Context, adjustments []domain.ReconciliationAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(adjustments)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reconciliation_adjustments
		(run_id, material, country, region, before_value, after_value, share, direction, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, country) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range adjustments {
		if a.RunID == "" {
			return fmt.Errorf("adjustment for %s/%s missing run id", a.Material, a.Country)
		}
		_, err = stmt.ExecContext(ctx,
			a.RunID, a.Material, a.Country, a.Region, a.Before, a.After,
			a.Share, a.Direction, a.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert adjustment in batch: %w", err)
		}
	}

	return tx.Commit()
}

// ListByRun returns the adjustments of one run
func (r *reconciliationRepo) ListByRun(ctx context.Context, runID string) ([]domain.ReconciliationAdjustment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + adjustmentColumns + `
		FROM reconciliation_adjustments
		WHERE run_id = $1
		ORDER BY country`

	var out []domain.ReconciliationAdjustment
	if err := r.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, fmt.Errorf("failed to query reconciliation run: %w", err)
	}
	return out, nil
}

// Latest returns the adjustments of the most recent run for a material
func (r *reconciliationRepo) Latest(ctx context.Context, material string) ([]domain.ReconciliationAdjustment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + adjustmentColumns + `
		FROM reconciliation_adjustments
		WHERE run_id = (
			SELECT run_id FROM reconciliation_adjustments
			WHERE material = $1
			ORDER BY created_at DESC
			LIMIT 1)
		ORDER BY country`

	var out []domain.ReconciliationAdjustment
	if err := r.db.SelectContext(ctx, &out, query, material); err != nil {
		return nil, fmt.Errorf("failed to query latest reconciliation: %w", err)
	}
	return out, nil
}
