package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/persistence"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one schema file.
type Migration struct {
	Name string
	SQL  string
}

// Migrations returns the embedded schema files in apply order.
func Migrations() ([]Migration, error) {
	entries, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(entries)

	out := make([]Migration, 0, len(entries))
	for _, name := range entries {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}
	return out, nil
}

// RunMigrations applies every embedded migration in one transaction. The
// statements are idempotent so re-running is safe.
func (m *Manager) RunMigrations(ctx context.Context) error {
	if !m.IsEnabled() {
		return fmt.Errorf("database is not enabled - cannot run migrations")
	}

	migrations, err := Migrations()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout*time.Duration(len(migrations)+1))
	defer cancel()

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, mig := range migrations {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.Name, err)
		}
		log.Info().Str("migration", mig.Name).Msg("Applied migration")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}

// Statistics reports pool usage and audit volume over the last day. It is
// served as the postgres section of /health.
func (m *Manager) Statistics(ctx context.Context) map[string]interface{} {
	if !m.IsEnabled() {
		return map[string]interface{}{"enabled": false, "status": "disabled"}
	}

	pool := m.db.Stats()
	stats := map[string]interface{}{
		"enabled":          true,
		"open_connections": pool.OpenConnections,
		"in_use":           pool.InUse,
		"idle":             pool.Idle,
		"wait_count":       pool.WaitCount,
		"wait_duration_ms": pool.WaitDuration.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	since := time.Now().Add(-24 * time.Hour)
	var decisions, runs int64
	if err := m.db.GetContext(ctx, &decisions,
		`SELECT COUNT(*) FROM procurement_decisions WHERE created_at >= $1`, since); err != nil {
		log.Debug().Err(err).Msg("Decision count unavailable")
	} else {
		stats["decisions_24h"] = decisions
	}
	if err := m.db.GetContext(ctx, &runs,
		`SELECT COUNT(DISTINCT run_id) FROM reconciliation_adjustments WHERE created_at >= $1`, since); err != nil {
		log.Debug().Err(err).Msg("Reconciliation count unavailable")
	} else {
		stats["reconciliation_runs_24h"] = runs
	}
	return stats
}

// HealthSummary pings the pool and reports its connection counts.
func (m *Manager) HealthSummary(ctx context.Context) persistence.HealthCheck {
	now := time.Now()
	if !m.IsEnabled() {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database persistence disabled"},
			ConnectionPool: map[string]int{},
			LastCheck:      now,
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	check := persistence.HealthCheck{Healthy: true, LastCheck: now}
	if err := m.db.PingContext(pingCtx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, fmt.Sprintf("ping failed: %v", err))
	}
	pool := m.db.Stats()
	check.ConnectionPool = map[string]int{
		"max_open": pool.MaxOpenConnections,
		"open":     pool.OpenConnections,
		"in_use":   pool.InUse,
		"idle":     pool.Idle,
	}
	check.ResponseTimeMS = time.Since(now).Milliseconds()
	return check
}

// Check is the pass/fail form of HealthSummary.
func (m *Manager) Check(ctx context.Context) error {
	h := m.HealthSummary(ctx)
	if h.Healthy {
		return nil
	}
	return fmt.Errorf("postgres unhealthy: %s", strings.Join(h.Errors, "; "))
}
