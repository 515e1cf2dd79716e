package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/sentinel/internal/config"
	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"dispatch", "worker", "reconcile", "monitor", "migrate", "publish"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestMigrateList(t *testing.T) {
	t.Setenv("PG_ENABLED", "")
	out, err := run(t, "migrate", "--list", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "001_init.sql")
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("PG_ENABLED", "")
	_, err := run(t, "migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-format", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is disabled")
}

func TestReconcileRejectsDirection(t *testing.T) {
	_, err := run(t, "reconcile", "--once", "--direction", "sideways", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-format", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sideways")
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "migrate", "--list", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "loud")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "log level"))
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("PG_ENABLED", "")
	cfg, err := config.Load(filepath.Join("..", "..", "config", "sentinel.yaml"))
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionBottomUp, cfg.Reconcile.Direction)
	assert.Equal(t, 8, cfg.Workers.PoolSize(domain.CategoryVolatileMetal))
	assert.Equal(t, 1, cfg.Workers.PoolSize(domain.CategoryIntermittentSpecialty))

	sizes := poolSizes(cfg.Workers)
	assert.Len(t, sizes, 3)

	w := models.LoadWeights(
		filepath.Join("..", "..", cfg.Weights.Regression),
		filepath.Join("..", "..", cfg.Weights.Sequence),
	)
	require.NoError(t, w.RegressionErr)
	require.NoError(t, w.SequenceErr)
	assert.Equal(t, 10, w.Sequence.Window)

	ms := modelSettings(cfg.Pipeline)
	assert.Equal(t, 30, ms.LagDays)
	ws := workerSettings(cfg)
	assert.Equal(t, "logistics", ws.LogisticsSeries)
}

func TestBreakerStatesReported(t *testing.T) {
	svc := &services{cfg: config.Default()}
	svc.breaker("hot-store")
	svc.breaker("audit-store")

	states := svc.breakerStates(context.Background())
	assert.Equal(t, map[string]interface{}{"hot-store": "closed", "audit-store": "closed"}, states)
}
