package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSumsAcrossLabels(t *testing.T) {
	r := New()
	r.RecordProcessed("volatile-metal", "BUY")
	r.RecordProcessed("oil-linked", "WAIT")
	r.RecordProcessed("oil-linked", "WAIT")
	r.RecordDispatched("oil-linked", 12)
	r.RecordDeadLetter("tasks:oil-linked")
	r.RecordHotWrite(true)
	r.RecordHotWrite(false)
	r.RecordAuditWrite(false)
	r.RecordToleranceViolation("Copper")
	r.SetQueueDepth("tasks:oil-linked", 4)
	r.StartStepTimer("predict").Stop("success")

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap["sentinel_tasks_processed_total"])
	assert.Equal(t, 12.0, snap["sentinel_tasks_dispatched_total"])
	assert.Equal(t, 1.0, snap["sentinel_dead_lettered_total"])
	assert.Equal(t, 2.0, snap["sentinel_hot_writes_total"])
	assert.Equal(t, 1.0, snap["sentinel_audit_writes_total"])
	assert.Equal(t, 1.0, snap["sentinel_reconciliation_violations_total"])
	assert.Equal(t, 4.0, snap["sentinel_queue_depth"])
	assert.Equal(t, 1.0, snap["sentinel_step_duration_seconds"])
	_, hasGo := snap["go_goroutines"]
	assert.False(t, hasGo)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.RecordProcessed("oil-linked", "HOLD")
	r.RecordTaskError("oil-linked", "transport")
	r.StartStepTimer("optimize").Stop("error")

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordTaskError("intermittent-specialty", "model_unavailable")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `sentinel_task_errors_total{category="intermittent-specialty",kind="model_unavailable"} 1`)
}
