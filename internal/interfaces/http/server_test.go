package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/sentinel/internal/config"
	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/persistence/memory"
	"github.com/sawpanic/sentinel/internal/queue"
)

var stamp = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	hot    *memory.HotStore
	audit  *memory.AuditRepo
	recon  *memory.ReconciliationRepo
	queue  *queue.MemoryQueue
	feed   *Feed
}

func newEnv(t *testing.T, checks map[string]Check) *testEnv {
	t.Helper()
	ref := config.DefaultReference()
	reg, err := config.NewRegistry(ref.Materials, ref.Countries)
	require.NoError(t, err)

	env := &testEnv{
		hot:   memory.NewHotStore(),
		audit: memory.NewAuditRepo(),
		recon: memory.NewReconciliationRepo(),
		queue: queue.NewMemoryQueue(time.Millisecond, queue.Options{MaxAttempts: 1}),
		feed:  NewFeed(),
	}
	cfg := DefaultServerConfig()
	cfg.Version = "test"
	env.server = NewServer(cfg, Deps{
		Materials:       reg,
		Hot:             env.hot,
		Audit:           env.audit,
		Reconciliations: env.recon,
		DeadLetters:     env.queue,
	}, checks, metrics.New(), env.feed)
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func qty(v float64) *float64 { return &v }

func TestHealthReportsChecks(t *testing.T) {
	env := newEnv(t, map[string]Check{
		"redis": func(ctx context.Context) error { return nil },
	})
	rec := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "pass", resp.Checks["redis"].Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	env = newEnv(t, map[string]Check{
		"redis":    func(ctx context.Context) error { return nil },
		"postgres": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	rec = env.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["postgres"].Message)
}

func TestHealthIncludesReports(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Deps{
		Reports: map[string]Report{
			"postgres": func(ctx context.Context) map[string]interface{} {
				return map[string]interface{}{"enabled": true, "decisions_24h": 12}
			},
		},
	}, nil, metrics.New(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	pg, ok := resp.Details["postgres"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 12.0, pg["decisions_24h"])
}

func TestLatestDecisions(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	_, err := env.hot.Upsert(ctx, persistence.LiveRecord{Material: "Copper", Country: "Egypt", Decision: "BUY", Quantity: qty(350), UpdatedAt: stamp})
	require.NoError(t, err)
	_, err = env.hot.Upsert(ctx, persistence.LiveRecord{Material: "Copper", Country: "UAE", Decision: "WAIT", UpdatedAt: stamp})
	require.NoError(t, err)

	rec := env.get(t, "/decisions/Copper")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[LatestResponse](t, rec)
	assert.Equal(t, 2, all.Count)

	rec = env.get(t, "/decisions/Copper/Egypt")
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[persistence.LiveRecord](t, rec)
	assert.Equal(t, "BUY", one.Decision)
	assert.Equal(t, 350.0, *one.Quantity)

	rec = env.get(t, "/decisions/Copper/India")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_decision", decode[ErrorResponse](t, rec).Code)

	rec = env.get(t, "/decisions/Unobtainium")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_material", decode[ErrorResponse](t, rec).Code)
}

func TestHistoryLimit(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.audit.Append(ctx, persistence.DecisionRecord{
			Material: "Copper", Country: "Egypt", InputPrice: 9000, Decision: "BUY", CreatedAt: stamp.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	rec := env.get(t, "/history/Copper/Egypt?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoryResponse](t, rec)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, stamp.Add(2*time.Hour), resp.Records[0].CreatedAt)

	rec = env.get(t, "/history/Copper/Egypt?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decode[ErrorResponse](t, rec).Code)
}

func TestReconciliationAndDeadLetters(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	rec := env.get(t, "/reconciliation/Copper")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.recon.InsertBatch(ctx, []domain.ReconciliationAdjustment{
		{RunID: "run-1", Material: "Copper", Country: "Egypt", Before: 10, After: 50, Direction: domain.DirectionTopDown, CreatedAt: stamp},
		{RunID: "run-1", Material: "Copper", Country: "India", Before: 20, After: 150, Direction: domain.DirectionTopDown, CreatedAt: stamp},
	}))
	rec = env.get(t, "/reconciliation/Copper")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[ReconciliationResponse](t, rec)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, 200.0, run.Total)
	assert.Len(t, run.Adjustments, 2)

	require.NoError(t, env.queue.PublishBatch(ctx, "tasks:oil-linked", [][]byte{[]byte(`{"material":"PVC"}`)}))
	d, err := env.queue.Receive(ctx, "tasks:oil-linked")
	require.NoError(t, err)
	_, err = env.queue.Nack(ctx, d, domain.ErrMalformedInput)
	require.NoError(t, err)

	rec = env.get(t, "/dead-letters")
	require.Equal(t, http.StatusOK, rec.Code)
	dl := decode[DeadLettersResponse](t, rec)
	assert.Equal(t, 1, dl.Count)
	assert.Equal(t, "tasks:oil-linked", dl.Messages[0].Queue)
}

func TestMetricsAndNotFound(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "go_goroutines")

	rec = env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestMissingStoreIsUnavailable(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Deps{}, nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/decisions/Copper", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFeedPushesDecisions(t *testing.T) {
	env := newEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	defer env.feed.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.feed.Clients() == 1 }, time.Second, 5*time.Millisecond)

	env.feed.Notify(domain.ProcurementDecision{Material: "Copper", Country: "Egypt", Action: domain.ActionBuy, InputPrice: 9000, CreatedAt: stamp})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "decision", msg.Type)
	assert.Equal(t, domain.ActionBuy, msg.Decision.Action)
	assert.Equal(t, 9000.0, msg.Decision.InputPrice)
}
