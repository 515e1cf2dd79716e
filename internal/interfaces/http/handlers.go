package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/queue"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Materials resolves material names from the reference registry.
type Materials interface {
	Material(name string) (domain.Material, error)
}

// DeadLetterReader lists dead-lettered messages.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int64) ([]queue.Envelope, error)
}

// Deps are the read-side stores the API serves from. Nil stores make their
// endpoints answer 503.
type Deps struct {
	Materials       Materials
	Hot             persistence.HotStore
	Audit           persistence.AuditRepo
	Reconciliations persistence.ReconciliationRepo
	DeadLetters     DeadLetterReader
	Reports         map[string]Report
}

// Handlers serves the read-only decision API
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Latest returns the hot state of every country of a material.
func (h *Handlers) Latest(w http.ResponseWriter, r *http.Request) {
	material, ok := h.material(w, r)
	if !ok || !h.available(w, r, h.deps.Hot != nil) {
		return
	}
	records, err := h.deps.Hot.ListByMaterial(r.Context(), material)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if records == nil {
		records = []persistence.LiveRecord{}
	}
	h.writeJSON(w, http.StatusOK, LatestResponse{
		Material:  material,
		Count:     len(records),
		Records:   records,
		Timestamp: time.Now().UTC(),
	})
}

// LatestForCountry returns the hot state of one (material, country).
func (h *Handlers) LatestForCountry(w http.ResponseWriter, r *http.Request) {
	material, ok := h.material(w, r)
	if !ok || !h.available(w, r, h.deps.Hot != nil) {
		return
	}
	country := mux.Vars(r)["country"]
	rec, err := h.deps.Hot.Get(r.Context(), material, country)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if rec == nil {
		h.writeError(w, r, http.StatusNotFound, "no_decision", "No decision recorded for "+material+" in "+country)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// History returns recent audit rows for a (material, country).
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	material, ok := h.material(w, r)
	if !ok || !h.available(w, r, h.deps.Audit != nil) {
		return
	}
	limit, ok := h.limit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}
	country := mux.Vars(r)["country"]
	records, err := h.deps.Audit.History(r.Context(), material, country, limit)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if records == nil {
		records = []persistence.DecisionRecord{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{
		Material:  material,
		Country:   country,
		Limit:     limit,
		Records:   records,
		Timestamp: time.Now().UTC(),
	})
}

// Reconciliation returns the latest reconciliation run of a material.
func (h *Handlers) Reconciliation(w http.ResponseWriter, r *http.Request) {
	material, ok := h.material(w, r)
	if !ok || !h.available(w, r, h.deps.Reconciliations != nil) {
		return
	}
	adjustments, err := h.deps.Reconciliations.Latest(r.Context(), material)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if len(adjustments) == 0 {
		h.writeError(w, r, http.StatusNotFound, "no_reconciliation", "No reconciliation run for "+material)
		return
	}
	resp := ReconciliationResponse{
		Material:    material,
		RunID:       adjustments[0].RunID,
		Direction:   adjustments[0].Direction,
		Adjustments: adjustments,
	}
	for _, a := range adjustments {
		resp.Total += a.After
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DeadLetters lists dead-lettered messages.
func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.DeadLetters != nil) {
		return
	}
	limit, ok := h.limit(w, r, 100)
	if !ok {
		return
	}
	msgs, err := h.deps.DeadLetters.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []queue.Envelope{}
	}
	h.writeJSON(w, http.StatusOK, DeadLettersResponse{Count: len(msgs), Messages: msgs})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

func (h *Handlers) material(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["material"]
	if h.deps.Materials == nil {
		return name, true
	}
	m, err := h.deps.Materials.Material(name)
	if err != nil {
		h.writeError(w, r, http.StatusNotFound, "unknown_material", "Unknown material "+name)
		return "", false
	}
	return m.Name, true
}

func (h *Handlers) available(w http.ResponseWriter, r *http.Request, ok bool) bool {
	if !ok {
		h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "Backing store not configured")
	}
	return ok
}

func (h *Handlers) limit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxHistoryLimit {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func (h *Handlers) internal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		h.writeError(w, r, http.StatusGatewayTimeout, "timeout", "Store did not answer in time")
		return
	}
	log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Store query failed")
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
