package http

import (
	"time"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/queue"
)

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// LatestResponse lists the hot state of one material
type LatestResponse struct {
	Material  string                   `json:"material"`
	Count     int                      `json:"count"`
	Records   []persistence.LiveRecord `json:"records"`
	Timestamp time.Time                `json:"timestamp"`
}

// HistoryResponse lists audit rows for a (material, country), newest first
type HistoryResponse struct {
	Material  string                       `json:"material"`
	Country   string                       `json:"country"`
	Limit     int                          `json:"limit"`
	Records   []persistence.DecisionRecord `json:"records"`
	Timestamp time.Time                    `json:"timestamp"`
}

// ReconciliationResponse is the latest reconciliation run of a material
type ReconciliationResponse struct {
	Material    string                            `json:"material"`
	RunID       string                            `json:"run_id,omitempty"`
	Direction   string                            `json:"direction,omitempty"`
	Total       float64                           `json:"total"`
	Adjustments []domain.ReconciliationAdjustment `json:"adjustments"`
}

// DeadLettersResponse lists dead-lettered messages, newest first
type DeadLettersResponse struct {
	Count    int              `json:"count"`
	Messages []queue.Envelope `json:"messages"`
}

// FeedMessage is pushed to /feed subscribers for every decision
type FeedMessage struct {
	Type     string                     `json:"type"`
	Decision domain.ProcurementDecision `json:"decision"`
}
