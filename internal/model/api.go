package model

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// maxMessageLen bounds inbound message length in runes.
const maxMessageLen = 8000

// MessageRequest is the request body for POST /v1/messages.
type MessageRequest struct {
	SessionID  string     `json:"session_id"`
	CustomerID *uuid.UUID `json:"customer_id,omitempty"`
	Message    string     `json:"message"`
}

// Validate checks required fields and bounds.
func (r MessageRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(r.SessionID) > 128 {
		return fmt.Errorf("session_id must be at most 128 characters")
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if utf8.RuneCountInString(r.Message) > maxMessageLen {
		return fmt.Errorf("message must be at most %d characters", maxMessageLen)
	}
	return nil
}

// MessageResponse is the response body for POST /v1/messages.
type MessageResponse struct {
	SessionID string       `json:"session_id"`
	Response  string       `json:"response"`
	Strategy  Strategy     `json:"strategy"`
	Intent    string       `json:"intent"`
	Urgency   UrgencyLevel `json:"urgency"`
	Sentiment float64      `json:"sentiment"`
	Cached    bool         `json:"cached"`

	// EscalationRisk is set when the intelligence service scored the
	// conversation this turn.
	EscalationRisk *float64 `json:"escalation_risk,omitempty"`

	// StageLatencies maps stage name to elapsed milliseconds, zero for
	// stages skipped on the cache path.
	StageLatencies map[string]float64 `json:"stage_latencies_ms"`
}

// FeedbackRequest is the request body for POST /v1/sessions/{id}/feedback.
// Satisfaction overrides the derived satisfaction signal when provided.
type FeedbackRequest struct {
	Satisfaction *float64 `json:"satisfaction,omitempty"`
}

// Validate bounds the explicit satisfaction score.
func (r FeedbackRequest) Validate() error {
	if r.Satisfaction != nil && (*r.Satisfaction < 0 || *r.Satisfaction > 1) {
		return fmt.Errorf("satisfaction must be in [0, 1]")
	}
	return nil
}

// EndSessionRequest is the request body for POST /v1/sessions/{id}/end.
type EndSessionRequest struct {
	EndedByCustomer bool `json:"ended_by_customer"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres,omitempty"`
	Qdrant         string `json:"qdrant,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	Uptime         int64  `json:"uptime_seconds"`
}
