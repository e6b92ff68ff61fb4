package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/policy"
)

// Processor is the message pipeline surface the handlers depend on,
// satisfied by pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, req model.MessageRequest) (model.MessageResponse, error)
	ApplyExplicitFeedback(sessionID string, satisfaction *float64)
	EndSession(sessionID string, endedByCustomer bool)
	Stats() policy.Stats
	ActiveSessions() int
}

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports search-index connectivity for the health endpoint.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline Processor
	db       Pinger        // nil = storage disabled
	index    HealthChecker // nil = vector index disabled
	logger   *slog.Logger

	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// HandlersDeps holds the dependencies for creating Handlers.
type HandlersDeps struct {
	Pipeline            Processor
	DB                  Pinger
	Index               HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		pipeline:            d.Pipeline,
		db:                  d.DB,
		index:               d.Index,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		startedAt:           time.Now(),
	}
}

// HandleMessage handles POST /v1/messages: one customer message through the
// full pipeline.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.pipeline.Process(r.Context(), req)
	if err != nil {
		h.logger.Error("message processing failed",
			"session_id", req.SessionID,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "response generation failed")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleFeedback handles POST /v1/sessions/{session_id}/feedback: explicit
// satisfaction feedback for a session's most recent decision.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	h.pipeline.ApplyExplicitFeedback(sessionID, req.Satisfaction)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// HandleEndSession handles POST /v1/sessions/{session_id}/end: applies the
// session's final reward and drops its state.
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}

	// Body is optional; an empty body means not ended by the customer.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.EndSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
		return
	}

	h.pipeline.EndSession(sessionID, req.EndedByCustomer)
	writeJSON(w, r, http.StatusOK, map[string]string{"session_id": sessionID})
}

// HandlePolicyStats handles GET /v1/policy/stats.
func (h *Handlers) HandlePolicyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.Stats())
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	resp := model.HealthResponse{
		Version:        h.version,
		ActiveSessions: h.pipeline.ActiveSessions(),
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			resp.Postgres = "connected"
		}
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err != nil {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			resp.Qdrant = "connected"
		}
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}
