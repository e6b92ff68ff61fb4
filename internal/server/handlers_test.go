package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/policy"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

// fakeProcessor records calls and returns canned results.
type fakeProcessor struct {
	processErr   error
	lastFeedback *float64
	endedSession string
	endedByCust  bool
}

func (f *fakeProcessor) Process(_ context.Context, req model.MessageRequest) (model.MessageResponse, error) {
	if f.processErr != nil {
		return model.MessageResponse{}, f.processErr
	}
	return model.MessageResponse{
		SessionID: req.SessionID,
		Response:  "Happy to help with that.",
		Strategy:  model.StrategyEmpathetic,
		Intent:    "technical",
		Urgency:   model.UrgencyMedium,
	}, nil
}

func (f *fakeProcessor) ApplyExplicitFeedback(_ string, satisfaction *float64) {
	f.lastFeedback = satisfaction
}

func (f *fakeProcessor) EndSession(sessionID string, endedByCustomer bool) {
	f.endedSession = sessionID
	f.endedByCust = endedByCustomer
}

func (f *fakeProcessor) Stats() policy.Stats {
	return policy.Stats{TotalCount: 42, Strategies: model.Strategies}
}

func (f *fakeProcessor) ActiveSessions() int { return 3 }

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, proc Processor, mutate func(*ServerConfig)) http.Handler {
	t.Helper()
	cfg := ServerConfig{
		Pipeline: proc,
		Logger:   testutil.TestLogger(),
		Version:  "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleMessage(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil)

	rec := postJSON(t, h, "/v1/messages", model.MessageRequest{
		SessionID: "s1",
		Message:   "my api call fails",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var env struct {
		Data model.MessageResponse `json:"data"`
		Meta model.ResponseMeta    `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "s1", env.Data.SessionID)
	assert.Equal(t, model.StrategyEmpathetic, env.Data.Strategy)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestHandleMessageValidation(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil)

	tests := []struct {
		name string
		req  model.MessageRequest
	}{
		{"missing session", model.MessageRequest{Message: "hi"}},
		{"missing message", model.MessageRequest{SessionID: "s1"}},
		{"session too long", model.MessageRequest{SessionID: strings.Repeat("x", 129), Message: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h, "/v1/messages", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var env model.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
		})
	}
}

func TestHandleMessageMalformedJSON(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessagePipelineFailure(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{processErr: errors.New("generator down")}, nil)

	rec := postJSON(t, h, "/v1/messages", model.MessageRequest{SessionID: "s1", Message: "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
	// Internal error details must not leak to the client.
	assert.NotContains(t, env.Error.Message, "generator down")
}

func TestHandleFeedback(t *testing.T) {
	proc := &fakeProcessor{}
	h := newTestServer(t, proc, nil)

	sat := 0.85
	rec := postJSON(t, h, "/v1/sessions/s1/feedback", model.FeedbackRequest{Satisfaction: &sat})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, proc.lastFeedback)
	assert.InDelta(t, 0.85, *proc.lastFeedback, 1e-9)
}

func TestHandleFeedbackOutOfRange(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil)

	sat := 1.5
	rec := postJSON(t, h, "/v1/sessions/s1/feedback", model.FeedbackRequest{Satisfaction: &sat})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEndSession(t *testing.T) {
	proc := &fakeProcessor{}
	h := newTestServer(t, proc, nil)

	rec := postJSON(t, h, "/v1/sessions/s9/end", model.EndSessionRequest{EndedByCustomer: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s9", proc.endedSession)
	assert.True(t, proc.endedByCust)
}

func TestHandleEndSessionEmptyBody(t *testing.T) {
	proc := &fakeProcessor{}
	h := newTestServer(t, proc, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s9/end", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s9", proc.endedSession)
	assert.False(t, proc.endedByCust)
}

func TestHandlePolicyStats(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/policy/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data policy.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, int64(42), env.Data.TotalCount)
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, func(cfg *ServerConfig) {
		cfg.DB = okPinger{}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, "connected", env.Data.Postgres)
	assert.Equal(t, 3, env.Data.ActiveSessions)
}

func TestHandleHealthDatabaseDown(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, func(cfg *ServerConfig) {
		cfg.DB = okPinger{err: errors.New("connection refused")}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMessageRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	h := newTestServer(t, &fakeProcessor{}, func(cfg *ServerConfig) {
		cfg.Limiter = limiter
	})

	body := model.MessageRequest{SessionID: "s1", Message: "hello"}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(raw))
		req.Header.Set("X-Session-ID", "s1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestBodyTooLarge(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, func(cfg *ServerConfig) {
		cfg.MaxRequestBodyBytes = 64
	})

	rec := postJSON(t, h, "/v1/messages", model.MessageRequest{
		SessionID: "s1",
		Message:   strings.Repeat("a", 256),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
