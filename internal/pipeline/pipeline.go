// Package pipeline runs customer messages through the six processing
// stages: identify the customer, classify the query, retrieve context,
// select a strategy and generate the response, analyze relationship
// intelligence, and record feedback for the decision model.
//
// Only the respond stage is fatal. Every other stage degrades: an unknown
// customer becomes anonymous, a failed classification gets defaults, missing
// context is empty, and intelligence or feedback failures are logged and
// dropped. A customer always gets an answer unless generation itself fails.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/classify"
	"github.com/ashita-ai/kaiwa/internal/feedback"
	"github.com/ashita-ai/kaiwa/internal/graph"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/policy"
	"github.com/ashita-ai/kaiwa/internal/respcache"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
)

// Stage names used in latency metadata and logs.
const (
	StageIdentify = "identify_customer"
	StageClassify = "classify_query"
	StageRetrieve = "retrieve_context"
	StageRespond  = "select_and_respond"
	StageIntel    = "analyze_intelligence"
	StageFeedback = "record_feedback"
)

// CustomerStore is the persistence surface the pipeline needs, satisfied by
// storage.DB. May be nil; every session is then anonymous and stateless.
type CustomerStore interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (model.CustomerProfile, error)
	TouchCustomer(ctx context.Context, id uuid.UUID, style model.CommunicationStyle) error
	AppendTurn(ctx context.Context, sessionID string, customerID *uuid.UUID, turn model.Turn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error)
}

// Retriever supplies knowledge-base context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query, category string) string
}

// Generator produces the response text for a session state whose strategy
// is already selected.
type Generator interface {
	Generate(ctx context.Context, state *model.SessionState) (string, error)
}

// Config holds the pipeline's operational limits.
type Config struct {
	StageTimeout    time.Duration // budget for each non-generation stage
	GenerateTimeout time.Duration // budget for the respond stage
	HistoryLimit    int
}

// Deps are the pipeline's collaborators. Store, Retriever, Cache, and Intel
// may be nil; Classifier, Decisions, Ledger, Generator, Collector, and
// Rewards are required.
type Deps struct {
	Store      CustomerStore
	Classifier classify.Classifier
	Retriever  Retriever
	Decisions  *policy.Model
	Ledger     *policy.Ledger
	Generator  Generator
	Cache      *respcache.Cache
	Collector  *feedback.Collector
	Rewards    *feedback.Generator
	Intel      graph.Intelligence
	Logger     *slog.Logger
}

// Pipeline processes customer messages. Safe for concurrent use; runs for
// the same session are serialized in arrival order.
type Pipeline struct {
	deps Deps
	cfg  Config
	gate *sessionGate

	duration  metric.Float64Histogram
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if deps.Intel == nil {
		deps.Intel = graph.Noop{}
	}

	meter := telemetry.Meter("kaiwa/pipeline")
	duration, _ := meter.Float64Histogram("kaiwa.pipeline.duration_ms",
		metric.WithDescription("End-to-end pipeline latency per message"),
	)
	delivered, _ := meter.Int64Counter("kaiwa.pipeline.delivered",
		metric.WithDescription("Messages that produced a response"),
	)
	failed, _ := meter.Int64Counter("kaiwa.pipeline.failed",
		metric.WithDescription("Messages that failed in the respond stage"),
	)

	return &Pipeline{
		deps:      deps,
		cfg:       cfg,
		gate:      newSessionGate(),
		duration:  duration,
		delivered: delivered,
		failed:    failed,
	}
}

// Process runs one customer message through all six stages and returns the
// response. Fails only when response generation fails or the context is
// canceled.
func (p *Pipeline) Process(ctx context.Context, req model.MessageRequest) (model.MessageResponse, error) {
	start := time.Now()

	unlock := p.gate.lock(req.SessionID)
	defer unlock()

	latencies := map[string]float64{
		StageIdentify: 0, StageClassify: 0, StageRetrieve: 0,
		StageRespond: 0, StageIntel: 0, StageFeedback: 0,
	}

	// Captured before the message is recorded so an aborted run can put the
	// session's metrics back exactly as they were.
	priorMetrics, hadMetrics := p.deps.Collector.Snapshot(req.SessionID)
	p.deps.Collector.RecordCustomerMessage(req.SessionID, req.Message)

	state := &model.SessionState{
		SessionID: req.SessionID,
		Message:   req.Message,
	}

	p.identifyCustomer(ctx, req, state, latencies)
	p.classifyQuery(ctx, state, latencies)

	var responseText string
	var cached bool
	var err error
	if p.deps.Cache != nil {
		key := respcache.Fingerprint(req.Message, state.Profile.Style, state.Urgency, state.Profile.Tier)

		// Equivalent requests in flight share one retrieval+generation.
		// Only the computing caller runs the closure, records a pending
		// decision, and pays the latency; everyone else is a cache hit.
		computed := false
		var entry respcache.Entry
		entry, _, err = p.deps.Cache.GetOrCompute(ctx, key, func(cctx context.Context) (respcache.Entry, error) {
			computed = true
			p.retrieveContext(cctx, state, latencies)
			text, gerr := p.selectAndRespond(cctx, state, latencies)
			if gerr != nil {
				return respcache.Entry{}, gerr
			}
			return respcache.Entry{Response: text, Strategy: state.Strategy}, nil
		})
		if err == nil {
			responseText = entry.Response
			if !computed {
				state.Strategy = entry.Strategy
				state.Context = ""
				cached = true
				p.deps.Logger.Debug("pipeline: cache hit", "session_id", req.SessionID, "strategy", entry.Strategy)
			}
		}
	} else {
		p.retrieveContext(ctx, state, latencies)
		responseText, err = p.selectAndRespond(ctx, state, latencies)
	}
	if err != nil {
		p.deps.Collector.Restore(req.SessionID, priorMetrics, hadMetrics)
		p.failed.Add(ctx, 1)
		p.duration.Record(ctx, msSince(start))
		return model.MessageResponse{}, err
	}

	p.finishRun(ctx, req, state, responseText, latencies, cached)
	p.delivered.Add(ctx, 1)
	p.duration.Record(ctx, msSince(start))
	return p.response(state, responseText, cached, latencies), nil
}

// identifyCustomer resolves the customer profile and conversation history.
// Unknown or failing lookups yield the anonymous profile.
func (p *Pipeline) identifyCustomer(ctx context.Context, req model.MessageRequest, state *model.SessionState, latencies map[string]float64) {
	t := time.Now()
	defer func() { latencies[StageIdentify] = msSince(t) }()

	state.Profile = model.AnonymousProfile()
	if p.deps.Store == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	if req.CustomerID != nil {
		profile, err := p.deps.Store.GetCustomer(sctx, *req.CustomerID)
		if err != nil {
			p.deps.Logger.Warn("pipeline: customer lookup failed, continuing anonymous",
				"session_id", req.SessionID, "customer_id", *req.CustomerID, "error", err)
		} else {
			state.Profile = profile
		}
	}

	history, err := p.deps.Store.ListTurns(sctx, req.SessionID, p.cfg.HistoryLimit)
	if err != nil {
		p.deps.Logger.Warn("pipeline: history load failed, continuing without",
			"session_id", req.SessionID, "error", err)
		return
	}
	state.History = history
}

// classifyQuery fills intent, urgency, and sentiment, defaulting on error.
func (p *Pipeline) classifyQuery(ctx context.Context, state *model.SessionState, latencies map[string]float64) {
	t := time.Now()
	defer func() { latencies[StageClassify] = msSince(t) }()

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	c, err := p.deps.Classifier.Classify(sctx, state.Message)
	if err != nil {
		p.deps.Logger.Warn("pipeline: classification failed, using defaults",
			"session_id", state.SessionID, "error", err)
		c = classify.DefaultClassification()
	}
	state.Intent = c.Intent
	state.Urgency = c.Urgency
	state.Sentiment = c.Sentiment
}

// retrieveContext loads knowledge-base context. Best-effort.
func (p *Pipeline) retrieveContext(ctx context.Context, state *model.SessionState, latencies map[string]float64) {
	t := time.Now()
	defer func() { latencies[StageRetrieve] = msSince(t) }()

	if p.deps.Retriever == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	state.Context = p.deps.Retriever.Retrieve(sctx, state.Message, state.Intent)
}

// selectAndRespond picks a strategy, records the pending decision, and
// generates the response. The only fatal stage: a generation failure rolls
// the pending decision back and propagates the error.
func (p *Pipeline) selectAndRespond(ctx context.Context, state *model.SessionState, latencies map[string]float64) (string, error) {
	t := time.Now()
	defer func() { latencies[StageRespond] = msSince(t) }()

	selection := p.deps.Decisions.Select(state.DecisionState())
	state.Strategy = selection.Strategy

	pending := model.PendingDecision{
		StateIndex: selection.StateIndex,
		Action:     selection.Action,
		ChosenAt:   time.Now(),
	}
	if p.deps.Ledger.Record(state.SessionID, pending) {
		// The prior turn's decision never got its reward.
		p.deps.Decisions.RecordMiss()
	}

	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()

	text, err := p.deps.Generator.Generate(gctx, state)
	if err != nil {
		p.deps.Ledger.Rollback(state.SessionID, pending.ChosenAt)
		return "", fmt.Errorf("pipeline: generate response: %w", err)
	}
	return text, nil
}

// finishRun executes the two trailing stages plus persistence. All
// best-effort. Cache hits skip the intelligence call: the cached reply is
// already decided, so the external lookup would buy nothing.
func (p *Pipeline) finishRun(ctx context.Context, req model.MessageRequest, state *model.SessionState, responseText string, latencies map[string]float64, cached bool) {
	if !cached {
		p.analyzeIntelligence(ctx, state, latencies)
	}
	p.recordFeedback(state, latencies)
	p.persistTurns(ctx, req, state, responseText)
}

// analyzeIntelligence asks the graph service for customer insights. The
// escalation risk is surfaced on the response; high risk also logs a
// warning for operators.
func (p *Pipeline) analyzeIntelligence(ctx context.Context, state *model.SessionState, latencies map[string]float64) {
	t := time.Now()
	defer func() { latencies[StageIntel] = msSince(t) }()

	if _, noop := p.deps.Intel.(graph.Noop); noop {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	insights, err := p.deps.Intel.Analyze(sctx, state.Profile.CustomerID, state.Intent)
	if err != nil {
		p.deps.Logger.Debug("pipeline: intelligence analysis failed",
			"session_id", state.SessionID, "error", err)
		return
	}
	risk := insights.EscalationRisk
	state.EscalationRisk = &risk
	if risk > 0.7 {
		p.deps.Logger.Warn("pipeline: high escalation risk",
			"session_id", state.SessionID, "risk", risk)
	}
}

// recordFeedback derives rewards from the session's behavioral metrics and
// attributes them to the pending decision recorded this run.
func (p *Pipeline) recordFeedback(state *model.SessionState, latencies map[string]float64) {
	t := time.Now()
	defer func() { latencies[StageFeedback] = msSince(t) }()

	p.deps.Collector.RecordResponseTime(state.SessionID)

	metrics, ok := p.deps.Collector.Snapshot(state.SessionID)
	if !ok {
		return
	}

	signals := p.deps.Rewards.Signals(metrics)
	reward, ok := p.deps.Rewards.Combine(signals)
	if !ok {
		return
	}

	pending, found := p.deps.Ledger.Take(state.SessionID)
	if !found {
		// Cache hits don't record a decision; nothing to attribute.
		return
	}
	p.deps.Decisions.Apply(pending, reward, state.DecisionState())
}

// persistTurns writes both turns and bumps the customer's interaction
// count. Best-effort.
func (p *Pipeline) persistTurns(ctx context.Context, req model.MessageRequest, state *model.SessionState, responseText string) {
	if p.deps.Store == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	if err := p.deps.Store.AppendTurn(sctx, req.SessionID, req.CustomerID, model.Turn{
		Role:    model.RoleCustomer,
		Content: req.Message,
	}); err != nil {
		p.deps.Logger.Warn("pipeline: persist customer turn failed", "session_id", req.SessionID, "error", err)
	}
	if err := p.deps.Store.AppendTurn(sctx, req.SessionID, req.CustomerID, model.Turn{
		Role:     model.RoleAssistant,
		Content:  responseText,
		Strategy: state.Strategy,
	}); err != nil {
		p.deps.Logger.Warn("pipeline: persist assistant turn failed", "session_id", req.SessionID, "error", err)
	}

	if req.CustomerID != nil {
		if err := p.deps.Store.TouchCustomer(sctx, *req.CustomerID, state.Profile.Style); err != nil {
			p.deps.Logger.Warn("pipeline: touch customer failed", "customer_id", *req.CustomerID, "error", err)
		}
	}
}

// ApplyExplicitFeedback applies an out-of-band feedback submission for a
// session. When satisfaction is non-nil it replaces the derived satisfaction
// signal. Rewards with no pending decision count as attribution misses.
func (p *Pipeline) ApplyExplicitFeedback(sessionID string, satisfaction *float64) {
	metrics, ok := p.deps.Collector.Snapshot(sessionID)
	if !ok && satisfaction == nil {
		return
	}

	// Behavioral signals only exist for observed sessions; an unknown
	// session contributes nothing beyond the explicit rating.
	var signals []model.RewardSignal
	if ok {
		signals = p.deps.Rewards.Signals(metrics)
	}
	if satisfaction != nil {
		replaced := false
		for i := range signals {
			if signals[i].Kind == model.RewardSatisfaction {
				signals[i].Value = *satisfaction
				replaced = true
			}
		}
		if !replaced {
			signals = append(signals, model.RewardSignal{Kind: model.RewardSatisfaction, Value: *satisfaction})
		}
	}

	reward, ok := p.deps.Rewards.Combine(signals)
	if !ok {
		return
	}

	pending, found := p.deps.Ledger.Take(sessionID)
	if !found {
		p.deps.Decisions.RecordMiss()
		return
	}
	p.deps.Decisions.Apply(pending, reward, model.DecisionState{})
}

// EndSession closes out a session: applies any final reward, then drops the
// session's metrics and pending decision.
func (p *Pipeline) EndSession(sessionID string, endedByCustomer bool) {
	unlock := p.gate.lock(sessionID)
	defer unlock()

	p.deps.Collector.MarkEnded(sessionID, endedByCustomer)

	if metrics, ok := p.deps.Collector.Snapshot(sessionID); ok {
		if reward, ok := p.deps.Rewards.Combine(p.deps.Rewards.Signals(metrics)); ok {
			if pending, found := p.deps.Ledger.Take(sessionID); found {
				p.deps.Decisions.Apply(pending, reward, model.DecisionState{})
			}
		}
	}

	p.deps.Collector.Evict(sessionID)
	p.deps.Ledger.Take(sessionID)
}

// Stats exposes the decision model snapshot for the stats endpoint.
func (p *Pipeline) Stats() policy.Stats {
	return p.deps.Decisions.Stats()
}

// ActiveSessions is the number of sessions with live behavioral metrics.
func (p *Pipeline) ActiveSessions() int {
	return p.deps.Collector.Len()
}

func (p *Pipeline) response(state *model.SessionState, text string, cached bool, latencies map[string]float64) model.MessageResponse {
	return model.MessageResponse{
		SessionID:      state.SessionID,
		Response:       text,
		Strategy:       state.Strategy,
		Intent:         state.Intent,
		Urgency:        state.Urgency,
		Sentiment:      state.Sentiment,
		Cached:         cached,
		EscalationRisk: state.EscalationRisk,
		StageLatencies: latencies,
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
