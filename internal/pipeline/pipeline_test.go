package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/classify"
	"github.com/ashita-ai/kaiwa/internal/feedback"
	"github.com/ashita-ai/kaiwa/internal/graph"
	"github.com/ashita-ai/kaiwa/internal/llm"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/policy"
	"github.com/ashita-ai/kaiwa/internal/respcache"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

// memStore is an in-memory CustomerStore for pipeline tests.
type memStore struct {
	mu        sync.Mutex
	customers map[uuid.UUID]model.CustomerProfile
	turns     map[string][]model.Turn
	touches   int
}

func newMemStore() *memStore {
	return &memStore{
		customers: make(map[uuid.UUID]model.CustomerProfile),
		turns:     make(map[string][]model.Turn),
	}
}

func (s *memStore) GetCustomer(_ context.Context, id uuid.UUID) (model.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.customers[id]
	if !ok {
		return model.CustomerProfile{}, errors.New("not found")
	}
	return p, nil
}

func (s *memStore) TouchCustomer(_ context.Context, id uuid.UUID, style model.CommunicationStyle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if p, ok := s.customers[id]; ok {
		p.InteractionCount++
		p.Style = style
		s.customers[id] = p
	}
	return nil
}

func (s *memStore) AppendTurn(_ context.Context, sessionID string, _ *uuid.UUID, turn model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

func (s *memStore) ListTurns(_ context.Context, sessionID string, limit int) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]model.Turn(nil), turns...), nil
}

type staticRetriever struct{ ctx string }

func (r staticRetriever) Retrieve(context.Context, string, string) string { return r.ctx }

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, *model.SessionState) (string, error) {
	return "", errors.New("model unavailable")
}

// recordingGenerator wraps the static generator and counts invocations.
type recordingGenerator struct {
	inner Generator
	calls int
	mu    sync.Mutex
}

func (g *recordingGenerator) Generate(ctx context.Context, state *model.SessionState) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.inner.Generate(ctx, state)
}

type testPipeline struct {
	*Pipeline
	store  *memStore
	gen    *recordingGenerator
	cache  *respcache.Cache
	ledger *policy.Ledger
	col    *feedback.Collector
}

func newTestPipeline(t *testing.T, mutate func(*Deps)) *testPipeline {
	t.Helper()

	store := newMemStore()
	gen := &recordingGenerator{inner: llm.NewStaticGenerator()}
	cache := respcache.New(time.Hour)
	ledger := policy.NewLedger(time.Hour)
	col := feedback.NewCollector(time.Hour)
	t.Cleanup(func() {
		cache.Close()
		ledger.Close()
		col.Close()
	})

	deps := Deps{
		Store:      store,
		Classifier: classify.NewKeywordClassifier(),
		Retriever:  staticRetriever{ctx: "## FAQ\nRestart it."},
		Decisions:  policy.New(policy.Config{Epsilon: 0.1, LearningRate: 0.1, Discount: 0.9}),
		Ledger:     ledger,
		Generator:  gen,
		Cache:      cache,
		Collector:  col,
		Rewards:    feedback.NewGenerator(feedback.GeneratorConfig{}),
		Logger:     testutil.TestLogger(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testPipeline{
		Pipeline: New(deps, Config{StageTimeout: time.Second, GenerateTimeout: time.Second}),
		store:    store,
		gen:      gen,
		cache:    cache,
		ledger:   ledger,
		col:      col,
	}
}

func TestProcessFrustratedCriticalMessage(t *testing.T) {
	p := newTestPipeline(t, nil)

	resp, err := p.Process(context.Background(), model.MessageRequest{
		SessionID: "s1",
		Message:   "This is unacceptable, the api is broken and our whole deployment is down!",
	})
	require.NoError(t, err)

	assert.Equal(t, model.UrgencyCritical, resp.Urgency)
	assert.Negative(t, resp.Sentiment)
	assert.Equal(t, classify.IntentTechnical, resp.Intent)
	assert.NotEmpty(t, resp.Response)
	assert.Contains(t, model.Strategies, resp.Strategy)
	assert.False(t, resp.Cached)

	// Every stage ran.
	for _, stage := range []string{StageIdentify, StageClassify, StageRetrieve, StageRespond, StageFeedback} {
		assert.Contains(t, resp.StageLatencies, stage)
	}

	// The run consumed its own pending decision.
	assert.Equal(t, 0, p.ledger.Len())

	// Both turns were persisted.
	turns, err := p.store.ListTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleCustomer, turns[0].Role)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, resp.Strategy, turns[1].Strategy)
}

func TestProcessKnownCustomerProfile(t *testing.T) {
	p := newTestPipeline(t, nil)

	id := uuid.New()
	p.store.customers[id] = model.CustomerProfile{
		CustomerID:       &id,
		Name:             "Aoi",
		Style:            model.StyleTechnical,
		Tier:             model.TierVIP,
		InteractionCount: 7,
	}

	_, err := p.Process(context.Background(), model.MessageRequest{
		SessionID:  "s2",
		CustomerID: &id,
		Message:    "The api returns an error on every call",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.store.touches)
}

func TestProcessUnknownCustomerFallsBackToAnonymous(t *testing.T) {
	p := newTestPipeline(t, nil)

	id := uuid.New() // not in store
	resp, err := p.Process(context.Background(), model.MessageRequest{
		SessionID:  "s3",
		CustomerID: &id,
		Message:    "hello there",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Response)
}

func TestProcessCacheHitSkipsRetrievalAndGeneration(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	req := model.MessageRequest{SessionID: "s4", Message: "How do I reset my password?"}
	first, err := p.Process(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, 1, p.gen.calls)

	// Same query, different session: equivalent request shape.
	second, err := p.Process(ctx, model.MessageRequest{SessionID: "s5", Message: "How do I reset my password?"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.Strategy, second.Strategy)
	assert.Equal(t, 1, p.gen.calls)

	// Skipped stages report zero latency.
	assert.Zero(t, second.StageLatencies[StageRetrieve])
	assert.Zero(t, second.StageLatencies[StageRespond])
}

// recordingIntel counts Analyze calls and returns a fixed risk score.
type recordingIntel struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingIntel) Analyze(context.Context, *uuid.UUID, string) (graph.Insights, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return graph.Insights{EscalationRisk: 0.2}, nil
}

func TestProcessCacheHitSkipsIntelligence(t *testing.T) {
	intel := &recordingIntel{}
	p := newTestPipeline(t, func(d *Deps) {
		d.Intel = intel
	})
	ctx := context.Background()

	first, err := p.Process(ctx, model.MessageRequest{SessionID: "s4a", Message: "How do I export my data?"})
	require.NoError(t, err)
	require.NotNil(t, first.EscalationRisk)

	second, err := p.Process(ctx, model.MessageRequest{SessionID: "s4b", Message: "How do I export my data?"})
	require.NoError(t, err)
	require.True(t, second.Cached)

	// The cached reply is already decided; no external lookup for it.
	assert.Equal(t, 1, intel.calls)
	assert.Nil(t, second.EscalationRisk)
	assert.Zero(t, second.StageLatencies[StageIntel])
}

func TestProcessGenerationFailureIsFatalAndRollsBack(t *testing.T) {
	p := newTestPipeline(t, func(d *Deps) {
		d.Generator = failingGenerator{}
	})

	_, err := p.Process(context.Background(), model.MessageRequest{
		SessionID: "s6",
		Message:   "this is terrible",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate response")

	// The aborted run's pending decision and behavioral metrics were both
	// rolled back: the run never happened.
	assert.Equal(t, 0, p.ledger.Len())
	_, ok := p.col.Snapshot("s6")
	assert.False(t, ok)
}

// flakyGenerator succeeds once, then fails.
type flakyGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *flakyGenerator) Generate(_ context.Context, _ *model.SessionState) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls > 1 {
		return "", errors.New("model unavailable")
	}
	return "first answer", nil
}

func TestProcessAbortRestoresPriorMetrics(t *testing.T) {
	p := newTestPipeline(t, func(d *Deps) {
		d.Generator = &flakyGenerator{}
	})
	ctx := context.Background()

	_, err := p.Process(ctx, model.MessageRequest{SessionID: "s6b", Message: "the api is broken"})
	require.NoError(t, err)
	before, ok := p.col.Snapshot("s6b")
	require.True(t, ok)

	// Second turn fails in generation; its metrics writes must not bleed
	// into the next successful turn's reward.
	_, err = p.Process(ctx, model.MessageRequest{SessionID: "s6b", Message: "still broken, this is terrible and unacceptable"})
	require.Error(t, err)

	after, ok := p.col.Snapshot("s6b")
	require.True(t, ok)
	assert.Equal(t, before.MessageCount, after.MessageCount)
	assert.False(t, after.Frustrated)
	assert.Equal(t, before.NegativeHits, after.NegativeHits)
}

func TestProcessSameSessionSerialized(t *testing.T) {
	var order []string
	var mu sync.Mutex

	slowGen := &orderedGenerator{
		delay: 50 * time.Millisecond,
		record: func(msg string) {
			mu.Lock()
			order = append(order, msg)
			mu.Unlock()
		},
	}
	p := newTestPipeline(t, func(d *Deps) {
		d.Generator = slowGen
		d.Cache = nil // every message must generate
	})

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_, err := p.Process(ctx, model.MessageRequest{SessionID: "s7", Message: "first message"})
		assert.NoError(t, err)
		close(done)
	}()

	// Give M1 time to take the gate.
	time.Sleep(10 * time.Millisecond)
	_, err := p.Process(ctx, model.MessageRequest{SessionID: "s7", Message: "second message"})
	require.NoError(t, err)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first message", "second message"}, order)
}

type orderedGenerator struct {
	delay  time.Duration
	record func(msg string)
}

func (g *orderedGenerator) Generate(_ context.Context, state *model.SessionState) (string, error) {
	time.Sleep(g.delay)
	g.record(state.Message)
	return "ok: " + state.Message, nil
}

func TestProcessDifferentSessionsRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	started := make(chan string, 2)

	gen := &blockingGenerator{block: block, started: started}
	p := newTestPipeline(t, func(d *Deps) {
		d.Generator = gen
		d.Cache = nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b"} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			_, err := p.Process(ctx, model.MessageRequest{SessionID: sid, Message: "msg " + sid})
			assert.NoError(t, err)
		}(sid)
	}

	// Both sessions must reach generation while neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(block)
	wg.Wait()
}

type blockingGenerator struct {
	block   chan struct{}
	started chan string
}

func (g *blockingGenerator) Generate(_ context.Context, state *model.SessionState) (string, error) {
	g.started <- state.SessionID
	<-g.block
	return "done", nil
}

func TestProcessConcurrentEquivalentRequestsShareGeneration(t *testing.T) {
	gen := &recordingGenerator{inner: &orderedGenerator{
		delay:  150 * time.Millisecond,
		record: func(string) {},
	}}
	p := newTestPipeline(t, func(d *Deps) {
		d.Generator = gen
	})

	ctx := context.Background()
	responses := make([]model.MessageResponse, 2)
	var wg sync.WaitGroup
	for i, sid := range []string{"fp-a", "fp-b"} {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			resp, err := p.Process(ctx, model.MessageRequest{SessionID: sid, Message: "How do I rotate my api key?"})
			assert.NoError(t, err)
			responses[i] = resp
		}(i, sid)
	}
	wg.Wait()

	// One generation serves both sessions: whichever run computed pays for
	// it, the other is served as a cache hit.
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, responses[0].Response, responses[1].Response)
	hits := 0
	for _, r := range responses {
		if r.Cached {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
	// Only the computing run recorded a decision, and it consumed it.
	assert.Equal(t, 0, p.ledger.Len())
}

func TestApplyExplicitFeedbackUnknownSessionUsesOnlyRating(t *testing.T) {
	p := newTestPipeline(t, nil)

	// A pending decision exists but the collector never saw the session:
	// the reward must be exactly the explicit rating, with no fabricated
	// behavioral signals.
	p.ledger.Record("ghost", model.PendingDecision{ChosenAt: time.Now()})

	sat := 0.6
	p.ApplyExplicitFeedback("ghost", &sat)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.InDelta(t, 0.6, stats.TotalReward, 1e-12)
}

func TestApplyExplicitFeedbackWithoutPendingCountsMiss(t *testing.T) {
	p := newTestPipeline(t, nil)

	// Process consumes the pending decision; explicit feedback afterwards
	// has nothing to attribute and must not panic or block.
	_, err := p.Process(context.Background(), model.MessageRequest{SessionID: "s8", Message: "thanks, great!"})
	require.NoError(t, err)

	sat := 0.9
	p.ApplyExplicitFeedback("s8", &sat)
	assert.Equal(t, 0, p.ledger.Len())
}

func TestEndSessionDropsState(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Process(context.Background(), model.MessageRequest{SessionID: "s9", Message: "it's fixed, thanks!"})
	require.NoError(t, err)

	p.EndSession("s9", true)

	_, ok := p.col.Snapshot("s9")
	assert.False(t, ok)
	assert.Equal(t, 0, p.ledger.Len())
	assert.Equal(t, 0, p.gate.len())
}

func TestStatsReflectAppliedRewards(t *testing.T) {
	p := newTestPipeline(t, nil)

	for i := 0; i < 3; i++ {
		_, err := p.Process(context.Background(), model.MessageRequest{
			SessionID: "s10",
			Message:   "thanks, that solved it!",
		})
		require.NoError(t, err)
	}

	stats := p.Stats()
	// First run generates, the rest hit the cache and apply no reward.
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.Positive(t, stats.TotalReward)
}
