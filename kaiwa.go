// Package kaiwa is the public API for embedding the Kaiwa support server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithVersion(version),
//	    kaiwa.WithLogger(logger),
//	    kaiwa.WithGenerator(myGenerator),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaiwa (root) imports
// internal/*, but internal/* never imports kaiwa (root). Public types
// (Classification, GenerateRequest) are standalone structs with no internal
// imports; conversion adapters live here because this is the only file that
// sees both sides of the boundary.
package kaiwa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaiwa/internal/classify"
	"github.com/ashita-ai/kaiwa/internal/config"
	"github.com/ashita-ai/kaiwa/internal/embedding"
	"github.com/ashita-ai/kaiwa/internal/feedback"
	"github.com/ashita-ai/kaiwa/internal/graph"
	"github.com/ashita-ai/kaiwa/internal/llm"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/pipeline"
	"github.com/ashita-ai/kaiwa/internal/policy"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/respcache"
	"github.com/ashita-ai/kaiwa/internal/retrieval"
	"github.com/ashita-ai/kaiwa/internal/server"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"github.com/ashita-ai/kaiwa/migrations"
)

// App is the Kaiwa server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	index        *retrieval.QdrantIndex // nil when Qdrant is unreachable
	cache        *respcache.Cache
	ledger       *policy.Ledger
	collector    *feedback.Collector
	pipe         *pipeline.Pipeline
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kaiwa server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaiwa starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = o.embeddingProvider
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Vector index and retriever. Retrieval is a best-effort stage, so an
	// unreachable Qdrant degrades to keyword-only search rather than failing
	// startup.
	var index *retrieval.QdrantIndex
	var retriever pipeline.Retriever
	idx, idxErr := retrieval.NewQdrantIndex(retrieval.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if idxErr != nil {
		logger.Warn("qdrant unavailable, retrieval degrades to keyword search", "error", idxErr)
		retriever = retrieval.NewRetriever(embedder, nil, db, cfg.RetrievalLimit, logger)
	} else if err := idx.EnsureCollection(context.Background()); err != nil {
		logger.Warn("qdrant collection setup failed, retrieval degrades to keyword search", "error", err)
		_ = idx.Close()
		retriever = retrieval.NewRetriever(embedder, nil, db, cfg.RetrievalLimit, logger)
	} else {
		index = idx
		retriever = retrieval.NewRetriever(embedder, idx, db, cfg.RetrievalLimit, logger)
		logger.Info("qdrant: enabled", "host", cfg.QdrantHost, "port", cfg.QdrantPort)
	}

	// Decision model and its pending-decision ledger.
	decisions := policy.New(policy.Config{
		Epsilon:      cfg.Epsilon,
		LearningRate: cfg.LearningRate,
		Discount:     cfg.Discount,
	})
	ledger := policy.NewLedger(cfg.SessionIdleExpiry)

	// Behavioral metrics and reward derivation.
	collector := feedback.NewCollector(cfg.SessionIdleExpiry)
	rewards := feedback.NewGenerator(feedback.GeneratorConfig{
		Normalize:          cfg.RewardNormalize,
		MaxReward:          cfg.RewardMax,
		ResponseTimeTarget: cfg.ResponseTimeTarget,
	})

	// Response cache.
	cache := respcache.New(cfg.CacheTTL)

	// Response generator — external override takes priority over config.
	var generator pipeline.Generator
	if o.generator != nil {
		generator = &generatorAdapter{g: o.generator}
	} else {
		generator = newGenerator(cfg, logger)
	}

	// Classifier — external override takes priority over the keyword heuristic.
	var classifier classify.Classifier
	if o.classifier != nil {
		classifier = &classifierAdapter{c: o.classifier}
	} else {
		classifier = classify.NewKeywordClassifier()
	}

	// Relationship intelligence.
	var intel graph.Intelligence = graph.Noop{}
	if cfg.GraphURL != "" {
		intel = graph.NewClient(cfg.GraphURL)
		logger.Info("graph intelligence: enabled", "url", cfg.GraphURL)
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:      db,
		Classifier: classifier,
		Retriever:  retriever,
		Decisions:  decisions,
		Ledger:     ledger,
		Generator:  generator,
		Cache:      cache,
		Collector:  collector,
		Rewards:    rewards,
		Intel:      intel,
		Logger:     logger,
	}, pipeline.Config{
		StageTimeout:    cfg.StageTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		HistoryLimit:    cfg.HistoryLimit,
	})

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var healthIndex server.HealthChecker
	if index != nil {
		healthIndex = index
	}

	srv := server.New(server.ServerConfig{
		Pipeline:            pipe,
		Logger:              logger,
		DB:                  db,
		Index:               healthIndex,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		index:        index,
		cache:        cache,
		ledger:       ledger,
		collector:    collector,
		pipe:         pipe,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then stops the background
// sweepers and closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiwa shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.cache.Close()
	a.ledger.Close()
	a.collector.Close()
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaiwa stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// generatorAdapter wraps a public kaiwa.Generator to satisfy
// pipeline.Generator. It converts the internal session state to the public
// GenerateRequest at the boundary.
type generatorAdapter struct {
	g Generator
}

func (a *generatorAdapter) Generate(ctx context.Context, state *model.SessionState) (string, error) {
	req := GenerateRequest{
		SessionID:    state.SessionID,
		Message:      state.Message,
		CustomerName: state.Profile.Name,
		Tier:         string(state.Profile.Tier),
		Intent:       state.Intent,
		Urgency:      string(state.Urgency),
		Sentiment:    state.Sentiment,
		Strategy:     string(state.Strategy),
		Context:      state.Context,
	}
	for _, turn := range state.History {
		req.History = append(req.History, HistoryTurn{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	return a.g.Generate(ctx, req)
}

// classifierAdapter wraps a public kaiwa.Classifier to satisfy
// classify.Classifier.
type classifierAdapter struct {
	c Classifier
}

func (a *classifierAdapter) Classify(ctx context.Context, text string) (classify.Classification, error) {
	result, err := a.c.Classify(ctx, text)
	if err != nil {
		return classify.Classification{}, err
	}
	return classify.Classification{
		Intent:    result.Intent,
		Urgency:   model.UrgencyLevel(result.Urgency),
		Sentiment: result.Sentiment,
	}, nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func newGenerator(cfg config.Config, logger *slog.Logger) pipeline.Generator {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KAIWA_LLM_PROVIDER=openai, using static responses")
			return llm.NewStaticGenerator()
		}
		logger.Info("response generator: openai", "model", cfg.LLMModel)
		return llm.NewOpenAIGenerator(cfg.OpenAIAPIKey, "", cfg.LLMModel)
	case "ollama":
		logger.Info("response generator: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return llm.NewOpenAIGenerator("", cfg.OllamaURL+"/v1", cfg.OllamaModel)
	case "static":
		fallthrough
	default:
		logger.Info("response generator: static templates")
		return llm.NewStaticGenerator()
	}
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KAIWA_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaEmbeddingModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbeddingModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (vector retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaEmbeddingModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbeddingModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (vector retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
