package kaiwa

import "context"

// Generator produces response text for a customer message. When provided via
// WithGenerator, replaces the configured provider (OpenAI/Ollama/static).
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Classifier derives intent, urgency, and sentiment from message text. When
// provided via WithClassifier, replaces the built-in keyword heuristic.
// Classification errors are non-fatal: the pipeline falls back to defaults.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// EmbeddingProvider generates vector embeddings from text. When provided via
// WithEmbeddingProvider, replaces auto-detected Ollama/OpenAI/noop.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
