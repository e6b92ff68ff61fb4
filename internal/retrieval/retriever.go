package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/storage"
)

// Embedder is the slice of embedding.Provider the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector search surface, satisfied by QdrantIndex.
type Index interface {
	Search(ctx context.Context, embedding []float32, category string, limit int) ([]Result, error)
}

// DocumentStore hydrates and keyword-searches documents, satisfied by
// storage.DB.
type DocumentStore interface {
	GetDocuments(ctx context.Context, ids []uuid.UUID) ([]storage.Document, error)
	SearchDocumentsKeyword(ctx context.Context, query string, limit int) ([]storage.Document, error)
}

// maxContextChars bounds the assembled context so downstream prompts stay
// within model limits.
const maxContextChars = 4000

// Retriever assembles relevant knowledge-base context for a query. The
// vector path is best-effort: any failure degrades to keyword search, and a
// failed keyword search yields empty context rather than an error. Missing
// context must never block a response.
type Retriever struct {
	embedder Embedder
	index    Index
	store    DocumentStore
	limit    int
	logger   *slog.Logger
}

// NewRetriever creates a retriever returning at most limit documents per
// query. index may be nil when no vector backend is configured.
func NewRetriever(embedder Embedder, index Index, store DocumentStore, limit int, logger *slog.Logger) *Retriever {
	if limit <= 0 {
		limit = 5
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		store:    store,
		limit:    limit,
		logger:   logger,
	}
}

// Retrieve returns assembled context for the query, restricted to category
// when non-empty.
func (r *Retriever) Retrieve(ctx context.Context, query, category string) string {
	docs := r.vectorSearch(ctx, query, category)
	if len(docs) == 0 {
		docs = r.keywordSearch(ctx, query)
	}
	return assembleContext(docs)
}

func (r *Retriever) vectorSearch(ctx context.Context, query, category string) []storage.Document {
	if r.embedder == nil || r.index == nil {
		return nil
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("retrieval: embed query failed, falling back to keyword search", "error", err)
		return nil
	}
	if isZeroVector(embedding) {
		// Noop embedder; vector search would return arbitrary neighbors.
		return nil
	}

	results, err := r.index.Search(ctx, embedding, category, r.limit)
	if err != nil {
		r.logger.Warn("retrieval: vector search failed, falling back to keyword search", "error", err)
		return nil
	}
	if len(results) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, res := range results {
		ids[i] = res.DocumentID
	}
	docs, err := r.store.GetDocuments(ctx, ids)
	if err != nil {
		r.logger.Warn("retrieval: hydrate documents failed", "error", err)
		return nil
	}
	return docs
}

func (r *Retriever) keywordSearch(ctx context.Context, query string) []storage.Document {
	if r.store == nil {
		return nil
	}
	docs, err := r.store.SearchDocumentsKeyword(ctx, query, r.limit)
	if err != nil {
		r.logger.Warn("retrieval: keyword search failed", "error", err)
		return nil
	}
	return docs
}

// assembleContext joins documents into the context block handed to response
// generation, truncated to maxContextChars on a document boundary.
func assembleContext(docs []storage.Document) string {
	var b strings.Builder
	for _, d := range docs {
		section := "## " + d.Title + "\n" + d.Content + "\n\n"
		if b.Len()+len(section) > maxContextChars {
			break
		}
		b.WriteString(section)
	}
	return strings.TrimRight(b.String(), "\n")
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
