package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Document is a knowledge-base entry used for context retrieval. Embedding
// may be nil for documents that have not been indexed yet.
type Document struct {
	ID        uuid.UUID
	Title     string
	Content   string
	Category  string
	Embedding []float32
	CreatedAt time.Time
}

// CreateDocument inserts a document, storing its embedding in the pgvector
// column when present.
func (db *DB) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var embedding any
	if len(d.Embedding) > 0 {
		embedding = pgvector.NewVector(d.Embedding)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (id, title, content, category, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Title, d.Content, d.Category, embedding, d.CreatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	return d, nil
}

// GetDocument retrieves a document by ID. The embedding column is not
// hydrated; retrieval only needs text.
func (db *DB) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var d Document
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, content, category, created_at FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Category, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("storage: get document: %w", err)
	}
	return d, nil
}

// GetDocuments retrieves documents by ID, preserving the input order and
// skipping IDs that no longer exist.
func (db *DB) GetDocuments(ctx context.Context, ids []uuid.UUID) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, content, category, created_at FROM documents WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]Document, len(ids))
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Category, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// SearchDocumentsNearest returns the documents whose embeddings are closest
// to the query vector, by cosine distance. Used when the vector index is
// served from Postgres rather than Qdrant.
func (db *DB) SearchDocumentsNearest(ctx context.Context, query []float32, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, content, category, created_at
		 FROM documents
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search documents nearest: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Category, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SearchDocumentsKeyword is the degraded-path search used when no embedding
// is available: case-insensitive substring match over title and content.
func (db *DB) SearchDocumentsKeyword(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, content, category, created_at
		 FROM documents
		 WHERE title ILIKE '%' || $1 || '%' OR content ILIKE '%' || $1 || '%'
		 ORDER BY created_at DESC
		 LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search documents keyword: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Category, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
