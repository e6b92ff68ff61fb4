package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// AppendTurn records one conversation turn. Strategy is empty for customer
// turns.
func (db *DB) AppendTurn(ctx context.Context, sessionID string, customerID *uuid.UUID, turn model.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, session_id, customer_id, role, content, strategy, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		uuid.New(), sessionID, customerID, turn.Role, turn.Content, string(turn.Strategy), turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append turn: %w", err)
	}
	return nil
}

// ListTurns returns the most recent turns for a session in chronological
// order, up to limit.
func (db *DB) ListTurns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT role, content, COALESCE(strategy, ''), created_at
		 FROM (
		     SELECT role, content, strategy, created_at
		     FROM conversation_turns
		     WHERE session_id = $1
		     ORDER BY created_at DESC
		     LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		var strategy string
		if err := rows.Scan(&t.Role, &t.Content, &strategy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		t.Strategy = model.Strategy(strategy)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteSessionTurns removes all turns for a session. Used by retention.
func (db *DB) DeleteSessionTurns(ctx context.Context, sessionID string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM conversation_turns WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete session turns: %w", err)
	}
	return tag.RowsAffected(), nil
}
