package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// GetCustomer retrieves a customer profile by ID.
func (db *DB) GetCustomer(ctx context.Context, id uuid.UUID) (model.CustomerProfile, error) {
	var p model.CustomerProfile
	var cid uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, communication_style, tier, interaction_count
		 FROM customers WHERE id = $1`, id,
	).Scan(&cid, &p.Name, &p.Style, &p.Tier, &p.InteractionCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CustomerProfile{}, ErrNotFound
		}
		return model.CustomerProfile{}, fmt.Errorf("storage: get customer: %w", err)
	}
	p.CustomerID = &cid
	return p, nil
}

// CreateCustomer inserts a customer profile and returns it with its ID set.
func (db *DB) CreateCustomer(ctx context.Context, p model.CustomerProfile) (model.CustomerProfile, error) {
	id := uuid.New()
	if p.CustomerID != nil && *p.CustomerID != uuid.Nil {
		id = *p.CustomerID
	}
	if p.Style == "" {
		p.Style = model.StyleNeutral
	}
	if p.Tier == "" {
		p.Tier = model.TierNew
	}

	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO customers (id, name, communication_style, tier, interaction_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		id, p.Name, p.Style, p.Tier, p.InteractionCount, now,
	)
	if err != nil {
		return model.CustomerProfile{}, fmt.Errorf("storage: create customer: %w", err)
	}
	p.CustomerID = &id
	return p, nil
}

// TouchCustomer bumps the interaction count and records the style observed
// on the latest message. The style column keeps the most recent observation;
// tier promotion is a separate concern handled by UpdateCustomerTier.
// Retried on serialization conflicts: concurrent sessions for the same
// customer update the same row.
func (db *DB) TouchCustomer(ctx context.Context, id uuid.UUID, style model.CommunicationStyle) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE customers
			 SET interaction_count = interaction_count + 1,
			     communication_style = $2,
			     updated_at = now()
			 WHERE id = $1`,
			id, style,
		)
		if err != nil {
			return fmt.Errorf("storage: touch customer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateCustomerTier sets a customer's tier.
func (db *DB) UpdateCustomerTier(ctx context.Context, id uuid.UUID, tier model.Tier) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE customers SET tier = $2, updated_at = now() WHERE id = $1`,
		id, tier,
	)
	if err != nil {
		return fmt.Errorf("storage: update customer tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
