package access

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_members (
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (channel_id, user_id)
)`

// PostgresEntitlements stores entitlements in the channel_members table so
// that granted users survive a restart. Documents themselves are not stored.
type PostgresEntitlements struct {
	pool *pgxpool.Pool
}

// NewPostgresEntitlements creates the table if needed.
func NewPostgresEntitlements(ctx context.Context, pool *pgxpool.Pool) (*PostgresEntitlements, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create channel_members: %w", err)
	}
	return &PostgresEntitlements{pool: pool}, nil
}

func (p *PostgresEntitlements) IsEntitled(ctx context.Context, channelID, userID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query entitlement: %w", err)
	}
	return ok, nil
}

func (p *PostgresEntitlements) Entitle(ctx context.Context, channelID, userID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// Claim runs under a per-channel advisory lock, so first users arriving at
// different server instances cannot both claim the channel.
func (p *PostgresEntitlements) Claim(ctx context.Context, channelID, userID string) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("claim channel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, channelID); err != nil {
		return false, fmt.Errorf("lock channel: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO channel_members (channel_id, user_id)
		SELECT $1::text, $2::text
		WHERE NOT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1)
		ON CONFLICT DO NOTHING`,
		channelID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("claim channel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("claim channel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
