package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketgate/ticketgate/internal/anonchan"
)

var ErrInvalidConfig = errors.New("anonchan/postgres: invalid config")

var _ anonchan.RateLimitStore = (*RateLimitStore)(nil)

// RateLimitStore is an anonchan.RateLimitStore shared by every replica. Reservations for one key
// are serialized with a transaction-scoped advisory lock.
type RateLimitStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*RateLimitStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &RateLimitStore{pool: pool}, nil
}

func (s *RateLimitStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("anonchan/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *RateLimitStore) Reserve(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (string, bool, error) {
	if s == nil || s.pool == nil {
		return "", false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key == "" || window <= 0 || limit <= 0 {
		return "", false, fmt.Errorf("%w: key, window and limit are required", anonchan.ErrInvalidLimit)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: lock: %w", err)
	}

	cutoff := now.Add(-window).UTC()
	if _, err := tx.Exec(ctx, `DELETE FROM anon_message_sends WHERE limit_key = $1 AND sent_at <= $2`, key, cutoff); err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: prune: %w", err)
	}
	var n int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM anon_message_sends WHERE limit_key = $1 AND sent_at > $2`, key, cutoff).Scan(&n); err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: count: %w", err)
	}
	if n >= limit {
		return "", false, nil
	}

	id := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO anon_message_sends (id, limit_key, sent_at) VALUES ($1, $2, $3)`, id, key, now.UTC()); err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("anonchan/postgres: commit: %w", err)
	}
	return id.String(), true, nil
}

func (s *RateLimitStore) Cancel(ctx context.Context, key, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM anon_message_sends WHERE id = $1 AND limit_key = $2`, parsed, key); err != nil {
		return fmt.Errorf("anonchan/postgres: cancel: %w", err)
	}
	return nil
}
