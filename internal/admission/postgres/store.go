package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketgate/ticketgate/internal/admission"
)

var ErrInvalidConfig = errors.New("admission/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("admission/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID, chatID int64) (admission.Record, error) {
	if s == nil || s.pool == nil {
		return admission.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rec := admission.Record{UserID: userID, ChatID: chatID}
	err := s.pool.QueryRow(ctx, `
		SELECT verified, binding_id, event_id, updated_at
		FROM admission_records
		WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID).Scan(&rec.Verified, &rec.BindingID, &rec.EventID, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admission.Record{}, admission.ErrNotFound
		}
		return admission.Record{}, fmt.Errorf("admission/postgres: get record: %w", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *Store) Upsert(ctx context.Context, rec admission.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admission_records (user_id, chat_id, verified, binding_id, event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (user_id, chat_id) DO UPDATE
		SET verified = EXCLUDED.verified,
			binding_id = EXCLUDED.binding_id,
			event_id = EXCLUDED.event_id,
			updated_at = now()
	`, rec.UserID, rec.ChatID, rec.Verified, rec.BindingID, rec.EventID)
	if err != nil {
		return fmt.Errorf("admission/postgres: upsert record: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, chatID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM admission_records WHERE user_id = $1 AND chat_id = $2`, userID, chatID); err != nil {
		return fmt.Errorf("admission/postgres: delete record: %w", err)
	}
	return nil
}

func (s *Store) ChatUsers(ctx context.Context, chatID int64) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM admission_records WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("admission/postgres: list chat users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("admission/postgres: list chat users: %w", err)
	}
	return users, nil
}
