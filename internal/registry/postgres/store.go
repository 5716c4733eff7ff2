package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketgate/ticketgate/internal/registry"
)

var ErrInvalidConfig = errors.New("registry/postgres: invalid config")

const uniqueViolation = "23505"

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
		return fmt.Errorf("registry/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) LinkEvent(ctx context.Context, eventID, eventName string, chatID int64, topicID *int64) (registry.EventChatBinding, error) {
	if s == nil || s.pool == nil {
		return registry.EventChatBinding{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	eventID, err := registry.NormalizeEventID(eventID)
	if err != nil {
		return registry.EventChatBinding{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevChat *int64
	err = tx.QueryRow(ctx, `SELECT chat_id FROM event_chat_bindings WHERE event_id = $1 FOR UPDATE`, eventID).Scan(&prevChat)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: link event: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO event_chat_bindings (event_id, event_name, chat_id, topic_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (event_id) DO UPDATE
		SET event_name = CASE WHEN EXCLUDED.event_name <> '' THEN EXCLUDED.event_name ELSE event_chat_bindings.event_name END,
			chat_id = EXCLUDED.chat_id,
			topic_id = EXCLUDED.topic_id,
			updated_at = now()
		RETURNING event_id, event_name, chat_id, topic_id, updated_at
	`, eventID, strings.TrimSpace(eventName), chatID, topicID)
	b, err := scanBinding(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return registry.EventChatBinding{}, registry.ErrTopicTaken
		}
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: link event: %w", err)
	}

	if prevChat != nil && *prevChat != chatID {
		if err := dropOrphanAnonChannel(ctx, tx, *prevChat); err != nil {
			return registry.EventChatBinding{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return b, nil
}

func (s *Store) UnlinkEvent(ctx context.Context, eventID string) (registry.EventChatBinding, error) {
	if s == nil || s.pool == nil {
		return registry.EventChatBinding{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	eventID, err := registry.NormalizeEventID(eventID)
	if err != nil {
		return registry.EventChatBinding{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanBinding(tx.QueryRow(ctx, `
		SELECT event_id, event_name, chat_id, topic_id, updated_at
		FROM event_chat_bindings
		WHERE event_id = $1 AND chat_id IS NOT NULL
		FOR UPDATE
	`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.EventChatBinding{}, registry.ErrEventNotLinked
		}
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: unlink event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE event_chat_bindings
		SET chat_id = NULL, topic_id = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID); err != nil {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: unlink event: %w", err)
	}
	if err := dropOrphanAnonChannel(ctx, tx, *prev.ChatID); err != nil {
		return registry.EventChatBinding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return prev, nil
}

func (s *Store) ChatForEvent(ctx context.Context, eventID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var chatID *int64
	err := s.pool.QueryRow(ctx, `SELECT chat_id FROM event_chat_bindings WHERE event_id = $1`, strings.TrimSpace(eventID)).Scan(&chatID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, registry.ErrEventNotLinked
		}
		return 0, fmt.Errorf("registry/postgres: chat for event: %w", err)
	}
	if chatID == nil {
		return 0, registry.ErrEventNotLinked
	}
	return *chatID, nil
}

func (s *Store) Event(ctx context.Context, eventID string) (registry.EventChatBinding, error) {
	if s == nil || s.pool == nil {
		return registry.EventChatBinding{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	b, err := scanBinding(s.pool.QueryRow(ctx, `
		SELECT event_id, event_name, chat_id, topic_id, updated_at
		FROM event_chat_bindings
		WHERE event_id = $1
	`, strings.TrimSpace(eventID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.EventChatBinding{}, registry.ErrNotFound
		}
		return registry.EventChatBinding{}, fmt.Errorf("registry/postgres: get event: %w", err)
	}
	return b, nil
}

func (s *Store) EventRegistered(ctx context.Context, eventID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM event_chat_bindings WHERE event_id = $1)`, strings.TrimSpace(eventID)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("registry/postgres: event registered: %w", err)
	}
	return ok, nil
}

func (s *Store) EventsForChat(ctx context.Context, chatID int64) ([]registry.EventChatBinding, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_name, chat_id, topic_id, updated_at
		FROM event_chat_bindings
		WHERE chat_id = $1
		ORDER BY event_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: events for chat: %w", err)
	}
	defer rows.Close()

	var out []registry.EventChatBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("registry/postgres: scan event: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry/postgres: events for chat: %w", err)
	}
	return out, nil
}

func (s *Store) BindAnonChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error) {
	if s == nil || s.pool == nil {
		return registry.AnonChannelBinding{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return registry.AnonChannelBinding{}, fmt.Errorf("registry/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the chat's event rows so a concurrent unlink cannot orphan the new binding.
	var linked int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT 1 FROM event_chat_bindings WHERE chat_id = $1 FOR UPDATE
		) AS linked
	`, chatID).Scan(&linked)
	if err != nil {
		return registry.AnonChannelBinding{}, fmt.Errorf("registry/postgres: bind anon channel: %w", err)
	}
	if linked == 0 {
		return registry.AnonChannelBinding{}, registry.ErrEventNotLinked
	}

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO anon_channels (chat_id, topic_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_id) DO NOTHING
		RETURNING created_at
	`, chatID, topicID).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.AnonChannelBinding{}, registry.ErrAlreadyBound
		}
		return registry.AnonChannelBinding{}, fmt.Errorf("registry/postgres: bind anon channel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.AnonChannelBinding{}, fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return registry.AnonChannelBinding{ChatID: chatID, AnonTopicID: topicID, CreatedAt: createdAt.UTC()}, nil
}

func (s *Store) AnonChannel(ctx context.Context, chatID int64) (registry.AnonChannelBinding, error) {
	if s == nil || s.pool == nil {
		return registry.AnonChannelBinding{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	out := registry.AnonChannelBinding{ChatID: chatID}
	err := s.pool.QueryRow(ctx, `SELECT topic_id, created_at FROM anon_channels WHERE chat_id = $1`, chatID).Scan(&out.AnonTopicID, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.AnonChannelBinding{}, registry.ErrNoAnonChannel
		}
		return registry.AnonChannelBinding{}, fmt.Errorf("registry/postgres: anon channel: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

func (s *Store) UnbindChat(ctx context.Context, chatID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("registry/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE event_chat_bindings
		SET chat_id = NULL, topic_id = NULL, updated_at = now()
		WHERE chat_id = $1
	`, chatID); err != nil {
		return fmt.Errorf("registry/postgres: unbind chat: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM anon_channels WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("registry/postgres: unbind chat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return nil
}

func dropOrphanAnonChannel(ctx context.Context, tx pgx.Tx, chatID int64) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM anon_channels
		WHERE chat_id = $1
			AND NOT EXISTS (SELECT 1 FROM event_chat_bindings WHERE chat_id = $1)
	`, chatID)
	if err != nil {
		return fmt.Errorf("registry/postgres: drop anon channel: %w", err)
	}
	return nil
}

func scanBinding(row pgx.Row) (registry.EventChatBinding, error) {
	var b registry.EventChatBinding
	if err := row.Scan(&b.EventID, &b.EventName, &b.ChatID, &b.TopicID, &b.UpdatedAt); err != nil {
		return registry.EventChatBinding{}, err
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}
