package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketgate/ticketgate/internal/admission"
)

var _ admission.KeyLeaseStore = (*Store)(nil)

// Lease expiry is judged by the database clock so replicas with skewed clocks agree.

func (s *Store) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key == "" || holder == "" || ttl <= 0 {
		return false, fmt.Errorf("%w: lease key, holder and ttl are required", admission.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO admission_key_leases (lease_key, holder, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (lease_key) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE admission_key_leases.expires_at <= now() OR admission_key_leases.holder = EXCLUDED.holder
	`, key, holder, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("admission/postgres: acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Extend(ctx context.Context, key, holder string, ttl time.Duration) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: lease ttl must be > 0", admission.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE admission_key_leases
		SET expires_at = now() + make_interval(secs => $3)
		WHERE lease_key = $1 AND holder = $2
	`, key, holder, leaseSeconds(ttl))
	if err != nil {
		return fmt.Errorf("admission/postgres: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return admission.ErrLeaseLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM admission_key_leases WHERE lease_key = $1 AND holder = $2`, key, holder); err != nil {
		return fmt.Errorf("admission/postgres: release lease: %w", err)
	}
	return nil
}

// leaseSeconds keeps sub-millisecond TTLs from expiring on creation.
func leaseSeconds(ttl time.Duration) float64 {
	return max(ttl, time.Millisecond).Seconds()
}
