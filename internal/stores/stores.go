// Package stores opens the persistent stores the binaries share, all on one backend.
package stores

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketgate/ticketgate/internal/admission"
	admissionpg "github.com/ticketgate/ticketgate/internal/admission/postgres"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	anonchanpg "github.com/ticketgate/ticketgate/internal/anonchan/postgres"
	"github.com/ticketgate/ticketgate/internal/registry"
	registrypg "github.com/ticketgate/ticketgate/internal/registry/postgres"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("stores: invalid config")

type Config struct {
	Driver      string
	PostgresDSN string
	// Owner names this replica in admission key leases. Empty picks a random id.
	Owner   string
	LockTTL time.Duration
}

type Set struct {
	Events  registry.Store
	Records admission.RecordStore
	Locker  admission.KeyLocker
	Limits  anonchan.RateLimitStore

	pool *pgxpool.Pool
}

func (s *Set) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Open builds every store on cfg.Driver. Memory stores keep admission locks process-local;
// postgres stores coordinate them across replicas through key leases.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Set, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &Set{
			Events:  registry.NewMemoryStore(nil),
			Records: admission.NewMemoryStore(nil),
			Locker:  admission.NewKeyedMutex(),
			Limits:  anonchan.NewMemoryRateLimitStore(),
		}, nil
	case DriverPostgres, "":
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}

	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", ErrInvalidConfig)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("stores: init pgx pool: %w", err)
	}
	set, err := openPostgres(ctx, pool, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return set, nil
}

func openPostgres(ctx context.Context, pool *pgxpool.Pool, cfg Config, log *slog.Logger) (*Set, error) {
	events, err := registrypg.New(pool)
	if err != nil {
		return nil, err
	}
	records, err := admissionpg.New(pool)
	if err != nil {
		return nil, err
	}
	limits, err := anonchanpg.New(pool)
	if err != nil {
		return nil, err
	}
	schemas := []struct {
		name  string
		store interface{ EnsureSchema(context.Context) error }
	}{
		{"registry", events},
		{"admission", records},
		{"anonchan", limits},
	}
	for _, s := range schemas {
		if err := s.store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("stores: ensure %s schema: %w", s.name, err)
		}
	}
	locker, err := admission.NewLeaseLocker(admission.LeaseLockerConfig{Owner: cfg.Owner, TTL: cfg.LockTTL}, records, log)
	if err != nil {
		return nil, err
	}
	log.Info("postgres stores ready", "lock_ttl", cfg.LockTTL)
	return &Set{Events: events, Records: records, Locker: locker, Limits: limits, pool: pool}, nil
}
