package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLeaseLost means the holder no longer owns the lease it tried to extend.
var ErrLeaseLost = errors.New("admission: lease lost")

// KeyLeaseStore hands out expiring admission key leases shared between replicas.
//
// Acquire succeeds when key is free, expired, or already held by holder. Release only drops a
// lease holder owns and is otherwise a no-op.
type KeyLeaseStore interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, holder string, ttl time.Duration) error
	Release(ctx context.Context, key, holder string) error
}

func checkLease(key, holder string, ttl time.Duration) error {
	switch {
	case key == "" || holder == "":
		return fmt.Errorf("%w: lease key and holder are required", ErrInvalidInput)
	case ttl <= 0:
		return fmt.Errorf("%w: lease ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

type keyLease struct {
	holder  string
	expires time.Time
}

// MemoryLeaseStore is a KeyLeaseStore for a single process and for tests.
type MemoryLeaseStore struct {
	mu   sync.Mutex
	now  func() time.Time
	held map[string]keyLease
}

func NewMemoryLeaseStore(now func() time.Time) *MemoryLeaseStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeaseStore{now: now, held: make(map[string]keyLease)}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := checkLease(key, holder, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.held[key]; ok && cur.holder != holder && cur.expires.After(now) {
		return false, nil
	}
	s.held[key] = keyLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Extend also revives an expired lease nobody else has taken yet.
func (s *MemoryLeaseStore) Extend(_ context.Context, key, holder string, ttl time.Duration) error {
	if err := checkLease(key, holder, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.held[key]
	if !ok || cur.holder != holder {
		return ErrLeaseLost
	}
	cur.expires = s.now().Add(ttl)
	s.held[key] = cur
	return nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.held[key]; ok && cur.holder == holder {
		delete(s.held, key)
	}
	return nil
}

// Holder reports who holds key, ignoring expiry. Empty when the key is free.
func (s *MemoryLeaseStore) Holder(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[key].holder
}
