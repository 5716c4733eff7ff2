package anonchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimitStore counts sends per key over a sliding window.
//
// Reserve records one send at now iff fewer than limit sends exist in (now-window, now]. The
// returned id can be passed to Cancel to give the slot back when delivery fails.
type RateLimitStore interface {
	Reserve(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (string, bool, error)
	Cancel(ctx context.Context, key, id string) error
}

var ErrInvalidLimit = errors.New("anonchan: invalid rate limit")

type sendEntry struct {
	id string
	at time.Time
}

// MemoryRateLimitStore is a RateLimitStore for tests and single-process usage.
type MemoryRateLimitStore struct {
	mu   sync.Mutex
	sent map[string][]sendEntry
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{sent: make(map[string][]sendEntry)}
}

func (s *MemoryRateLimitStore) Reserve(_ context.Context, key string, now time.Time, window time.Duration, limit int) (string, bool, error) {
	if key == "" || window <= 0 || limit <= 0 {
		return "", false, fmt.Errorf("%w: key, window and limit are required", ErrInvalidLimit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.sent[key][:0]
	for _, e := range s.sent[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) >= limit {
		s.sent[key] = kept
		return "", false, nil
	}
	id := uuid.NewString()
	s.sent[key] = append(kept, sendEntry{id: id, at: now})
	return id, true, nil
}

func (s *MemoryRateLimitStore) Cancel(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sent[key]
	for i, e := range entries {
		if e.id == id {
			s.sent[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(s.sent[key]) == 0 {
		delete(s.sent, key)
	}
	return nil
}
