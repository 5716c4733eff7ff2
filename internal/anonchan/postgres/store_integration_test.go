//go:build integration

package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ticketgate/ticketgate/internal/pgtest"
)

func TestRateLimitStore_ReserveCancel(t *testing.T) {
	pool := pgtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Concurrent reservations never exceed the limit.
	var (
		granted atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, "n1:-100", now, 24*time.Hour, 3)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := granted.Load(); got != 3 {
		t.Fatalf("granted: got %d want 3", got)
	}

	id, ok, err := s.Reserve(ctx, "n2:-100", now, 24*time.Hour, 1)
	if err != nil || !ok {
		t.Fatalf("Reserve n2: got (%v, %v)", ok, err)
	}
	if err := s.Cancel(ctx, "n2:-100", id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, err := s.Reserve(ctx, "n2:-100", now, 24*time.Hour, 1); err != nil || !ok {
		t.Fatalf("Reserve after cancel: got (%v, %v)", ok, err)
	}

	// Window expiry.
	if _, ok, err := s.Reserve(ctx, "n1:-100", now.Add(24*time.Hour), 24*time.Hour, 3); err != nil || !ok {
		t.Fatalf("Reserve after window: got (%v, %v)", ok, err)
	}
}
