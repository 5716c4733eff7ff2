package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyLocker serializes work on one key. The returned func releases the lock.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func pairKey(userID, chatID int64) string {
	return fmt.Sprintf("admission/%d/%d", userID, chatID)
}

// KeyedMutex is an in-process KeyLocker. Idle keys are dropped.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, l, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

type LeaseLockerConfig struct {
	// Owner identifies this process; each acquisition appends a unique suffix.
	Owner        string
	TTL          time.Duration
	PollInterval time.Duration
}

// LeaseLocker serializes keys across replicas through a shared lease store. The lease TTL
// bounds how long a crashed holder blocks a key.
type LeaseLocker struct {
	cfg   LeaseLockerConfig
	store KeyLeaseStore
	local *KeyedMutex
	log   *slog.Logger
}

func NewLeaseLocker(cfg LeaseLockerConfig, store KeyLeaseStore, log *slog.Logger) (*LeaseLocker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidConfig)
	}
	cfg.Owner = strings.TrimSpace(cfg.Owner)
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &LeaseLocker{cfg: cfg, store: store, local: NewKeyedMutex(), log: log}, nil
}

func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	// Contention inside one process never reaches the lease store.
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	owner := l.cfg.Owner + "/" + uuid.NewString()

	for {
		ok, err := l.store.Acquire(ctx, key, owner, l.cfg.TTL)
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("admission: acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go l.keepAlive(key, owner, stopRenew, renewDone)

	var once sync.Once
	return func() {
		once.Do(func() {
			defer unlockLocal()
			close(stopRenew)
			<-renewDone
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.store.Release(rctx, key, owner); err != nil {
				l.log.Error("admission release lease", "key", key, "err", err)
			}
		})
	}, nil
}

// keepAlive renews the lease at a third of its TTL until stop is closed, so slow platform calls
// never outlive the lease.
func (l *LeaseLocker) keepAlive(key, owner string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.cfg.TTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL/3)
			err := l.store.Extend(ctx, key, owner, l.cfg.TTL)
			cancel()
			if err != nil {
				l.log.Warn("admission renew lease", "key", key, "err", err)
			}
		}
	}
}
