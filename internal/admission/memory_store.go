package admission

import (
	"context"
	"slices"
	"sync"
	"time"
)

type recordKey struct {
	userID int64
	chatID int64
}

// MemoryStore is an in-memory RecordStore intended for unit tests and single-process usage.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[recordKey]Record
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[recordKey]Record),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID, chatID int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{userID, chatID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = s.now().UTC()
	s.records[recordKey{rec.UserID, rec.ChatID}] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, recordKey{userID, chatID})
	return nil
}

func (s *MemoryStore) ChatUsers(_ context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []int64
	for k := range s.records {
		if k.chatID == chatID {
			users = append(users, k.userID)
		}
	}
	slices.Sort(users)
	return users, nil
}
