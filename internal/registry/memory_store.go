package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	events map[string]EventChatBinding
	anon   map[int64]AnonChannelBinding
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		events: make(map[string]EventChatBinding),
		anon:   make(map[int64]AnonChannelBinding),
	}
}

func (s *MemoryStore) LinkEvent(_ context.Context, eventID, eventName string, chatID int64, topicID *int64) (EventChatBinding, error) {
	eventID, err := NormalizeEventID(eventID)
	if err != nil {
		return EventChatBinding{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if topicID != nil {
		for id, b := range s.events {
			if id == eventID || b.ChatID == nil || b.TopicID == nil {
				continue
			}
			if *b.ChatID == chatID && *b.TopicID == *topicID {
				return EventChatBinding{}, fmt.Errorf("%w: %s", ErrTopicTaken, id)
			}
		}
	}

	b := s.events[eventID]
	prevChat := cloneInt64(b.ChatID)
	b.EventID = eventID
	if name := strings.TrimSpace(eventName); name != "" {
		b.EventName = name
	}
	b.ChatID = &chatID
	b.TopicID = cloneInt64(topicID)
	b.UpdatedAt = s.now().UTC()
	s.events[eventID] = b

	// Moving the last event away from a chat drops that chat's anon channel.
	if prevChat != nil && *prevChat != chatID && !s.chatHasLinkedEventLocked(*prevChat) {
		delete(s.anon, *prevChat)
	}
	return CloneBinding(b), nil
}

func (s *MemoryStore) UnlinkEvent(_ context.Context, eventID string) (EventChatBinding, error) {
	eventID, err := NormalizeEventID(eventID)
	if err != nil {
		return EventChatBinding{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.events[eventID]
	if !ok || b.ChatID == nil {
		return EventChatBinding{}, ErrEventNotLinked
	}
	prev := CloneBinding(b)
	chatID := *b.ChatID
	b.ChatID = nil
	b.TopicID = nil
	b.UpdatedAt = s.now().UTC()
	s.events[eventID] = b

	if !s.chatHasLinkedEventLocked(chatID) {
		delete(s.anon, chatID)
	}
	return prev, nil
}

func (s *MemoryStore) ChatForEvent(_ context.Context, eventID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.events[strings.TrimSpace(eventID)]
	if !ok || b.ChatID == nil {
		return 0, ErrEventNotLinked
	}
	return *b.ChatID, nil
}

func (s *MemoryStore) Event(_ context.Context, eventID string) (EventChatBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.events[strings.TrimSpace(eventID)]
	if !ok {
		return EventChatBinding{}, ErrNotFound
	}
	return CloneBinding(b), nil
}

func (s *MemoryStore) EventRegistered(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.events[strings.TrimSpace(eventID)]
	return ok, nil
}

func (s *MemoryStore) EventsForChat(_ context.Context, chatID int64) ([]EventChatBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EventChatBinding
	for _, b := range s.events {
		if b.ChatID != nil && *b.ChatID == chatID {
			out = append(out, CloneBinding(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *MemoryStore) BindAnonChannel(_ context.Context, chatID, topicID int64) (AnonChannelBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.anon[chatID]; ok {
		return existing, ErrAlreadyBound
	}
	if !s.chatHasLinkedEventLocked(chatID) {
		return AnonChannelBinding{}, ErrEventNotLinked
	}
	b := AnonChannelBinding{
		ChatID:      chatID,
		AnonTopicID: topicID,
		CreatedAt:   s.now().UTC(),
	}
	s.anon[chatID] = b
	return b, nil
}

func (s *MemoryStore) AnonChannel(_ context.Context, chatID int64) (AnonChannelBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.anon[chatID]
	if !ok {
		return AnonChannelBinding{}, ErrNoAnonChannel
	}
	return b, nil
}

func (s *MemoryStore) UnbindChat(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for id, b := range s.events {
		if b.ChatID != nil && *b.ChatID == chatID {
			b.ChatID = nil
			b.TopicID = nil
			b.UpdatedAt = now
			s.events[id] = b
		}
	}
	delete(s.anon, chatID)
	return nil
}

func (s *MemoryStore) chatHasLinkedEventLocked(chatID int64) bool {
	for _, b := range s.events {
		if b.ChatID != nil && *b.ChatID == chatID {
			return true
		}
	}
	return false
}
