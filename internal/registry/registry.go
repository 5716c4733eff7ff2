// Package registry maps ticketed events to the chats (and chat topics) they gate, and records
// the anonymous sub-channel bound to each chat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("registry: invalid input")
	ErrNotFound       = errors.New("registry: not found")
	ErrEventNotLinked = errors.New("registry: event not linked")
	ErrTopicTaken     = errors.New("registry: chat topic already linked to another event")
	ErrAlreadyBound   = errors.New("registry: anon channel already bound")
	ErrNoAnonChannel  = errors.New("registry: no anon channel")
)

// EventChatBinding is one row per event. ChatID and TopicID are nil while the event is unlinked.
type EventChatBinding struct {
	EventID   string
	EventName string
	ChatID    *int64
	TopicID   *int64
	UpdatedAt time.Time
}

func (b EventChatBinding) Linked() bool { return b.ChatID != nil }

// AnonChannelBinding is immutable once created.
type AnonChannelBinding struct {
	ChatID      int64
	AnonTopicID int64
	CreatedAt   time.Time
}

// Store semantics:
//   - LinkEvent upserts the event row; (chat, topic) pairs are unique when a topic is set.
//   - UnlinkEvent clears the chat of an event. When the chat has no linked event left its anon
//     channel binding is removed with it.
//   - BindAnonChannel requires at least one event linked to the chat.
type Store interface {
	LinkEvent(ctx context.Context, eventID, eventName string, chatID int64, topicID *int64) (EventChatBinding, error)
	UnlinkEvent(ctx context.Context, eventID string) (EventChatBinding, error)
	ChatForEvent(ctx context.Context, eventID string) (int64, error)
	Event(ctx context.Context, eventID string) (EventChatBinding, error)
	EventRegistered(ctx context.Context, eventID string) (bool, error)
	EventsForChat(ctx context.Context, chatID int64) ([]EventChatBinding, error)

	BindAnonChannel(ctx context.Context, chatID, topicID int64) (AnonChannelBinding, error)
	AnonChannel(ctx context.Context, chatID int64) (AnonChannelBinding, error)
	UnbindChat(ctx context.Context, chatID int64) error
}

func NormalizeEventID(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", fmt.Errorf("%w: empty event id", ErrInvalidInput)
	}
	if len(eventID) > 256 {
		return "", fmt.Errorf("%w: event id too long", ErrInvalidInput)
	}
	return eventID, nil
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func CloneBinding(b EventChatBinding) EventChatBinding {
	b.ChatID = cloneInt64(b.ChatID)
	b.TopicID = cloneInt64(b.TopicID)
	return b
}
