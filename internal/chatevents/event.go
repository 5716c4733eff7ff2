// Package chatevents turns chat platform callbacks into admission and registry operations.
package chatevents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventVersion        = "ticketgate.chat.event.v1"
	FailureVersion      = "ticketgate.chat.failure.v1"
	DefaultTopic        = "telegram.updates.v1"
	DefaultFailureTopic = "telegram.updates.failed.v1"
)

var (
	ErrInvalidConfig = errors.New("chatevents: invalid config")
	ErrInvalidEvent  = errors.New("chatevents: invalid event")
)

type Kind string

const (
	KindJoinRequest  Kind = "join_request"
	KindMemberStatus Kind = "member_status"
	KindCommand      Kind = "command"
)

// Member statuses as reported by the platform.
const (
	StatusMember        = "member"
	StatusAdministrator = "administrator"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// Event is the queue payload for one platform callback.
type Event struct {
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`
	ChatID  int64  `json:"chatId"`
	UserID  int64  `json:"userId"`

	// member_status
	Status string `json:"status,omitempty"`

	// command
	Text     string `json:"text,omitempty"`
	TopicID  *int64 `json:"topicId,omitempty"`
	ChatType string `json:"chatType,omitempty"`

	At time.Time `json:"at"`
}

// PartitionKey groups a chat's events. Workers handle events sharing a key one at a time in
// queue order.
func (e Event) PartitionKey() []byte {
	return strconv.AppendInt(nil, e.ChatID, 10)
}

func (e Event) Validate() error {
	if e.Version != EventVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, e.Version)
	}
	if e.ChatID == 0 || e.UserID == 0 {
		return fmt.Errorf("%w: chat and user are required", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindJoinRequest:
	case KindMemberStatus:
		if strings.TrimSpace(e.Status) == "" {
			return fmt.Errorf("%w: member_status without status", ErrInvalidEvent)
		}
	case KindCommand:
		if !strings.HasPrefix(strings.TrimSpace(e.Text), "/") {
			return fmt.Errorf("%w: command text must start with /", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func EncodeEvent(e Event) ([]byte, error) {
	if e.Version == "" {
		e.Version = EventVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// FailureMessage parks an event the worker gave up on. Retryable events may be replayed onto
// the input topic as-is.
type FailureMessage struct {
	Version   string `json:"version"`
	Event     Event  `json:"event"`
	Attempts  int    `json:"attempts"`
	Retryable bool   `json:"retryable"`
	Error     string `json:"error"`
}

func EncodeFailureMessage(m FailureMessage) ([]byte, error) {
	if m.Version == "" {
		m.Version = FailureVersion
	}
	if m.Version != FailureVersion {
		return nil, fmt.Errorf("%w: unsupported failure version %q", ErrInvalidEvent, m.Version)
	}
	if err := m.Event.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
