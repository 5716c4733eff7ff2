package chatevents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type tgUser struct {
	ID int64 `json:"id"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`

	Message *struct {
		MessageThreadID int64  `json:"message_thread_id"`
		IsTopicMessage  bool   `json:"is_topic_message"`
		Date            int64  `json:"date"`
		Chat            tgChat `json:"chat"`
		From            tgUser `json:"from"`
		Text            string `json:"text"`
	} `json:"message"`

	ChatJoinRequest *struct {
		Chat tgChat `json:"chat"`
		From tgUser `json:"from"`
		Date int64  `json:"date"`
	} `json:"chat_join_request"`

	ChatMember *struct {
		Chat          tgChat `json:"chat"`
		Date          int64  `json:"date"`
		NewChatMember struct {
			Status string `json:"status"`
			User   tgUser `json:"user"`
		} `json:"new_chat_member"`
	} `json:"chat_member"`
}

// FromTelegramUpdate converts a Bot API Update into an Event. ok is false for updates the
// service does not act on.
func FromTelegramUpdate(raw []byte) (Event, bool, error) {
	var u tgUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return Event{}, false, fmt.Errorf("%w: telegram update: %v", ErrInvalidEvent, err)
	}

	var e Event
	switch {
	case u.ChatJoinRequest != nil:
		r := u.ChatJoinRequest
		e = Event{Kind: KindJoinRequest, ChatID: r.Chat.ID, UserID: r.From.ID, ChatType: r.Chat.Type, At: unix(r.Date)}
	case u.ChatMember != nil:
		m := u.ChatMember
		e = Event{
			Kind:     KindMemberStatus,
			ChatID:   m.Chat.ID,
			UserID:   m.NewChatMember.User.ID,
			Status:   m.NewChatMember.Status,
			ChatType: m.Chat.Type,
			At:       unix(m.Date),
		}
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		m := u.Message
		e = Event{Kind: KindCommand, ChatID: m.Chat.ID, UserID: m.From.ID, Text: m.Text, ChatType: m.Chat.Type, At: unix(m.Date)}
		if m.IsTopicMessage && m.MessageThreadID != 0 {
			topic := m.MessageThreadID
			e.TopicID = &topic
		}
	default:
		return Event{}, false, nil
	}
	e.Version = EventVersion
	if err := e.Validate(); err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
