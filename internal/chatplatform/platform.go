// Package chatplatform abstracts the chat service the admission and anonymous messaging flows
// act on. Concrete clients live in subpackages.
package chatplatform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput = errors.New("chatplatform: invalid input")
	ErrTimeout      = errors.New("chatplatform: timeout")
	ErrChatType     = errors.New("chatplatform: chat is not a group or channel")
	ErrNotFound     = errors.New("chatplatform: not found")
)

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

type Chat struct {
	ID      int64
	Type    ChatType
	Title   string
	IsForum bool
}

// Message is an outbound text message. It carries no sender metadata; the bot is the author.
type Message struct {
	ChatID  int64
	TopicID *int64
	Text    string
}

func (m Message) Validate() error {
	if m.ChatID == 0 {
		return fmt.Errorf("%w: missing chat id", ErrInvalidInput)
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	return nil
}

// Platform is the set of chat service capabilities the core needs.
//
// CreateInviteLink always creates a link that produces a join request rather than immediate
// membership.
type Platform interface {
	CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error)
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	SendMessage(ctx context.Context, msg Message) error
	GetChat(ctx context.Context, chatID int64) (Chat, error)
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// EnsureGroupChat rejects chats that cannot gate membership.
func EnsureGroupChat(c Chat) error {
	switch c.Type {
	case ChatGroup, ChatSupergroup, ChatChannel:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrChatType, c.Type)
	}
}
