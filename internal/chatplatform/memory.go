package chatplatform

import (
	"context"
	"fmt"
	"sync"
)

type InviteLink struct {
	ChatID int64
	Name   string
	URL    string
}

type JoinApproval struct {
	ChatID int64
	UserID int64
}

// MemoryPlatform records every call instead of talking to a chat service. It backs local runs
// and tests. It is safe for concurrent use.
type MemoryPlatform struct {
	mu        sync.Mutex
	chats     map[int64]Chat
	admins    map[int64]map[int64]bool
	invites   []InviteLink
	approvals []JoinApproval
	messages  []Message
	// hang makes every call block until its context is done.
	hang bool
}

func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		chats:  make(map[int64]Chat),
		admins: make(map[int64]map[int64]bool),
	}
}

func (m *MemoryPlatform) AddChat(c Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
}

func (m *MemoryPlatform) AddAdmin(chatID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admins[chatID] == nil {
		m.admins[chatID] = make(map[int64]bool)
	}
	m.admins[chatID][userID] = true
}

func (m *MemoryPlatform) SetHang(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang = v
}

func (m *MemoryPlatform) wait(ctx context.Context) error {
	m.mu.Lock()
	hang := m.hang
	m.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MemoryPlatform) CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	url := fmt.Sprintf("https://chat.invalid/+%d-%d", chatID, len(m.invites)+1)
	m.invites = append(m.invites, InviteLink{ChatID: chatID, Name: name, URL: url})
	return url, nil
}

func (m *MemoryPlatform) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, JoinApproval{ChatID: chatID, UserID: userID})
	return nil
}

func (m *MemoryPlatform) SendMessage(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.TopicID != nil {
		topic := *msg.TopicID
		msg.TopicID = &topic
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryPlatform) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	if err := m.wait(ctx); err != nil {
		return Chat{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryPlatform) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admins[chatID][userID], nil
}

func (m *MemoryPlatform) Invites() []InviteLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InviteLink(nil), m.invites...)
}

func (m *MemoryPlatform) Approvals() []JoinApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JoinApproval(nil), m.approvals...)
}

func (m *MemoryPlatform) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
