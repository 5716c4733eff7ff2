package chatevents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/registry"
)

// Gate is the subset of the admission gate driven by callbacks.
type Gate interface {
	HandleJoinRequest(ctx context.Context, userID, chatID int64) (bool, error)
	HandleMembershipGranted(ctx context.Context, userID, chatID int64) error
	HandleUnlink(ctx context.Context, chatID int64) (int, error)
}

// Registry is the subset of the event registry the bot commands mutate.
type Registry interface {
	LinkEvent(ctx context.Context, eventID, eventName string, chatID int64, topicID *int64) (registry.EventChatBinding, error)
	UnlinkEvent(ctx context.Context, eventID string) (registry.EventChatBinding, error)
	Event(ctx context.Context, eventID string) (registry.EventChatBinding, error)
	EventsForChat(ctx context.Context, chatID int64) ([]registry.EventChatBinding, error)
}

// ChannelBinder designates a chat's anonymous topic.
type ChannelBinder interface {
	BindChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error)
}

// Outcome is what handling one event did, for logs and metrics.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRetired  Outcome = "retired"
	OutcomeReplied  Outcome = "replied"
	OutcomeRejected Outcome = "rejected"
)

const helpText = "Send your ticket proof to the verification page to receive an invite.\n" +
	"Admins: /link <eventId> [name], /unlink <eventId>, /anonchannel (inside the topic), /events"

// Dispatcher routes decoded events. User mistakes are answered in chat and are not errors;
// returned errors are infrastructure failures.
type Dispatcher struct {
	gate     Gate
	events   Registry
	binder   ChannelBinder
	platform chatplatform.Platform
	log      *slog.Logger
}

func NewDispatcher(gate Gate, events Registry, binder ChannelBinder, platform chatplatform.Platform, log *slog.Logger) (*Dispatcher, error) {
	if gate == nil || events == nil || binder == nil || platform == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{gate: gate, events: events, binder: binder, platform: platform, log: log}, nil
}

func (d *Dispatcher) Handle(ctx context.Context, e Event) (Outcome, error) {
	switch e.Kind {
	case KindJoinRequest:
		ok, err := d.gate.HandleJoinRequest(ctx, e.UserID, e.ChatID)
		if err != nil {
			return "", err
		}
		if ok {
			return OutcomeApproved, nil
		}
		return OutcomeIgnored, nil
	case KindMemberStatus:
		if e.Status != StatusMember {
			return OutcomeIgnored, nil
		}
		if err := d.gate.HandleMembershipGranted(ctx, e.UserID, e.ChatID); err != nil {
			return "", err
		}
		return OutcomeRetired, nil
	case KindCommand:
		return d.handleCommand(ctx, e, ParseCommand(e.Text))
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, e Event, cmd Command) (Outcome, error) {
	switch c := cmd.(type) {
	case Start:
		return d.reply(ctx, e, helpText)
	case Events:
		return d.listEvents(ctx, e)
	case Unknown:
		if c.Name == "" && c.Reason == "not a command" {
			return OutcomeIgnored, nil
		}
		return d.reply(ctx, e, c.Reason)
	}

	ok, err := d.platform.IsChatAdmin(ctx, e.ChatID, e.UserID)
	if err != nil {
		return "", fmt.Errorf("chatevents: admin check: %w", err)
	}
	if !ok {
		return d.reject(ctx, e, "Only chat admins can do that.")
	}

	switch c := cmd.(type) {
	case Link:
		return d.link(ctx, e, c)
	case Unlink:
		return d.unlink(ctx, e, c)
	case AnonChannel:
		return d.bindAnon(ctx, e)
	default:
		return "", fmt.Errorf("chatevents: unhandled command %T", cmd)
	}
}

func (d *Dispatcher) link(ctx context.Context, e Event, c Link) (Outcome, error) {
	chat, err := d.platform.GetChat(ctx, e.ChatID)
	if err != nil {
		return "", fmt.Errorf("chatevents: get chat: %w", err)
	}
	if err := chatplatform.EnsureGroupChat(chat); err != nil {
		return d.reject(ctx, e, "Events can only be linked to groups and channels.")
	}
	b, err := d.events.LinkEvent(ctx, c.EventID, c.Name, e.ChatID, e.TopicID)
	switch {
	case errors.Is(err, registry.ErrTopicTaken):
		return d.reject(ctx, e, "This topic is already linked to another event.")
	case errors.Is(err, registry.ErrInvalidInput):
		return d.reject(ctx, e, "Invalid event id.")
	case err != nil:
		return "", err
	}
	d.log.Info("event linked", "event_id", b.EventID, "chat_id", e.ChatID, "by", e.UserID)
	return d.reply(ctx, e, fmt.Sprintf("Linked event %s.", displayName(b)))
}

func (d *Dispatcher) unlink(ctx context.Context, e Event, c Unlink) (Outcome, error) {
	b, err := d.events.Event(ctx, c.EventID)
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrInvalidInput) || (err == nil && (b.ChatID == nil || *b.ChatID != e.ChatID)) {
		return d.reject(ctx, e, "That event is not linked to this chat.")
	}
	if err != nil {
		return "", err
	}
	if _, err := d.events.UnlinkEvent(ctx, b.EventID); err != nil {
		return "", err
	}
	remaining, err := d.events.EventsForChat(ctx, e.ChatID)
	if err != nil {
		return "", err
	}
	if len(remaining) == 0 {
		n, err := d.gate.HandleUnlink(ctx, e.ChatID)
		if err != nil {
			return "", err
		}
		d.log.Info("chat ungated", "chat_id", e.ChatID, "records_dropped", n)
	}
	d.log.Info("event unlinked", "event_id", b.EventID, "chat_id", e.ChatID, "by", e.UserID)
	return d.reply(ctx, e, fmt.Sprintf("Unlinked event %s.", displayName(b)))
}

func (d *Dispatcher) bindAnon(ctx context.Context, e Event) (Outcome, error) {
	if e.TopicID == nil {
		return d.reject(ctx, e, "Send /anonchannel inside the topic that should receive anonymous messages.")
	}
	_, err := d.binder.BindChannel(ctx, e.ChatID, *e.TopicID)
	switch {
	case errors.Is(err, registry.ErrAlreadyBound):
		return d.reject(ctx, e, "This chat already has an anonymous channel.")
	case errors.Is(err, registry.ErrEventNotLinked):
		return d.reject(ctx, e, "Link an event to this chat first.")
	case err != nil:
		return "", err
	}
	return d.reply(ctx, e, "Anonymous messages for this chat will be posted here.")
}

func (d *Dispatcher) listEvents(ctx context.Context, e Event) (Outcome, error) {
	bs, err := d.events.EventsForChat(ctx, e.ChatID)
	if err != nil {
		return "", err
	}
	if len(bs) == 0 {
		return d.reply(ctx, e, "No events are linked to this chat.")
	}
	names := make([]string, 0, len(bs))
	for _, b := range bs {
		names = append(names, "- "+displayName(b))
	}
	sort.Strings(names)
	return d.reply(ctx, e, "Linked events:\n"+strings.Join(names, "\n"))
}

func (d *Dispatcher) reject(ctx context.Context, e Event, text string) (Outcome, error) {
	if _, err := d.reply(ctx, e, text); err != nil {
		return "", err
	}
	return OutcomeRejected, nil
}

// reply answers in the chat and topic the command came from. Delivery failures are logged.
func (d *Dispatcher) reply(ctx context.Context, e Event, text string) (Outcome, error) {
	if err := d.platform.SendMessage(ctx, chatplatform.Message{ChatID: e.ChatID, TopicID: e.TopicID, Text: text}); err != nil {
		d.log.Warn("chatevents reply", "chat_id", e.ChatID, "err", err)
	}
	return OutcomeReplied, nil
}

func displayName(b registry.EventChatBinding) string {
	if b.EventName == "" {
		return b.EventID
	}
	return fmt.Sprintf("%s (%s)", b.EventName, b.EventID)
}
