// Package anonchan routes anonymous, proof-authenticated messages into the anonymous topic bound
// to an event's chat. Messages carry no sender metadata.
package anonchan

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ticketgate/ticketgate/internal/blobstore"
	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/registry"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

const (
	DefaultMaxMessagesPerDay = 3
	MaxMessageRunes          = 4096

	rateLimitWindow = 24 * time.Hour
)

var (
	ErrInvalidConfig             = errors.New("anonchan: invalid config")
	ErrInvalidMessage            = errors.New("anonchan: invalid message")
	ErrExternalNullifierMismatch = errors.New("anonchan: external nullifier mismatch")
	ErrRateLimited               = errors.New("anonchan: rate limited")
)

// Verifier is the subset of verifier.Verifier the binder needs.
type Verifier interface {
	Verify(ctx context.Context, raw []byte, exp verifier.Expectation) (verifier.VerifiedCredential, error)
}

// Channels is the subset of the event registry the binder needs.
type Channels interface {
	ChatForEvent(ctx context.Context, eventID string) (int64, error)
	BindAnonChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error)
	AnonChannel(ctx context.Context, chatID int64) (registry.AnonChannelBinding, error)
}

type Config struct {
	MaxMessagesPerDay int
	CallTimeout       time.Duration

	// Archive is optional; forwarded messages are written under ArchivePrefix.
	Archive       blobstore.Store
	ArchivePrefix string

	Now func() time.Time
}

// Delivery describes a forwarded message.
type Delivery struct {
	EventID     string
	ChatID      int64
	AnonTopicID int64
	SentAt      time.Time
}

type Binder struct {
	cfg      Config
	verifier Verifier
	channels Channels
	platform chatplatform.Platform
	limits   RateLimitStore
	log      *slog.Logger
}

func New(cfg Config, v Verifier, channels Channels, platform chatplatform.Platform, limits RateLimitStore, log *slog.Logger) (*Binder, error) {
	if v == nil || channels == nil || platform == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxMessagesPerDay < 0 {
		return nil, fmt.Errorf("%w: max messages per day must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxMessagesPerDay == 0 {
		cfg.MaxMessagesPerDay = DefaultMaxMessagesPerDay
	}
	if limits == nil {
		limits = NewMemoryRateLimitStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.ArchivePrefix = strings.Trim(strings.TrimSpace(cfg.ArchivePrefix), "/")
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "anon-messages"
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Binder{
		cfg:      cfg,
		verifier: v,
		channels: channels,
		platform: chatplatform.WithTimeout(platform, cfg.CallTimeout),
		limits:   limits,
		log:      log,
	}, nil
}

// BindChannel designates topicID as the anonymous channel of chatID. A chat is bound at most once.
func (b *Binder) BindChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error) {
	return bindChannel(ctx, b.channels, b.log, chatID, topicID)
}

// ChannelBindings is the registry surface needed to bind anonymous channels.
type ChannelBindings interface {
	BindAnonChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error)
}

// ChannelBinder binds anonymous channels without sending through them. Bot workers use it where
// no verifier is configured.
type ChannelBinder struct {
	channels ChannelBindings
	log      *slog.Logger
}

func NewChannelBinder(channels ChannelBindings, log *slog.Logger) (*ChannelBinder, error) {
	if channels == nil {
		return nil, fmt.Errorf("%w: nil channel store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ChannelBinder{channels: channels, log: log}, nil
}

func (c *ChannelBinder) BindChannel(ctx context.Context, chatID, topicID int64) (registry.AnonChannelBinding, error) {
	return bindChannel(ctx, c.channels, c.log, chatID, topicID)
}

func bindChannel(ctx context.Context, channels ChannelBindings, log *slog.Logger, chatID, topicID int64) (registry.AnonChannelBinding, error) {
	binding, err := channels.BindAnonChannel(ctx, chatID, topicID)
	if err != nil {
		return registry.AnonChannelBinding{}, err
	}
	log.Info("anon channel bound", "chat_id", chatID, "topic_id", topicID)
	return binding, nil
}

// Send verifies that proof authorizes exactly message and forwards message to the anonymous
// channel of the proof's event chat.
func (b *Binder) Send(ctx context.Context, proof []byte, message string) (Delivery, error) {
	if err := ValidateMessage(message); err != nil {
		return Delivery{}, err
	}

	cred, err := b.verifier.Verify(ctx, proof, verifier.Expectation{
		Watermark:              verifier.MessageWatermark(message),
		AcceptRegisteredEvents: true,
	})
	if err != nil {
		return Delivery{}, err
	}
	if cred.ExternalNullifier == nil || cred.ExternalNullifier.Cmp(ExternalNullifier(cred.EventID)) != 0 {
		return Delivery{}, ErrExternalNullifierMismatch
	}

	chatID, err := b.channels.ChatForEvent(ctx, cred.EventID)
	if err != nil {
		return Delivery{}, err
	}
	channel, err := b.channels.AnonChannel(ctx, chatID)
	if err != nil {
		return Delivery{}, err
	}

	now := b.cfg.Now().UTC()
	limitKey := fmt.Sprintf("%s/%d", cred.NullifierHash.Hex(), chatID)
	slot, ok, err := b.limits.Reserve(ctx, limitKey, now, rateLimitWindow, b.cfg.MaxMessagesPerDay)
	if err != nil {
		return Delivery{}, fmt.Errorf("anonchan: rate limit: %w", err)
	}
	if !ok {
		return Delivery{}, fmt.Errorf("%w: at most %d messages per day", ErrRateLimited, b.cfg.MaxMessagesPerDay)
	}

	topic := channel.AnonTopicID
	if err := b.platform.SendMessage(ctx, chatplatform.Message{ChatID: chatID, TopicID: &topic, Text: message}); err != nil {
		if cerr := b.limits.Cancel(context.WithoutCancel(ctx), limitKey, slot); cerr != nil {
			b.log.Warn("anonchan release rate limit slot", "err", cerr)
		}
		return Delivery{}, fmt.Errorf("anonchan: send message: %w", err)
	}

	d := Delivery{EventID: cred.EventID, ChatID: chatID, AnonTopicID: topic, SentAt: now}
	b.archive(ctx, d, cred, message)
	b.log.Info("anon message forwarded", "chat_id", chatID, "topic_id", topic, "event_id", cred.EventID)
	return d, nil
}

// ValidateMessage rejects empty and oversized messages.
func ValidateMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	if !utf8.ValidString(message) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(message); n > MaxMessageRunes {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidMessage, n, MaxMessageRunes)
	}
	return nil
}

// ExternalNullifier is the external nullifier anonymous message proofs for eventID must use, so
// that one ticket yields one stable nullifier hash per event. It is derived like the message
// watermark: the first 8 bytes of SHA-256("ticketgate-anon:" + eventID).
func ExternalNullifier(eventID string) *big.Int {
	sum := sha256.Sum256([]byte("ticketgate-anon:" + eventID))
	return new(big.Int).SetBytes(sum[:verifier.MessageWatermarkBytes])
}

type archivedMessage struct {
	Version       string `json:"version"`
	EventID       string `json:"eventId"`
	ChatID        int64  `json:"chatId"`
	TopicID       int64  `json:"topicId"`
	NullifierHash string `json:"nullifierHash"`
	Message       string `json:"message"`
	SentAt        string `json:"sentAt"`
}

// archive failures are logged; delivery already happened.
func (b *Binder) archive(ctx context.Context, d Delivery, cred verifier.VerifiedCredential, message string) {
	if b.cfg.Archive == nil {
		return
	}
	payload, err := json.Marshal(archivedMessage{
		Version:       "ticketgate.anon.message.v1",
		EventID:       d.EventID,
		ChatID:        d.ChatID,
		TopicID:       d.AnonTopicID,
		NullifierHash: cred.NullifierHash.Hex(),
		Message:       message,
		SentAt:        d.SentAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		b.log.Error("anonchan encode archive", "err", err)
		return
	}
	if err := b.cfg.Archive.Create(ctx, ArchiveKey(b.cfg.ArchivePrefix, d, cred), blobstore.Object{
		Data:        payload,
		ContentType: "application/json",
		Metadata:    map[string]string{"event-id": d.EventID},
	}); err != nil {
		b.log.Error("anonchan archive message", "chat_id", d.ChatID, "err", err)
	}
}

// ArchiveKey is <prefix>/<chatID>/<yyyy-mm-dd>/<unix nanos>-<nullifier prefix>.json.
func ArchiveKey(prefix string, d Delivery, cred verifier.VerifiedCredential) string {
	nullifier := strings.TrimPrefix(cred.NullifierHash.Hex(), "0x")
	return fmt.Sprintf("%s/%d/%s/%d-%s.json", prefix, d.ChatID, d.SentAt.Format("2006-01-02"), d.SentAt.UnixNano(), nullifier[:16])
}
