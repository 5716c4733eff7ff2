// Package admission turns verified ticket credentials into chat membership approvals and retires
// verification records once membership is granted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

// EventResolver resolves the chat an event is linked to.
type EventResolver interface {
	ChatForEvent(ctx context.Context, eventID string) (int64, error)
}

type Config struct {
	// CallTimeout bounds each chat platform call.
	CallTimeout time.Duration
}

// Invite is the result of a successful verification.
type Invite struct {
	ChatID    int64
	Link      string
	BindingID string
}

type Gate struct {
	events   EventResolver
	store    RecordStore
	platform chatplatform.Platform
	locker   KeyLocker
	log      *slog.Logger
}

func New(cfg Config, events EventResolver, store RecordStore, platform chatplatform.Platform, locker KeyLocker, log *slog.Logger) (*Gate, error) {
	if events == nil || store == nil || platform == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Gate{
		events:   events,
		store:    store,
		platform: chatplatform.WithTimeout(platform, cfg.CallTimeout),
		locker:   locker,
		log:      log,
	}, nil
}

// effects carries the inputs and intermediate results of one action sequence.
type effects struct {
	userID    int64
	chatID    int64
	eventID   string
	bindingID string
	link      string
}

// HandleVerificationSuccess records that userID may join the chat of cred's event and sends an
// invite link that produces a join request.
func (g *Gate) HandleVerificationSuccess(ctx context.Context, cred verifier.VerifiedCredential, userID int64) (Invite, error) {
	if userID == 0 {
		return Invite{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	chatID, err := g.events.ChatForEvent(ctx, cred.EventID)
	if err != nil {
		return Invite{}, err
	}

	unlock, err := g.locker.Lock(ctx, pairKey(userID, chatID))
	if err != nil {
		return Invite{}, err
	}
	defer unlock()

	state, err := g.state(ctx, userID, chatID)
	if err != nil {
		return Invite{}, err
	}
	_, actions := Transition(state, VerificationSucceeded{})
	e := &effects{
		userID:    userID,
		chatID:    chatID,
		eventID:   cred.EventID,
		bindingID: uuid.NewString(),
	}
	if err := g.apply(ctx, e, actions); err != nil {
		return Invite{}, err
	}
	g.log.Info("admission verified", "user_id", userID, "chat_id", chatID, "event_id", cred.EventID)
	return Invite{ChatID: chatID, Link: e.link, BindingID: e.bindingID}, nil
}

// HandleJoinRequest approves the request iff a verification record exists. Requests without a
// record are ignored: (false, nil).
func (g *Gate) HandleJoinRequest(ctx context.Context, userID, chatID int64) (bool, error) {
	unlock, err := g.locker.Lock(ctx, pairKey(userID, chatID))
	if err != nil {
		return false, err
	}
	defer unlock()

	state, err := g.state(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	_, actions := Transition(state, JoinRequested{})
	if len(actions) == 0 {
		g.log.Info("admission join request ignored", "user_id", userID, "chat_id", chatID)
		return false, nil
	}
	if err := g.apply(ctx, &effects{userID: userID, chatID: chatID}, actions); err != nil {
		return false, err
	}
	g.log.Info("admission join approved", "user_id", userID, "chat_id", chatID)
	return true, nil
}

// HandleMembershipGranted deletes the verification record for the pair. A future rejoin must
// verify again.
func (g *Gate) HandleMembershipGranted(ctx context.Context, userID, chatID int64) error {
	return g.retire(ctx, userID, chatID, MembershipGranted{})
}

// HandleUnlink retires every verification record of a chat that no longer gates any event.
// It returns the number of records retired before any error.
func (g *Gate) HandleUnlink(ctx context.Context, chatID int64) (int, error) {
	users, err := g.store.ChatUsers(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("admission: list chat records: %w", err)
	}
	n := 0
	for _, userID := range users {
		if err := g.retire(ctx, userID, chatID, Unlinked{}); err != nil {
			return n, err
		}
		n++
	}
	g.log.Info("admission chat unlinked", "chat_id", chatID, "records_deleted", n)
	return n, nil
}

func (g *Gate) retire(ctx context.Context, userID, chatID int64, in Input) error {
	unlock, err := g.locker.Lock(ctx, pairKey(userID, chatID))
	if err != nil {
		return err
	}
	defer unlock()

	state, err := g.state(ctx, userID, chatID)
	if err != nil {
		return err
	}
	_, actions := Transition(state, in)
	return g.apply(ctx, &effects{userID: userID, chatID: chatID}, actions)
}

func (g *Gate) state(ctx context.Context, userID, chatID int64) (State, error) {
	rec, err := g.store.Get(ctx, userID, chatID)
	if errors.Is(err, ErrNotFound) {
		return StateUnverified, nil
	}
	if err != nil {
		return StateUnverified, fmt.Errorf("admission: get record: %w", err)
	}
	if !rec.Verified {
		return StateUnverified, nil
	}
	return StateVerified, nil
}

func (g *Gate) apply(ctx context.Context, e *effects, actions []Action) error {
	for _, a := range actions {
		switch a.(type) {
		case CreateInvite:
			link, err := g.platform.CreateInviteLink(ctx, e.chatID, "ticketgate "+e.bindingID[:8])
			if err != nil {
				return fmt.Errorf("admission: create invite link: %w", err)
			}
			e.link = link
		case UpsertRecord:
			if err := g.store.Upsert(ctx, Record{
				UserID:    e.userID,
				ChatID:    e.chatID,
				Verified:  true,
				BindingID: e.bindingID,
				EventID:   e.eventID,
			}); err != nil {
				return fmt.Errorf("admission: upsert record: %w", err)
			}
		case SendInvite:
			g.notify(ctx, e.userID, "Your ticket is verified. Use this link to request to join: "+e.link)
		case ApproveJoin:
			if err := g.platform.ApproveJoinRequest(ctx, e.chatID, e.userID); err != nil {
				return fmt.Errorf("admission: approve join request: %w", err)
			}
		case NotifyApproved:
			g.notify(ctx, e.userID, "Your join request was approved. Welcome!")
		case DeleteRecord:
			if err := g.store.Delete(ctx, e.userID, e.chatID); err != nil {
				return fmt.Errorf("admission: delete record: %w", err)
			}
		default:
			return fmt.Errorf("admission: unknown action %T", a)
		}
	}
	return nil
}

// notify sends a direct message. Delivery failures are logged only: the admission decision has
// already been made.
func (g *Gate) notify(ctx context.Context, userID int64, text string) {
	if err := g.platform.SendMessage(ctx, chatplatform.Message{ChatID: userID, Text: text}); err != nil {
		g.log.Warn("admission notify user", "user_id", userID, "err", err)
	}
}
