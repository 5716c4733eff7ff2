package chatplatform

import (
	"context"
	"fmt"
	"time"
)

const DefaultCallTimeout = 10 * time.Second

type timeoutPlatform struct {
	next Platform
	d    time.Duration
}

// WithTimeout bounds every call on p by d. A call still running at the deadline is abandoned
// and reported as ErrTimeout, even if the underlying client ignores its context.
func WithTimeout(p Platform, d time.Duration) Platform {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	if tp, ok := p.(*timeoutPlatform); ok {
		p = tp.next
	}
	return &timeoutPlatform{next: p, d: d}
}

func (t *timeoutPlatform) CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error) {
	return bounded(ctx, t.d, "create invite link", func(ctx context.Context) (string, error) {
		return t.next.CreateInviteLink(ctx, chatID, name)
	})
}

func (t *timeoutPlatform) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	_, err := bounded(ctx, t.d, "approve join request", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.ApproveJoinRequest(ctx, chatID, userID)
	})
	return err
}

func (t *timeoutPlatform) SendMessage(ctx context.Context, msg Message) error {
	_, err := bounded(ctx, t.d, "send message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.SendMessage(ctx, msg)
	})
	return err
}

func (t *timeoutPlatform) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	return bounded(ctx, t.d, "get chat", func(ctx context.Context) (Chat, error) {
		return t.next.GetChat(ctx, chatID)
	})
}

func (t *timeoutPlatform) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return bounded(ctx, t.d, "is chat admin", func(ctx context.Context) (bool, error) {
		return t.next.IsChatAdmin(ctx, chatID, userID)
	})
}

type result[T any] struct {
	v   T
	err error
}

func bounded[T any](parent context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
			return zero, fmt.Errorf("%w: %s after %s", ErrTimeout, op, d)
		}
		return r.v, r.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, fmt.Errorf("%w: %s after %s", ErrTimeout, op, d)
	}
}
