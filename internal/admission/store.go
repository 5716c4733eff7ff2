package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("admission: invalid config")
	ErrInvalidInput  = errors.New("admission: invalid input")
	ErrNotFound      = errors.New("admission: not found")
)

// Record is a verification record: proof that the user passed verification for the chat.
type Record struct {
	UserID    int64
	ChatID    int64
	Verified  bool
	BindingID string
	EventID   string
	UpdatedAt time.Time
}

func (r Record) Validate() error {
	if r.UserID == 0 || r.ChatID == 0 {
		return fmt.Errorf("%w: user and chat ids are required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.BindingID) == "" {
		return fmt.Errorf("%w: binding id is required", ErrInvalidInput)
	}
	return nil
}

// RecordStore holds verification records keyed by (user, chat).
//
// Upsert replaces the whole record. Delete is idempotent.
type RecordStore interface {
	Get(ctx context.Context, userID, chatID int64) (Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, userID, chatID int64) error
	// ChatUsers lists the users holding a record for chatID, ascending.
	ChatUsers(ctx context.Context, chatID int64) ([]int64, error)
}
