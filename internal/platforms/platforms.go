// Package platforms opens the chat platform shared by the binaries.
package platforms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/chatplatform/telegram"
	"github.com/ticketgate/ticketgate/internal/secrets"
)

const (
	DriverTelegram = "telegram"
	DriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("platforms: invalid config")

type Config struct {
	Driver      string
	TokenSecret string
	APIURL      string
	// Memory, if set, is served by the memory driver instead of a fresh platform.
	Memory *chatplatform.MemoryPlatform
	// CallTimeout bounds every call on the returned platform. Zero means
	// chatplatform.DefaultCallTimeout.
	CallTimeout time.Duration
}

// Open returns the configured platform wrapped with chatplatform.WithTimeout.
func Open(ctx context.Context, cfg Config, p secrets.Provider) (chatplatform.Platform, error) {
	var platform chatplatform.Platform
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		if cfg.Memory != nil {
			platform = cfg.Memory
		} else {
			platform = chatplatform.NewMemoryPlatform()
		}
	case DriverTelegram, "":
		if p == nil {
			return nil, fmt.Errorf("%w: telegram requires a secrets provider", ErrInvalidConfig)
		}
		token, err := p.Get(ctx, cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("platforms: load bot token: %w", err)
		}
		var opts []telegram.Option
		if strings.TrimSpace(cfg.APIURL) != "" {
			opts = append(opts, telegram.WithBaseURL(cfg.APIURL))
		}
		client, err := telegram.New(token, opts...)
		if err != nil {
			return nil, err
		}
		platform = client
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	return chatplatform.WithTimeout(platform, cfg.CallTimeout), nil
}
