// Package telegram implements chatplatform.Platform over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ticketgate/ticketgate/internal/chatplatform"
)

const DefaultBaseURL = "https://api.telegram.org"

var (
	ErrInvalidConfig    = errors.New("telegram: invalid config")
	ErrAPI              = errors.New("telegram: api error")
	ErrResponseTooLarge = errors.New("telegram: response too large")
)

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	if e == nil {
		return "telegram: nil api error"
	}
	return fmt.Sprintf("telegram: %s: error code %d: %s", e.Method, e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return ErrAPI }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithBaseURL(base string) Option {
	return func(c *Client) error {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if _, err := url.ParseRequestURI(base); err != nil || base == "" {
			return fmt.Errorf("%w: invalid base url", ErrInvalidConfig)
		}
		c.baseURL = base
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	token        string
	baseURL      string
	hc           *http.Client
	maxRespBytes int64
}

func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing bot token", ErrInvalidConfig)
	}
	c := &Client{
		token:        token,
		baseURL:      DefaultBaseURL,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var _ chatplatform.Platform = (*Client)(nil)

func (c *Client) CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error) {
	req := struct {
		ChatID             int64  `json:"chat_id"`
		Name               string `json:"name,omitempty"`
		CreatesJoinRequest bool   `json:"creates_join_request"`
	}{
		ChatID:             chatID,
		Name:               truncate(name, 32),
		CreatesJoinRequest: true,
	}
	var res struct {
		InviteLink string `json:"invite_link"`
	}
	if err := c.call(ctx, "createChatInviteLink", req, &res); err != nil {
		return "", err
	}
	if res.InviteLink == "" {
		return "", fmt.Errorf("telegram: createChatInviteLink: empty invite link")
	}
	return res.InviteLink, nil
}

func (c *Client) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	req := struct {
		ChatID int64 `json:"chat_id"`
		UserID int64 `json:"user_id"`
	}{ChatID: chatID, UserID: userID}
	return c.call(ctx, "approveChatJoinRequest", req, nil)
}

func (c *Client) SendMessage(ctx context.Context, msg chatplatform.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	req := struct {
		ChatID          int64  `json:"chat_id"`
		MessageThreadID *int64 `json:"message_thread_id,omitempty"`
		Text            string `json:"text"`
	}{
		ChatID:          msg.ChatID,
		MessageThreadID: msg.TopicID,
		Text:            msg.Text,
	}
	return c.call(ctx, "sendMessage", req, nil)
}

func (c *Client) GetChat(ctx context.Context, chatID int64) (chatplatform.Chat, error) {
	req := struct {
		ChatID int64 `json:"chat_id"`
	}{ChatID: chatID}
	var res struct {
		ID      int64  `json:"id"`
		Type    string `json:"type"`
		Title   string `json:"title"`
		IsForum bool   `json:"is_forum"`
	}
	if err := c.call(ctx, "getChat", req, &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return chatplatform.Chat{}, fmt.Errorf("%w: %v", chatplatform.ErrNotFound, err)
		}
		return chatplatform.Chat{}, err
	}
	return chatplatform.Chat{
		ID:      res.ID,
		Type:    chatplatform.ChatType(res.Type),
		Title:   res.Title,
		IsForum: res.IsForum,
	}, nil
}

func (c *Client) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	req := struct {
		ChatID int64 `json:"chat_id"`
		UserID int64 `json:"user_id"`
	}{ChatID: chatID, UserID: userID}
	var res struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "getChatMember", req, &res); err != nil {
		return false, err
	}
	return res.Status == "creator" || res.Status == "administrator", nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: %s: marshal request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		// The URL embeds the token; never surface it.
		return fmt.Errorf("telegram: %s: build request failed", method)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: %s: http do: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("telegram: %s: http status %d: unmarshal response: %v", method, resp.StatusCode, err)
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: ar.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("telegram: %s: unmarshal result: %w", method, err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
