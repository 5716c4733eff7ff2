// Package pcdapi serves the proof job queue, ticket verification and anonymous messaging over
// HTTP.
package pcdapi

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ticketgate/ticketgate/internal/admission"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	"github.com/ticketgate/ticketgate/internal/chatevents"
	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/pcd"
	"github.com/ticketgate/ticketgate/internal/provequeue"
	"github.com/ticketgate/ticketgate/internal/registry"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

var ErrInvalidConfig = errors.New("pcdapi: invalid config")

const (
	defaultMaxBodyBytes = 1 << 20
	webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

type ProofQueue interface {
	Submit(ctx context.Context, req provequeue.ProveRequest) (provequeue.PendingJob, error)
	Poll(ctx context.Context, hash common.Hash) (provequeue.JobStatus, error)
}

type SupportedTypes interface {
	Supported() []string
}

type Verifier interface {
	Verify(ctx context.Context, raw []byte, exp verifier.Expectation) (verifier.VerifiedCredential, error)
	VerifyOnly(ctx context.Context, raw []byte) (bool, error)
}

type Admission interface {
	HandleVerificationSuccess(ctx context.Context, cred verifier.VerifiedCredential, userID int64) (admission.Invite, error)
	HandleUnlink(ctx context.Context, chatID int64) (int, error)
}

type AnonSender interface {
	Send(ctx context.Context, proof []byte, message string) (anonchan.Delivery, error)
}

// EventAdmin is the registry surface behind the admin routes.
type EventAdmin interface {
	LinkEvent(ctx context.Context, eventID, eventName string, chatID int64, topicID *int64) (registry.EventChatBinding, error)
	UnlinkEvent(ctx context.Context, eventID string) (registry.EventChatBinding, error)
	EventsForChat(ctx context.Context, chatID int64) ([]registry.EventChatBinding, error)
}

type ChatLookup interface {
	GetChat(ctx context.Context, chatID int64) (chatplatform.Chat, error)
}

// Publisher forwards normalized chat events, keyed so one chat's events stay ordered.
type Publisher interface {
	PublishKeyed(ctx context.Context, topic string, key, payload []byte) error
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	MaxBodyBytes int64

	// Admin routes are served when AdminToken is set. They then require Events and Chats.
	AdminToken string
	Events     EventAdmin
	Chats      ChatLookup

	// The webhook route is served only when Updates is set.
	Updates       Publisher
	UpdatesTopic  string
	WebhookSecret string

	Now func() time.Time
}

func NewHandler(cfg Config, proofs ProofQueue, types SupportedTypes, v Verifier, gate Admission, anon AnonSender, log *slog.Logger) (http.Handler, error) {
	if proofs == nil || types == nil || v == nil || gate == nil || anon == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	if cfg.AdminToken != "" && (cfg.Events == nil || cfg.Chats == nil) {
		return nil, fmt.Errorf("%w: admin routes require events and chats", ErrInvalidConfig)
	}
	if cfg.Updates != nil {
		cfg.UpdatesTopic = strings.TrimSpace(cfg.UpdatesTopic)
		if cfg.UpdatesTopic == "" {
			cfg.UpdatesTopic = chatevents.DefaultTopic
		}
		if strings.TrimSpace(cfg.WebhookSecret) == "" {
			return nil, fmt.Errorf("%w: webhook requires a secret", ErrInvalidConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:    cfg,
		proofs: proofs,
		types:  types,
		v:      v,
		gate:   gate,
		anon:   anon,
		log:    log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /pcds/prove", h.handleProve)
	mux.HandleFunc("GET /pcds/status/{hash}", h.handleStatus)
	mux.HandleFunc("GET /pcds/supported", h.handleSupported)
	mux.HandleFunc("POST /pcds/verify", h.handleVerify)
	mux.HandleFunc("POST /telegram/verify", h.handleTelegramVerify)
	mux.HandleFunc("POST /telegram/message", h.handleTelegramMessage)
	if cfg.Updates != nil {
		mux.HandleFunc("POST /telegram/webhook", h.handleWebhook)
	}
	if cfg.AdminToken != "" {
		mux.HandleFunc("POST /admin/events/{eventId}/link", h.requireAdmin(h.handleAdminLink))
		mux.HandleFunc("POST /admin/events/{eventId}/unlink", h.requireAdmin(h.handleAdminUnlink))
		mux.HandleFunc("GET /admin/chats/{chatId}/events", h.requireAdmin(h.handleAdminEvents))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	proofs  ProofQueue
	types   SupportedTypes
	v       Verifier
	gate    Admission
	anon    AnonSender
	log     *slog.Logger
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleProve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[provequeue.ProveRequest](w, r)
	if !ok {
		return
	}
	job, err := h.proofs.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, pcd.ErrUnsupportedType):
			writeError(w, http.StatusBadRequest, "unsupported_pcd_type")
		case errors.Is(err, provequeue.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "invalid_request")
		default:
			h.log.Error("submit proof", "pcd_type", req.PCDType, "err", err)
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pcdType": job.PCDType,
		"hash":    job.Hash.Hex(),
		"status":  job.Status,
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hash")
		return
	}
	st, err := h.proofs.Poll(r.Context(), hash)
	if err != nil {
		if errors.Is(err, provequeue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		h.log.Error("poll proof", "hash", hash.Hex(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	switch st.Status {
	case provequeue.StatusComplete:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": st.Status,
			"proof":  string(st.Proof),
		})
	case provequeue.StatusError:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": st.Status})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": st.Status})
	}
}

func (h *handler) handleSupported(w http.ResponseWriter, _ *http.Request) {
	types := h.types.Supported()
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

type verifyRequest struct {
	PCD json.RawMessage `json:"pcd"`
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[verifyRequest](w, r)
	if !ok {
		return
	}
	raw, err := proofBytes(req.PCD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pcd")
		return
	}
	valid, err := h.v.VerifyOnly(r.Context(), raw)
	if err != nil && !errors.Is(err, verifier.ErrDeserialization) {
		h.log.Error("verify pcd", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": err == nil && valid})
}

type telegramVerifyRequest struct {
	Proof          json.RawMessage `json:"proof"`
	TelegramUserID int64           `json:"telegramUserId"`
}

func (h *handler) handleTelegramVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[telegramVerifyRequest](w, r)
	if !ok {
		return
	}
	if req.TelegramUserID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}
	raw, err := proofBytes(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_proof")
		return
	}

	cred, err := h.v.Verify(r.Context(), raw, verifier.Expectation{Watermark: verifier.UserWatermark(req.TelegramUserID)})
	if err != nil {
		h.writeFlowError(w, "telegram verify", err)
		return
	}
	invite, err := h.gate.HandleVerificationSuccess(r.Context(), cred, req.TelegramUserID)
	if err != nil {
		h.writeFlowError(w, "telegram verify", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventId":    cred.EventID,
		"chatId":     invite.ChatID,
		"inviteLink": invite.Link,
	})
}

type telegramMessageRequest struct {
	Proof   json.RawMessage `json:"proof"`
	Message string          `json:"message"`
}

func (h *handler) handleTelegramMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[telegramMessageRequest](w, r)
	if !ok {
		return
	}
	raw, err := proofBytes(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_proof")
		return
	}
	d, err := h.anon.Send(r.Context(), raw, req.Message)
	if err != nil {
		h.writeFlowError(w, "telegram message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventId": d.EventID,
		"chatId":  d.ChatID,
		"topicId": d.AnonTopicID,
		"sentAt":  d.SentAt.UTC().Format(time.RFC3339),
	})
}

// handleWebhook normalizes a platform update and hands it to the chat event workers.
func (h *handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	e, ok, err := chatevents.FromTelegramUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_update")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false})
		return
	}
	payload, err := chatevents.EncodeEvent(e)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_update")
		return
	}
	if err := h.cfg.Updates.PublishKeyed(r.Context(), h.cfg.UpdatesTopic, e.PartitionKey(), payload); err != nil {
		h.log.Error("publish chat event", "kind", e.Kind, "chat_id", e.ChatID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (h *handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type adminLinkRequest struct {
	ChatID  int64  `json:"chatId"`
	TopicID *int64 `json:"topicId,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (h *handler) handleAdminLink(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[adminLinkRequest](w, r)
	if !ok {
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chat_id")
		return
	}
	chat, err := h.cfg.Chats.GetChat(r.Context(), req.ChatID)
	if err != nil {
		h.writeFlowError(w, "admin link", err)
		return
	}
	if err := chatplatform.EnsureGroupChat(chat); err != nil {
		h.writeFlowError(w, "admin link", err)
		return
	}
	b, err := h.cfg.Events.LinkEvent(r.Context(), r.PathValue("eventId"), req.Name, req.ChatID, req.TopicID)
	if err != nil {
		h.writeFlowError(w, "admin link", err)
		return
	}
	h.log.Info("event linked", "event_id", b.EventID, "chat_id", req.ChatID, "via", "admin_api")
	writeJSON(w, http.StatusOK, bindingJSON(b))
}

func (h *handler) handleAdminUnlink(w http.ResponseWriter, r *http.Request) {
	b, err := h.cfg.Events.UnlinkEvent(r.Context(), r.PathValue("eventId"))
	if err != nil {
		h.writeFlowError(w, "admin unlink", err)
		return
	}
	if b.ChatID != nil {
		remaining, err := h.cfg.Events.EventsForChat(r.Context(), *b.ChatID)
		if err != nil {
			h.writeFlowError(w, "admin unlink", err)
			return
		}
		if len(remaining) == 0 {
			if _, err := h.gate.HandleUnlink(r.Context(), *b.ChatID); err != nil {
				h.writeFlowError(w, "admin unlink", err)
				return
			}
		}
	}
	h.log.Info("event unlinked", "event_id", b.EventID, "via", "admin_api")
	writeJSON(w, http.StatusOK, bindingJSON(b))
}

func (h *handler) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("chatId")), 10, 64)
	if err != nil || chatID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chat_id")
		return
	}
	bs, err := h.cfg.Events.EventsForChat(r.Context(), chatID)
	if err != nil {
		h.writeFlowError(w, "admin events", err)
		return
	}
	out := make([]map[string]any, 0, len(bs))
	for _, b := range bs {
		out = append(out, bindingJSON(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func bindingJSON(b registry.EventChatBinding) map[string]any {
	out := map[string]any{
		"eventId":   b.EventID,
		"eventName": b.EventName,
	}
	if b.ChatID != nil {
		out["chatId"] = *b.ChatID
	}
	if b.TopicID != nil {
		out["topicId"] = *b.TopicID
	}
	return out
}

// writeFlowError maps typed failures of the verification, admission and messaging flows to
// status codes. Anything unrecognized is logged and reported as internal.
func (h *handler) writeFlowError(w http.ResponseWriter, op string, err error) {
	code, name := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, verifier.ErrDeserialization):
		code, name = http.StatusBadRequest, "deserialization_failed"
	case errors.Is(err, verifier.ErrInvalidProof):
		code, name = http.StatusForbidden, "invalid_proof"
	case errors.Is(err, verifier.ErrSignerMismatch):
		code, name = http.StatusForbidden, "signer_mismatch"
	case errors.Is(err, verifier.ErrEventNotAllowed):
		code, name = http.StatusForbidden, "event_not_allowed"
	case errors.Is(err, verifier.ErrWatermarkMismatch):
		code, name = http.StatusForbidden, "watermark_mismatch"
	case errors.Is(err, anonchan.ErrExternalNullifierMismatch):
		code, name = http.StatusForbidden, "external_nullifier_mismatch"
	case errors.Is(err, anonchan.ErrInvalidMessage):
		code, name = http.StatusBadRequest, "invalid_message"
	case errors.Is(err, anonchan.ErrRateLimited):
		code, name = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, registry.ErrEventNotLinked):
		code, name = http.StatusConflict, "event_not_linked"
	case errors.Is(err, registry.ErrNoAnonChannel):
		code, name = http.StatusConflict, "no_anon_channel"
	case errors.Is(err, registry.ErrTopicTaken):
		code, name = http.StatusConflict, "topic_taken"
	case errors.Is(err, registry.ErrInvalidInput), errors.Is(err, admission.ErrInvalidInput):
		code, name = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, chatplatform.ErrChatType):
		code, name = http.StatusConflict, "chat_type"
	case errors.Is(err, chatplatform.ErrNotFound):
		code, name = http.StatusNotFound, "chat_not_found"
	case errors.Is(err, chatplatform.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code, name = http.StatusServiceUnavailable, "timeout"
	}
	if code >= http.StatusInternalServerError {
		h.log.Error(op, "err", err)
	} else {
		h.log.Debug(op, "err", err)
	}
	writeError(w, code, name)
}

// proofBytes accepts a serialized proof either as a JSON string or as the envelope object itself.
func proofBytes(raw json.RawMessage) ([]byte, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing proof")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, errors.New("missing proof")
		}
		return []byte(s), nil
	}
	return append([]byte(nil), raw...), nil
}

func parseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func writeError(w http.ResponseWriter, code int, name string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   name,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
