package anonchan

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ticketgate/ticketgate/internal/blobstore"
	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/pcd"
	"github.com/ticketgate/ticketgate/internal/pcd/ticketpcd"
	"github.com/ticketgate/ticketgate/internal/registry"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

const (
	testIssuerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testProverKeyHex = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

	testChatID  = int64(-1001)
	testTopicID = int64(77)
)

type fixture struct {
	binder   *Binder
	reg      *pcd.Registry
	issuer   *ecdsa.PrivateKey
	events   *registry.MemoryStore
	platform *chatplatform.MemoryPlatform
	archive  blobstore.Store
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	prover, err := crypto.HexToECDSA(testProverKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	pkg, err := ticketpcd.New(ticketpcd.Config{ProverKey: prover})
	if err != nil {
		t.Fatalf("ticketpcd.New: %v", err)
	}
	reg, err := pcd.NewRegistry(pkg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	issuer, err := crypto.HexToECDSA(testIssuerKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}

	events := registry.NewMemoryStore(nil)
	if _, err := events.LinkEvent(context.Background(), "evt-1", "Devcon", testChatID, nil); err != nil {
		t.Fatalf("LinkEvent: %v", err)
	}
	v, err := verifier.New(verifier.Policy{Signer: crypto.PubkeyToAddress(issuer.PublicKey)}, reg, events)
	if err != nil {
		t.Fatalf("verifier.New: %v", err)
	}

	archive, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}

	f := &fixture{
		reg:      reg,
		issuer:   issuer,
		events:   events,
		platform: chatplatform.NewMemoryPlatform(),
		archive:  archive,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg.Archive = archive
	cfg.Now = func() time.Time { return f.now }
	b, err := New(cfg, v, events, f.platform, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.binder = b
	return f
}

func (f *fixture) proof(t *testing.T, secret common.Hash, eventID string, watermark, externalNullifier *big.Int) []byte {
	t.Helper()
	ticket, sig, err := ticketpcd.IssueTicket(f.issuer, ticketpcd.Ticket{TicketID: "tkt-1", EventID: eventID, ProductID: "ga"}, secret)
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}
	args, err := ticketpcd.BuildProveArgs(ticket, sig, secret, watermark, externalNullifier)
	if err != nil {
		t.Fatalf("BuildProveArgs: %v", err)
	}
	pkg, err := f.reg.Get(ticketpcd.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p, err := pkg.Prove(context.Background(), args)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	raw, err := f.reg.Serialize(p)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func (f *fixture) messageProof(t *testing.T, secret common.Hash, message string) []byte {
	t.Helper()
	return f.proof(t, secret, "evt-1", verifier.MessageWatermark(message), ExternalNullifier("evt-1"))
}

func TestBinder_ForwardsToAnonTopic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	secret := common.HexToHash("0x5eed")
	d, err := f.binder.Send(ctx, f.messageProof(t, secret, "hello"), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.ChatID != testChatID || d.AnonTopicID != testTopicID || d.EventID != "evt-1" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	msgs := f.platform.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d want 1", len(msgs))
	}
	m := msgs[0]
	if m.ChatID != testChatID || m.TopicID == nil || *m.TopicID != testTopicID {
		t.Fatalf("message routed to (%d, %v), want (%d, %d)", m.ChatID, m.TopicID, testChatID, testTopicID)
	}
	if m.Text != "hello" {
		t.Fatalf("text: got %q want verbatim message", m.Text)
	}

	nullifier, err := ticketpcd.NullifierHash(secret, ExternalNullifier("evt-1"))
	if err != nil {
		t.Fatalf("NullifierHash: %v", err)
	}
	obj, err := f.archive.Read(ctx, ArchiveKey("anon-messages", d, verifier.VerifiedCredential{NullifierHash: nullifier}))
	if err != nil {
		t.Fatalf("archive Read: %v", err)
	}
	var archived archivedMessage
	if err := json.Unmarshal(obj.Data, &archived); err != nil {
		t.Fatalf("archive decode: %v", err)
	}
	if archived.Message != "hello" || archived.ChatID != testChatID || archived.NullifierHash != nullifier.Hex() {
		t.Fatalf("unexpected archive: %+v", archived)
	}
}

func TestBinder_RejectsWrongMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	raw := f.messageProof(t, common.HexToHash("0x5eed"), "hello")
	if _, err := f.binder.Send(ctx, raw, "goodbye"); !errors.Is(err, verifier.ErrWatermarkMismatch) {
		t.Fatalf("expected ErrWatermarkMismatch, got %v", err)
	}
	if n := len(f.platform.Messages()); n != 0 {
		t.Fatalf("nothing may be forwarded, got %d", n)
	}
}

func TestBinder_RejectsForeignExternalNullifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	raw := f.proof(t, common.HexToHash("0x5eed"), "evt-1", verifier.MessageWatermark("hi"), big.NewInt(1))
	if _, err := f.binder.Send(ctx, raw, "hi"); !errors.Is(err, ErrExternalNullifierMismatch) {
		t.Fatalf("expected ErrExternalNullifierMismatch, got %v", err)
	}
}

func TestBinder_NoAnonChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	raw := f.messageProof(t, common.HexToHash("0x5eed"), "hello")
	if _, err := f.binder.Send(context.Background(), raw, "hello"); !errors.Is(err, registry.ErrNoAnonChannel) {
		t.Fatalf("expected ErrNoAnonChannel, got %v", err)
	}
}

func TestBinder_EventNotLinked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	if _, err := f.events.UnlinkEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("UnlinkEvent: %v", err)
	}
	raw := f.messageProof(t, common.HexToHash("0x5eed"), "hello")
	if _, err := f.binder.Send(ctx, raw, "hello"); !errors.Is(err, registry.ErrEventNotLinked) {
		t.Fatalf("expected ErrEventNotLinked, got %v", err)
	}
}

func TestBinder_BindChannelOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID+1); !errors.Is(err, registry.ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	ch, err := f.events.AnonChannel(ctx, testChatID)
	if err != nil || ch.AnonTopicID != testTopicID {
		t.Fatalf("AnonChannel: got (%+v, %v)", ch, err)
	}
}

func TestChannelBinder_SharesBindingRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	cb, err := NewChannelBinder(f.events, nil)
	if err != nil {
		t.Fatalf("NewChannelBinder: %v", err)
	}
	if _, err := cb.BindChannel(ctx, testChatID+1, testTopicID); !errors.Is(err, registry.ErrEventNotLinked) {
		t.Fatalf("unlinked chat: got %v want ErrEventNotLinked", err)
	}
	if _, err := cb.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID+1); !errors.Is(err, registry.ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if _, err := NewChannelBinder(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: got %v want ErrInvalidConfig", err)
	}
}

func TestBinder_RateLimitPerNullifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxMessagesPerDay: 2})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	alice := common.HexToHash("0xa11ce")
	for i, msg := range []string{"one", "two"} {
		if _, err := f.binder.Send(ctx, f.messageProof(t, alice, msg), msg); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
		f.now = f.now.Add(time.Minute)
	}
	if _, err := f.binder.Send(ctx, f.messageProof(t, alice, "three"), "three"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another ticket holder has its own budget.
	if _, err := f.binder.Send(ctx, f.messageProof(t, common.HexToHash("0xb0b"), "three"), "three"); err != nil {
		t.Fatalf("Send other holder: %v", err)
	}

	// The window slides.
	f.now = f.now.Add(24 * time.Hour)
	if _, err := f.binder.Send(ctx, f.messageProof(t, alice, "later"), "later"); err != nil {
		t.Fatalf("Send after window: %v", err)
	}
}

func TestBinder_FailedSendReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxMessagesPerDay: 1, CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	if _, err := f.binder.BindChannel(ctx, testChatID, testTopicID); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	secret := common.HexToHash("0x5eed")
	f.platform.SetHang(true)
	if _, err := f.binder.Send(ctx, f.messageProof(t, secret, "hi"), "hi"); !errors.Is(err, chatplatform.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	f.platform.SetHang(false)
	if _, err := f.binder.Send(ctx, f.messageProof(t, secret, "hi"), "hi"); err != nil {
		t.Fatalf("retry after failed send: %v", err)
	}
}

func TestValidateMessage(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{"", "   \n", strings.Repeat("x", MaxMessageRunes+1), "\xff"} {
		if err := ValidateMessage(msg); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ValidateMessage(%.10q): expected ErrInvalidMessage, got %v", msg, err)
		}
	}
	if err := ValidateMessage(strings.Repeat("é", MaxMessageRunes)); err != nil {
		t.Fatalf("ValidateMessage(max runes): %v", err)
	}
}

func TestExternalNullifier_StablePerEvent(t *testing.T) {
	t.Parallel()

	a, b := ExternalNullifier("evt-1"), ExternalNullifier("evt-1")
	if a.Cmp(b) != 0 {
		t.Fatalf("external nullifier must be deterministic")
	}
	if a.Cmp(ExternalNullifier("evt-2")) == 0 {
		t.Fatalf("events must not share an external nullifier")
	}
	if a.BitLen() > 64 {
		t.Fatalf("external nullifier must fit in 8 bytes, got %d bits", a.BitLen())
	}
}

func TestMemoryRateLimitStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryRateLimitStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, ok, err := s.Reserve(ctx, "k", now, time.Hour, 1)
	if err != nil || !ok || id == "" {
		t.Fatalf("Reserve #1: got (%q, %v, %v)", id, ok, err)
	}
	if _, ok, err := s.Reserve(ctx, "k", now.Add(time.Minute), time.Hour, 1); err != nil || ok {
		t.Fatalf("Reserve #2: got (%v, %v) want (false, nil)", ok, err)
	}
	if err := s.Cancel(ctx, "k", id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, err := s.Reserve(ctx, "k", now.Add(time.Minute), time.Hour, 1); err != nil || !ok {
		t.Fatalf("Reserve after cancel: got (%v, %v) want (true, nil)", ok, err)
	}
	if _, _, err := s.Reserve(ctx, "", now, time.Hour, 1); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}
