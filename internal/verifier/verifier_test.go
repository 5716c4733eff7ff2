package verifier

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ticketgate/ticketgate/internal/pcd"
	"github.com/ticketgate/ticketgate/internal/pcd/ticketpcd"
)

const (
	testIssuerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testProverKeyHex = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

type stubEvents map[string]bool

func (s stubEvents) EventRegistered(_ context.Context, eventID string) (bool, error) {
	return s[eventID], nil
}

type fixture struct {
	reg    *pcd.Registry
	issuer *ecdsa.PrivateKey
}

func newFixture(t *testing.T) fixture {
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
	return fixture{reg: reg, issuer: issuer}
}

func (f fixture) signer() common.Address {
	return crypto.PubkeyToAddress(f.issuer.PublicKey)
}

func (f fixture) proof(t *testing.T, issuer *ecdsa.PrivateKey, eventID string, watermark *big.Int) []byte {
	t.Helper()
	secret := common.HexToHash("0xabc1")
	ticket, sig, err := ticketpcd.IssueTicket(issuer, ticketpcd.Ticket{TicketID: "tkt-9", EventID: eventID, ProductID: "vip"}, secret)
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}
	args, err := ticketpcd.BuildProveArgs(ticket, sig, secret, watermark, big.NewInt(11))
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

func (f fixture) verifier(t *testing.T, policy Policy, events EventLookup) *Verifier {
	t.Helper()
	v, err := New(policy, f.reg, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	v := f.verifier(t, Policy{Signer: f.signer(), AllowedEventIDs: []string{"evt-1"}}, nil)
	raw := f.proof(t, f.issuer, "evt-1", UserWatermark(42))

	cred, err := v.Verify(context.Background(), raw, Expectation{Watermark: UserWatermark(42)})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if cred.EventID != "evt-1" || cred.ProductID != "vip" || cred.Signer != f.signer() {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.Watermark.Cmp(big.NewInt(42)) != 0 || cred.ExternalNullifier.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("unexpected watermark/nullifier: %s %s", cred.Watermark, cred.ExternalNullifier)
	}
	if string(cred.RawProof) != string(raw) {
		t.Fatalf("raw proof not carried through")
	}
}

func TestVerify_SignerMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v := f.verifier(t, Policy{Signer: f.signer(), AllowedEventIDs: []string{"evt-1"}}, nil)

	// Structurally valid proof, ticket issued by the wrong authority.
	raw := f.proof(t, other, "evt-1", UserWatermark(42))
	ok, err := v.VerifyOnly(context.Background(), raw)
	if err != nil || !ok {
		t.Fatalf("VerifyOnly: got (%v, %v) want (true, nil)", ok, err)
	}
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: UserWatermark(42)}); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch, got %v", err)
	}

	// Signer is checked before the event.
	raw = f.proof(t, other, "evt-999", UserWatermark(42))
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: UserWatermark(42)}); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch before event check, got %v", err)
	}
}

func TestVerify_EventAllowlistAndRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	events := stubEvents{"evt-reg": true}
	v := f.verifier(t, Policy{Signer: f.signer(), AllowedEventIDs: []string{"evt-1"}}, events)
	wm := UserWatermark(7)

	raw := f.proof(t, f.issuer, "evt-999", wm)
	for _, exp := range []Expectation{{Watermark: wm}, {Watermark: wm, AcceptRegisteredEvents: true}} {
		if _, err := v.Verify(context.Background(), raw, exp); !errors.Is(err, ErrEventNotAllowed) {
			t.Fatalf("evt-999 (%+v): expected ErrEventNotAllowed, got %v", exp, err)
		}
	}

	raw = f.proof(t, f.issuer, "evt-reg", wm)
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: wm}); !errors.Is(err, ErrEventNotAllowed) {
		t.Fatalf("registered event without opt-in: expected ErrEventNotAllowed, got %v", err)
	}
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: wm, AcceptRegisteredEvents: true}); err != nil {
		t.Fatalf("registered event with opt-in: %v", err)
	}

	open := f.verifier(t, Policy{Signer: f.signer(), AcceptRegisteredEvents: true}, events)
	if _, err := open.Verify(context.Background(), raw, Expectation{Watermark: wm}); err != nil {
		t.Fatalf("policy accepting registered events: %v", err)
	}
}

func TestVerify_WatermarkBinding(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	v := f.verifier(t, Policy{Signer: f.signer(), AllowedEventIDs: []string{"evt-1"}}, nil)

	raw := f.proof(t, f.issuer, "evt-1", UserWatermark(2))
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: UserWatermark(1)}); !errors.Is(err, ErrWatermarkMismatch) {
		t.Fatalf("join flow: expected ErrWatermarkMismatch, got %v", err)
	}

	raw = f.proof(t, f.issuer, "evt-1", MessageWatermark("hello"))
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: MessageWatermark("hello")}); err != nil {
		t.Fatalf("message flow: %v", err)
	}
	if _, err := v.Verify(context.Background(), raw, Expectation{Watermark: MessageWatermark("hello!")}); !errors.Is(err, ErrWatermarkMismatch) {
		t.Fatalf("message flow: expected ErrWatermarkMismatch, got %v", err)
	}
}

func TestVerify_DeserializationAndInvalidProof(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	v := f.verifier(t, Policy{Signer: f.signer(), AllowedEventIDs: []string{"evt-1"}}, nil)
	wm := UserWatermark(5)

	for _, raw := range []string{``, `{}`, `{"type":"unknown","pcd":"x"}`, `{"type":"ticket-attestation-pcd","pcd":"{}"}`} {
		if _, err := v.Verify(context.Background(), []byte(raw), Expectation{Watermark: wm}); !errors.Is(err, ErrDeserialization) {
			t.Fatalf("Verify(%q): expected ErrDeserialization, got %v", raw, err)
		}
	}

	raw := string(f.proof(t, f.issuer, "evt-1", wm))
	tampered := strings.Replace(raw, `\"productId\":\"vip\"`, `\"productId\":\"ga\"`, 1)
	if tampered == raw {
		t.Fatalf("tamper did not apply: %s", raw)
	}
	if _, err := v.Verify(context.Background(), []byte(tampered), Expectation{Watermark: wm}); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	ok, err := v.VerifyOnly(context.Background(), []byte(tampered))
	if err != nil || ok {
		t.Fatalf("VerifyOnly tampered: got (%v, %v) want (false, nil)", ok, err)
	}
}

func TestMessageWatermark_FixedPrefix(t *testing.T) {
	t.Parallel()

	// sha256("hello") = 2cf24dba5fb0a30e26e83b2ac5b9e29e...
	want, _ := new(big.Int).SetString("2cf24dba5fb0a30e", 16)
	if got := MessageWatermark("hello"); got.Cmp(want) != 0 {
		t.Fatalf("MessageWatermark: got %x want %x", got, want)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy([]byte(`
signer: "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
allowed_event_ids: ["evt-1", " evt-2 ", "evt-1"]
accept_registered_events: true
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.Signer != common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23") {
		t.Fatalf("signer: got %s", p.Signer.Hex())
	}
	if strings.Join(p.AllowedEventIDs, ",") != "evt-1,evt-2" || !p.AcceptRegisteredEvents {
		t.Fatalf("unexpected policy: %+v", p)
	}

	for _, raw := range []string{`signer: nope`, `allowed_event_ids: ["a"]`, `signer: [`} {
		if _, err := ParsePolicy([]byte(raw)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("ParsePolicy(%q): expected ErrInvalidConfig, got %v", raw, err)
		}
	}
}

func TestNew_RegisteredEventsRequireLookup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := New(Policy{Signer: f.signer(), AcceptRegisteredEvents: true}, f.reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Policy{}, f.reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing signer, got %v", err)
	}
}
