package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	"github.com/ticketgate/ticketgate/internal/pcd/ticketpcd"
	"github.com/ticketgate/ticketgate/internal/provequeue"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

const testSecret = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func issueBundle(t *testing.T, dir string) (string, keygenOutput) {
	t.Helper()

	keyPath := filepath.Join(dir, "issuer.key")
	var out bytes.Buffer
	if err := run([]string{"keygen", "-key-path", keyPath}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var kg keygenOutput
	if err := json.Unmarshal(out.Bytes(), &kg); err != nil {
		t.Fatalf("unmarshal keygen output: %v", err)
	}
	if !kg.KeyCreated || kg.KeyPath != keyPath {
		t.Fatalf("keygen output: %+v", kg)
	}

	out.Reset()
	if err := run([]string{
		"issue",
		"-issuer-key", keyPath,
		"-ticket-id", "t-1",
		"-event-id", "evt-1",
		"-product-id", "ga",
		"-identity-secret", testSecret,
	}, &out); err != nil {
		t.Fatalf("issue: %v", err)
	}
	bundlePath := filepath.Join(dir, "ticket.json")
	if err := os.WriteFile(bundlePath, out.Bytes(), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return bundlePath, kg
}

func TestRun_KeygenIsIdempotent(t *testing.T) {
	t.Parallel()

	keyPath := filepath.Join(t.TempDir(), "issuer.key")
	var first, second bytes.Buffer
	if err := run([]string{"keygen", "-key-path", keyPath}, &first); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := run([]string{"keygen", "-key-path", keyPath}, &second); err != nil {
		t.Fatalf("keygen again: %v", err)
	}
	var a, b keygenOutput
	if err := json.Unmarshal(first.Bytes(), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal(second.Bytes(), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Address != b.Address {
		t.Fatalf("address changed: %s -> %s", a.Address, b.Address)
	}
	if !a.KeyCreated || b.KeyCreated {
		t.Fatalf("key_created: got %v then %v", a.KeyCreated, b.KeyCreated)
	}
}

func TestRun_IssueSignsTicket(t *testing.T) {
	t.Parallel()

	bundlePath, kg := issueBundle(t, t.TempDir())
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	var bundle ticketBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if bundle.Signer != kg.Address {
		t.Fatalf("signer: got %s want %s", bundle.Signer, kg.Address)
	}
	secret, err := parseSecret(testSecret)
	if err != nil {
		t.Fatalf("parseSecret: %v", err)
	}
	if bundle.Ticket.AttendeeCommitment != ticketpcd.IdentityCommitment(secret) {
		t.Fatalf("attendee commitment does not match identity secret")
	}
	sig, err := hexutil.Decode(bundle.IssuerSignature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	signer, err := ticketpcd.RecoverTicketSigner(bundle.Ticket, sig)
	if err != nil {
		t.Fatalf("RecoverTicketSigner: %v", err)
	}
	if signer.Hex() != kg.Address {
		t.Fatalf("recovered signer: got %s want %s", signer.Hex(), kg.Address)
	}
}

func TestRun_ProveRequestForMessage(t *testing.T) {
	t.Parallel()

	bundlePath, kg := issueBundle(t, t.TempDir())
	var out bytes.Buffer
	if err := run([]string{"prove-request", "-ticket-file", bundlePath, "-message", "hello"}, &out); err != nil {
		t.Fatalf("prove-request: %v", err)
	}
	var req provequeue.ProveRequest
	if err := json.Unmarshal(out.Bytes(), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.PCDType != ticketpcd.Name {
		t.Fatalf("pcdType: got %q want %q", req.PCDType, ticketpcd.Name)
	}

	prover, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkg, err := ticketpcd.New(ticketpcd.Config{ProverKey: prover})
	if err != nil {
		t.Fatalf("ticketpcd.New: %v", err)
	}
	proof, err := pkg.Prove(context.Background(), req.Args)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	claim := proof.Claim()
	if claim.Signer.Hex() != kg.Address {
		t.Fatalf("claim signer: got %s want %s", claim.Signer.Hex(), kg.Address)
	}
	if claim.Watermark.Cmp(verifier.MessageWatermark("hello")) != 0 {
		t.Fatalf("watermark: got %s", claim.Watermark)
	}
	if claim.ExternalNullifier.Cmp(anonchan.ExternalNullifier("evt-1")) != 0 {
		t.Fatalf("external nullifier: got %s", claim.ExternalNullifier)
	}
}

func TestRun_ProveRequestForUser(t *testing.T) {
	t.Parallel()

	bundlePath, _ := issueBundle(t, t.TempDir())
	var out bytes.Buffer
	if err := run([]string{"prove-request", "-ticket-file", bundlePath, "-telegram-user-id", "4242"}, &out); err != nil {
		t.Fatalf("prove-request: %v", err)
	}
	var req provequeue.ProveRequest
	if err := json.Unmarshal(out.Bytes(), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	var args ticketpcd.ProveArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args.Watermark != "4242" {
		t.Fatalf("watermark: got %q want 4242", args.Watermark)
	}
}

func TestRun_Rejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bundlePath, _ := issueBundle(t, dir)
	cases := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"mint"}},
		{"keygen without path", []string{"keygen"}},
		{"issue without key", []string{"issue", "-ticket-id", "t", "-event-id", "e"}},
		{"issue missing event", []string{"issue", "-issuer-key", filepath.Join(dir, "issuer.key"), "-ticket-id", "t"}},
		{"issue short secret", []string{"issue", "-issuer-key", filepath.Join(dir, "issuer.key"), "-ticket-id", "t", "-event-id", "e", "-identity-secret", "0x1234"}},
		{"prove-request both watermarks", []string{"prove-request", "-ticket-file", bundlePath, "-message", "m", "-telegram-user-id", "1"}},
		{"prove-request no watermark", []string{"prove-request", "-ticket-file", bundlePath}},
		{"prove-request blank message", []string{"prove-request", "-ticket-file", bundlePath, "-message", "   "}},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		if err := run(tc.args, &out); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if strings.TrimSpace(out.String()) != "" {
			t.Fatalf("%s: unexpected output %q", tc.name, out.String())
		}
	}
}
