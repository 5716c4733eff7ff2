package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	"github.com/ticketgate/ticketgate/internal/keyfile"
	"github.com/ticketgate/ticketgate/internal/pcd/ticketpcd"
	"github.com/ticketgate/ticketgate/internal/provequeue"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

const usage = "usage: ticket-issuer <keygen|issue|prove-request> [flags]"

type keygenOutput struct {
	Address    string `json:"address"`
	KeyPath    string `json:"key_path"`
	KeyCreated bool   `json:"key_created"`
}

// ticketBundle is what a holder keeps: the signed ticket and the identity secret behind its
// attendee commitment.
type ticketBundle struct {
	Ticket          ticketpcd.Ticket `json:"ticket"`
	IssuerSignature string           `json:"issuerSignature"`
	IdentitySecret  string           `json:"identitySecret"`
	Signer          string           `json:"signer"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout)
	case "issue":
		return runIssue(args[1:], stdout)
	case "prove-request":
		return runProveRequest(args[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyPath := fs.String("key-path", "", "path for the secp256k1 private key (created if missing)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keyPath) == "" {
		return errors.New("key-path is required")
	}

	key, created, err := keyfile.Ensure(*keyPath)
	if err != nil {
		return err
	}
	return writeJSON(stdout, keygenOutput{
		Address:    keyfile.Address(key).Hex(),
		KeyPath:    *keyPath,
		KeyCreated: created,
	})
}

func runIssue(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	issuerKey := fs.String("issuer-key", "", "issuer private key file")
	ticketID := fs.String("ticket-id", "", "ticket id")
	eventID := fs.String("event-id", "", "event id")
	productID := fs.String("product-id", "", "optional product id")
	secretHex := fs.String("identity-secret", "", "32-byte hex identity secret (default: random)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*issuerKey) == "" {
		return errors.New("issuer-key is required")
	}

	key, err := keyfile.Load(*issuerKey)
	if err != nil {
		return err
	}
	secret, err := identitySecret(*secretHex)
	if err != nil {
		return err
	}

	ticket, sig, err := ticketpcd.IssueTicket(key, ticketpcd.Ticket{
		TicketID:  strings.TrimSpace(*ticketID),
		EventID:   strings.TrimSpace(*eventID),
		ProductID: strings.TrimSpace(*productID),
	}, secret)
	if err != nil {
		return err
	}
	return writeJSON(stdout, ticketBundle{
		Ticket:          ticket,
		IssuerSignature: hexutil.Encode(sig),
		IdentitySecret:  secret.Hex(),
		Signer:          keyfile.Address(key).Hex(),
	})
}

// runProveRequest turns a ticket bundle into a body for POST /pcds/prove. Exactly one of
// --telegram-user-id and --message selects the watermark.
func runProveRequest(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("prove-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	bundlePath := fs.String("ticket-file", "", "ticket bundle written by the issue command")
	userID := fs.Int64("telegram-user-id", 0, "bind the proof to this user for a join")
	message := fs.String("message", "", "bind the proof to this anonymous message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*bundlePath) == "" {
		return errors.New("ticket-file is required")
	}
	if (*userID != 0) == (*message != "") {
		return errors.New("exactly one of telegram-user-id or message is required")
	}

	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read ticket file: %w", err)
	}
	var bundle ticketBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("parse ticket file: %w", err)
	}
	sig, err := hexutil.Decode(bundle.IssuerSignature)
	if err != nil {
		return fmt.Errorf("parse issuer signature: %w", err)
	}
	secret, err := parseSecret(bundle.IdentitySecret)
	if err != nil {
		return err
	}

	watermark := verifier.UserWatermark(*userID)
	if *message != "" {
		if err := anonchan.ValidateMessage(*message); err != nil {
			return err
		}
		watermark = verifier.MessageWatermark(*message)
	}
	proveArgs, err := ticketpcd.BuildProveArgs(bundle.Ticket, sig, secret, watermark, anonchan.ExternalNullifier(bundle.Ticket.EventID))
	if err != nil {
		return err
	}
	return writeJSON(stdout, provequeue.ProveRequest{PCDType: ticketpcd.Name, Args: proveArgs})
}

func identitySecret(v string) (common.Hash, error) {
	if strings.TrimSpace(v) != "" {
		return parseSecret(v)
	}
	var secret common.Hash
	if _, err := rand.Read(secret[:]); err != nil {
		return common.Hash{}, fmt.Errorf("generate identity secret: %w", err)
	}
	return secret, nil
}

func parseSecret(v string) (common.Hash, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "0x") && !strings.HasPrefix(v, "0X") {
		v = "0x" + v
	}
	b, err := hexutil.Decode(v)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errors.New("identity secret must be 32 bytes of hex")
	}
	return common.BytesToHash(b), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
