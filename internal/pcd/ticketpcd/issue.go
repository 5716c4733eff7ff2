package ticketpcd

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// IssueTicket fills in the attendee commitment for secret and signs the ticket with the issuer key.
func IssueTicket(issuer *ecdsa.PrivateKey, t Ticket, secret common.Hash) (Ticket, []byte, error) {
	t.AttendeeCommitment = IdentityCommitment(secret)
	sig, err := SignTicket(issuer, t)
	if err != nil {
		return Ticket{}, nil, err
	}
	return t, sig, nil
}

// BuildProveArgs encodes the prove request body a holder submits for a signed ticket.
func BuildProveArgs(t Ticket, issuerSig []byte, secret common.Hash, watermark, externalNullifier *big.Int) (json.RawMessage, error) {
	if watermark == nil || externalNullifier == nil {
		return nil, fmt.Errorf("ticketpcd: watermark and external nullifier are required")
	}
	return json.Marshal(ProveArgs{
		Ticket:            t,
		IssuerSignature:   "0x" + hex.EncodeToString(issuerSig),
		IdentitySecret:    secret.Hex(),
		Watermark:         watermark.String(),
		ExternalNullifier: externalNullifier.String(),
	})
}
