package ticketpcd

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	ticketDomain    = "TICKETGATE_TICKET_V1"
	claimDomain     = "TICKETGATE_CLAIM_V1"
	nullifierDomain = "TICKETGATE_NULLIFIER_V1"
)

var (
	ErrInvalidSignature = errors.New("ticketpcd: invalid signature")
	ErrInvalidTicket    = errors.New("ticketpcd: invalid ticket")
)

// Ticket is the issuer-signed credential a holder proves possession of.
type Ticket struct {
	TicketID           string      `json:"ticketId"`
	EventID            string      `json:"eventId"`
	ProductID          string      `json:"productId"`
	AttendeeCommitment common.Hash `json:"attendeeCommitment"`
}

func (t Ticket) Validate() error {
	if strings.TrimSpace(t.TicketID) == "" {
		return fmt.Errorf("%w: missing ticketId", ErrInvalidTicket)
	}
	if strings.TrimSpace(t.EventID) == "" {
		return fmt.Errorf("%w: missing eventId", ErrInvalidTicket)
	}
	if t.AttendeeCommitment == (common.Hash{}) {
		return fmt.Errorf("%w: missing attendeeCommitment", ErrInvalidTicket)
	}
	return nil
}

// TicketDigest is keccak256(domain || len||ticketId || len||eventId || len||productId || commitment).
func TicketDigest(t Ticket) common.Hash {
	b := make([]byte, 0, 128)
	b = append(b, ticketDomain...)
	b = appendString(b, t.TicketID)
	b = appendString(b, t.EventID)
	b = appendString(b, t.ProductID)
	b = append(b, t.AttendeeCommitment[:]...)
	return crypto.Keccak256Hash(b)
}

// SignTicket is used by ticket issuers; the signer address becomes the claim's Signer.
func SignTicket(key *ecdsa.PrivateKey, t Ticket) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return signDigest(key, TicketDigest(t))
}

func RecoverTicketSigner(t Ticket, sig []byte) (common.Address, error) {
	return recoverSigner(TicketDigest(t), sig)
}

// IdentityCommitment binds a ticket to a holder secret without revealing it.
func IdentityCommitment(secret common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte(nullifierDomain), []byte("commitment"), secret[:])
}

// NullifierHash is stable per (secret, externalNullifier) and unlinkable across external nullifiers.
func NullifierHash(secret common.Hash, externalNullifier *big.Int) (common.Hash, error) {
	n, err := encodeUint256(externalNullifier)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte(nullifierDomain), secret[:], n), nil
}

func claimDigest(signer common.Address, eventID, productID string, watermark, externalNullifier *big.Int, nullifierHash common.Hash) (common.Hash, error) {
	w, err := encodeUint256(watermark)
	if err != nil {
		return common.Hash{}, fmt.Errorf("watermark: %w", err)
	}
	n, err := encodeUint256(externalNullifier)
	if err != nil {
		return common.Hash{}, fmt.Errorf("externalNullifier: %w", err)
	}
	b := make([]byte, 0, 192)
	b = append(b, claimDomain...)
	b = append(b, signer[:]...)
	b = appendString(b, eventID)
	b = appendString(b, productID)
	b = append(b, w...)
	b = append(b, n...)
	b = append(b, nullifierHash[:]...)
	return crypto.Keccak256Hash(b), nil
}

// signDigest returns a 65-byte signature r || s || v with v normalized to 27/28.
func signDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil {
		return nil, errors.New("ticketpcd: nil private key")
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("ticketpcd: sign digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func appendString(b []byte, s string) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	b = append(b, l[:]...)
	return append(b, s...)
}

func encodeUint256(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, errors.New("nil integer")
	}
	if v.Sign() < 0 {
		return nil, errors.New("integer must be >= 0")
	}
	if v.BitLen() > 256 {
		return nil, errors.New("integer exceeds 256 bits")
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}
