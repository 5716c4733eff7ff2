// Package verifier checks presented proofs against the deployment policy and the watermark the
// caller expects. Checks run in a fixed order and the first failure is returned.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ticketgate/ticketgate/internal/pcd"
)

var (
	ErrDeserialization   = errors.New("verifier: deserialization failed")
	ErrInvalidProof      = errors.New("verifier: invalid proof")
	ErrSignerMismatch    = errors.New("verifier: signer mismatch")
	ErrEventNotAllowed   = errors.New("verifier: event not allowed")
	ErrWatermarkMismatch = errors.New("verifier: watermark mismatch")
	ErrInvalidConfig     = errors.New("verifier: invalid config")
)

// Decoder turns a serialized envelope into a proof and the package able to check it.
type Decoder interface {
	Deserialize(raw []byte) (pcd.Proof, pcd.Package, error)
}

// EventLookup reports whether an event is known to the event registry.
type EventLookup interface {
	EventRegistered(ctx context.Context, eventID string) (bool, error)
}

// Expectation is the per-call context a proof must match.
type Expectation struct {
	Watermark *big.Int
	// AcceptRegisteredEvents admits registered events for this call in addition to the policy.
	AcceptRegisteredEvents bool
}

// VerifiedCredential is never persisted; only its consequences are.
type VerifiedCredential struct {
	Signer            common.Address
	EventID           string
	ProductID         string
	Watermark         *big.Int
	ExternalNullifier *big.Int
	NullifierHash     common.Hash
	RawProof          []byte
}

type Verifier struct {
	policy  Policy
	decoder Decoder
	events  EventLookup
}

// New returns a Verifier. events may be nil when neither the policy nor any caller accepts
// registered events.
func New(policy Policy, decoder Decoder, events EventLookup) (*Verifier, error) {
	if decoder == nil {
		return nil, fmt.Errorf("%w: nil decoder", ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.AcceptRegisteredEvents && events == nil {
		return nil, fmt.Errorf("%w: accept_registered_events requires an event registry", ErrInvalidConfig)
	}
	policy.AllowedEventIDs = normalizeEventIDs(policy.AllowedEventIDs)
	return &Verifier{policy: policy, decoder: decoder, events: events}, nil
}

func (v *Verifier) Policy() Policy {
	p := v.policy
	p.AllowedEventIDs = append([]string(nil), v.policy.AllowedEventIDs...)
	return p
}

func (v *Verifier) Verify(ctx context.Context, raw []byte, exp Expectation) (VerifiedCredential, error) {
	if exp.Watermark == nil {
		return VerifiedCredential{}, fmt.Errorf("%w: expected watermark is required", ErrInvalidConfig)
	}

	proof, pkg, err := v.decoder.Deserialize(raw)
	if err != nil {
		return VerifiedCredential{}, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	ok, err := pkg.Verify(ctx, proof)
	if err != nil {
		return VerifiedCredential{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !ok {
		return VerifiedCredential{}, ErrInvalidProof
	}

	claim := proof.Claim()
	if claim.Signer != v.policy.Signer {
		return VerifiedCredential{}, fmt.Errorf("%w: got %s", ErrSignerMismatch, claim.Signer.Hex())
	}

	if err := v.checkEvent(ctx, claim.EventID, exp); err != nil {
		return VerifiedCredential{}, err
	}

	if claim.Watermark == nil || claim.Watermark.Cmp(exp.Watermark) != 0 {
		return VerifiedCredential{}, ErrWatermarkMismatch
	}

	return VerifiedCredential{
		Signer:            claim.Signer,
		EventID:           claim.EventID,
		ProductID:         claim.ProductID,
		Watermark:         new(big.Int).Set(claim.Watermark),
		ExternalNullifier: cloneInt(claim.ExternalNullifier),
		NullifierHash:     claim.NullifierHash,
		RawProof:          append([]byte(nil), raw...),
	}, nil
}

// VerifyOnly runs only the structural check: deserialize and package verification.
func (v *Verifier) VerifyOnly(ctx context.Context, raw []byte) (bool, error) {
	proof, pkg, err := v.decoder.Deserialize(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	ok, err := pkg.Verify(ctx, proof)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (v *Verifier) checkEvent(ctx context.Context, eventID string, exp Expectation) error {
	if v.policy.allows(eventID) {
		return nil
	}
	if !v.policy.AcceptRegisteredEvents && !exp.AcceptRegisteredEvents {
		return fmt.Errorf("%w: %q", ErrEventNotAllowed, eventID)
	}
	if v.events == nil {
		return fmt.Errorf("%w: %q", ErrEventNotAllowed, eventID)
	}
	registered, err := v.events.EventRegistered(ctx, eventID)
	if err != nil {
		return fmt.Errorf("verifier: event lookup: %w", err)
	}
	if !registered {
		return fmt.Errorf("%w: %q", ErrEventNotAllowed, eventID)
	}
	return nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
