// Package ticketpcd implements attested ticket proofs.
//
// The proving service checks an issuer-signed ticket against the holder's identity secret and
// attests only the disclosed claim (event, product, issuer, watermark, nullifier). The ticket id
// and the holder identity never appear in a proof, so two proofs from the same holder are
// unlinkable except through a shared external nullifier.
package ticketpcd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ticketgate/ticketgate/internal/pcd"
)

const Name = "ticket-attestation-pcd"

type Config struct {
	// ProverKey attests claims. Verification-only deployments leave it nil and set ProverAddress.
	ProverKey     *ecdsa.PrivateKey
	ProverAddress common.Address
}

type Package struct {
	key    *ecdsa.PrivateKey
	prover common.Address
}

func New(cfg Config) (*Package, error) {
	prover := cfg.ProverAddress
	if cfg.ProverKey != nil {
		derived := crypto.PubkeyToAddress(cfg.ProverKey.PublicKey)
		if prover != (common.Address{}) && prover != derived {
			return nil, fmt.Errorf("%w: prover address does not match prover key", pcd.ErrInvalidConfig)
		}
		prover = derived
	}
	if prover == (common.Address{}) {
		return nil, fmt.Errorf("%w: prover key or address is required", pcd.ErrInvalidConfig)
	}
	return &Package{key: cfg.ProverKey, prover: prover}, nil
}

func (p *Package) Name() string { return Name }

func (p *Package) ProverAddress() common.Address { return p.prover }

// Proof is an attested claim.
type Proof struct {
	claim       pcd.Claim
	attestation []byte
}

func (p *Proof) Type() string { return Name }

func (p *Proof) Claim() pcd.Claim {
	c := p.claim
	c.Watermark = new(big.Int).Set(p.claim.Watermark)
	c.ExternalNullifier = new(big.Int).Set(p.claim.ExternalNullifier)
	return c
}

// ProveArgs is the JSON body of a proof request for this package.
type ProveArgs struct {
	Ticket            Ticket `json:"ticket"`
	IssuerSignature   string `json:"issuerSignature"`
	IdentitySecret    string `json:"identitySecret"`
	Watermark         string `json:"watermark"`
	ExternalNullifier string `json:"externalNullifier"`
}

func (p *Package) Prove(ctx context.Context, raw json.RawMessage) (pcd.Proof, error) {
	if p.key == nil {
		return nil, fmt.Errorf("%w: package has no prover key", pcd.ErrInvalidConfig)
	}
	var args ProveArgs
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", pcd.ErrInvalidArgs, err)
	}
	if err := args.Ticket.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pcd.ErrInvalidArgs, err)
	}
	issuerSig, err := decodeHex(args.IssuerSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: issuerSignature: %v", pcd.ErrInvalidArgs, err)
	}
	issuer, err := RecoverTicketSigner(args.Ticket, issuerSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pcd.ErrInvalidArgs, err)
	}
	secret, err := parseHash32(args.IdentitySecret)
	if err != nil {
		return nil, fmt.Errorf("%w: identitySecret: %v", pcd.ErrInvalidArgs, err)
	}
	if IdentityCommitment(secret) != args.Ticket.AttendeeCommitment {
		return nil, fmt.Errorf("%w: identity does not hold ticket", pcd.ErrInvalidArgs)
	}
	watermark, err := parseUint(args.Watermark)
	if err != nil {
		return nil, fmt.Errorf("%w: watermark: %v", pcd.ErrInvalidArgs, err)
	}
	externalNullifier, err := parseUint(args.ExternalNullifier)
	if err != nil {
		return nil, fmt.Errorf("%w: externalNullifier: %v", pcd.ErrInvalidArgs, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nullifier, err := NullifierHash(secret, externalNullifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pcd.ErrInvalidArgs, err)
	}
	claim := pcd.Claim{
		Signer:            issuer,
		EventID:           strings.TrimSpace(args.Ticket.EventID),
		ProductID:         strings.TrimSpace(args.Ticket.ProductID),
		Watermark:         watermark,
		ExternalNullifier: externalNullifier,
		NullifierHash:     nullifier,
	}
	digest, err := claimDigest(claim.Signer, claim.EventID, claim.ProductID, claim.Watermark, claim.ExternalNullifier, claim.NullifierHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pcd.ErrInvalidArgs, err)
	}
	sig, err := signDigest(p.key, digest)
	if err != nil {
		return nil, err
	}
	return &Proof{claim: claim, attestation: sig}, nil
}

type wireProof struct {
	Version           string `json:"version"`
	Signer            string `json:"signer"`
	EventID           string `json:"eventId"`
	ProductID         string `json:"productId"`
	Watermark         string `json:"watermark"`
	ExternalNullifier string `json:"externalNullifier"`
	NullifierHash     string `json:"nullifierHash"`
	Attestation       string `json:"attestation"`
}

const wireVersion = "ticketpcd.v1"

func (p *Package) Serialize(proof pcd.Proof) ([]byte, error) {
	tp, ok := proof.(*Proof)
	if !ok || tp == nil {
		return nil, fmt.Errorf("%w: not a %s proof", pcd.ErrUnsupportedType, Name)
	}
	return json.Marshal(wireProof{
		Version:           wireVersion,
		Signer:            tp.claim.Signer.Hex(),
		EventID:           tp.claim.EventID,
		ProductID:         tp.claim.ProductID,
		Watermark:         tp.claim.Watermark.String(),
		ExternalNullifier: tp.claim.ExternalNullifier.String(),
		NullifierHash:     tp.claim.NullifierHash.Hex(),
		Attestation:       "0x" + hex.EncodeToString(tp.attestation),
	})
}

func (p *Package) Deserialize(raw []byte) (pcd.Proof, error) {
	var w wireProof
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", pcd.ErrDeserialization, err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", pcd.ErrDeserialization, w.Version)
	}
	if !common.IsHexAddress(w.Signer) {
		return nil, fmt.Errorf("%w: invalid signer", pcd.ErrDeserialization)
	}
	if strings.TrimSpace(w.EventID) == "" {
		return nil, fmt.Errorf("%w: missing eventId", pcd.ErrDeserialization)
	}
	watermark, err := parseUint(w.Watermark)
	if err != nil {
		return nil, fmt.Errorf("%w: watermark: %v", pcd.ErrDeserialization, err)
	}
	externalNullifier, err := parseUint(w.ExternalNullifier)
	if err != nil {
		return nil, fmt.Errorf("%w: externalNullifier: %v", pcd.ErrDeserialization, err)
	}
	nullifier, err := parseHash32(w.NullifierHash)
	if err != nil {
		return nil, fmt.Errorf("%w: nullifierHash: %v", pcd.ErrDeserialization, err)
	}
	attestation, err := decodeHex(w.Attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation: %v", pcd.ErrDeserialization, err)
	}
	if len(attestation) != 65 {
		return nil, fmt.Errorf("%w: attestation must be 65 bytes", pcd.ErrDeserialization)
	}
	return &Proof{
		claim: pcd.Claim{
			Signer:            common.HexToAddress(w.Signer),
			EventID:           w.EventID,
			ProductID:         w.ProductID,
			Watermark:         watermark,
			ExternalNullifier: externalNullifier,
			NullifierHash:     nullifier,
		},
		attestation: attestation,
	}, nil
}

// Verify reports whether the attestation was produced by this deployment's prover over the
// disclosed claim. A forged or altered claim is (false, nil); a foreign proof type is an error.
func (p *Package) Verify(_ context.Context, proof pcd.Proof) (bool, error) {
	tp, ok := proof.(*Proof)
	if !ok || tp == nil {
		return false, fmt.Errorf("%w: not a %s proof", pcd.ErrUnsupportedType, Name)
	}
	digest, err := claimDigest(tp.claim.Signer, tp.claim.EventID, tp.claim.ProductID, tp.claim.Watermark, tp.claim.ExternalNullifier, tp.claim.NullifierHash)
	if err != nil {
		return false, nil
	}
	got, err := recoverSigner(digest, tp.attestation)
	if err != nil {
		return false, nil
	}
	return got == p.prover, nil
}

func parseUint(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty value")
	}
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal")
	}
	if out.Sign() < 0 {
		return nil, fmt.Errorf("must be >= 0")
	}
	if out.BitLen() > 256 {
		return nil, fmt.Errorf("exceeds 256 bits")
	}
	return out, nil
}

func parseHash32(v string) (common.Hash, error) {
	b, err := decodeHex(v)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func decodeHex(v string) ([]byte, error) {
	s := strings.TrimSpace(v)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	return hex.DecodeString(s)
}
