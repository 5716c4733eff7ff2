package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidRequest = errors.New("idempotency: invalid request")

const proveRequestDomain = "TICKETGATE_PROVE_V1"

// ProveRequestHashV1 computes the dedup key of a proof generation request:
// keccak256(domain || canonical_json({"args": args, "pcdType": pcdType})).
//
// Canonical JSON sorts object keys at every depth and drops insignificant whitespace,
// so two requests with equal content hash equal regardless of field order.
func ProveRequestHashV1(pcdType string, args json.RawMessage) (common.Hash, error) {
	pcdType = strings.TrimSpace(pcdType)
	if pcdType == "" {
		return common.Hash{}, fmt.Errorf("%w: missing pcd type", ErrInvalidRequest)
	}
	canonicalArgs, err := CanonicalJSON(args)
	if err != nil {
		return common.Hash{}, err
	}

	body, err := json.Marshal(struct {
		Args    json.RawMessage `json:"args"`
		PCDType string          `json:"pcdType"`
	}{
		Args:    canonicalArgs,
		PCDType: pcdType,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: encode request: %v", ErrInvalidRequest, err)
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(proveRequestDomain))
	_, _ = h.Write(body)
	return common.BytesToHash(h.Sum(nil)), nil
}

// CanonicalJSON re-encodes raw with sorted object keys. Empty input encodes as null.
func CanonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode args: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after args", ErrInvalidRequest)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode args: %v", ErrInvalidRequest, err)
	}
	return out, nil
}
