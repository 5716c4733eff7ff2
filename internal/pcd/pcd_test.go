package pcd

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"slices"
	"testing"
)

type stubProof struct {
	typ   string
	claim Claim
}

func (p stubProof) Type() string  { return p.typ }
func (p stubProof) Claim() Claim { return p.claim }

type stubPackage struct {
	name string
}

func (s stubPackage) Name() string { return s.name }

func (s stubPackage) Prove(_ context.Context, _ json.RawMessage) (Proof, error) {
	return stubProof{typ: s.name, claim: Claim{EventID: "e", Watermark: big.NewInt(1)}}, nil
}

func (s stubPackage) Serialize(p Proof) ([]byte, error) {
	return []byte(p.Claim().EventID), nil
}

func (s stubPackage) Deserialize(raw []byte) (Proof, error) {
	if string(raw) == "bad" {
		return nil, errors.New("bad body")
	}
	return stubProof{typ: s.name, claim: Claim{EventID: string(raw)}}, nil
}

func (s stubPackage) Verify(_ context.Context, _ Proof) (bool, error) { return true, nil }

func TestRegistry_SupportedSortedAndDuplicateRejected(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubPackage{name: "b"}, stubPackage{name: "a"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := r.Supported(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("Supported: got %v", got)
	}
	if err := r.Register(stubPackage{name: "a"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate to fail, got %v", err)
	}
	if err := r.Register(stubPackage{name: " "}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected empty name to fail, got %v", err)
	}
	if _, err := r.Get("c"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestRegistry_EnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubPackage{name: "a"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	raw, err := r.Serialize(stubProof{typ: "a", claim: Claim{EventID: "evt-1"}})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(raw) != `{"type":"a","pcd":"evt-1"}` {
		t.Fatalf("unexpected envelope: %s", raw)
	}
	p, pkg, err := r.Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if pkg.Name() != "a" || p.Claim().EventID != "evt-1" {
		t.Fatalf("unexpected decode: %s %+v", pkg.Name(), p.Claim())
	}
}

func TestRegistry_DeserializeFailuresAreDeserializationErrors(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubPackage{name: "a"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cases := []string{
		`not json`,
		`{"type":"","pcd":"x"}`,
		`{"type":"a","pcd":""}`,
		`{"type":"unknown","pcd":"x"}`,
		`{"type":"a","pcd":"bad"}`,
	}
	for _, raw := range cases {
		if _, _, err := r.Deserialize([]byte(raw)); !errors.Is(err, ErrDeserialization) {
			t.Fatalf("Deserialize(%s): expected ErrDeserialization, got %v", raw, err)
		}
	}
}
