// Package pcd defines the proof-carrying-data contracts shared by the proving queue and the
// credential verifier. Concrete proof schemes live in subpackages and register themselves
// with a Registry at startup.
package pcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrDeserialization = errors.New("pcd: deserialization failed")
	ErrUnsupportedType = errors.New("pcd: unsupported type")
	ErrInvalidArgs     = errors.New("pcd: invalid prove args")
	ErrInvalidConfig   = errors.New("pcd: invalid config")
)

// Claim is the set of fields a proof discloses.
type Claim struct {
	Signer            common.Address
	EventID           string
	ProductID         string
	Watermark         *big.Int
	ExternalNullifier *big.Int
	NullifierHash     common.Hash
}

// Proof is a deserialized, not yet verified, proof object.
type Proof interface {
	Type() string
	Claim() Claim
}

// Package is one proof scheme: it can produce, encode, decode and check proofs of its type.
type Package interface {
	Name() string
	Prove(ctx context.Context, args json.RawMessage) (Proof, error)
	Serialize(p Proof) ([]byte, error)
	Deserialize(raw []byte) (Proof, error)
	Verify(ctx context.Context, p Proof) (bool, error)
}

// SerializedPCD is the wire envelope for a proof of any registered type.
type SerializedPCD struct {
	Type string `json:"type"`
	PCD  string `json:"pcd"`
}

func EncodeEnvelope(typ string, body []byte) ([]byte, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidConfig)
	}
	return json.Marshal(SerializedPCD{Type: typ, PCD: string(body)})
}

func DecodeEnvelope(raw []byte) (SerializedPCD, error) {
	var env SerializedPCD
	if err := json.Unmarshal(raw, &env); err != nil {
		return SerializedPCD{}, fmt.Errorf("%w: decode envelope: %v", ErrDeserialization, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return SerializedPCD{}, fmt.Errorf("%w: envelope missing type", ErrDeserialization)
	}
	if strings.TrimSpace(env.PCD) == "" {
		return SerializedPCD{}, fmt.Errorf("%w: envelope missing pcd", ErrDeserialization)
	}
	return env, nil
}

// Registry maps type names to packages. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]Package
}

func NewRegistry(pkgs ...Package) (*Registry, error) {
	r := &Registry{packages: make(map[string]Package)}
	for _, p := range pkgs {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Package) error {
	if p == nil {
		return fmt.Errorf("%w: nil package", ErrInvalidConfig)
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("%w: package has empty name", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.packages[name]; exists {
		return fmt.Errorf("%w: duplicate package %q", ErrInvalidConfig, name)
	}
	r.packages[name] = p
	return nil
}

func (r *Registry) Get(name string) (Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packages[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
	return p, nil
}

// Supported returns registered type names in lexical order.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.packages))
	for name := range r.packages {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Serialize encodes p into a SerializedPCD envelope using its own package.
func (r *Registry) Serialize(p Proof) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil proof", ErrInvalidConfig)
	}
	pkg, err := r.Get(p.Type())
	if err != nil {
		return nil, err
	}
	body, err := pkg.Serialize(p)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(pkg.Name(), body)
}

// Deserialize decodes an envelope and hands the body to the package named by its type.
// Every failure, including an unknown type, is reported as ErrDeserialization.
func (r *Registry) Deserialize(raw []byte) (Proof, Package, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := r.Get(env.Type)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	p, err := pkg.Deserialize([]byte(env.PCD))
	if err != nil {
		if errors.Is(err, ErrDeserialization) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return p, pkg, nil
}
