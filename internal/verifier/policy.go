package verifier

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Policy is the deployment-wide verification configuration. It is resolved once at startup.
type Policy struct {
	Signer          common.Address
	AllowedEventIDs []string
	// AcceptRegisteredEvents admits any event known to the event registry in every context.
	AcceptRegisteredEvents bool
}

type policyFile struct {
	Signer                 string   `yaml:"signer"`
	AllowedEventIDs        []string `yaml:"allowed_event_ids"`
	AcceptRegisteredEvents bool     `yaml:"accept_registered_events"`
}

func (p Policy) Validate() error {
	if p.Signer == (common.Address{}) {
		return fmt.Errorf("%w: signer is required", ErrInvalidConfig)
	}
	for _, id := range p.AllowedEventIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty event id in allowlist", ErrInvalidConfig)
		}
	}
	return nil
}

func (p Policy) allows(eventID string) bool {
	return slices.Contains(p.AllowedEventIDs, eventID)
}

// ParsePolicy decodes a YAML policy document:
//
//	signer: "0x..."
//	allowed_event_ids: ["evt-1", "evt-2"]
//	accept_registered_events: false
func ParsePolicy(raw []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Policy{}, fmt.Errorf("%w: decode policy: %v", ErrInvalidConfig, err)
	}
	signer := strings.TrimSpace(f.Signer)
	if !common.IsHexAddress(signer) {
		return Policy{}, fmt.Errorf("%w: signer must be a hex address", ErrInvalidConfig)
	}
	p := Policy{
		Signer:                 common.HexToAddress(signer),
		AllowedEventIDs:        normalizeEventIDs(f.AllowedEventIDs),
		AcceptRegisteredEvents: f.AcceptRegisteredEvents,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: read policy: %v", ErrInvalidConfig, err)
	}
	return ParsePolicy(raw)
}

func normalizeEventIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SplitEventIDs parses a comma separated allowlist flag.
func SplitEventIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeEventIDs(strings.Split(s, ","))
}
