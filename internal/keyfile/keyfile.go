// Package keyfile stores secp256k1 keys for the ticket issuer and the proving service as hex
// files.
package keyfile

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPath    = errors.New("keyfile: key path required")
	ErrInvalidAddress = errors.New("keyfile: invalid address")
)

// Load reads a key written by Ensure. A leading 0x is accepted.
func Load(path string) (*ecdsa.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: read %s: %w", path, err)
	}
	key, err := crypto.HexToECDSA(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")))
	if err != nil {
		// The parse error may echo key material.
		return nil, fmt.Errorf("keyfile: parse %s: malformed key", path)
	}
	return key, nil
}

// Ensure loads the key at path, generating and writing a new one when the file is absent. The
// file holds lowercase hex without 0x and has mode 0600 on Unix.
func Ensure(path string) (key *ecdsa.PrivateKey, created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, ErrInvalidPath
	}
	if _, err := os.Stat(path); err == nil {
		key, err := Load(path)
		return key, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("keyfile: stat %s: %w", path, err)
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("keyfile: generate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("keyfile: create dir: %w", err)
	}
	keyHex := strings.ToLower(common.Bytes2Hex(crypto.FromECDSA(key)))
	if err := writeFile0600(path, []byte(keyHex+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func ParseAddress(input string) (common.Address, error) {
	v := strings.TrimSpace(input)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, v)
	}
	return common.HexToAddress(v), nil
}

func writeFile0600(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("keyfile: open %s for write: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("keyfile: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("keyfile: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("keyfile: close %s: %w", path, err)
	}
	return nil
}
