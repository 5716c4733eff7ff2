// Package secrets resolves the bot token and the prover signing key at startup.
//
// Keys may carry a "#field" suffix to select one field of a JSON secret, e.g.
// "ticketgate/prod#telegram_bot_token".
package secrets

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// NewProvider returns the provider for driver: aws (Secrets Manager, default credential chain) or env.
func NewProvider(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverAWS:
		p, err := NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverEnv, "":
		return NewEnv(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// ECDSAKey loads a hex encoded secp256k1 private key.
func ECDSAKey(ctx context.Context, p Provider, key string) (*ecdsa.PrivateKey, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	v, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X"))
	if err != nil {
		// The value itself must never reach logs.
		return nil, fmt.Errorf("%w: secret %q is not a valid secp256k1 key", ErrInvalidConfig, splitKey(key))
	}
	return priv, nil
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field := splitKey(key), fieldOf(key)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	return selectField(id, field, raw)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	name, field := splitKey(key), fieldOf(key)
	if name == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	return selectField(name, field, os.Getenv(name))
}

func splitKey(key string) string {
	id, _, _ := strings.Cut(strings.TrimSpace(key), "#")
	return strings.TrimSpace(id)
}

func fieldOf(key string) string {
	_, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	return strings.TrimSpace(field)
}

func selectField(id, field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	v, ok := fields[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}
