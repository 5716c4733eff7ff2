// Package blobstore is the write-once archive for forwarded anonymous messages. Keys are logical
// paths; a store places them under its configured prefix and never overwrites an object.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxReadBytes int64 = 1 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrExists        = errors.New("blobstore: object exists")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

type Store interface {
	// Create stores obj under key, failing with ErrExists when the key is taken.
	Create(ctx context.Context, key string, obj Object) error
	Read(ctx context.Context, key string) (Object, error)
}

// Object is an archived payload. Metadata keys are lower-cased on write.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
	// Created is set by the store.
	Created time.Time
}

type Config struct {
	// Driver is s3 or memory. Empty means s3.
	Driver string
	Prefix string

	// MaxReadBytes bounds Read. Defaults to 1 MiB.
	MaxReadBytes int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case DriverMemory:
		return &memoryStore{prefix: prefix, objects: make(map[string]Object)}, nil
	case DriverS3, "":
		return newS3Store(cfg, prefix)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// fullKey checks a logical key and places it under prefix. Keys must already be clean paths.
func fullKey(prefix, key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: %q must be a relative object path", ErrInvalidKey, key)
	}
	if path.Clean(key) != key || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %q is not a clean path", ErrInvalidKey, key)
	}
	if strings.IndexFunc(key, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }) >= 0 {
		return "", fmt.Errorf("%w: %q contains spaces or control characters", ErrInvalidKey, key)
	}
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}

func normalizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out[k] = v
		}
	}
	return out
}
