package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the part of *s3.Client the archive calls.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Store struct {
	client   S3Client
	bucket   string
	prefix   string
	maxBytes int64
}

func newS3Store(cfg Config, prefix string) (*s3Store, error) {
	s := &s3Store{client: cfg.S3Client, bucket: strings.TrimSpace(cfg.Bucket), prefix: prefix, maxBytes: cfg.MaxReadBytes}
	switch {
	case s.bucket == "":
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	case s.client == nil:
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxReadBytes
	}
	return s, nil
}

// Create uses a conditional put so a concurrent writer cannot replace an archived object.
func (s *s3Store) Create(ctx context.Context, key string, obj Object) error {
	full, err := fullKey(s.prefix, key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(obj.Data),
		IfNoneMatch: aws.String("*"),
		Metadata:    normalizeMetadata(obj.Metadata),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		switch apiErrorCode(err) {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("blobstore/s3: create %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Read(ctx context.Context, key string) (Object, error) {
	full, err := fullKey(s.prefix, key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(full)})
	if err != nil {
		switch apiErrorCode(err) {
		case "NoSuchKey", "NotFound":
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: read %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %s body: %w", key, err)
	}
	if int64(len(data)) > s.maxBytes {
		return Object{}, fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, key, s.maxBytes)
	}
	return Object{
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		Metadata:    normalizeMetadata(out.Metadata),
		Created:     aws.ToTime(out.LastModified).UTC(),
	}, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
