package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown driver", Config{Driver: "gcs"}},
		{"s3 without bucket", Config{Driver: DriverS3, S3Client: &fakeS3{}}},
		{"s3 without client", Config{Driver: DriverS3, Bucket: "archive"}},
		{"default driver is s3", Config{}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestMemoryStore_WriteOnce(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: " Memory ", Prefix: "/anon/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	const key = "-1001/2026-03-01/1.json"

	if _, err := store.Read(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read before Create: got %v want ErrNotFound", err)
	}
	data := []byte(`{"message":"hi"}`)
	if err := store.Create(ctx, key, Object{
		Data:        data,
		ContentType: "application/json",
		Metadata:    map[string]string{" Event-ID ": "evt-1", "": "dropped"},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	data[0] = 'X'

	if err := store.Create(ctx, key, Object{Data: []byte("other")}); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create: got %v want ErrExists", err)
	}

	obj, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := string(obj.Data), `{"message":"hi"}`; got != want {
		t.Fatalf("data: got %q want %q", got, want)
	}
	if obj.ContentType != "application/json" || obj.Created.IsZero() {
		t.Fatalf("object: got %+v", obj)
	}
	if len(obj.Metadata) != 1 || obj.Metadata["event-id"] != "evt-1" {
		t.Fatalf("metadata: got %v", obj.Metadata)
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", "/", "/abs", "dir/", " padded", "a b", "a\nb", "a/../b", "..", ".", "a//b"} {
		if err := store.Create(context.Background(), key, Object{}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Create(%q): got %v want ErrInvalidKey", key, err)
		}
	}
}

func TestS3Store_ConditionalCreateAndRead(t *testing.T) {
	t.Parallel()

	const wantKey = "ticketgate/anon/-1001/m.json"
	client := &fakeS3{
		put: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			if aws.ToString(in.Bucket) != "archive" || aws.ToString(in.Key) != wantKey {
				t.Errorf("put target: got %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
			}
			if aws.ToString(in.IfNoneMatch) != "*" {
				t.Errorf("put must be conditional, IfNoneMatch=%q", aws.ToString(in.IfNoneMatch))
			}
			if aws.ToString(in.ContentType) != "application/json" {
				t.Errorf("content type: got %q", aws.ToString(in.ContentType))
			}
			return &s3.PutObjectOutput{}, nil
		},
		get: func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			if aws.ToString(in.Key) != wantKey {
				t.Errorf("get key: got %q", aws.ToString(in.Key))
			}
			return &s3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader(`{}`)),
				ContentType: aws.String("application/json"),
			}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "archive", Prefix: "ticketgate/anon", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := store.Create(ctx, "-1001/m.json", Object{Data: []byte(`{}`), ContentType: "application/json"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	obj, err := store.Read(ctx, "-1001/m.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(obj.Data) != "{}" || obj.ContentType != "application/json" {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestS3Store_ErrorMapping(t *testing.T) {
	t.Parallel()

	client := &fakeS3{
		put: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			if aws.ToString(in.Key) == "taken.json" {
				return nil, apiError{code: "PreconditionFailed"}
			}
			return nil, apiError{code: "AccessDenied"}
		},
		get: func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			if aws.ToString(in.Key) == "missing.json" {
				return nil, apiError{code: "NoSuchKey"}
			}
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("0123456789"))}, nil
		},
	}
	store, err := New(Config{Bucket: "archive", S3Client: client, MaxReadBytes: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := store.Create(ctx, "taken.json", Object{}); !errors.Is(err, ErrExists) {
		t.Fatalf("Create(taken): got %v want ErrExists", err)
	}
	err = store.Create(ctx, "denied.json", Object{})
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" || errors.Is(err, ErrExists) {
		t.Fatalf("Create(denied): expected wrapped AccessDenied, got %v", err)
	}
	if _, err := store.Read(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing): got %v want ErrNotFound", err)
	}
	if _, err := store.Read(ctx, "big.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Read(big): got %v want ErrTooLarge", err)
	}
}

type fakeS3 struct {
	put func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
	get func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.put == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.put(in)
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.get == nil {
		return nil, errors.New("unexpected GetObject")
	}
	return f.get(in)
}

type apiError struct{ code string }

func (e apiError) ErrorCode() string             { return e.code }
func (e apiError) ErrorMessage() string          { return e.code }
func (e apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e apiError) Error() string                 { return "api error " + e.code }
