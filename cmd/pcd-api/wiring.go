package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ticketgate/ticketgate/internal/blobstore"
	"github.com/ticketgate/ticketgate/internal/keyfile"
	"github.com/ticketgate/ticketgate/internal/secrets"
)

func openArchive(ctx context.Context, driver, bucket string) (blobstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "":
		return nil, nil
	case blobstore.DriverMemory:
		return blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	case blobstore.DriverS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Bucket:   bucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
}

// loadProverKey returns nil when neither source is configured.
func loadProverKey(ctx context.Context, keyFile, keySecret string, p secrets.Provider) (*ecdsa.PrivateKey, error) {
	switch {
	case keyFile != "" && keySecret != "":
		return nil, fmt.Errorf("use only one of --prover-key-file or --prover-key-secret")
	case keyFile != "":
		return keyfile.Load(keyFile)
	case keySecret != "":
		return secrets.ECDSAKey(ctx, p, keySecret)
	default:
		return nil, nil
	}
}
