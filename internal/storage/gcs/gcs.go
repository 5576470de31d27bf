// Package gcs implements the Google Cloud Storage archive backend. It supports
// Application Default Credentials, service account keys, Workload Identity, and
// unauthenticated access for the GCS emulator.
package gcs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/gladgrade/portal/internal/config"
	appstorage "github.com/gladgrade/portal/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.AuditArchiveConfig) (appstorage.Store, error) {
		return New(&cfg.GCS)
	})
}

// GCSStore implements appstorage.Store for Google Cloud Storage
type GCSStore struct {
	client *storage.Client
	bucket string
}

// clientOptions translates the archive config into client options.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": credentials_json or credentials_file
//   - "workload_identity": ADC through the GKE metadata server
//   - "none": no credentials, for the GCS emulator
func clientOptions(cfg *appconfig.GCSArchiveConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "none":
		opts = append(opts, option.WithoutAuthentication())
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', 'workload_identity', or 'none')", authMethod)
	}
	return opts, nil
}

// New creates a GCS archive backend
func New(cfg *appconfig.GCSArchiveConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put writes body with its SHA256 in object metadata
func (s *GCSStore) Put(ctx context.Context, key string, body []byte, contentType string) (*appstorage.Object, error) {
	checksum := appstorage.Checksum(body)

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.Metadata = map[string]string{"sha256": checksum}
	if contentType != "" {
		writer.ContentType = contentType
	}

	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.Object{Key: key, Size: int64(len(body)), Checksum: checksum}, nil
}

// Exists checks if key is present
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}
