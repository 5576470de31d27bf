// Package azure implements the Azure Blob Storage archive backend. Objects are
// written as block blobs in a single container with their SHA256 recorded in
// blob metadata.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.AuditArchiveConfig) (storage.Store, error) {
		return New(&cfg.Azure)
	})
}

// AzureStore implements storage.Store for Azure Blob Storage
type AzureStore struct {
	client        *azblob.Client
	containerName string
}

// New creates an Azure Blob archive backend using shared key credentials.
// ServiceURL overrides the default account endpoint, e.g. for Azurite.
func New(cfg *config.AzureArchiveConfig) (*AzureStore, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStore{client: client, containerName: cfg.ContainerName}, nil
}

func (s *AzureStore) blobClient(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)
}

// Put uploads body as a block blob
func (s *AzureStore) Put(ctx context.Context, key string, body []byte, contentType string) (*storage.Object, error) {
	checksum := storage.Checksum(body)

	opts := &blockblob.UploadOptions{
		Metadata: map[string]*string{"sha256": &checksum},
	}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	blockBlob := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
	if _, err := blockBlob.Upload(ctx, streaming.NopCloser(bytes.NewReader(body)), opts); err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.Object{Key: key, Size: int64(len(body)), Checksum: checksum}, nil
}

// Exists checks if key is present
func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blobClient(key).GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get blob properties: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
