package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/menta2k/floorplan-analyzer/internal/utils"
	"github.com/menta2k/floorplan-analyzer/pkg/client"
)

// AzureStore keeps blobs in one Azure Storage container
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore connects with a storage account connection string
func NewAzureStore(connectionString, container string) (*AzureStore, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("blob connection string is empty")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is empty")
	}
	cl, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}
	return &AzureStore{client: cl, container: container}, nil
}

// EnsureContainer creates the container unless it already exists
func (s *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", s.container, err)
	}
	return nil
}

// Upload stores data under key and returns the blob URL
func (s *AzureStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	contentType := utils.MIMEType(key)
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.blobURL(key), nil
}

// Download fetches a blob; a missing key yields client.ErrNotFound
func (s *AzureStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%s: %w", key, client.ErrNotFound)
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *AzureStore) blobURL(key string) string {
	return strings.TrimSuffix(s.client.URL(), "/") + "/" + url.PathEscape(s.container) + "/" + key
}
