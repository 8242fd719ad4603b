package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// AzureBlobConfig configures the Azure Blob Storage backend, an alternate
// object store for operators running in Azure rather than AWS.
type AzureBlobConfig struct {
	ServiceURL    string // e.g. "https://<account>.blob.core.windows.net"
	ContainerName string
	Prefix        string // blob name prefix, default "snapshots/"
}

// AzureBlobStore persists snapshots as one JSON blob per ID, mirroring
// S3Store's layout and semantics under a different cloud provider.
type AzureBlobStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBlobStore creates an AzureBlobStore authenticated via the default
// Azure credential chain (managed identity, environment, CLI login).
func NewAzureBlobStore(cfg AzureBlobConfig) (*AzureBlobStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azureblobstore: failed to create credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.ServiceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblobstore: failed to create client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "snapshots/"
	}
	return &AzureBlobStore{client: client, container: cfg.ContainerName, prefix: prefix}, nil
}

func (a *AzureBlobStore) blobName(id string) string {
	return fmt.Sprintf("%s%s.json", a.prefix, id)
}

// Save uploads snapshot as a JSON blob, overwriting any prior version.
func (a *AzureBlobStore) Save(snapshot types.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("azureblobstore: marshal: %w", err)
	}
	ctx := context.Background()
	_, err = a.client.UploadBuffer(ctx, a.container, a.blobName(snapshot.ID), raw, nil)
	if err != nil {
		return fmt.Errorf("azureblobstore: upload %s: %w", snapshot.ID, err)
	}
	return nil
}

// Load downloads and unmarshals the snapshot for id, returning nil if absent.
func (a *AzureBlobStore) Load(id string) (*types.Snapshot, error) {
	ctx := context.Background()
	resp, err := a.client.DownloadStream(ctx, a.container, a.blobName(id), nil)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("azureblobstore: download %s: %w", id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azureblobstore: read %s: %w", id, err)
	}
	var snapshot types.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("azureblobstore: decode %s: %w", id, err)
	}
	return &snapshot, nil
}

// List enumerates every blob under Prefix and loads each one.
func (a *AzureBlobStore) List() ([]types.Snapshot, error) {
	ctx := context.Background()
	var out []types.Snapshot

	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &a.prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azureblobstore: list: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || !strings.HasSuffix(*item.Name, ".json") {
				continue
			}
			resp, err := a.client.DownloadStream(ctx, a.container, *item.Name, nil)
			if err != nil {
				return nil, fmt.Errorf("azureblobstore: list download %s: %w", *item.Name, err)
			}
			raw, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("azureblobstore: list read %s: %w", *item.Name, err)
			}
			var snapshot types.Snapshot
			if err := json.Unmarshal(raw, &snapshot); err != nil {
				return nil, fmt.Errorf("azureblobstore: list decode %s: %w", *item.Name, err)
			}
			out = append(out, snapshot)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Delete removes the blob for id, reporting whether it existed.
func (a *AzureBlobStore) Delete(id string) (bool, error) {
	existed, err := a.Exists(id)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	ctx := context.Background()
	_, err = a.client.DeleteBlob(ctx, a.container, a.blobName(id), nil)
	if err != nil {
		return false, fmt.Errorf("azureblobstore: delete %s: %w", id, err)
	}
	return true, nil
}

// Exists checks blob presence via a properties fetch.
func (a *AzureBlobStore) Exists(id string) (bool, error) {
	ctx := context.Background()
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(a.blobName(id))
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("azureblobstore: properties %s: %w", id, err)
	}
	return true, nil
}

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}
