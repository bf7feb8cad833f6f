package azure

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	sdkblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/cloud"
)

const copyPollInterval = time.Second

// BlobClient implements cloud.BlobAPI over per-blob SDK clients. Disk
// backing stores are page BLOBs addressed by URL, so clients are built
// on demand from the parsed reference.
type BlobClient struct {
	cred azcore.TokenCredential
}

func blobURL(ref blob.Ref) string {
	return "https://" + ref.Storage + ".blob.core.windows.net/" + ref.Container + "/" + ref.Name
}

func (c *BlobClient) client(ref blob.Ref, snapshot string) (*sdkblob.Client, error) {
	cl, err := sdkblob.NewClient(blobURL(ref), c.cred, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create BLOB client for %s", blobURL(ref))
	}
	if snapshot != "" {
		cl, err = cl.WithSnapshot(snapshot)
		if err != nil {
			return nil, errors.Wrapf(err, "address snapshot %s of %s", snapshot, blobURL(ref))
		}
	}
	return cl, nil
}

func (c *BlobClient) BlobExists(ctx context.Context, ref blob.Ref, snapshot string) (bool, error) {
	cl, err := c.client(ref, snapshot)
	if err != nil {
		return false, err
	}
	_, err = cl.GetProperties(ctx, nil)
	if err != nil {
		err = translateNotFound(err)
		if cloud.IsNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "probe BLOB %s", blobURL(ref))
	}
	return true, nil
}

func (c *BlobClient) DeleteBlob(ctx context.Context, ref blob.Ref, snapshot string) error {
	cl, err := c.client(ref, snapshot)
	if err != nil {
		return err
	}
	if _, err := cl.Delete(ctx, nil); err != nil {
		return translateNotFound(err)
	}
	return nil
}

func (c *BlobClient) SnapshotBlob(ctx context.Context, ref blob.Ref, metadata map[string]string) (string, error) {
	cl, err := c.client(ref, "")
	if err != nil {
		return "", err
	}
	opts := &sdkblob.CreateSnapshotOptions{}
	if len(metadata) > 0 {
		opts.Metadata = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			opts.Metadata[k] = to.Ptr(v)
		}
	}
	resp, err := cl.CreateSnapshot(ctx, opts)
	if err != nil {
		return "", translateNotFound(err)
	}
	if resp.Snapshot == nil {
		return "", errors.Newf("no snapshot ID returned for BLOB %s", blobURL(ref))
	}
	return *resp.Snapshot, nil
}

// CopyBlob starts a server-side copy and polls until it settles.
func (c *BlobClient) CopyBlob(ctx context.Context, dst blob.Ref, srcURL string) error {
	cl, err := c.client(dst, "")
	if err != nil {
		return err
	}
	if _, err := cl.StartCopyFromURL(ctx, srcURL, nil); err != nil {
		return translateNotFound(err)
	}
	for {
		props, err := cl.GetProperties(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "poll copy into %s", blobURL(dst))
		}
		if props.CopyStatus == nil {
			return errors.Newf("no copy status on BLOB %s", blobURL(dst))
		}
		switch *props.CopyStatus {
		case sdkblob.CopyStatusTypeSuccess:
			return nil
		case sdkblob.CopyStatusTypePending:
		default:
			return errors.Newf("copy into BLOB %s ended as %s: %s",
				blobURL(dst), *props.CopyStatus, deref(props.CopyStatusDescription))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
	}
}
