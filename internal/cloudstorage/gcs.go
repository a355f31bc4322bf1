package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSClient implements Client over Google Cloud Storage.
type GCSClient struct {
	client *storage.Client
}

// NewGCSClient builds a GCS-backed client using application default
// credentials.
func NewGCSClient(ctx context.Context) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{client: client}, nil
}

func (c *GCSClient) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := c.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

func (c *GCSClient) Put(ctx context.Context, uri string, body io.Reader) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	writer := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("put %s: %w", uri, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("put %s: %w", uri, err)
	}
	return nil
}

func (c *GCSClient) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := splitURI(prefix)
	if err != nil {
		return nil, err
	}
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: key})
	var uris []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return uris, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		uris = append(uris, "gs://"+bucket+"/"+attrs.Name)
	}
}

func (c *GCSClient) DeletePrefix(ctx context.Context, prefix string) error {
	bucket, _, err := splitURI(prefix)
	if err != nil {
		return err
	}
	uris, err := c.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, uri := range uris {
		_, key, err := splitURI(uri)
		if err != nil {
			return err
		}
		if err := c.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return fmt.Errorf("delete %s: %w", uri, err)
		}
	}
	return nil
}
