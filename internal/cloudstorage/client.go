// Package cloudstorage provides the minimal object-storage capability the
// run state lives on: get, put, list, and prefix delete over a bucket+key
// address space addressed by URI.
package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound reports that the addressed object does not exist.
var ErrNotFound = errors.New("object not found")

// Client is the unified interface over the supported storage providers.
type Client interface {
	// Get reads a whole object. A missing object returns ErrNotFound.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Put writes a whole object, replacing any previous content.
	Put(ctx context.Context, uri string, body io.Reader) error

	// List returns the URIs of all objects under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every object under a prefix. Removing a prefix
	// with no objects is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// ForURI returns a client able to address uri, selected by scheme.
func ForURI(ctx context.Context, uri, region string) (Client, error) {
	switch scheme(uri) {
	case "s3":
		return NewS3Client(ctx, region)
	case "gs":
		return NewGCSClient(ctx)
	}
	return nil, fmt.Errorf("unsupported storage scheme in %q", uri)
}

// splitURI breaks scheme://bucket/key into bucket and key.
func splitURI(uri string) (bucket, key string, err error) {
	rest := uri
	for _, scheme := range []string{"s3://", "gs://"} {
		if strings.HasPrefix(uri, scheme) {
			rest = strings.TrimPrefix(uri, scheme)
			break
		}
	}
	if rest == uri {
		return "", "", fmt.Errorf("uri %q has no storage scheme", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("uri %q has no bucket", uri)
	}
	return bucket, key, nil
}

func scheme(uri string) string {
	s, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return s
}
