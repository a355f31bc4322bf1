package cloudstorage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{uri: "s3://bucket/metadata/num_jobs.txt", bucket: "bucket", key: "metadata/num_jobs.txt"},
		{uri: "gs://bucket/logs", bucket: "bucket", key: "logs"},
		{uri: "s3://bucket", bucket: "bucket", key: ""},
		{uri: "bucket/key", wantErr: true},
		{uri: "s3://", wantErr: true},
	}
	for _, tc := range tests {
		bucket, key, err := splitURI(tc.uri)
		if tc.wantErr {
			assert.Error(t, err, tc.uri)
			continue
		}
		require.NoError(t, err, tc.uri)
		assert.Equal(t, tc.bucket, bucket, tc.uri)
		assert.Equal(t, tc.key, key, tc.uri)
	}
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "s3", scheme("s3://bucket/key"))
	assert.Equal(t, "gs", scheme("gs://bucket"))
	assert.Equal(t, "", scheme("bucket/key"))
}

func TestForURIRejectsUnknownScheme(t *testing.T) {
	_, err := ForURI(context.Background(), "ftp://bucket/key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp://bucket/key")
}

func TestMemoryClient(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "s3://bucket/a/one", strings.NewReader("1")))
	require.NoError(t, client.Put(ctx, "s3://bucket/a/two", strings.NewReader("2")))
	require.NoError(t, client.Put(ctx, "s3://bucket/b/three", strings.NewReader("3")))

	data, err := client.Get(ctx, "s3://bucket/a/one")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	_, err = client.Get(ctx, "s3://bucket/a/absent")
	assert.True(t, errors.Is(err, ErrNotFound))

	uris, err := client.List(ctx, "s3://bucket/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/a/one", "s3://bucket/a/two"}, uris)

	require.NoError(t, client.DeletePrefix(ctx, "s3://bucket/a/"))
	assert.Equal(t, 1, client.Len())
}
