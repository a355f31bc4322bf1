package cloudstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keys objects by bucket/key and pages listings so the pagination
// and batching paths get exercised.
type fakeS3 struct {
	objects  map[string][]byte
	pageSize int
	deletes  []int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 1000}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for path := range f.objects {
		bucket, key, _ := strings.Cut(path, "/")
		if bucket == *in.Bucket && strings.HasPrefix(key, *in.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		var err error
		start, err = strconv.Atoi(*in.ContinuationToken)
		if err != nil {
			return nil, err
		}
	}
	end := min(start+f.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		key := key
		out.Contents = append(out.Contents, types.Object{Key: &key})
	}
	if end < len(keys) {
		token := strconv.Itoa(end)
		out.NextContinuationToken = &token
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deletes = append(f.deletes, len(in.Delete.Objects))
	for _, obj := range in.Delete.Objects {
		delete(f.objects, *in.Bucket+"/"+*obj.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3PutGetRoundTrip(t *testing.T) {
	client := NewS3ClientFromAPI(newFakeS3())
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "s3://bucket/metadata/num_jobs.txt", strings.NewReader("42")))
	data, err := client.Get(ctx, "s3://bucket/metadata/num_jobs.txt")
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))
}

func TestS3GetMissingObject(t *testing.T) {
	client := NewS3ClientFromAPI(newFakeS3())

	_, err := client.Get(context.Background(), "s3://bucket/metadata/absent.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "s3://bucket/metadata/absent.txt")
}

func TestS3ListPaginates(t *testing.T) {
	api := newFakeS3()
	api.pageSize = 2
	client := NewS3ClientFromAPI(api)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("s3://bucket/query_batches/batch_%03d.fa", i)
		require.NoError(t, client.Put(ctx, uri, strings.NewReader(">q\nA\n")))
	}
	require.NoError(t, client.Put(ctx, "s3://bucket/metadata/other.txt", strings.NewReader("x")))

	uris, err := client.List(ctx, "s3://bucket/query_batches/")
	require.NoError(t, err)
	require.Len(t, uris, 5)
	assert.Equal(t, "s3://bucket/query_batches/batch_000.fa", uris[0])
	assert.Equal(t, "s3://bucket/query_batches/batch_004.fa", uris[4])
}

func TestS3DeletePrefixBatchesByThousand(t *testing.T) {
	api := newFakeS3()
	client := NewS3ClientFromAPI(api)
	ctx := context.Background()

	for i := 0; i < 1500; i++ {
		uri := fmt.Sprintf("s3://bucket/query_batches/batch_%04d.fa", i)
		require.NoError(t, client.Put(ctx, uri, strings.NewReader(">q\nA\n")))
	}

	require.NoError(t, client.DeletePrefix(ctx, "s3://bucket/query_batches/"))
	assert.Equal(t, []int{1000, 500}, api.deletes)
	assert.Empty(t, api.objects)
}

func TestS3DeleteEmptyPrefix(t *testing.T) {
	client := NewS3ClientFromAPI(newFakeS3())
	assert.NoError(t, client.DeletePrefix(context.Background(), "s3://bucket/nothing/"))
}
