package cloudstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the slice of the S3 client this package uses. Tests provide a
// fake; production wiring passes *s3.Client.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Client implements Client over AWS S3.
type S3Client struct {
	api s3API
}

// NewS3Client builds an S3-backed client using the default credential chain.
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Client{api: s3.NewFromConfig(awsCfg)}, nil
}

// NewS3ClientFromAPI wires an existing API handle, used by tests.
func NewS3ClientFromAPI(api s3API) *S3Client {
	return &S3Client{api: api}
}

func (c *S3Client) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: ptr(bucket),
		Key:    ptr(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

func (c *S3Client) Put(ctx context.Context, uri string, body io.Reader) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", uri, err)
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: ptr(bucket),
		Key:    ptr(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", uri, err)
	}
	return nil
}

func (c *S3Client) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := splitURI(prefix)
	if err != nil {
		return nil, err
	}
	var uris []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            ptr(bucket),
			Prefix:            ptr(key),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			uris = append(uris, "s3://"+bucket+"/"+*obj.Key)
		}
		if out.NextContinuationToken == nil {
			return uris, nil
		}
		token = out.NextContinuationToken
	}
}

func (c *S3Client) DeletePrefix(ctx context.Context, prefix string) error {
	bucket, _, err := splitURI(prefix)
	if err != nil {
		return err
	}
	uris, err := c.List(ctx, prefix)
	if err != nil {
		return err
	}
	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(uris); start += 1000 {
		end := min(start+1000, len(uris))
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, uri := range uris[start:end] {
			_, key, err := splitURI(uri)
			if err != nil {
				return err
			}
			objects = append(objects, types.ObjectIdentifier{Key: ptr(key)})
		}
		_, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: ptr(bucket),
			Delete: &types.Delete{Objects: objects, Quiet: ptr(true)},
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", prefix, err)
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func ptr[T any](v T) *T {
	return &v
}
