// Package s3 implements blobstore.BlobStore on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/shardedup/blobstore"
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements blobstore.BlobStore for S3.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewStore creates a new S3 blob store. rootPrefix is prepended to all
// keys (e.g. "corpus-v2/").
func NewStore(client Client, bucket, rootPrefix string) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Get reads the whole blob.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, blobstore.ErrNotFound
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Put uploads the whole blob via the transfer manager, which splits
// large bodies into multipart uploads.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	})
	return err
}

// List returns all blob names under prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			name = strings.TrimPrefix(name, "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a blob. S3 deletes are idempotent, so missing keys are
// not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return err
}
