package spool

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/mxrelay/mxrelay/framework/buffer"
)

// S3MessageStore stores bodies as objects in an S3-compatible bucket,
// grounded on internal/storage/blob/s3's minio.Client wrapper, adapted
// from a module.BlobStore (keyed by caller-chosen key) to MessageStore
// (keyed by a generated rawRef token it returns from Store).
type S3MessageStore struct {
	client       *minio.Client
	bucket       string
	objectPrefix string
}

func NewS3MessageStore(client *minio.Client, bucket, objectPrefix string) *S3MessageStore {
	return &S3MessageStore{client: client, bucket: bucket, objectPrefix: objectPrefix}
}

func (s *S3MessageStore) key(rawRef string) string { return s.objectPrefix + rawRef }

func (s *S3MessageStore) Store(ctx context.Context, _ string, receivedHeader string, raw io.Reader) (string, error) {
	rawRef := uniqueToken()
	combined := io.MultiReader(newStringReader(receivedHeader), raw)
	if _, err := s.client.PutObject(ctx, s.bucket, s.key(rawRef), combined, -1, minio.PutObjectOptions{
		PartSize: 1 * 1024 * 1024,
	}); err != nil {
		return "", fmt.Errorf("spool: s3 PutObject: %w", err)
	}
	return rawRef, nil
}

func (s *S3MessageStore) Open(ctx context.Context, rawRef string) (buffer.Buffer, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(rawRef), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, err
	}
	obj.Close()
	return &s3Buffer{store: s, rawRef: rawRef, size: int(info.Size)}, nil
}

func (s *S3MessageStore) Remove(ctx context.Context, rawRef string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.key(rawRef), minio.RemoveObjectOptions{})
}

var _ MessageStore = (*S3MessageStore)(nil)

// s3Buffer implements buffer.Buffer by re-opening the S3 object on every
// Open call, matching the interface's "open many times, once per
// redelivery attempt" contract.
type s3Buffer struct {
	store  *S3MessageStore
	rawRef string
	size   int
}

func (b *s3Buffer) Open() (io.ReadCloser, error) {
	return b.store.client.GetObject(context.Background(), b.store.bucket, b.store.key(b.rawRef), minio.GetObjectOptions{})
}

func (b *s3Buffer) Len() int { return b.size }

func (b *s3Buffer) Remove() error { return b.store.Remove(context.Background(), b.rawRef) }

var _ buffer.Buffer = (*s3Buffer)(nil)
