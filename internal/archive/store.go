package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the slice of an s3 style bucket the uploader needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	// Stat returns ErrNotFound when key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	PutFile(ctx context.Context, key, path, contentType string) (int64, error)
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	// ListPrefixes returns the "directories" directly under prefix, each
	// ending in a slash.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
}

// ObjectInfo describes a stored object. ETag is the hex md5 of the content
// for objects written in a single part.
type ObjectInfo struct {
	Size int64
	ETag string
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// MinioStore keeps everything in one bucket of a minio (or any s3
// compatible) server.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("init minio: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return ObjectInfo{Size: info.Size, ETag: strings.Trim(info.ETag, `"`)}, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
}

func (s *MinioStore) PutFile(ctx context.Context, key, path, contentType string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Size, nil
}

func (s *MinioStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			out = append(out, obj.Key)
		}
	}
	return out, nil
}

// Get reads an object back, it is only used to verify uploads.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	buff, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buff, nil
}

var ErrNotFound = errors.New("object not found")
