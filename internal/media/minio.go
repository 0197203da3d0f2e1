package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "cipherchat/pkg/errors"
)

// MinIOBlobStore stores media payloads in a MinIO bucket. The bucket is
// created on construction when missing.
type MinIOBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOBlobStore connects to MinIO and ensures the bucket exists
func NewMinIOBlobStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool) (*MinIOBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOBlobStore{client: client, bucket: bucket}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MinIOBlobStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperrors.StorageError(fmt.Errorf("failed to check bucket: %w", err))
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return apperrors.StorageError(fmt.Errorf("failed to create bucket: %w", err))
	}
	return nil
}

func (s *MinIOBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", apperrors.StorageError(fmt.Errorf("failed to upload object: %w", err))
	}
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL(), s.bucket, key), nil
}

func (s *MinIOBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	key, err := s.objectKey(url)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.StorageError(fmt.Errorf("failed to get object: %w", err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperrors.StorageError(fmt.Errorf("failed to read object: %w", err))
	}
	return data, nil
}

func (s *MinIOBlobStore) Delete(ctx context.Context, url string) error {
	key, err := s.objectKey(url)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.StorageError(fmt.Errorf("failed to delete object: %w", err))
	}
	return nil
}

// objectKey recovers the object key from a URL produced by Put
func (s *MinIOBlobStore) objectKey(url string) (string, error) {
	marker := "/" + s.bucket + "/"
	idx := strings.Index(url, marker)
	if idx < 0 {
		return "", apperrors.InvalidInputError("url does not belong to this blob store")
	}
	return url[idx+len(marker):], nil
}
