// Package storage stores message bodies and mirrored tunnel files in an
// S3-compatible bucket.
//
// Message bodies are content-addressed: the key is the BLAKE3 hash of the
// body, so a message delivered twice is stored once. Tunnel mirror objects
// use "host/path" keys.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
)

// ObjectStore is the subset of bucket operations the gateway needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}
	return &S3Storage{Client: client, BucketName: cfg.Bucket}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType, SendContentMd5: true})
	record("PUT", err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}
	return nil
}

// Get downloads an object. A missing key yields consts.ErrS3NotFound.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		record("GET", err)
		return nil, classify(key, err)
	}
	defer obj.Close()

	// GetObject is lazy; the first read surfaces NoSuchKey.
	data, err := io.ReadAll(obj)
	record("GET", err)
	if err != nil {
		return nil, classify(key, err)
	}
	return data, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Delete removes an object; deleting a missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		err = nil
	}
	record("DELETE", err)
	return err
}

func record(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if isNotFound(err) {
			status = "not_found"
		}
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == 404 || resp.Code == "NoSuchKey"
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}

func classify(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", consts.ErrS3NotFound, key)
	}
	return fmt.Errorf("s3 get %s: %w", key, err)
}
