package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const exportURLExpiry = 7 * 24 * time.Hour

// Config untuk koneksi MinIO
type Config struct {
	Endpoint   string
	Region     string
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
}

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
}

// New buat koneksi MinIO
func New(ctx context.Context, cfg Config) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.BucketName)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", cfg.BucketName)
		}
	}

	return &Store{client: cli, bucketName: cfg.BucketName, region: cfg.Region}, nil
}

// PutLogExport implementasi ArtifactStore: upload NDJSON log export and
// return a presigned download URL.
func (s *Store) PutLogExport(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return "", errors.Wrapf(err, "put %s", key)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, exportURLExpiry, nil)
	if err != nil {
		// bucket mungkin public, fallback ke URL langsung
		return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), s.bucketName, key), nil
	}
	return u.String(), nil
}

// Check implements the readiness probe.
func (s *Store) Check(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
