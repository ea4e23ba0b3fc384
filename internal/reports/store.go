package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config is the object-store connection for generated reports.
type Config struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Region          string `json:"region" mapstructure:"region"`
}

// DefaultConfig returns the local development defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint: "localhost:9000",
		Bucket:   "recon-reports",
	}
}

// Store writes reconciliation reports to S3-compatible object storage.
// The pipeline only ever writes here; readers are external.
type Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New connects to the object store and ensures the report bucket exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("reports: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("reports: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("reports: create client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket, logger: logger.Named("reports")}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("reports: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("reports: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return s, nil
}

// PutReport stores one rendered report and returns its object key. Keys are
// date-partitioned so a day's reports list together.
func (s *Store) PutReport(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%s", time.Now().UTC().Format("2006-01-02"), name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("reports: put %s: %w", key, err)
	}
	s.logger.Info("report stored",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return key, nil
}

// GetReport reads one stored report back, for the management API.
func (s *Store) GetReport(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("reports: get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reports: read %s: %w", key, err)
	}
	return data, nil
}
