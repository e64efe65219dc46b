// Package objectstore хранит полные логи упавших job'ов в S3-совместимом хранилище (MinIO).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config — параметры подключения к MinIO.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool

	// Prefix — общий префикс ключей ("stagehand/logs").
	Prefix string
}

// ConfigFromEnv читает MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY,
// MINIO_REGION, MINIO_BUCKET, MINIO_USE_SSL, MINIO_PREFIX.
func ConfigFromEnv() Config {
	cfg := Config{
		Endpoint:  strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Region:    os.Getenv("MINIO_REGION"),
		Bucket:    os.Getenv("MINIO_BUCKET"),
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		Prefix:    os.Getenv("MINIO_PREFIX"),
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "stagehand-logs"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "logs"
	}
	return cfg
}

// Enabled возвращает true, если архив настроен.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("minio credentials are required")
	}
	if c.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	return nil
}

// LogArchive складывает логи в bucket.
type LogArchive struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewLogArchive подключается к MinIO и создаёт bucket при необходимости.
func NewLogArchive(ctx context.Context, cfg Config) (*LogArchive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &LogArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive сохраняет данные под ключом <prefix>/<key> и возвращает s3:// URI.
func (a *LogArchive) Archive(ctx context.Context, key string, data []byte) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("log archive not initialized")
	}

	objectKey := ObjectKey(a.prefix, key)
	_, err := a.client.PutObject(ctx, a.bucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return "s3://" + a.bucket + "/" + objectKey, nil
}

// ObjectKey собирает ключ объекта без ведущих и двойных слэшей.
func ObjectKey(prefix, key string) string {
	return strings.TrimPrefix(path.Join(prefix, key), "/")
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
