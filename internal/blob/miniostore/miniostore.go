// Package miniostore keeps blobs in a MinIO (or other S3-compatible) bucket
// using minio-go.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/blob"
)

// Config describes the MinIO endpoint and bucket.
type Config struct {
	Endpoint       string // host:port, no scheme
	Bucket         string
	Region         string
	AccessKey      string // empty to use the environment credential chain
	SecretKey      string
	Insecure       bool // plain HTTP
	ForcePathStyle bool
}

// Store is a blob.Backend over a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a client for cfg. No request is made until first use.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("miniostore: bucket is required")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	if endpoint == "" {
		return nil, fmt.Errorf("miniostore: endpoint is required")
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("miniostore: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the storage bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return blob.Unavailable("bucket exists", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
			return blob.Unavailable("make bucket", s.bucket, err)
		}
	}
	log.Info().Str("bucket", s.bucket).Msg("created storage bucket")
	return nil
}

// Put uploads data to p.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, p, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return translateError(err, "put", p)
	}
	return nil
}

// Get downloads the object at p.
func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, p, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err, "get", p)
	}
	defer func() { _ = obj.Close() }()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateError(err, "read", p)
	}
	return data, nil
}

// Delete removes the object at p.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, p, minio.RemoveObjectOptions{}); err != nil {
		return translateError(err, "delete", p)
	}
	return nil
}

func translateError(err error, op, p string) error {
	if isNotFound(err) {
		return blob.NotFound(p)
	}
	return blob.Unavailable(op, p, err)
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}
