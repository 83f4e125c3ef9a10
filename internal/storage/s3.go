package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/oshokin/dump-fetcher/internal/logger"
)

// S3Config encapsulates the connection info for S3-compatible storage.
type S3Config struct {
	// Endpoint is host[:port], optionally with an http(s) scheme.
	Endpoint string
	// AccessKey and SecretKey are optional; the AWS credential chain is used when empty.
	AccessKey string
	SecretKey string
	// Region avoids a bucket location lookup.
	Region string
	// Insecure disables TLS when the endpoint has no scheme.
	Insecure bool
}

// errEndpointRequired is returned when no endpoint is configured.
var errEndpointRequired = errors.New("storage endpoint must be provided")

// S3Store implements ObjectStore on top of minio-go.
type S3Store struct {
	client *minio.Client
}

// NewS3Store creates a client for the configured endpoint.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errEndpointRequired
	}

	secure := !cfg.Insecure

	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}

	endpoint = strings.TrimSuffix(endpoint, "/")

	var creds *credentials.Credentials
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &S3Store{client: client}, nil
}

// Upload implements ObjectStore.
func (s *S3Store) Upload(ctx context.Context, bucket, key, localPath string) (bool, error) {
	ctx = logger.WithName(ctx, "storage")

	info, err := os.Stat(localPath)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", localPath, err)
	}

	existing, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})

	switch {
	case err == nil && existing.Size == info.Size():
		logger.InfoKV(ctx, "Object already stored, skipping upload", "key", key, "size", existing.Size)
		return false, nil
	case err == nil:
		logger.WarnKV(ctx, "Stored object differs in size, replacing it",
			"key", key, "stored", existing.Size, "local", info.Size())
	case !isNotFound(err):
		return false, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}

	logger.InfoKV(ctx, "Uploading object", "key", key, "size", info.Size())

	_, err = s.client.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return false, fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}

	return true, nil
}

// List implements ObjectStore.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object

	for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, object.Err)
		}

		objects = append(objects, Object{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})

	return objects, nil
}

// isNotFound reports whether a stat error means the object does not exist.
func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)

	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

var _ ObjectStore = (*S3Store)(nil)
