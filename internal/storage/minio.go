package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Resolver fetches job files from an S3-compatible bucket into a local
// spool directory so the host can open them
type S3Resolver struct {
	client   *minio.Client
	bucket   string
	spoolDir string
}

// NewS3Resolver creates a resolver backed by minio-go
func NewS3Resolver(cfg Config) (*S3Resolver, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	spool, err := filepath.Abs(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("invalid spool dir: %w", err)
	}

	return &S3Resolver{client: client, bucket: cfg.Bucket, spoolDir: spool}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// ResolvePathOnDisk downloads <namespace>/<name> unless an up-to-date copy
// is already spooled, and returns the local path
func (r *S3Resolver) ResolvePathOnDisk(ctx context.Context, namespace, name string) (string, error) {
	key, err := objectKey(namespace, name)
	if err != nil {
		return "", err
	}

	info, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrFileNotFound, r.bucket, key)
		}
		return "", fmt.Errorf("failed to stat object: %w", err)
	}

	local := filepath.Join(r.spoolDir, filepath.FromSlash(key))
	if st, err := os.Stat(local); err == nil && st.Size() == info.Size && !st.ModTime().Before(info.LastModified) {
		return local, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}

	// FGetObject downloads to a part file and renames it into place
	if err := r.client.FGetObject(ctx, r.bucket, key, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("failed to download object: %w", err)
	}

	return local, nil
}
