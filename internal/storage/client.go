package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileNotFound is returned when a job file cannot be located
var ErrFileNotFound = errors.New("job file not found")

// Config contains S3 client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	SpoolDir  string
}

// LocalResolver resolves job files inside a local upload directory laid out
// as <root>/<namespace>/<name>
type LocalResolver struct {
	root string
}

// NewLocalResolver creates a resolver rooted at dir
func NewLocalResolver(dir string) (*LocalResolver, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid files dir: %w", err)
	}
	return &LocalResolver{root: root}, nil
}

// ResolvePathOnDisk returns the absolute path of an existing job file
func (r *LocalResolver) ResolvePathOnDisk(ctx context.Context, namespace, name string) (string, error) {
	rel, err := objectKey(namespace, name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(r.root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat job file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrFileNotFound, rel)
	}

	return path, nil
}

// objectKey joins namespace and name into a clean relative key and rejects
// anything that would escape the root
func objectKey(namespace, name string) (string, error) {
	name = strings.TrimLeft(filepath.ToSlash(name), "/")
	if name == "" {
		return "", fmt.Errorf("job file name cannot be empty")
	}

	key := name
	if namespace != "" {
		key = namespace + "/" + name
	}
	key = filepath.ToSlash(filepath.Clean(key))

	if key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("job file %q escapes the storage root", name)
	}
	return key, nil
}
