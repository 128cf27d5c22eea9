// Package storage provides object storage abstractions used to fetch remote
// input files and publish exported query results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage abstracts object storage operations.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload uploads a file to object storage.
	// localPath is the path to the local file to upload.
	// objectPath is the destination path in object storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download downloads a file from object storage.
	// objectPath is the source path in object storage.
	// localPath is the destination path on the local filesystem.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexicographic order. Paths always use forward slashes.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// URI is a parsed "scheme://bucket/key" location.
type URI struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the URI back to its textual form.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Key)
}

// IsRemote reports whether path names an object store location rather than
// a local file.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

// ParseURI splits an object store location into bucket and key.
func ParseURI(path string) (URI, error) {
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok || scheme == "" {
		return URI{}, fmt.Errorf("not an object store URI: %q", path)
	}
	if scheme != "s3" {
		return URI{}, fmt.Errorf("unsupported object store scheme %q", scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return URI{}, fmt.Errorf("missing bucket in %q", path)
	}
	return URI{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// BucketOpener returns the ObjectStorage serving a bucket.
type BucketOpener func(ctx context.Context, bucket string) (ObjectStorage, error)

// LocalBucketOpener serves each bucket from a subdirectory of root. It lets
// s3:// locations be exercised against the local filesystem.
func LocalBucketOpener(root string) BucketOpener {
	return func(_ context.Context, bucket string) (ObjectStorage, error) {
		return NewLocalStorage(filepath.Join(root, bucket))
	}
}

// WriteObject stores the output of write at the object store location dest.
// The content is staged in a temporary file under stagingDir and uploaded
// once write has finished, so a failed write never leaves a partial object.
func WriteObject(ctx context.Context, opener BucketOpener, stagingDir, dest string, write func(io.Writer) error) error {
	uri, err := ParseURI(dest)
	if err != nil {
		return err
	}
	if uri.Key == "" || strings.HasSuffix(uri.Key, "/") {
		return fmt.Errorf("%w: %q does not name an object", ErrUploadFailed, dest)
	}
	store, err := opener(ctx, uri.Bucket)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(stagingDir, "export-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return store.Upload(ctx, f.Name(), uri.Key)
}
