package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.csv")
	content := []byte("Item,Quantity\nA,1\n")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	objectPath := "raw/2021/sales.csv"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(t.TempDir(), "nested", "downloaded.csv")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	err = storage.Download(context.Background(), "missing.csv", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}

	exists, err := storage.Exists(context.Background(), "missing.csv")
	if err != nil || exists {
		t.Errorf("expected missing object, got exists=%v err=%v", exists, err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	for _, p := range []string{"raw/b.csv", "raw/a.csv", "raw/sub/c.csv", "rawish.csv", "other/d.csv"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed for %s: %v", p, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "raw/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"raw/a.csv", "raw/b.csv", "raw/sub/c.csv"}
	if !reflect.DeepEqual(objects, want) {
		t.Errorf("got %v, want %v", objects, want)
	}

	objects, err = storage.ListObjects(ctx, "raw")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 4 {
		t.Errorf("expected 4 objects for bare prefix, got %v", objects)
	}

	objects, err = storage.ListObjects(ctx, "nothing/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected no objects, got %v", objects)
	}
}

func TestParseURI(t *testing.T) {
	u, err := ParseURI("s3://bucket/raw/2021/*.csv")
	if err != nil {
		t.Fatalf("ParseURI failed: %v", err)
	}
	if u.Bucket != "bucket" || u.Key != "raw/2021/*.csv" {
		t.Errorf("unexpected URI %+v", u)
	}
	if u.String() != "s3://bucket/raw/2021/*.csv" {
		t.Errorf("round trip mismatch: %s", u)
	}

	if !IsRemote("s3://b/k") || IsRemote("/tmp/s3/file.csv") {
		t.Error("IsRemote misclassified a path")
	}

	for _, bad := range []string{"/local/path", "gs://b/k", "s3:///key"} {
		if _, err := ParseURI(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestWriteObject(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(t.TempDir(), "staging")
	ctx := context.Background()
	opener := LocalBucketOpener(root)

	err := WriteObject(ctx, opener, staging, "s3://exports/daily/result.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "Item,Total\nA,3\n")
		return err
	})
	if err != nil {
		t.Fatalf("WriteObject failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "exports", "daily", "result.csv"))
	if err != nil {
		t.Fatalf("uploaded object missing: %v", err)
	}
	if string(got) != "Item,Total\nA,3\n" {
		t.Errorf("content mismatch: %q", got)
	}

	failed := errors.New("render failed")
	err = WriteObject(ctx, opener, staging, "s3://exports/daily/broken.csv", func(w io.Writer) error { return failed })
	if !errors.Is(err, failed) {
		t.Errorf("expected the write error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "exports", "daily", "broken.csv")); !os.IsNotExist(err) {
		t.Error("a failed write must not upload an object")
	}
	if entries, _ := os.ReadDir(staging); len(entries) != 0 {
		t.Errorf("staging files left behind: %v", entries)
	}

	if err := WriteObject(ctx, opener, staging, "s3://exports/daily/", func(io.Writer) error { return nil }); !errors.Is(err, ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed for a prefix, got %v", err)
	}
}
