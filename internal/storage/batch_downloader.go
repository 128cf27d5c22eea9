package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchDownloader coordinates parallel downloads from object storage into a
// local staging directory.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	stagingDir  string
}

// BatchResult maps each requested object to its local copy. LocalPaths is
// in request order.
type BatchResult struct {
	LocalPaths []string
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader.
// storage: the ObjectStorage implementation to download from
// concurrency: maximum number of parallel downloads
// stagingDir: directory that receives the downloaded files
func NewBatchDownloader(storage ObjectStorage, concurrency int, stagingDir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		stagingDir:  stagingDir,
	}
}

// Download fetches every object in parallel. The first failure cancels the
// remaining downloads and is returned; a partial batch is never reported as
// a success.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string) (*BatchResult, error) {
	result := &BatchResult{LocalPaths: make([]string, len(objectPaths))}
	if len(objectPaths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range objectPaths {
		local := b.localPath(i, p)
		result.LocalPaths[i] = local

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		objectPath := p
		g.Go(func() error {
			defer sem.Release(1)
			if err := b.storage.Download(gctx, objectPath, local); err != nil {
				return fmt.Errorf("download %s: %w", objectPath, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Downloads = len(objectPaths)
	return result, nil
}

// localPath returns the staging path for the i-th object. The index prefix
// keeps objects with equal base names apart and the base name keeps the
// extension, which selects the decompressor.
func (b *BatchDownloader) localPath(i int, objectPath string) string {
	return filepath.Join(b.stagingDir, fmt.Sprintf("%05d-%s", i, path.Base(objectPath)))
}
