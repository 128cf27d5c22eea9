package partition

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	terrors "github.com/tabuladb/tabula/internal/errors"
)

// LockFile is the name of the dataset write lock under the base path.
const LockFile = "_tabula.lock"

// datasetLock is an exclusive write lock on a dataset, held as a file
// created with O_EXCL. It serializes writers across goroutines and
// processes that share the filesystem.
type datasetLock struct {
	fs   afero.Fs
	path string
}

// acquireLock takes the lock of the dataset at base. A held lock is a
// retryable WRITE_COLLISION.
func acquireLock(fs afero.Fs, base, writeID string) (*datasetLock, error) {
	if err := fs.MkdirAll(base, 0o755); err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "creating dataset directory", err).WithDetail("path", base)
	}
	p := filepath.Join(base, LockFile)
	f, err := fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		holder, _ := afero.ReadFile(fs, p)
		return nil, terrors.NewStorageError(terrors.CodeWriteCollision, "dataset is locked by another write", err).
			WithDetails(map[string]interface{}{"path": base, "holder": string(holder)})
	}
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "creating dataset lock", err).WithDetail("path", p)
	}
	_, werr := f.WriteString(writeID)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = fs.Remove(p)
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "writing dataset lock", werr).WithDetail("path", p)
	}
	return &datasetLock{fs: fs, path: p}, nil
}

func (l *datasetLock) release() error {
	return l.fs.Remove(l.path)
}
