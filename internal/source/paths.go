package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/storage"
)

// inputFile is one file to parse. name is what the caller asked for (a local
// path or an s3:// URI) and local is where the bytes are on disk.
type inputFile struct {
	name  string
	local string
}

type remoteObject struct {
	uri   storage.URI
	store storage.ObjectStorage
}

// resolve expands every path into a sorted, de-duplicated list of files and
// downloads remote objects into a staging directory. The returned cleanup
// removes the staging directory.
func (r *Reader) resolve(ctx context.Context, paths []string, parallelism int) ([]inputFile, func(), error) {
	noop := func() {}
	if len(paths) == 0 {
		return nil, noop, terrors.NewStorageError(terrors.CodePathNotFound, "no input paths given", nil)
	}

	byName := make(map[string]inputFile)
	remotes := make(map[string]remoteObject)
	for _, p := range paths {
		if storage.IsRemote(p) {
			objs, err := r.expandRemote(ctx, p)
			if err != nil {
				return nil, noop, err
			}
			for _, o := range objs {
				remotes[o.uri.String()] = o
			}
			continue
		}
		matches, err := expandLocal(p)
		if err != nil {
			return nil, noop, err
		}
		for _, m := range matches {
			byName[m] = inputFile{name: m, local: m}
		}
	}

	cleanup := noop
	if len(remotes) > 0 {
		staging, err := os.MkdirTemp(r.stagingDir, "tabula-input-")
		if err != nil {
			return nil, noop, terrors.NewStorageError(terrors.CodeIOFailure, "cannot create staging directory", err)
		}
		cleanup = func() { _ = os.RemoveAll(staging) }
		if err := download(ctx, remotes, staging, parallelism, byName); err != nil {
			cleanup()
			return nil, noop, err
		}
	}

	files := make([]inputFile, 0, len(byName))
	for _, f := range byName {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, cleanup, nil
}

// download fetches remote objects bucket by bucket and records their local
// copies in byName.
func download(ctx context.Context, remotes map[string]remoteObject, staging string, parallelism int, byName map[string]inputFile) error {
	buckets := make(map[string][]remoteObject)
	var bucketNames []string
	for _, o := range remotes {
		if _, ok := buckets[o.uri.Bucket]; !ok {
			bucketNames = append(bucketNames, o.uri.Bucket)
		}
		buckets[o.uri.Bucket] = append(buckets[o.uri.Bucket], o)
	}
	sort.Strings(bucketNames)

	for i, bucket := range bucketNames {
		objs := buckets[bucket]
		sort.Slice(objs, func(a, b int) bool { return objs[a].uri.Key < objs[b].uri.Key })
		keys := make([]string, len(objs))
		for j, o := range objs {
			keys[j] = o.uri.Key
		}

		dir := filepath.Join(staging, fmt.Sprintf("%03d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return terrors.NewStorageError(terrors.CodeIOFailure, "cannot create staging directory", err)
		}
		res, err := storage.NewBatchDownloader(objs[0].store, parallelism, dir).Download(ctx, keys)
		if err != nil {
			code := terrors.CodeIOFailure
			if errors.Is(err, storage.ErrObjectNotFound) {
				code = terrors.CodeObjectNotFound
			}
			return terrors.NewStorageError(code, "cannot download input", err).WithDetail("bucket", bucket)
		}
		for j, o := range objs {
			name := o.uri.String()
			byName[name] = inputFile{name: name, local: res.LocalPaths[j]}
		}
	}
	return nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// hidden reports whether a file or directory name is skipped when a
// directory is expanded.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// hiddenPath reports whether any segment of a slash-separated relative
// path is hidden.
func hiddenPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if hidden(seg) {
			return true
		}
	}
	return false
}

// expandLocal turns a file, directory or glob into the regular files it
// names.
func expandLocal(p string) ([]string, error) {
	if hasMeta(p) {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, terrors.NewStorageError(terrors.CodePathNotFound, "invalid glob pattern", err).WithDetail("path", p)
		}
		if len(matches) == 0 {
			return nil, terrors.NewStorageError(terrors.CodePathNotFound, "pattern matched no files", nil).WithDetail("path", p)
		}
		return matches, nil
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodePathNotFound, "input path not found", err).WithDetail("path", p)
	}
	if !info.IsDir() {
		return []string{filepath.Clean(p)}, nil
	}

	var files []string
	err = filepath.WalkDir(p, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if fp != p && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, fp)
		}
		return nil
	})
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot list directory", err).WithDetail("path", p)
	}
	if len(files) == 0 {
		return nil, terrors.NewStorageError(terrors.CodePathNotFound, "directory has no files", nil).WithDetail("path", p)
	}
	return files, nil
}

// expandRemote lists the objects named by an s3:// path. A key with glob
// metacharacters is matched against every object under its literal prefix;
// a key ending in a slash, or naming no object, is treated as a directory.
func (r *Reader) expandRemote(ctx context.Context, p string) ([]remoteObject, error) {
	uri, err := storage.ParseURI(p)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodePathNotFound, "invalid object store path", err).WithDetail("path", p)
	}
	if r.opener == nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "object storage is not configured", nil).WithDetail("path", p)
	}
	store, err := r.opener(ctx, uri.Bucket)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot open bucket", err).WithDetail("bucket", uri.Bucket)
	}

	var keys []string
	switch {
	case hasMeta(uri.Key):
		prefix := uri.Key[:strings.IndexAny(uri.Key, "*?[{")]
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			prefix = prefix[:i+1]
		} else {
			prefix = ""
		}
		all, err := store.ListObjects(ctx, prefix)
		if err != nil {
			return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot list objects", err).WithDetail("path", p)
		}
		for _, k := range all {
			ok, err := doublestar.Match(uri.Key, k)
			if err != nil {
				return nil, terrors.NewStorageError(terrors.CodePathNotFound, "invalid glob pattern", err).WithDetail("path", p)
			}
			if ok {
				keys = append(keys, k)
			}
		}

	case uri.Key != "" && !strings.HasSuffix(uri.Key, "/"):
		exists, err := store.Exists(ctx, uri.Key)
		if err != nil {
			return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot stat object", err).WithDetail("path", p)
		}
		if exists {
			keys = []string{uri.Key}
			break
		}
		uri.Key += "/"
		fallthrough

	default:
		all, err := store.ListObjects(ctx, uri.Key)
		if err != nil {
			return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot list objects", err).WithDetail("path", p)
		}
		for _, k := range all {
			if !hiddenPath(strings.TrimPrefix(k, uri.Key)) {
				keys = append(keys, k)
			}
		}
	}

	if len(keys) == 0 {
		return nil, terrors.NewStorageError(terrors.CodePathNotFound, "no objects match", nil).WithDetail("path", p)
	}
	objs := make([]remoteObject, len(keys))
	for i, k := range keys {
		objs[i] = remoteObject{uri: storage.URI{Scheme: uri.Scheme, Bucket: uri.Bucket, Key: k}, store: store}
	}
	return objs, nil
}
