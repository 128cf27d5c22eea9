package partition

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

// Partition is one leaf directory of a dataset.
type Partition struct {
	// Dir is the slash-separated directory relative to the base path. It is
	// empty for an unpartitioned dataset.
	Dir string
	// Values are the decoded partition values, in key order.
	Values types.Row
	// Files are the data files of the partition, sorted by name.
	Files []string
}

// Catalog is the explicit list of partitions found under a base path.
type Catalog struct {
	// Keys is the schema of the partition columns, in key order.
	Keys       types.Schema
	Partitions []Partition
}

// Dirs returns the set of partition directories.
func (c *Catalog) Dirs() map[string]bool {
	dirs := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		dirs[p.Dir] = true
	}
	return dirs
}

// Select returns the partitions whose values satisfy filter, an expression
// over partition columns only. A nil filter selects every partition. A
// partition for which the filter fails to evaluate is kept, so the row
// filter above the scan sees its rows and reports the failure itself.
func (c *Catalog) Select(filter expr.Expr) ([]Partition, error) {
	if filter == nil {
		return c.Partitions, nil
	}
	pred, err := expr.CompilePredicate(filter, c.Keys)
	if err != nil {
		return nil, err
	}
	var out []Partition
	for _, p := range c.Partitions {
		ok, err := pred.Holds(p.Values)
		if err != nil || ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// leafDir is a directory holding data files, before its values are typed.
type leafDir struct {
	rel   string
	cols  []string
	raws  []string
	files []string
}

// Discover lists the partitions of the dataset at base. Directories whose
// names start with '_' or '.' are skipped. When meta is nil the key names
// come from the first partition and the key types are inferred from the
// directory names.
func Discover(fs afero.Fs, base string, meta *Metadata) (*Catalog, error) {
	info, err := fs.Stat(base)
	if os.IsNotExist(err) {
		return nil, terrors.NewStorageError(terrors.CodePathNotFound, fmt.Sprintf("dataset path %q does not exist", base), err).
			WithDetail("path", base)
	}
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "reading dataset path", err).WithDetail("path", base)
	}
	if !info.IsDir() {
		return nil, terrors.NewStorageError(terrors.CodeCorruptLayout, fmt.Sprintf("dataset path %q is not a directory", base), nil).
			WithDetail("path", base)
	}

	var leaves []leafDir
	if err := walk(fs, base, "", nil, nil, &leaves); err != nil {
		return nil, err
	}

	var keys []string
	switch {
	case meta != nil:
		keys = meta.PartitionKeys
	case len(leaves) > 0:
		keys = leaves[0].cols
	}
	for _, l := range leaves {
		if !sameColumns(l.cols, keys) {
			return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("partition %q has keys [%s], expected [%s]", l.rel, strings.Join(l.cols, ", "), strings.Join(keys, ", ")), nil).
				WithDetails(map[string]interface{}{"path": base, "partition": l.rel})
		}
	}

	var keySchema types.Schema
	if meta != nil {
		keySchema = meta.KeySchema()
	} else {
		keySchema = inferKeySchema(keys, leaves)
	}

	cat := &Catalog{Keys: keySchema, Partitions: make([]Partition, len(leaves))}
	for i, l := range leaves {
		values := make(types.Row, len(keys))
		for k, raw := range l.raws {
			col := keySchema.Columns[k]
			v, err := DecodeValue(raw, col.Type)
			if err != nil {
				return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
					fmt.Sprintf("partition value %q is not a valid %s", raw, col.Type), err).
					WithDetails(map[string]interface{}{"partition": l.rel, "column": col.Name})
			}
			values[k] = v
		}
		cat.Partitions[i] = Partition{Dir: l.rel, Values: values, Files: l.files}
	}
	return cat, nil
}

// walk visits dir depth first in name order and records every directory
// that holds data files.
func walk(fs afero.Fs, base, rel string, cols, raws []string, leaves *[]leafDir) error {
	entries, err := afero.ReadDir(fs, filepath.Join(base, filepath.FromSlash(rel)))
	if err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "listing dataset directory", err).
			WithDetails(map[string]interface{}{"path": base, "partition": rel})
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if hiddenName(name) {
			continue
		}
		if !e.IsDir() {
			if strings.HasSuffix(name, ".parquet") {
				files = append(files, filepath.Join(base, filepath.FromSlash(rel), name))
			}
			continue
		}
		col, raw, ok := ParseSegment(name)
		if !ok {
			return terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("directory %q is not a column=value partition", name), nil).
				WithDetails(map[string]interface{}{"path": base, "partition": path.Join(rel, name)})
		}
		childCols := append(append([]string(nil), cols...), col)
		childRaws := append(append([]string(nil), raws...), raw)
		if err := walk(fs, base, path.Join(rel, name), childCols, childRaws, leaves); err != nil {
			return err
		}
	}
	if len(files) > 0 {
		*leaves = append(*leaves, leafDir{rel: rel, cols: cols, raws: raws, files: files})
	}
	return nil
}

func inferKeySchema(keys []string, leaves []leafDir) types.Schema {
	cols := make([]types.ColumnDef, len(keys))
	for k, name := range keys {
		raws := make([]string, len(leaves))
		nullable := false
		for i, l := range leaves {
			raws[i] = l.raws[k]
			nullable = nullable || l.raws[k] == NullSegment
		}
		cols[k] = types.ColumnDef{Name: name, Type: InferValueType(raws), Nullable: nullable}
	}
	return types.NewSchema(cols...)
}

func hiddenName(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
