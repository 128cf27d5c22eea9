package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/spf13/afero"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// MetadataFile is the name of the dataset metadata file under the base path.
const MetadataFile = "_tabula_schema.json"

const metadataFormatVersion = 1

// Metadata is the content of the dataset metadata file. It records the
// full schema in written order, so partition columns keep their position.
type Metadata struct {
	FormatVersion int                `json:"format_version"`
	Schema        types.Schema       `json:"schema"`
	PartitionKeys types.PartitionKey `json:"partition_keys"`
	Compression   Compression        `json:"compression"`
	LastWriteID   string             `json:"last_write_id"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DataSchema is the schema of the data files: every column that is not a
// partition key, in schema order.
func (m *Metadata) DataSchema() types.Schema {
	return dataSchema(m.Schema, m.PartitionKeys)
}

// KeySchema is the schema of the partition columns, in key order.
func (m *Metadata) KeySchema() types.Schema {
	cols := make([]types.ColumnDef, len(m.PartitionKeys))
	for i, k := range m.PartitionKeys {
		cols[i], _ = m.Schema.Lookup(k)
	}
	return types.NewSchema(cols...)
}

func dataSchema(s types.Schema, keys []string) types.Schema {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var cols []types.ColumnDef
	for _, c := range s.Columns {
		if !isKey[c.Name] {
			cols = append(cols, c)
		}
	}
	return types.NewSchema(cols...)
}

// ReadMetadata loads the metadata file of the dataset at base. It returns
// nil without error when the file does not exist.
func ReadMetadata(fs afero.Fs, base string) (*Metadata, error) {
	data, err := afero.ReadFile(fs, filepath.Join(base, MetadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "reading dataset metadata", err).WithDetail("path", base)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, terrors.NewStorageError(terrors.CodeCorruptLayout, "invalid dataset metadata", err).WithDetail("path", base)
	}
	if m.FormatVersion > metadataFormatVersion {
		return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
			fmt.Sprintf("unsupported metadata format version %d", m.FormatVersion), nil).WithDetail("path", base)
	}
	for _, k := range m.PartitionKeys {
		if m.Schema.Index(k) < 0 {
			return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("partition key %q is not in the dataset schema", k), nil).WithDetail("path", base)
		}
	}
	return &m, nil
}

// writeMetadata replaces the metadata file atomically. On the OS filesystem
// renameio does the temp-file-and-rename; other filesystems get the same
// sequence through afero.
func writeMetadata(fs afero.Fs, base string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(base, MetadataFile)
	if _, ok := fs.(*afero.OsFs); ok {
		return renameio.WriteFile(target, data, 0o644)
	}
	tmp := target + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, target)
}
