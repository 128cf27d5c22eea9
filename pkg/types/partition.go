package types

import (
	"fmt"
	"strings"
)

// WriteMode controls how a write treats data already stored at the target.
type WriteMode string

const (
	// WriteModeOverwrite replaces every partition the write produces. Partitions
	// on disk that the write does not produce are left untouched.
	WriteModeOverwrite WriteMode = "overwrite"

	// WriteModeAppend adds files next to existing data without removing any.
	WriteModeAppend WriteMode = "append"
)

// ParseWriteMode converts a mode name to a WriteMode.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(strings.TrimSpace(s))) {
	case WriteModeOverwrite:
		return WriteModeOverwrite, nil
	case WriteModeAppend:
		return WriteModeAppend, nil
	default:
		return "", fmt.Errorf("unknown write mode: %q", s)
	}
}

// PartitionKey is the ordered list of columns whose value tuples select the
// partition directory of a row.
type PartitionKey []string

// String renders the key as "a/b/c".
func (k PartitionKey) String() string {
	return strings.Join(k, "/")
}
