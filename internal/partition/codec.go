package partition

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// NullSegment is the path form of a null partition value.
const NullSegment = "__NULL__"

// EncodeValue renders a partition value as a directory name component.
// Values that cannot round-trip through a path segment are rejected with
// UNENCODABLE_VALUE.
func EncodeValue(column string, v interface{}) (string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return NullSegment, nil
	case string:
		s = x
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(types.DateLayout), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", unencodable(column, v, fmt.Sprintf("unsupported partition value type %T", v))
	}

	switch {
	case s == "":
		return "", unencodable(column, v, "empty string")
	case s == "." || s == "..":
		return "", unencodable(column, v, "relative path component")
	case s == NullSegment:
		return "", unencodable(column, v, "reserved null marker")
	case strings.ContainsAny(s, "/\\=\x00"):
		return "", unencodable(column, v, "contains a path separator, '=' or NUL")
	}
	return s, nil
}

// DecodeValue parses a directory name component back into a value of type t.
func DecodeValue(raw string, t types.ColumnType) (interface{}, error) {
	if raw == NullSegment {
		return nil, nil
	}
	switch t {
	case types.TypeString:
		return raw, nil
	case types.TypeInteger:
		return strconv.ParseInt(raw, 10, 64)
	case types.TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case types.TypeDate:
		return types.ParseDate(raw)
	case types.TypeBoolean:
		switch raw {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("partition: invalid boolean %q", raw)
	default:
		return nil, fmt.Errorf("partition: cannot decode %s value %q", t, raw)
	}
}

// InferValueType picks the narrowest type every raw value parses as: integer,
// then float, then date, then boolean, then string. Null markers are ignored.
func InferValueType(raws []string) types.ColumnType {
	for _, t := range []types.ColumnType{types.TypeInteger, types.TypeFloat, types.TypeDate, types.TypeBoolean} {
		fits := true
		for _, raw := range raws {
			if raw == NullSegment {
				continue
			}
			if _, err := DecodeValue(raw, t); err != nil {
				fits = false
				break
			}
		}
		if fits {
			return t
		}
	}
	return types.TypeString
}

// Segment renders one "column=value" directory name.
func Segment(column string, v interface{}) (string, error) {
	enc, err := EncodeValue(column, v)
	if err != nil {
		return "", err
	}
	return column + "=" + enc, nil
}

// ParseSegment splits a directory name on its first '='.
func ParseSegment(name string) (column, raw string, ok bool) {
	i := strings.IndexByte(name, '=')
	if i <= 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Dir renders the slash-separated relative directory of a partition. It is
// empty when there are no keys.
func Dir(keys []string, values []interface{}) (string, error) {
	segs := make([]string, len(keys))
	for i, k := range keys {
		seg, err := Segment(k, values[i])
		if err != nil {
			return "", err
		}
		segs[i] = seg
	}
	return path.Join(segs...), nil
}

// checkKeyName rejects partition column names that cannot appear in a
// directory name or that discovery would skip.
func checkKeyName(name string) error {
	switch {
	case strings.HasPrefix(name, "_") || strings.HasPrefix(name, "."):
		return unencodable(name, name, "partition column names must not start with '_' or '.'")
	case strings.ContainsAny(name, "/\\=\x00"):
		return unencodable(name, name, "partition column name contains a path separator, '=' or NUL")
	}
	return nil
}

func unencodable(column string, v interface{}, reason string) error {
	return terrors.NewStorageError(terrors.CodeUnencodableValue,
		fmt.Sprintf("partition value of column %q cannot be encoded in a path: %s", column, reason), nil).
		WithDetails(map[string]interface{}{"column": column, "value": v})
}
