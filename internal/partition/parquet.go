package partition

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// schemaMetadataKey is the Parquet key/value metadata entry holding the
// JSON schema of the data columns.
const schemaMetadataKey = "tabula.schema"

const secondsPerDay = 24 * 60 * 60

// Compression names a Parquet page codec.
type Compression string

const (
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
	CompressionGzip   Compression = "gzip"
	CompressionNone   Compression = "none"
)

// ParseCompression converts a codec name to a Compression. The empty string
// selects snappy.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return CompressionSnappy, nil
	case CompressionSnappy, CompressionZstd, CompressionGzip, CompressionNone:
		return c, nil
	case "uncompressed":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) codec() compress.Codec {
	switch c {
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	case CompressionNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Snappy
	}
}

// parquetNode maps a column to its Parquet leaf. Nullable columns are
// OPTIONAL and the others REQUIRED.
func parquetNode(col types.ColumnDef) parquet.Node {
	var node parquet.Node
	switch col.Type {
	case types.TypeInteger:
		node = parquet.Int(64)
	case types.TypeFloat:
		node = parquet.Leaf(parquet.DoubleType)
	case types.TypeDate:
		node = parquet.Date()
	case types.TypeBoolean:
		node = parquet.Leaf(parquet.BooleanType)
	default:
		node = parquet.String()
	}
	if col.Nullable {
		return parquet.Optional(node)
	}
	return parquet.Required(node)
}

// parquetSchema builds the file schema of the data columns of s.
func parquetSchema(s types.Schema) *parquet.Schema {
	group := make(parquet.Group, s.Len())
	for _, col := range s.Columns {
		group[col.Name] = parquetNode(col)
	}
	return parquet.NewSchema("tabula", group)
}

// rowEncoder turns engine rows into Parquet rows. Leaf columns of a Parquet
// group are ordered by name, so every value is placed at its leaf index.
type rowEncoder struct {
	schema *parquet.Schema
	leaves []parquet.LeafColumn // by position in the data schema
	types  []types.ColumnType
}

func newRowEncoder(data types.Schema) *rowEncoder {
	ps := parquetSchema(data)
	e := &rowEncoder{schema: ps, leaves: make([]parquet.LeafColumn, data.Len()), types: make([]types.ColumnType, data.Len())}
	for i, col := range data.Columns {
		e.leaves[i], _ = ps.Lookup(col.Name)
		e.types[i] = col.Type
	}
	return e
}

func (e *rowEncoder) encode(row types.Row) parquet.Row {
	out := make(parquet.Row, len(e.leaves))
	for i, v := range row {
		leaf := e.leaves[i]
		var pv parquet.Value
		def := leaf.MaxDefinitionLevel
		switch x := v.(type) {
		case nil:
			pv, def = parquet.NullValue(), 0
		case string:
			pv = parquet.ByteArrayValue([]byte(x))
		case int64:
			pv = parquet.Int64Value(x)
		case float64:
			pv = parquet.DoubleValue(x)
		case time.Time:
			pv = parquet.Int32Value(int32(x.Unix() / secondsPerDay))
		case bool:
			pv = parquet.BooleanValue(x)
		}
		out[leaf.ColumnIndex] = pv.Level(0, def, leaf.ColumnIndex)
	}
	return out
}

// writeParquet writes rows of the data schema to w as one Parquet file.
func writeParquet(w io.Writer, data types.Schema, rows []types.Row, compression Compression, rowGroupSize int64) error {
	meta, err := json.Marshal(data)
	if err != nil {
		return err
	}
	enc := newRowEncoder(data)
	opts := []parquet.WriterOption{
		enc.schema,
		parquet.Compression(compression.codec()),
		parquet.KeyValueMetadata(schemaMetadataKey, string(meta)),
	}
	if rowGroupSize > 0 {
		opts = append(opts, parquet.MaxRowsPerRowGroup(rowGroupSize))
	}
	pw := parquet.NewWriter(w, opts...)

	const batch = 1024
	buf := make([]parquet.Row, 0, batch)
	for _, row := range rows {
		buf = append(buf, enc.encode(row))
		if len(buf) == batch {
			if _, err := pw.WriteRows(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := pw.WriteRows(buf); err != nil {
			return err
		}
	}
	return pw.Close()
}

// parquetFile is an opened data file.
type parquetFile struct {
	name string
	file *parquet.File
}

func openParquet(r io.ReaderAt, size int64, name string) (*parquetFile, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeCorruptLayout, "not a readable parquet file", err).WithDetail("file", name)
	}
	return &parquetFile{name: name, file: f}, nil
}

// dataSchema returns the schema embedded by the writer, or one derived from
// the Parquet schema for files written elsewhere.
func (f *parquetFile) dataSchema() (types.Schema, error) {
	if raw, ok := f.file.Lookup(schemaMetadataKey); ok {
		var s types.Schema
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return types.Schema{}, terrors.NewStorageError(terrors.CodeCorruptLayout, "invalid embedded schema", err).WithDetail("file", f.name)
		}
		return s, nil
	}

	var cols []types.ColumnDef
	for _, field := range f.file.Schema().Fields() {
		if !field.Leaf() || field.Repeated() {
			return types.Schema{}, terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("nested or repeated column %q is not supported", field.Name()), nil).WithDetail("file", f.name)
		}
		t, err := columnTypeOf(field.Type())
		if err != nil {
			return types.Schema{}, terrors.NewStorageError(terrors.CodeCorruptLayout, err.Error(), nil).
				WithDetails(map[string]interface{}{"file": f.name, "column": field.Name()})
		}
		cols = append(cols, types.ColumnDef{Name: field.Name(), Type: t, Nullable: field.Optional()})
	}
	return types.NewSchema(cols...), nil
}

func columnTypeOf(t parquet.Type) (types.ColumnType, error) {
	switch t.Kind() {
	case parquet.Boolean:
		return types.TypeBoolean, nil
	case parquet.Int64:
		return types.TypeInteger, nil
	case parquet.Int32:
		if lt := t.LogicalType(); lt != nil && lt.Date != nil {
			return types.TypeDate, nil
		}
		return types.TypeInteger, nil
	case parquet.Float, parquet.Double:
		return types.TypeFloat, nil
	case parquet.ByteArray:
		return types.TypeString, nil
	default:
		return "", fmt.Errorf("unsupported parquet type %s", t)
	}
}

// readColumns decodes the named columns of the file. Only the column chunks
// of those columns are read. The result holds one slice of values per
// column and the number of rows in the file.
func (f *parquetFile) readColumns(cols []types.ColumnDef) ([][]interface{}, int64, error) {
	numRows := f.file.NumRows()
	out := make([][]interface{}, len(cols))
	for i, col := range cols {
		leaf, ok := f.file.Schema().Lookup(col.Name)
		if !ok {
			return nil, 0, terrors.NewStorageError(terrors.CodeSchemaMismatch,
				fmt.Sprintf("column %q is missing from data file", col.Name), nil).
				WithDetails(map[string]interface{}{"file": f.name, "column": col.Name})
		}
		values := make([]interface{}, 0, numRows)
		for _, rg := range f.file.RowGroups() {
			var err error
			values, err = readChunk(rg.ColumnChunks()[leaf.ColumnIndex], col.Type, values)
			if err != nil {
				return nil, 0, terrors.NewStorageError(terrors.CodeIOFailure, "reading column chunk", err).
					WithDetails(map[string]interface{}{"file": f.name, "column": col.Name})
			}
		}
		if int64(len(values)) != numRows {
			return nil, 0, terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("column %q has %d values, file has %d rows", col.Name, len(values), numRows), nil).
				WithDetail("file", f.name)
		}
		out[i] = values
	}
	return out, numRows, nil
}

func readChunk(chunk parquet.ColumnChunk, t types.ColumnType, dst []interface{}) ([]interface{}, error) {
	pages := chunk.Pages()
	defer pages.Close()

	buf := make([]parquet.Value, 256)
	for {
		page, err := pages.ReadPage()
		if err == io.EOF {
			return dst, nil
		}
		if err != nil {
			return nil, err
		}
		vr := page.Values()
		for {
			n, err := vr.ReadValues(buf)
			for _, v := range buf[:n] {
				dst = append(dst, decodeValue(v, t))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

func decodeValue(v parquet.Value, t types.ColumnType) interface{} {
	if v.IsNull() {
		return nil
	}
	switch t {
	case types.TypeInteger:
		if v.Kind() == parquet.Int32 {
			return int64(v.Int32())
		}
		return v.Int64()
	case types.TypeFloat:
		if v.Kind() == parquet.Float {
			return float64(v.Float())
		}
		return v.Double()
	case types.TypeDate:
		return time.Unix(int64(v.Int32())*secondsPerDay, 0).UTC()
	case types.TypeBoolean:
		return v.Boolean()
	default:
		return string(v.ByteArray())
	}
}
