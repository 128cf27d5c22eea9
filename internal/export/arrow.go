// Package export renders result tables as Arrow records, Arrow IPC files,
// CSV and plain text tables.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// Metadata key holding the column type on every Arrow field.
const columnTypeKey = "tabula.type"

func arrowType(t types.ColumnType) (arrow.DataType, error) {
	switch t {
	case types.TypeString:
		return arrow.BinaryTypes.String, nil
	case types.TypeInteger:
		return arrow.PrimitiveTypes.Int64, nil
	case types.TypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case types.TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case types.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	}
	return nil, terrors.NewSchemaError(terrors.CodeUnknownType, fmt.Sprintf("no Arrow type for %q", t))
}

// ArrowSchema maps a schema to an Arrow schema: string to utf8, integer to
// int64, float to float64, date to date32 and boolean to bool.
func ArrowSchema(s types.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, s.Len())
	for i, c := range s.Columns {
		dt, err := arrowType(c.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     dt,
			Nullable: c.Nullable,
			Metadata: arrow.NewMetadata([]string{columnTypeKey}, []string{string(c.Type)}),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// ToArrow builds one record holding rows. The caller must Release it. A nil
// allocator uses the Go allocator.
func ToArrow(mem memory.Allocator, s types.Schema, rows []types.Row) (arrow.Record, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	schema, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Reserve(len(rows))

	for r, row := range rows {
		if len(row) != s.Len() {
			return nil, terrors.NewSchemaError(terrors.CodeRowArity,
				fmt.Sprintf("row has %d values, schema has %d columns", len(row), s.Len())).WithDetail("row", r)
		}
		for i, v := range row {
			if err := appendValue(b.Field(i), s.Columns[i], v); err != nil {
				if te, ok := terrors.As(err); ok {
					return nil, te.WithDetail("row", r)
				}
				return nil, err
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, col types.ColumnDef, v interface{}) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	ok := true
	switch b := fb.(type) {
	case *array.StringBuilder:
		var s string
		if s, ok = v.(string); ok {
			b.Append(s)
		}
	case *array.Int64Builder:
		var n int64
		if n, ok = v.(int64); ok {
			b.Append(n)
		}
	case *array.Float64Builder:
		var f float64
		if f, ok = v.(float64); ok {
			b.Append(f)
		}
	case *array.Date32Builder:
		var t time.Time
		if t, ok = v.(time.Time); ok {
			b.Append(arrow.Date32FromTime(t))
		}
	case *array.BooleanBuilder:
		var x bool
		if x, ok = v.(bool); ok {
			b.Append(x)
		}
	default:
		ok = false
	}
	if !ok {
		return terrors.NewSchemaError(terrors.CodeTypeMismatch,
			fmt.Sprintf("value %v does not conform to %s column %q", v, col.Type, col.Name)).
			WithDetails(map[string]interface{}{"column": col.Name, "value": v})
	}
	return nil
}

// FromArrow converts a record back to rows. Fields carrying the column type
// metadata keep their declared type; others are mapped from the Arrow type.
func FromArrow(rec arrow.Record) (types.Schema, []types.Row, error) {
	cols := make([]types.ColumnDef, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		t, err := columnType(f)
		if err != nil {
			return types.Schema{}, nil, err
		}
		cols[i] = types.ColumnDef{Name: f.Name, Type: t, Nullable: f.Nullable}
	}

	rows := make([]types.Row, rec.NumRows())
	for r := range rows {
		rows[r] = make(types.Row, rec.NumCols())
	}
	for i, arr := range rec.Columns() {
		for r := range rows {
			if arr.IsNull(r) {
				continue
			}
			switch a := arr.(type) {
			case *array.String:
				rows[r][i] = a.Value(r)
			case *array.Int64:
				rows[r][i] = a.Value(r)
			case *array.Float64:
				rows[r][i] = a.Value(r)
			case *array.Date32:
				rows[r][i] = a.Value(r).ToTime().UTC()
			case *array.Boolean:
				rows[r][i] = a.Value(r)
			}
		}
	}
	return types.NewSchema(cols...), rows, nil
}

func columnType(f arrow.Field) (types.ColumnType, error) {
	if i := f.Metadata.FindKey(columnTypeKey); i >= 0 {
		return types.ParseColumnType(f.Metadata.Values()[i])
	}
	switch f.Type.ID() {
	case arrow.STRING:
		return types.TypeString, nil
	case arrow.INT64:
		return types.TypeInteger, nil
	case arrow.FLOAT64:
		return types.TypeFloat, nil
	case arrow.DATE32:
		return types.TypeDate, nil
	case arrow.BOOL:
		return types.TypeBoolean, nil
	}
	return "", terrors.NewSchemaError(terrors.CodeUnknownType, fmt.Sprintf("unsupported Arrow type %s for field %q", f.Type, f.Name))
}

// WriteArrowFile writes rows to w in the Arrow IPC file format as a single
// record batch.
func WriteArrowFile(w io.Writer, s types.Schema, rows []types.Row) error {
	mem := memory.NewGoAllocator()
	rec, err := ToArrow(mem, s, rows)
	if err != nil {
		return err
	}
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "creating Arrow file writer", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return terrors.NewStorageError(terrors.CodeIOFailure, "writing Arrow record", err)
	}
	if err := fw.Close(); err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "closing Arrow file", err)
	}
	return nil
}

// ReadArrowFile reads every record batch of an Arrow IPC file.
func ReadArrowFile(r ipc.ReadAtSeeker) (types.Schema, []types.Row, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return types.Schema{}, nil, terrors.NewStorageError(terrors.CodeCorruptLayout, "opening Arrow file", err)
	}
	defer fr.Close()

	var (
		schema types.Schema
		rows   []types.Row
	)
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return types.Schema{}, nil, terrors.NewStorageError(terrors.CodeCorruptLayout, "reading Arrow record", err)
		}
		s, batch, err := FromArrow(rec)
		if err != nil {
			return types.Schema{}, nil, err
		}
		schema = s
		rows = append(rows, batch...)
	}
	if fr.NumRecords() == 0 {
		var cols []types.ColumnDef
		for _, f := range fr.Schema().Fields() {
			t, err := columnType(f)
			if err != nil {
				return types.Schema{}, nil, err
			}
			cols = append(cols, types.ColumnDef{Name: f.Name, Type: t, Nullable: f.Nullable})
		}
		schema = types.NewSchema(cols...)
	}
	return schema, rows, nil
}
