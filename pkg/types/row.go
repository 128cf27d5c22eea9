// Package types provides the value model shared by every Tabula component:
// column types, schemas, rows and scalar comparison.
package types

// Row is a fixed-arity sequence of values matching a schema. Each value is
// one of string, int64, float64, time.Time (a UTC date) or bool, and nil
// represents NULL.
type Row []interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	return append(Row(nil), r...)
}
