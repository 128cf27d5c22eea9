package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/olekukonko/tablewriter"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// RenderTable writes rows as an aligned text table with a header. Values are
// rendered with types.Format, so null shows as NULL.
func RenderTable(w io.Writer, s types.Schema, rows []types.Row) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(s.Names())
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	aligns := make([]int, s.Len())
	for i, c := range s.Columns {
		aligns[i] = tablewriter.ALIGN_LEFT
		if c.Type.IsNumeric() {
			aligns[i] = tablewriter.ALIGN_RIGHT
		}
	}
	table.SetColumnAlignment(aligns)

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = types.Format(v)
		}
		table.Append(cells)
	}
	table.Render()
}

// Show renders at most n rows and a footer counting the rows left out.
func Show(w io.Writer, s types.Schema, rows []types.Row, n int) {
	shown := rows
	if n >= 0 && len(rows) > n {
		shown = rows[:n]
	}
	RenderTable(w, s, shown)
	if len(shown) < len(rows) {
		fmt.Fprintf(w, "only showing top %d of %d rows\n", len(shown), len(rows))
	}
}

// WriteCSV writes rows as delimited text with a header line. Null values
// are written as empty fields, so the output reads back under the same
// schema.
func WriteCSV(w io.Writer, s types.Schema, rows []types.Row, delimiter rune) error {
	mem := memory.NewGoAllocator()
	rec, err := ToArrow(mem, s, rows)
	if err != nil {
		return err
	}
	defer rec.Release()

	cw := csv.NewWriter(w, rec.Schema(),
		csv.WithComma(delimiter),
		csv.WithHeader(true),
		csv.WithNullWriter(""),
	)
	if err := cw.Write(rec); err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "writing CSV output", err)
	}
	if err := cw.Flush(); err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "flushing CSV output", err)
	}
	return nil
}
