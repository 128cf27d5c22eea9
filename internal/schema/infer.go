package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tabuladb/tabula/pkg/types"
)

// DefaultSampleRows bounds how many rows Infer examines.
const DefaultSampleRows = 1000

// Infer guesses a schema from a header row and sample records. It is the
// lower-fidelity fallback used only when no schema is supplied: every column
// is nullable, integers are reported as float, and anything that is neither
// a date nor a number becomes a string. Mixed or sparse samples can
// misclassify a column.
//
// Without a header the columns are named _c0, _c1, ...
func Infer(header []string, sample [][]string) types.Schema {
	width := len(header)
	for _, rec := range sample {
		if len(rec) > width {
			width = len(rec)
		}
	}

	names := make([]string, width)
	first := make(map[string]int, width)
	for i := range names {
		names[i] = fmt.Sprintf("_c%d", i)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			names[i] = strings.TrimSpace(header[i])
		}
		if _, ok := first[names[i]]; !ok {
			first[names[i]] = i
		}
	}

	// A repeated name gets the first free _N suffix; names given in the
	// header keep priority over generated ones.
	cols := make([]types.ColumnDef, width)
	for i, name := range names {
		if first[name] != i {
			for n := 1; ; n++ {
				candidate := fmt.Sprintf("%s_%d", name, n)
				if _, taken := first[candidate]; !taken {
					name = candidate
					first[name] = i
					break
				}
			}
		}
		cols[i] = types.ColumnDef{Name: name, Type: guessColumn(sample, i), Nullable: true}
	}
	return types.Schema{Columns: cols}
}

// guessColumn picks the narrowest type that every non-empty sample value in
// column i parses as, trying date before float.
func guessColumn(sample [][]string, i int) types.ColumnType {
	isDate, isFloat, nonEmpty := true, true, false
	for _, rec := range sample {
		if i >= len(rec) {
			continue
		}
		v := strings.TrimSpace(rec[i])
		if v == "" {
			continue
		}
		nonEmpty = true
		if isDate {
			if _, err := types.ParseDate(v); err != nil {
				isDate = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if !isDate && !isFloat {
			return types.TypeString
		}
	}
	switch {
	case !nonEmpty:
		return types.TypeString
	case isDate:
		return types.TypeDate
	case isFloat:
		return types.TypeFloat
	default:
		return types.TypeString
	}
}
