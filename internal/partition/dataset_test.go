package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

var salesSchema = types.NewSchema(
	types.ColumnDef{Name: "Item", Type: types.TypeString},
	types.ColumnDef{Name: "Year", Type: types.TypeInteger},
	types.ColumnDef{Name: "OrderDate", Type: types.TypeDate},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger, Nullable: true},
	types.ColumnDef{Name: "UnitPrice", Type: types.TypeFloat},
	types.ColumnDef{Name: "Returned", Type: types.TypeBoolean, Nullable: true},
)

func sale(item string, year int, qty interface{}, price float64) types.Row {
	return types.Row{item, int64(year), types.NewDate(year, 6, 1), qty, price, nil}
}

func salesRows() []types.Row {
	return []types.Row{
		sale("Mountain-100", 2019, int64(2), 10.0),
		sale("Road-150", 2020, int64(1), 20.0),
		sale("Mountain-100", 2021, int64(3), 10.0),
		sale("Touring-1000", 2021, nil, 30.0),
		sale("Road-150", 2019, int64(5), 18.5),
		sale("Road-150", 2021, int64(4), 20.0),
	}
}

func scanAll(t *testing.T, base string, req plan.ScanRequest) *plan.ScanResult {
	t.Helper()
	ds, err := Open(nil, base)
	require.NoError(t, err)
	res, err := ds.Scan(context.Background(), req)
	require.NoError(t, err)
	return res
}

func write(t *testing.T, w *Writer, base string, rows []types.Row, mode types.WriteMode, keys ...string) *WriteResult {
	t.Helper()
	res, err := w.Write(context.Background(), rows, salesSchema, base, mode, keys)
	require.NoError(t, err)
	return res
}

// sortedByYear orders rows the way a dataset partitioned by Year returns
// them: partition path order, then input order.
func sortedByYear(rows []types.Row) []types.Row {
	out := append([]types.Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i][1].(int64) < out[j][1].(int64) })
	return out
}

func assertNoWorkFiles(t *testing.T, base string) {
	t.Helper()
	for _, name := range []string{stagingDir, trashDir, LockFile} {
		_, err := os.Stat(filepath.Join(base, name))
		assert.True(t, os.IsNotExist(err), "%s left behind", name)
	}
}

func TestWrite_Layout(t *testing.T) {
	base := t.TempDir()
	res := write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year")

	require.Len(t, res.Partitions, 3)
	assert.Equal(t, []string{"Year=2019", "Year=2020", "Year=2021"}, []string{res.Partitions[0].Dir, res.Partitions[1].Dir, res.Partitions[2].Dir})
	assert.Equal(t, int64(6), res.RowsWritten)
	assert.Equal(t, int64(3), res.Partitions[2].Rows)
	assert.Equal(t, int64(1), res.Partitions[2].Stats["Quantity"].NullCount)
	assert.Equal(t, int64(4), res.Partitions[2].Stats["Quantity"].Max)

	name := regexp.MustCompile(`^part-00000-[0-9a-f-]{36}\.parquet$`)
	for _, f := range res.Files() {
		assert.Regexp(t, name, filepath.Base(f))
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}

	meta, err := ReadMetadata(afero.NewOsFs(), base)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Schema.Equal(salesSchema))
	assert.Equal(t, types.PartitionKey{"Year"}, meta.PartitionKeys)
	assert.Equal(t, res.WriteID, meta.LastWriteID)
	assertNoWorkFiles(t, base)

	ds, err := Open(nil, base)
	require.NoError(t, err)
	assert.True(t, ds.Schema().Equal(salesSchema))
	assert.Equal(t, []string{"Year"}, ds.PartitionColumns())
}

func TestWriteRead_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	root := t.TempDir()
	run := 0

	properties.Property("rows read back equal rows written", prop.ForAll(
		func(items []string, years []int, days []int, prices []float64, partitioned bool) bool {
			n := len(items)
			for _, l := range []int{len(years), len(days), len(prices)} {
				if l < n {
					n = l
				}
			}
			rows := make([]types.Row, n)
			for i := 0; i < n; i++ {
				var qty, returned interface{}
				if days[i]%3 != 0 {
					qty = int64(days[i] - 500)
				}
				if days[i]%2 == 0 {
					returned = prices[i] > 0
				}
				rows[i] = types.Row{
					items[i],
					int64(2019 + years[i]),
					time.Unix(int64(days[i])*secondsPerDay, 0).UTC(),
					qty,
					prices[i],
					returned,
				}
			}

			run++
			base := filepath.Join(root, fmt.Sprintf("run-%03d", run))
			var keys types.PartitionKey
			want := rows
			if partitioned {
				keys = types.PartitionKey{"Year"}
				want = sortedByYear(rows)
			}
			if _, err := NewWriter(nil, WithRowGroupSize(7)).Write(context.Background(), rows, salesSchema, base, types.WriteModeOverwrite, keys); err != nil {
				return false
			}
			ds, err := Open(nil, base)
			if err != nil {
				return false
			}
			res, err := ds.Scan(context.Background(), plan.ScanRequest{})
			if err != nil {
				return false
			}
			if len(want) == 0 {
				return len(res.Rows) == 0
			}
			return assert.ObjectsAreEqual(want, res.Rows)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(-3000, 30000)),
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestScan_PartitionPruning(t *testing.T) {
	dir := t.TempDir()
	partitioned := filepath.Join(dir, "by_year")
	flat := filepath.Join(dir, "flat")
	w := NewWriter(nil)
	write(t, w, partitioned, salesRows(), types.WriteModeOverwrite, "Year")
	write(t, w, flat, salesRows(), types.WriteModeOverwrite)

	filter := expr.Eq(expr.Col("Year"), expr.Lit(int64(2021)))
	res := scanAll(t, partitioned, plan.ScanRequest{PartitionFilter: filter})

	assert.Equal(t, 3, res.Stats.PartitionsTotal)
	assert.Equal(t, 1, res.Stats.PartitionsScanned)
	require.NotEmpty(t, res.Stats.Files)
	for _, f := range res.Stats.Files {
		assert.Contains(t, f, string(filepath.Separator)+"Year=2021"+string(filepath.Separator))
	}

	flatRows := scanAll(t, flat, plan.ScanRequest{}).Rows
	var want int
	for _, row := range flatRows {
		if row[1] == int64(2021) {
			want++
		}
	}
	assert.Equal(t, want, len(res.Rows))
	assert.Equal(t, 3, want)
}

func TestScan_FilterErrorKeepsPartition(t *testing.T) {
	base := t.TempDir()
	write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year")

	// 1 / (Year - 2020) fails for the 2020 partition only.
	filter := expr.Gt(expr.Div(expr.Lit(int64(1)), expr.Sub(expr.Col("Year"), expr.Lit(int64(2020)))), expr.Lit(int64(0)))
	res := scanAll(t, base, plan.ScanRequest{PartitionFilter: filter})
	assert.Equal(t, 2, res.Stats.PartitionsScanned)
	for _, row := range res.Rows {
		assert.NotEqual(t, int64(2019), row[1])
	}
}

func TestScan_ColumnPruning(t *testing.T) {
	base := t.TempDir()
	write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year")

	res := scanAll(t, base, plan.ScanRequest{Columns: []string{"Quantity", "Year"}})
	assert.Equal(t, []string{"Year", "Quantity"}, res.Schema.Names())
	assert.Equal(t, []types.Row{
		{int64(2019), int64(2)}, {int64(2019), int64(5)},
		{int64(2020), int64(1)},
		{int64(2021), int64(3)}, {int64(2021), nil}, {int64(2021), int64(4)},
	}, res.Rows)

	res = scanAll(t, base, plan.ScanRequest{Columns: []string{}})
	assert.Equal(t, 0, res.Schema.Len())
	assert.Len(t, res.Rows, 6)

	ds, err := Open(nil, base)
	require.NoError(t, err)
	_, err = ds.Scan(context.Background(), plan.ScanRequest{Columns: []string{"Nope"}})
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))
}

func TestScan_SeesLaterWrites(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	w := NewWriter(nil)
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")

	ds, err := Open(nil, base)
	require.NoError(t, err)
	res, err := ds.Scan(ctx, plan.ScanRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 6)

	// The overwrite replaces every file the first scan read.
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")
	res, err = ds.Scan(ctx, plan.ScanRequest{})
	require.NoError(t, err)
	assert.Equal(t, sortedByYear(salesRows()), res.Rows)

	write(t, w, base, []types.Row{sale("Road-150", 2022, int64(7), 21.0)}, types.WriteModeAppend, "Year")
	res, err = ds.Scan(ctx, plan.ScanRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 7)
	assert.Equal(t, 4, res.Stats.PartitionsTotal)

	other := types.NewSchema(types.ColumnDef{Name: "Item", Type: types.TypeString}, types.ColumnDef{Name: "Year", Type: types.TypeInteger})
	all := []types.Row{{"x", int64(2019)}, {"y", int64(2020)}, {"z", int64(2021)}, {"w", int64(2022)}}
	_, err = w.Write(ctx, all, other, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	require.NoError(t, err)
	_, err = ds.Scan(ctx, plan.ScanRequest{})
	assert.Equal(t, terrors.CodeSchemaMismatch, terrors.GetCode(err))
}

func TestWrite_OverwriteIsIdempotent(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(nil)
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")
	first := scanAll(t, base, plan.ScanRequest{})
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")
	second := scanAll(t, base, plan.ScanRequest{})

	assert.Equal(t, first.Rows, second.Rows)
	assert.Len(t, second.Stats.Files, 3)
	assertNoWorkFiles(t, base)
}

func TestWrite_OverwriteLeavesAbsentPartitionsUntouched(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(nil)
	initial := write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")

	update := []types.Row{sale("Road-150", 2021, int64(9), 25.0)}
	write(t, w, base, update, types.WriteModeOverwrite, "Year")

	res := scanAll(t, base, plan.ScanRequest{})
	want := append(sortedByYear(salesRows())[:3], update...)
	assert.Equal(t, want, res.Rows)

	// The 2019 and 2020 files are the original ones.
	assert.Contains(t, res.Stats.Files, initial.Partitions[0].File)
	assert.Contains(t, res.Stats.Files, initial.Partitions[1].File)
	assert.NotContains(t, res.Stats.Files, initial.Partitions[2].File)
}

func TestWrite_Append(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(nil)
	write(t, w, base, salesRows(), types.WriteModeAppend, "Year")
	write(t, w, base, salesRows()[:2], types.WriteModeAppend, "Year")

	res := scanAll(t, base, plan.ScanRequest{})
	assert.Len(t, res.Rows, 8)
	assert.Len(t, res.Stats.Files, 5)

	other := types.NewSchema(types.ColumnDef{Name: "Item", Type: types.TypeString}, types.ColumnDef{Name: "Year", Type: types.TypeInteger})
	_, err := w.Write(context.Background(), []types.Row{{"x", int64(2019)}}, other, base, types.WriteModeAppend, types.PartitionKey{"Year"})
	assert.Equal(t, terrors.CodeSchemaMismatch, terrors.GetCode(err))

	_, err = w.Write(context.Background(), salesRows(), salesSchema, base, types.WriteModeAppend, types.PartitionKey{"Item"})
	assert.Equal(t, terrors.CodeSchemaMismatch, terrors.GetCode(err))
	assertNoWorkFiles(t, base)
}

func TestWrite_OverwriteWithNewSchema(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(nil)
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")

	other := types.NewSchema(types.ColumnDef{Name: "Item", Type: types.TypeString}, types.ColumnDef{Name: "Year", Type: types.TypeInteger})
	_, err := w.Write(context.Background(), []types.Row{{"x", int64(2019)}}, other, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	assert.Equal(t, terrors.CodeSchemaMismatch, terrors.GetCode(err))

	all := []types.Row{{"x", int64(2019)}, {"y", int64(2020)}, {"z", int64(2021)}}
	_, err = w.Write(context.Background(), all, other, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	require.NoError(t, err)
	res := scanAll(t, base, plan.ScanRequest{})
	assert.Equal(t, all, res.Rows)
}

func TestWrite_NoKeysReplacesRoot(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(nil)
	write(t, w, base, salesRows(), types.WriteModeOverwrite, "Year")
	write(t, w, base, salesRows()[:2], types.WriteModeOverwrite)

	res := scanAll(t, base, plan.ScanRequest{})
	assert.Equal(t, salesRows()[:2], res.Rows)
	assert.Len(t, res.Stats.Files, 1)
	assert.Equal(t, base, filepath.Dir(res.Stats.Files[0]))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "Year="), "stale partition %s", e.Name())
	}
}

func TestWrite_UnencodableValue(t *testing.T) {
	base := filepath.Join(t.TempDir(), "ds")
	rows := []types.Row{sale("ok", 2021, nil, 1), sale("a/b", 2021, nil, 1)}
	_, err := NewWriter(nil).Write(context.Background(), rows, salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Item"})

	te, ok := terrors.As(err)
	require.True(t, ok)
	assert.Equal(t, terrors.CodeUnencodableValue, te.Code)
	assert.Equal(t, "Item", te.Details["column"])
	assert.Equal(t, "a/b", te.Details["value"])
	assert.Equal(t, 1, te.Details["row"])

	_, statErr := os.Stat(base)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written")
}

func TestWrite_InvalidKeys(t *testing.T) {
	w := NewWriter(nil)
	base := t.TempDir()
	_, err := w.Write(context.Background(), nil, salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Nope"})
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))
	_, err = w.Write(context.Background(), nil, salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Year", "Year"})
	assert.Equal(t, terrors.CodeDuplicateColumn, terrors.GetCode(err))
	_, err = w.Write(context.Background(), []types.Row{{"x"}}, salesSchema, base, types.WriteModeOverwrite, nil)
	assert.Equal(t, terrors.CodeRowArity, terrors.GetCode(err))
}

func TestWrite_Collision(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, LockFile), []byte("other-writer"), 0o644))

	_, err := NewWriter(nil).Write(context.Background(), salesRows(), salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	require.Error(t, err)
	assert.Equal(t, terrors.CodeWriteCollision, terrors.GetCode(err))
	assert.True(t, terrors.IsRetryable(err))

	_, statErr := os.Stat(filepath.Join(base, stagingDir))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(base, "Year=2021"))
	assert.True(t, os.IsNotExist(statErr))
}

// failingFs fails renames selected by fail.
type failingFs struct {
	afero.Fs
	fail func(from, to string) bool
}

func (f *failingFs) Rename(from, to string) error {
	if f.fail(from, to) {
		return errors.New("injected rename failure")
	}
	return f.Fs.Rename(from, to)
}

func TestWrite_FailedCommitIsInvisible(t *testing.T) {
	base := t.TempDir()
	write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year")
	before := scanAll(t, base, plan.ScanRequest{})

	fs := &failingFs{Fs: afero.NewOsFs(), fail: func(from, to string) bool {
		return strings.Contains(from, stagingDir) && filepath.Base(to) == "Year=2021"
	}}
	update := []types.Row{sale("Road-150", 2020, int64(7), 1), sale("Road-150", 2021, int64(8), 1), sale("New", 2022, nil, 1)}
	_, err := NewWriter(fs).Write(context.Background(), update, salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	require.Error(t, err)
	assert.Equal(t, terrors.CodeIOFailure, terrors.GetCode(err))

	after := scanAll(t, base, plan.ScanRequest{})
	assert.Equal(t, before.Rows, after.Rows)
	assert.Equal(t, before.Stats.Files, after.Stats.Files)
	assertNoWorkFiles(t, base)
}

func TestWrite_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	base := filepath.Join(t.TempDir(), "ds")
	_, err := NewWriter(nil).Write(ctx, salesRows(), salesSchema, base, types.WriteModeOverwrite, types.PartitionKey{"Year"})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(base, "Year=2021"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWrite_Compression(t *testing.T) {
	for _, c := range []Compression{CompressionSnappy, CompressionZstd, CompressionGzip, CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			base := t.TempDir()
			_, err := NewWriter(nil, WithCompression(c)).Write(context.Background(), salesRows(), salesSchema, base, types.WriteModeOverwrite, nil)
			require.NoError(t, err)
			assert.Equal(t, salesRows(), scanAll(t, base, plan.ScanRequest{}).Rows)
		})
	}

	_, err := ParseCompression("lzo")
	assert.Error(t, err)
}

func TestOpen_WithoutMetadata(t *testing.T) {
	base := t.TempDir()
	write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year")
	require.NoError(t, os.Remove(filepath.Join(base, MetadataFile)))

	ds, err := Open(nil, base)
	require.NoError(t, err)
	assert.Nil(t, ds.Metadata())
	assert.Equal(t, []string{"Item", "OrderDate", "Quantity", "UnitPrice", "Returned", "Year"}, ds.Schema().Names())
	year, _ := ds.Schema().Lookup("Year")
	assert.Equal(t, types.TypeInteger, year.Type)

	res, err := ds.Scan(context.Background(), plan.ScanRequest{Columns: []string{"Year"}})
	require.NoError(t, err)
	assert.Equal(t, types.Row{int64(2019)}, res.Rows[0])

	// Open read the 2019 footer for the schema; a pruned scan reads only
	// the partition it selects.
	filter := expr.Eq(expr.Col("Year"), expr.Lit(int64(2021)))
	res, err = ds.Scan(context.Background(), plan.ScanRequest{PartitionFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.PartitionsScanned)
	require.Len(t, res.Stats.Files, 1)
	assert.Contains(t, res.Stats.Files[0], string(filepath.Separator)+"Year=2021"+string(filepath.Separator))
	assert.Len(t, res.Rows, 3)

	// New partitions decode with the key types fixed at Open.
	write(t, NewWriter(nil), base, []types.Row{sale("Road-150", 2022, int64(7), 21.0)}, types.WriteModeAppend, "Year")
	require.NoError(t, os.Remove(filepath.Join(base, MetadataFile)))
	res, err = ds.Scan(context.Background(), plan.ScanRequest{Columns: []string{"Year"}})
	require.NoError(t, err)
	assert.Equal(t, types.Row{int64(2022)}, res.Rows[len(res.Rows)-1])
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(nil, filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, terrors.CodePathNotFound, terrors.GetCode(err))

	base := t.TempDir()
	res := write(t, NewWriter(nil), base, salesRows(), types.WriteModeOverwrite, "Year", "Item")

	// A partition nested in the wrong key order.
	bad := filepath.Join(base, "Item=Road-150", "Year=2019")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	data, err := os.ReadFile(res.Partitions[0].File)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bad, "part-00000-x.parquet"), data, 0o644))

	_, err = Open(nil, base)
	assert.Equal(t, terrors.CodeCorruptLayout, terrors.GetCode(err))

	require.NoError(t, os.Remove(filepath.Join(base, MetadataFile)))
	_, err = Open(nil, base)
	assert.Equal(t, terrors.CodeCorruptLayout, terrors.GetCode(err))

	// Hidden and underscore directories are not partitions.
	require.NoError(t, os.RemoveAll(filepath.Join(base, "Item=Road-150")))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "_scratch", "junk"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".cache"), 0o755))
	ds, err := Open(nil, base)
	require.NoError(t, err)
	cat, err := ds.Catalog()
	require.NoError(t, err)
	assert.Len(t, cat.Partitions, len(res.Partitions))
}
