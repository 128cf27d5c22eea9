package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabuladb/tabula/internal/config"
	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/export"
	"github.com/tabuladb/tabula/internal/manifest"
	"github.com/tabuladb/tabula/pkg/types"
)

var salesSchema = types.NewSchema(
	types.ColumnDef{Name: "Item", Type: types.TypeString},
	types.ColumnDef{Name: "OrderDate", Type: types.TypeDate},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger},
)

const salesCSV = `Item,OrderDate,Quantity
Mountain-100,2019-03-01,2
Road-150,2021-06-01,1
Mountain-100,2021-07-09,3
Road-150,2021-12-24,4
`

func newTestApp(t *testing.T, modify func(*config.Config)) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	if modify != nil {
		modify(cfg)
	}

	var logs bytes.Buffer
	a, err := New(cfg, &logs)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, dir
}

func TestIngestAndQuery(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestApp(t, nil)

	input := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(input, []byte(salesCSV), 0o644))

	output := filepath.Join(dir, "warehouse", "sales")
	res, err := a.Ingest(ctx, IngestRequest{
		Table:  "sales",
		Inputs: []string{input},
		Schema: &salesSchema,
		Output: output,
		Mode:   types.WriteModeOverwrite,
		Keys:   []string{"Item"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Write.RowsWritten)
	assert.Len(t, res.Write.Partitions, 2)

	rec, err := a.Catalog().GetTable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, manifest.TableKindDataset, rec.Kind)
	assert.Equal(t, types.PartitionKey{"Item"}, rec.PartitionKeys)
	assert.True(t, rec.Schema.Equal(salesSchema))

	commits, err := a.Catalog().ListCommits(ctx, output)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, res.Write.WriteID, commits[0].CommitID)

	q, err := a.Query(ctx, "SELECT Item, SUM(Quantity) AS Total FROM sales GROUP BY Item ORDER BY Item")
	require.NoError(t, err)
	got, err := q.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{"Mountain-100", int64(5)}, {"Road-150", int64(5)}}, got.Rows)

	report, err := a.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasIssues())
	assert.Equal(t, 1, report.TablesChecked)
}

func TestRegisterCSV(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestApp(t, func(c *config.Config) { c.Source.Delimiter = ";" })

	input := filepath.Join(dir, "items.csv")
	require.NoError(t, os.WriteFile(input, []byte("Item;Price\nMountain-100;10.5\nRoad-150;x\n"), 0o644))

	rec, err := a.RegisterCSV(ctx, "items", input, nil)
	require.NoError(t, err)
	assert.Equal(t, manifest.TableKindCSV, rec.Kind)
	assert.Equal(t, ";", rec.Options[optDelimiter])
	assert.Equal(t, "fail_fast", rec.Options[optPolicy])

	tbl, err := a.Table(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"Item", "Price"}, tbl.Schema().Names())
	assert.Equal(t, types.TypeString, tbl.Schema().Columns[1].Type, "x does not parse as a number")

	n, err := tbl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestApp(t, nil)

	input := filepath.Join(dir, "items.csv")
	require.NoError(t, os.WriteFile(input, []byte("Item,Price\nMountain-100,10.5\n"), 0o644))
	_, err := a.RegisterCSV(ctx, "items", input, nil)
	require.NoError(t, err)
	q, err := a.Query(ctx, "SELECT Item FROM items")
	require.NoError(t, err)
	res, err := q.Collect(ctx)
	require.NoError(t, err)

	render := func(w io.Writer) error { return export.WriteCSV(w, res.Schema, res.Rows, ',') }
	require.NoError(t, a.Export(ctx, "s3://exports/daily/items.csv", render))
	got, err := os.ReadFile(filepath.Join(a.Config().Storage.Path, "exports", "daily", "items.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Item\nMountain-100\n", string(got))

	local := filepath.Join(dir, "out", "items.csv")
	require.NoError(t, a.Export(ctx, local, render))
	got, err = os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "Item\nMountain-100\n", string(got))

	err = a.Export(ctx, "s3://exports/", render)
	assert.Equal(t, terrors.CodeIOFailure, terrors.GetCode(err))
}

func TestQueryErrors(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, nil)

	_, err := a.Query(ctx, "SELECT * FROM nowhere")
	assert.Equal(t, terrors.CodeUnknownTable, terrors.GetCode(err))

	_, err = a.Query(ctx, "SELECT FROM")
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = "127.0.0.1:0"
	})
	require.NotEmpty(t, a.MetricsAddr())

	resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Stop(context.Background()))
	_, err = http.Get("http://" + a.MetricsAddr() + "/metrics")
	assert.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Engine.Parallelism = 0
	_, err := New(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
