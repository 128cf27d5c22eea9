package aggregator

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

var salesSchema = types.NewSchema(
	types.ColumnDef{Name: "Region", Type: types.TypeString, Nullable: true},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger, Nullable: true},
	types.ColumnDef{Name: "Price", Type: types.TypeFloat},
)

func bind(t *testing.T, aggs ...expr.Aggregation) []*expr.BoundAggregation {
	t.Helper()
	out := make([]*expr.BoundAggregation, len(aggs))
	for i, a := range aggs {
		b, err := a.Bind(salesSchema)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func salesRows() []types.Row {
	return []types.Row{
		{"west", int64(2), 1.5},
		{"east", int64(1), 4.0},
		{"west", nil, 2.5},
		{nil, int64(7), 1.0},
		{"east", int64(3), 2.0},
		{nil, int64(1), 3.0},
	}
}

func TestGroupAggregate_FirstAppearanceOrder(t *testing.T) {
	aggs := bind(t,
		expr.Sum(expr.Col("Quantity")),
		expr.Count(),
		expr.CountOf(expr.Col("Quantity")),
		expr.Avg(expr.Col("Price")),
		expr.Max(expr.Col("Quantity")),
	)
	got, err := GroupAggregate(context.Background(), salesRows(), []int{0}, aggs, Options{Parallelism: 4})
	require.NoError(t, err)

	assert.Equal(t, []types.Row{
		{"west", int64(2), int64(2), int64(1), 2.0, int64(2)},
		{"east", int64(4), int64(2), int64(2), 3.0, int64(3)},
		{nil, int64(8), int64(2), int64(2), 2.0, int64(7)},
	}, got)
}

func TestGroupAggregate_NoKeys(t *testing.T) {
	aggs := bind(t, expr.Sum(expr.Col("Quantity")), expr.Count(), expr.Min(expr.Col("Region")))

	got, err := GroupAggregate(context.Background(), salesRows(), nil, aggs, Options{Parallelism: 2, ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{int64(14), int64(6), "east"}}, got)

	empty, err := GroupAggregate(context.Background(), nil, nil, aggs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{nil, int64(0), nil}}, empty)
}

func TestGroupAggregate_AllNullGroup(t *testing.T) {
	aggs := bind(t, expr.Sum(expr.Col("Quantity")), expr.Avg(expr.Col("Quantity")), expr.CountOf(expr.Col("Quantity")))
	rows := []types.Row{{"north", nil, 1.0}, {"north", nil, 2.0}}

	got, err := GroupAggregate(context.Background(), rows, []int{0}, aggs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{"north", nil, nil, int64(0)}}, got)
}

func TestGroupAggregate_CountDistinct(t *testing.T) {
	aggs := bind(t, expr.CountDistinct(expr.Col("Region")))
	got, err := GroupAggregate(context.Background(), salesRows(), nil, aggs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{int64(2)}}, got)
}

func TestGroupAggregate_Overflow(t *testing.T) {
	aggs := bind(t, expr.Sum(expr.Col("Quantity")))
	rows := []types.Row{
		{"a", int64(math.MaxInt64), 0.0},
		{"a", int64(1), 0.0},
	}
	_, err := GroupAggregate(context.Background(), rows, []int{0}, aggs, Options{})
	require.Error(t, err)
	assert.Equal(t, terrors.CodeOverflow, terrors.GetCode(err))
}

func TestGroupAggregate_ErrorIndependentOfParallelism(t *testing.T) {
	aggs := bind(t, expr.Sum(expr.Div(expr.Col("Price"), expr.Cast(expr.Col("Quantity"), types.TypeFloat))))

	rows := make([]types.Row, 200)
	for i := range rows {
		rows[i] = types.Row{fmt.Sprintf("r%d", i%17), int64(1), 1.0}
	}
	rows[150][1] = int64(0)
	rows[40][1] = int64(0)
	rows[90][1] = int64(0)

	for _, keys := range [][]int{{0}, nil} {
		for _, p := range []int{1, 3, 8} {
			_, err := GroupAggregate(context.Background(), rows, keys, aggs, Options{Parallelism: p, ChunkSize: 16})
			require.Error(t, err)
			assert.Equal(t, terrors.CodeDivisionByZero, terrors.GetCode(err), "parallelism %d", p)
		}
	}
}

func TestGroupAggregate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := GroupAggregate(ctx, salesRows(), []int{0}, bind(t, expr.Count()), Options{Parallelism: 2, ChunkSize: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDistinct(t *testing.T) {
	rows := []types.Row{
		{"a", int64(1)},
		{"b", int64(1)},
		{"a", int64(1)},
		{nil, nil},
		{"a", 1.0},
		{nil, nil},
	}
	got, err := Distinct(context.Background(), rows, Options{Parallelism: 3, ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []types.Row{
		{"a", int64(1)},
		{"b", int64(1)},
		{nil, nil},
		{"a", 1.0},
	}, got)
}

// TestProperty_GroupSumMatchesSerial checks that grouped sums equal a plain
// serial fold and do not depend on the degree of parallelism.
func TestProperty_GroupSumMatchesSerial(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	aggs := bind(t, expr.Sum(expr.Col("Quantity")), expr.Sum(expr.Col("Price")))

	properties.Property("parallel group sums equal serial fold", prop.ForAll(
		func(regions []int, quantities []int64) bool {
			n := len(regions)
			if len(quantities) < n {
				n = len(quantities)
			}
			rows := make([]types.Row, n)
			want := make(map[string]int64)
			for i := 0; i < n; i++ {
				region := fmt.Sprintf("r%d", regions[i])
				rows[i] = types.Row{region, quantities[i], float64(quantities[i]) / 4}
				want[region] += quantities[i]
			}

			serial, err := GroupAggregate(context.Background(), rows, []int{0}, aggs, Options{Parallelism: 1, ChunkSize: 7})
			if err != nil {
				return false
			}
			parallel, err := GroupAggregate(context.Background(), rows, []int{0}, aggs, Options{Parallelism: 8, ChunkSize: 7})
			if err != nil {
				return false
			}
			if len(serial) != len(want) || !assert.ObjectsAreEqual(serial, parallel) {
				return false
			}
			for _, row := range serial {
				if row[1] != want[row[0].(string)] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 12)),
		gen.SliceOf(gen.Int64Range(-1000, 1000)),
	))

	properties.TestingRun(t)
}
