package partition

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"integer", int64(-42), "-42"},
		{"float", 2.5, "2.5"},
		{"float shortest form", 0.1, "0.1"},
		{"large float", 1e21, "1e+21"},
		{"date", types.NewDate(2021, 3, 7), "2021-03-07"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"string", "Road-150", "Road-150"},
		{"string with spaces", "red bike", "red bike"},
		{"null", nil, NullSegment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeValue("c", tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeValue_Unencodable(t *testing.T) {
	for _, v := range []string{"", ".", "..", "a/b", `a\b`, "a=b", "a\x00b", NullSegment} {
		_, err := EncodeValue("Item", v)
		require.Error(t, err, "value %q", v)
		te, ok := terrors.As(err)
		require.True(t, ok)
		assert.Equal(t, terrors.ErrCategoryStorage, te.Category)
		assert.Equal(t, terrors.CodeUnencodableValue, te.Code)
		assert.Equal(t, "Item", te.Details["column"])
		assert.Equal(t, v, te.Details["value"])
	}
}

func TestDecodeValue_RoundTrip(t *testing.T) {
	values := []struct {
		v interface{}
		t types.ColumnType
	}{
		{int64(2021), types.TypeInteger},
		{int64(math.MinInt64), types.TypeInteger},
		{3.25, types.TypeFloat},
		{1.0 / 3, types.TypeFloat},
		{types.NewDate(1999, 12, 31), types.TypeDate},
		{true, types.TypeBoolean},
		{"Mountain-100", types.TypeString},
		{nil, types.TypeInteger},
	}
	for _, tc := range values {
		enc, err := EncodeValue("c", tc.v)
		require.NoError(t, err)
		got, err := DecodeValue(enc, tc.t)
		require.NoError(t, err)
		assert.Equal(t, tc.v, got)
	}

	_, err := DecodeValue("yes", types.TypeBoolean)
	assert.Error(t, err)
}

func TestInferValueType(t *testing.T) {
	tests := []struct {
		raws []string
		want types.ColumnType
	}{
		{[]string{"2019", "2020", NullSegment}, types.TypeInteger},
		{[]string{"1", "2.5"}, types.TypeFloat},
		{[]string{"2021-01-01", "2021-12-31"}, types.TypeDate},
		{[]string{"true", "false"}, types.TypeBoolean},
		{[]string{"true", "1"}, types.TypeString},
		{[]string{"Road-150", "2020"}, types.TypeString},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferValueType(tt.raws), "%v", tt.raws)
	}
}

func TestDirAndParseSegment(t *testing.T) {
	dir, err := Dir([]string{"Year", "Item"}, []interface{}{int64(2021), "a=b"})
	require.Error(t, err)
	assert.Empty(t, dir)

	dir, err = Dir([]string{"Year", "Item"}, []interface{}{int64(2021), nil})
	require.NoError(t, err)
	assert.Equal(t, "Year=2021/Item=__NULL__", dir)

	dir, err = Dir(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "", dir)

	col, raw, ok := ParseSegment("Expr=a=b")
	require.True(t, ok)
	assert.Equal(t, "Expr", col)
	assert.Equal(t, "a=b", raw)

	_, _, ok = ParseSegment("=x")
	assert.False(t, ok)
	_, _, ok = ParseSegment("plain")
	assert.False(t, ok)
}
