package aggregator

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/tabuladb/tabula/pkg/types"
)

// Value tags of the key encoding. Distinct tags keep values of different
// types from colliding, e.g. the string "1" and the integer 1.
const (
	tagNull byte = iota
	tagString
	tagInt
	tagFloat
	tagDate
	tagFalse
	tagTrue
)

// appendKey appends a self-delimiting binary encoding of v to buf. Two
// value tuples encode to the same bytes exactly when they are equal.
func appendKey(buf []byte, v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull)
	case string:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...)
	case int64:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(x))
	case float64:
		if x == 0 {
			x = 0 // fold -0 into +0
		}
		buf = append(buf, tagFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
	case time.Time:
		buf = append(buf, tagDate)
		return binary.BigEndian.AppendUint64(buf, uint64(x.Unix()))
	case bool:
		if x {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	default:
		buf = append(buf, tagString)
		s := types.Format(x)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...)
	}
}

// EncodeKey encodes the values of row at the given positions.
func EncodeKey(row types.Row, indices []int) string {
	buf := make([]byte, 0, 16*len(indices))
	for _, idx := range indices {
		buf = appendKey(buf, row[idx])
	}
	return string(buf)
}

// EncodeRow encodes every value of row.
func EncodeRow(row types.Row) string {
	buf := make([]byte, 0, 16*len(row))
	for _, v := range row {
		buf = appendKey(buf, v)
	}
	return string(buf)
}

// shardOf maps an encoded key to one of n shards.
func shardOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum64([]byte(key)) % uint64(n))
}
