package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical textual form of a date value.
const DateLayout = "2006-01-02"

// dateLayouts are the only calendar forms accepted when parsing text as a
// date. Day-first and month-first forms such as 01/02/2021 are ambiguous and
// deliberately absent.
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
}

// NewDate returns the UTC midnight of the given calendar day.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TruncateDate drops the time-of-day of t after converting it to UTC.
func TruncateDate(t time.Time) time.Time {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses an unambiguous calendar date. RFC 3339 timestamps are
// accepted and truncated to their UTC date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return TruncateDate(t), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (want YYYY-MM-DD, YYYY/MM/DD or RFC 3339)", s)
}

// TypeOf returns the column type of a runtime value.
func TypeOf(v interface{}) ColumnType {
	switch v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case int64:
		return TypeInteger
	case float64:
		return TypeFloat
	case time.Time:
		return TypeDate
	case bool:
		return TypeBoolean
	default:
		return ""
	}
}

// Conforms reports whether v is a legal value for a column of type t.
func Conforms(v interface{}, t ColumnType) bool {
	return v == nil || TypeOf(v) == t
}

// ToFloat converts a numeric value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case float32:
		return float64(val), true
	}
	return 0, false
}

// typeRank orders values of different types so that Compare is total.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, int, int32, float32:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

// Compare orders two values. NULL sorts before every non-null value,
// integers and floats compare numerically, and values of unrelated types
// fall back to a fixed type rank.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case time.Time:
		bv := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	}

	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	}
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// Format renders a value for display. NULL renders as "NULL".
func Format(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format(DateLayout)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
