package expr

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// function describes a scalar function. resolve checks argument types and
// returns the result type. When strict is set a NULL argument short-circuits
// to NULL without calling eval.
type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	strict  bool
	// alwaysNullable marks functions that may yield NULL for non-null input.
	alwaysNullable bool
	resolve        func(args []types.ColumnType) (types.ColumnType, error)
	eval           func(args []interface{}) (interface{}, error)
}

var functions = map[string]*function{
	"year":    datePart(func(t time.Time) int64 { return int64(t.Year()) }),
	"month":   datePart(func(t time.Time) int64 { return int64(t.Month()) }),
	"day":     datePart(func(t time.Time) int64 { return int64(t.Day()) }),
	"quarter": datePart(func(t time.Time) int64 { return int64(t.Month()-1)/3 + 1 }),

	"to_date": {
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			return types.TypeDate, expectArg(args, 0, types.TypeString, types.TypeDate)
		},
		eval: func(args []interface{}) (interface{}, error) {
			switch v := args[0].(type) {
			case time.Time:
				return v, nil
			default:
				d, err := types.ParseDate(v.(string))
				if err != nil {
					return nil, terrors.NewEvaluationError(terrors.CodeInvalidValue,
						fmt.Sprintf("unparseable date %q", v)).WithDetail("value", v)
				}
				return d, nil
			}
		},
	},

	"split_part": {
		minArgs: 3, maxArgs: 3, strict: true, alwaysNullable: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			if err := expectArg(args, 0, types.TypeString); err != nil {
				return "", err
			}
			if err := expectArg(args, 1, types.TypeString); err != nil {
				return "", err
			}
			return types.TypeString, expectArg(args, 2, types.TypeInteger)
		},
		eval: func(args []interface{}) (interface{}, error) {
			sep := args[1].(string)
			n := args[2].(int64)
			if sep == "" || n < 1 {
				return nil, nil
			}
			parts := strings.Split(args[0].(string), sep)
			if n > int64(len(parts)) {
				return nil, nil
			}
			return parts[n-1], nil
		},
	},

	"upper": stringFunc(strings.ToUpper),
	"lower": stringFunc(strings.ToLower),
	"trim":  stringFunc(strings.TrimSpace),

	"length": {
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			return types.TypeInteger, expectArg(args, 0, types.TypeString)
		},
		eval: func(args []interface{}) (interface{}, error) {
			return int64(utf8.RuneCountInString(args[0].(string))), nil
		},
	},

	"substr": {
		minArgs: 2, maxArgs: 3, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			if err := expectArg(args, 0, types.TypeString); err != nil {
				return "", err
			}
			for i := 1; i < len(args); i++ {
				if err := expectArg(args, i, types.TypeInteger); err != nil {
					return "", err
				}
			}
			return types.TypeString, nil
		},
		eval: func(args []interface{}) (interface{}, error) {
			runes := []rune(args[0].(string))
			begin := args[1].(int64) - 1
			end := int64(len(runes))
			if len(args) == 3 {
				n := args[2].(int64)
				if n < 0 {
					return nil, terrors.NewEvaluationError(terrors.CodeInvalidValue,
						fmt.Sprintf("negative substring length %d", n))
				}
				end = begin + n
			}
			begin = clamp(begin, 0, int64(len(runes)))
			end = clamp(end, begin, int64(len(runes)))
			return string(runes[begin:end]), nil
		},
	},

	"concat": {
		minArgs: 1, maxArgs: -1,
		resolve: func([]types.ColumnType) (types.ColumnType, error) {
			return types.TypeString, nil
		},
		eval: func(args []interface{}) (interface{}, error) {
			var sb strings.Builder
			for _, a := range args {
				if a != nil {
					sb.WriteString(types.Format(a))
				}
			}
			return sb.String(), nil
		},
	},

	"abs": {
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: numericIdentity,
		eval: func(args []interface{}) (interface{}, error) {
			switch v := args[0].(type) {
			case int64:
				if v == math.MinInt64 {
					return nil, terrors.NewEvaluationError(terrors.CodeOverflow, "integer overflow in abs")
				}
				if v < 0 {
					return -v, nil
				}
				return v, nil
			default:
				return math.Abs(v.(float64)), nil
			}
		},
	},

	"round": {
		minArgs: 1, maxArgs: 2, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			t, err := numericIdentity(args[:1])
			if err != nil {
				return "", err
			}
			if len(args) == 2 {
				return types.TypeFloat, expectArg(args, 1, types.TypeInteger)
			}
			return t, nil
		},
		eval: func(args []interface{}) (interface{}, error) {
			if len(args) == 1 {
				if i, ok := args[0].(int64); ok {
					return i, nil
				}
				return math.Round(args[0].(float64)), nil
			}
			f, _ := types.ToFloat(args[0])
			scale := math.Pow(10, float64(args[1].(int64)))
			return math.Round(f*scale) / scale, nil
		},
	},

	"floor": roundingFunc(math.Floor),
	"ceil":  roundingFunc(math.Ceil),

	"coalesce": {
		minArgs: 1, maxArgs: -1,
		resolve: commonType,
		eval: func(args []interface{}) (interface{}, error) {
			for _, a := range args {
				if a != nil {
					return a, nil
				}
			}
			return nil, nil
		},
	},
}

// FunctionNames lists the registered scalar functions in sorted order.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func datePart(part func(time.Time) int64) *function {
	return &function{
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			return types.TypeInteger, expectArg(args, 0, types.TypeDate)
		},
		eval: func(args []interface{}) (interface{}, error) {
			return part(args[0].(time.Time)), nil
		},
	}
}

func stringFunc(fn func(string) string) *function {
	return &function{
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: func(args []types.ColumnType) (types.ColumnType, error) {
			return types.TypeString, expectArg(args, 0, types.TypeString)
		},
		eval: func(args []interface{}) (interface{}, error) {
			return fn(args[0].(string)), nil
		},
	}
}

func roundingFunc(fn func(float64) float64) *function {
	return &function{
		minArgs: 1, maxArgs: 1, strict: true,
		resolve: numericIdentity,
		eval: func(args []interface{}) (interface{}, error) {
			if i, ok := args[0].(int64); ok {
				return i, nil
			}
			return fn(args[0].(float64)), nil
		},
	}
}

func numericIdentity(args []types.ColumnType) (types.ColumnType, error) {
	if err := expectArg(args, 0, types.TypeInteger, types.TypeFloat); err != nil {
		return "", err
	}
	if args[0] == types.TypeNull {
		return types.TypeFloat, nil
	}
	return args[0], nil
}

// commonType returns the type shared by all non-null arguments. Mixed
// integer and float arguments widen to float.
func commonType(args []types.ColumnType) (types.ColumnType, error) {
	out := types.TypeNull
	for i, t := range args {
		switch {
		case t == types.TypeNull || t == out:
		case out == types.TypeNull:
			out = t
		case t.IsNumeric() && out.IsNumeric():
			out = types.TypeFloat
		default:
			return "", fmt.Errorf("argument %d has type %s, expected %s", i+1, t, out)
		}
	}
	return out, nil
}

// expectArg checks that argument i has one of the allowed types. NULL is
// accepted everywhere.
func expectArg(args []types.ColumnType, i int, allowed ...types.ColumnType) error {
	if args[i] == types.TypeNull {
		return nil
	}
	for _, t := range allowed {
		if args[i] == t {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for j, t := range allowed {
		names[j] = string(t)
	}
	return fmt.Errorf("argument %d has type %s, expected %s", i+1, args[i], strings.Join(names, " or "))
}

func compileCall(n *CallExpr, s types.Schema) (*Compiled, error) {
	name := strings.ToLower(n.Name)
	fn, ok := functions[name]
	if !ok {
		return nil, planError(terrors.CodeUnknownFunction, n, fmt.Sprintf("unknown function %q", n.Name))
	}
	if len(n.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(n.Args) > fn.maxArgs) {
		return nil, planError(terrors.CodeUnknownFunction, n,
			fmt.Sprintf("wrong number of arguments to %s: %d", name, len(n.Args)))
	}

	args := make([]*Compiled, len(n.Args))
	argTypes := make([]types.ColumnType, len(n.Args))
	anyNullable, allNullable := false, true
	for i, a := range n.Args {
		c, err := compile(a, s)
		if err != nil {
			return nil, err
		}
		args[i] = c
		argTypes[i] = c.Type
		anyNullable = anyNullable || c.Nullable
		allNullable = allNullable && c.Nullable
	}

	resultType, err := fn.resolve(argTypes)
	if err != nil {
		return nil, planError(terrors.CodeTypeIncompatible, n, fmt.Sprintf("%s: %v", name, err))
	}

	nullable := fn.alwaysNullable
	switch {
	case fn.strict:
		nullable = nullable || anyNullable
	case name == "coalesce":
		nullable = allNullable
	}

	widen := name == "coalesce" && resultType == types.TypeFloat
	return &Compiled{Expr: n, Type: resultType, Nullable: nullable, eval: func(row types.Row) (interface{}, error) {
		vals := make([]interface{}, len(args))
		for i, a := range args {
			v, err := a.eval(row)
			if err != nil {
				return nil, err
			}
			if v == nil && fn.strict {
				return nil, nil
			}
			vals[i] = v
		}
		out, err := fn.eval(vals)
		if err != nil {
			if te, ok := terrors.As(err); ok {
				return nil, te.WithDetail("expr", n.String())
			}
			return nil, err
		}
		if widen {
			if i, ok := out.(int64); ok {
				out = float64(i)
			}
		}
		return out, nil
	}}, nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return f, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", s)
}
