// Package expr defines scalar expressions and aggregations over rows, and
// compiles them against a schema into evaluators with resolved column
// positions and result types.
package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/tabuladb/tabula/pkg/types"
)

// Expr is a node of a scalar expression tree.
type Expr interface {
	exprNode()
	String() string
}

// Operator names used by BinaryExpr and UnaryExpr.
const (
	OpAdd = "+"
	OpSub = "-"
	OpMul = "*"
	OpDiv = "/"
	OpEq  = "="
	OpNe  = "!="
	OpLt  = "<"
	OpLe  = "<="
	OpGt  = ">"
	OpGe  = ">="
	OpAnd = "AND"
	OpOr  = "OR"
	OpNot = "NOT"
	OpNeg = "-"
)

// ColumnExpr references an input column by name.
type ColumnExpr struct {
	Name string
}

// LiteralExpr is a constant. Value is nil or one of the row value types.
type LiteralExpr struct {
	Value interface{}
}

// BinaryExpr applies an arithmetic, comparison or logical operator.
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

// UnaryExpr applies NOT or arithmetic negation.
type UnaryExpr struct {
	Op      string
	Operand Expr
}

// IsNullExpr tests for NULL. It never evaluates to NULL itself.
type IsNullExpr struct {
	Operand Expr
	Not     bool
}

// InExpr tests membership in a list of values.
type InExpr struct {
	Operand Expr
	Values  []Expr
	Not     bool
}

// BetweenExpr tests Low <= Operand <= High.
type BetweenExpr struct {
	Operand Expr
	Low     Expr
	High    Expr
	Not     bool
}

// LikeExpr matches a string against a pattern where % matches any run of
// characters and _ matches exactly one.
type LikeExpr struct {
	Operand Expr
	Pattern Expr
	Not     bool
}

// CastExpr converts a value to another column type.
type CastExpr struct {
	Operand Expr
	To      types.ColumnType
}

// CallExpr invokes a scalar function by name.
type CallExpr struct {
	Name string
	Args []Expr
}

func (*ColumnExpr) exprNode()  {}
func (*LiteralExpr) exprNode() {}
func (*BinaryExpr) exprNode()  {}
func (*UnaryExpr) exprNode()   {}
func (*IsNullExpr) exprNode()  {}
func (*InExpr) exprNode()      {}
func (*BetweenExpr) exprNode() {}
func (*LikeExpr) exprNode()    {}
func (*CastExpr) exprNode()    {}
func (*CallExpr) exprNode()    {}

func (e *ColumnExpr) String() string { return e.Name }

func (e *LiteralExpr) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "DATE '" + v.Format(types.DateLayout) + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		s := types.Format(v)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	default:
		return types.Format(v)
	}
}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

func (e *UnaryExpr) String() string {
	if e.Op == OpNot {
		return fmt.Sprintf("(NOT %s)", e.Operand)
	}
	return fmt.Sprintf("(-%s)", e.Operand)
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return fmt.Sprintf("(%s IS NOT NULL)", e.Operand)
	}
	return fmt.Sprintf("(%s IS NULL)", e.Operand)
}

func (e *InExpr) String() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = v.String()
	}
	op := "IN"
	if e.Not {
		op = "NOT IN"
	}
	return fmt.Sprintf("(%s %s (%s))", e.Operand, op, strings.Join(vals, ", "))
}

func (e *BetweenExpr) String() string {
	op := "BETWEEN"
	if e.Not {
		op = "NOT BETWEEN"
	}
	return fmt.Sprintf("(%s %s %s AND %s)", e.Operand, op, e.Low, e.High)
}

func (e *LikeExpr) String() string {
	op := "LIKE"
	if e.Not {
		op = "NOT LIKE"
	}
	return fmt.Sprintf("(%s %s %s)", e.Operand, op, e.Pattern)
}

func (e *CastExpr) String() string {
	return fmt.Sprintf("CAST(%s AS %s)", e.Operand, e.To)
}

func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", strings.ToLower(e.Name), strings.Join(args, ", "))
}

// Walk calls fn for e and every sub-expression in depth-first order.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *BinaryExpr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *UnaryExpr:
		Walk(n.Operand, fn)
	case *IsNullExpr:
		Walk(n.Operand, fn)
	case *InExpr:
		Walk(n.Operand, fn)
		for _, v := range n.Values {
			Walk(v, fn)
		}
	case *BetweenExpr:
		Walk(n.Operand, fn)
		Walk(n.Low, fn)
		Walk(n.High, fn)
	case *LikeExpr:
		Walk(n.Operand, fn)
		Walk(n.Pattern, fn)
	case *CastExpr:
		Walk(n.Operand, fn)
	case *CallExpr:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}

// Columns returns the distinct column names referenced by e, in order of
// first reference.
func Columns(e Expr) []string {
	var names []string
	seen := make(map[string]bool)
	Walk(e, func(n Expr) {
		if c, ok := n.(*ColumnExpr); ok && !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	})
	return names
}

// Conjuncts splits a predicate on top-level AND.
func Conjuncts(e Expr) []Expr {
	if b, ok := e.(*BinaryExpr); ok && b.Op == OpAnd {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	if e == nil {
		return nil
	}
	return []Expr{e}
}
