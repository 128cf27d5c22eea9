package executor

import (
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
)

// columnSet is the set of column names a parent node reads from its input.
type columnSet map[string]bool

func newColumnSet(names ...string) columnSet {
	s := make(columnSet, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func allColumns(n plan.Node) columnSet {
	return newColumnSet(n.Schema().Names()...)
}

func (s columnSet) with(names ...string) columnSet {
	out := make(columnSet, len(s)+len(names))
	for n := range s {
		out[n] = true
	}
	for _, n := range names {
		out[n] = true
	}
	return out
}

func (s columnSet) without(name string) columnSet {
	out := make(columnSet, len(s))
	for n := range s {
		if n != name {
			out[n] = true
		}
	}
	return out
}

// excluding drops the conjuncts that reference name.
func excluding(conjuncts []expr.Expr, name string) []expr.Expr {
	var out []expr.Expr
	for _, c := range conjuncts {
		if !newColumnSet(expr.Columns(c)...)[name] {
			out = append(out, c)
		}
	}
	return out
}

// onlyOver keeps the conjuncts that reference nothing but the given columns
// and at least one of them.
func onlyOver(conjuncts []expr.Expr, columns []string) []expr.Expr {
	allowed := newColumnSet(columns...)
	var out []expr.Expr
	for _, c := range conjuncts {
		cols := expr.Columns(c)
		if len(cols) == 0 {
			continue
		}
		ok := true
		for _, name := range cols {
			if !allowed[name] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}
