// Package aggregator provides the aggregation kernels of the executor:
// partial aggregates, hash-sharded grouping, distinct, ordering and limits.
package aggregator

import (
	"fmt"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

// PartialAggregate holds the running state of one aggregation. Partials
// built over disjoint slices of rows can be merged. For AVG both Sum and
// Count are tracked so that the merged average stays exact.
type PartialAggregate struct {
	Func expr.AggFunc
	// IntSum selects int64 accumulation for sums over integer columns.
	IntSum bool

	Count    int64               // rows (count) or non-null values seen
	Int      int64               // running integer sum
	Float    float64             // running float sum
	Extreme  interface{}         // current MIN or MAX
	Distinct map[string]struct{} // encoded values for count_distinct
	IsSet    bool                // true once a non-null value was accumulated
}

// NewPartialAggregate creates an empty partial for b.
func NewPartialAggregate(b *expr.BoundAggregation) *PartialAggregate {
	p := &PartialAggregate{Func: b.Func, IntSum: b.Func == expr.AggSum && b.Type == types.TypeInteger}
	if b.Func == expr.AggCountDistinct {
		p.Distinct = make(map[string]struct{})
	}
	return p
}

// Accumulate adds one value. NULL is ignored by every aggregate; count(*)
// callers pass a non-null marker per row.
func (p *PartialAggregate) Accumulate(value interface{}) error {
	if value == nil {
		return nil
	}

	switch p.Func {
	case expr.AggCount:
		p.Count++

	case expr.AggCountDistinct:
		p.Distinct[string(appendKey(nil, value))] = struct{}{}

	case expr.AggSum, expr.AggAvg:
		if p.IntSum {
			sum, ok := addInt64(p.Int, value.(int64))
			if !ok {
				return overflowError(p.Func)
			}
			p.Int = sum
		} else {
			f, _ := types.ToFloat(value)
			p.Float += f
		}
		p.Count++

	case expr.AggMin:
		if !p.IsSet || types.Compare(value, p.Extreme) < 0 {
			p.Extreme = value
		}
		p.Count++

	case expr.AggMax:
		if !p.IsSet || types.Compare(value, p.Extreme) > 0 {
			p.Extreme = value
		}
		p.Count++
	}
	p.IsSet = true
	return nil
}

// Merge folds src into p. Both must describe the same aggregation.
func (p *PartialAggregate) Merge(src *PartialAggregate) error {
	if !src.IsSet {
		return nil
	}

	switch p.Func {
	case expr.AggCountDistinct:
		for k := range src.Distinct {
			p.Distinct[k] = struct{}{}
		}

	case expr.AggSum, expr.AggAvg:
		if p.IntSum {
			sum, ok := addInt64(p.Int, src.Int)
			if !ok {
				return overflowError(p.Func)
			}
			p.Int = sum
		} else {
			p.Float += src.Float
		}

	case expr.AggMin:
		if !p.IsSet || types.Compare(src.Extreme, p.Extreme) < 0 {
			p.Extreme = src.Extreme
		}

	case expr.AggMax:
		if !p.IsSet || types.Compare(src.Extreme, p.Extreme) > 0 {
			p.Extreme = src.Extreme
		}
	}
	p.Count += src.Count
	p.IsSet = true
	return nil
}

// Result returns the final value. Counts of an empty input are zero and
// every other aggregate of an empty or all-NULL input is NULL.
func (p *PartialAggregate) Result() interface{} {
	switch p.Func {
	case expr.AggCount:
		return p.Count
	case expr.AggCountDistinct:
		return int64(len(p.Distinct))
	}

	if !p.IsSet {
		return nil
	}
	switch p.Func {
	case expr.AggSum:
		if p.IntSum {
			return p.Int
		}
		return p.Float
	case expr.AggAvg:
		if p.IntSum {
			return float64(p.Int) / float64(p.Count)
		}
		return p.Float / float64(p.Count)
	default:
		return p.Extreme
	}
}

// PartialAggregateSet holds one partial per aggregation of a plan node.
type PartialAggregateSet struct {
	bound      []*expr.BoundAggregation
	Aggregates []*PartialAggregate
}

// NewPartialAggregateSet creates empty partials for aggs.
func NewPartialAggregateSet(aggs []*expr.BoundAggregation) *PartialAggregateSet {
	set := &PartialAggregateSet{bound: aggs, Aggregates: make([]*PartialAggregate, len(aggs))}
	for i, b := range aggs {
		set.Aggregates[i] = NewPartialAggregate(b)
		if b.Func == expr.AggAvg && b.Input != nil && b.Input.Type == types.TypeInteger {
			set.Aggregates[i].IntSum = true
		}
	}
	return set
}

// AccumulateRow evaluates every aggregation argument against row.
func (s *PartialAggregateSet) AccumulateRow(row types.Row) error {
	for i, b := range s.bound {
		if b.Input == nil {
			s.Aggregates[i].Count++
			s.Aggregates[i].IsSet = true
			continue
		}
		v, err := b.Input.Eval(row)
		if err != nil {
			return err
		}
		if err := s.Aggregates[i].Accumulate(v); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds other into s.
func (s *PartialAggregateSet) Merge(other *PartialAggregateSet) error {
	for i, p := range s.Aggregates {
		if err := p.Merge(other.Aggregates[i]); err != nil {
			return err
		}
	}
	return nil
}

// Results returns the final value of every aggregate in the set.
func (s *PartialAggregateSet) Results() []interface{} {
	results := make([]interface{}, len(s.Aggregates))
	for i, agg := range s.Aggregates {
		results[i] = agg.Result()
	}
	return results
}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		return 0, false
	}
	return sum, true
}

func overflowError(fn expr.AggFunc) error {
	return terrors.NewEvaluationError(terrors.CodeOverflow, fmt.Sprintf("integer overflow in %s", fn))
}
