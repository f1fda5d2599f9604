// Package dataflow implements the differential-dataflow runtime of spec.md
// §4.9: streams of [key, value, multiplicity] triples flowing through
// map/filter/tap/consolidate/join/groupBy/orderBy/distinct/reduce operators,
// each one a batch-in/batch-out stage that maintains whatever incremental
// state it needs between batches (an arrangement, a group table, a range
// index). Grounded on the teacher's shuffle/ring.go reader, which processes
// bounded work in discrete rounds rather than as an unbounded async stream;
// here a "round" is one sync batch.
package dataflow

import "github.com/estuary/reactivedb/internal/ir"

// Triple is one element of the collections-of-diffs model: a key, its
// value at this revision, and a signed multiplicity (+1 insert, -1 retract;
// larger magnitudes appear transiently before Consolidate collapses them).
type Triple struct {
	Key   ir.Key
	Value ir.Row
	Mult  int
}

// Batch is one round's worth of triples flowing through the pipeline.
type Batch []Triple

// Operator transforms one batch into the next, maintaining whatever
// incremental state its semantics require.
type Operator interface {
	Apply(in Batch) Batch
}

// OperatorFunc adapts a plain function to Operator for stateless stages.
type OperatorFunc func(Batch) Batch

func (f OperatorFunc) Apply(in Batch) Batch { return f(in) }

// Map applies fn to every triple's value, preserving key and multiplicity.
func Map(fn func(ir.Row) ir.Row) Operator {
	return OperatorFunc(func(in Batch) Batch {
		out := make(Batch, len(in))
		for i, t := range in {
			out[i] = Triple{Key: t.Key, Value: fn(t.Value), Mult: t.Mult}
		}
		return out
	})
}

// Filter keeps only triples whose value satisfies pred.
func Filter(pred func(ir.Row) bool) Operator {
	return OperatorFunc(func(in Batch) Batch {
		out := make(Batch, 0, len(in))
		for _, t := range in {
			if pred(t.Value) {
				out = append(out, t)
			}
		}
		return out
	})
}

// Tap invokes fn for its side effect on every batch and passes it through
// unchanged -- used to drive on-demand key loading for lazy joins (§4.10).
func Tap(fn func(Batch)) Operator {
	return OperatorFunc(func(in Batch) Batch {
		fn(in)
		return in
	})
}

// Consolidate sums multiplicities per (key, value identity), dropping
// entries that cancel to zero, yielding the minimal change set for the
// batch (§4.9).
func Consolidate() Operator {
	return OperatorFunc(func(in Batch) Batch {
		type bucketKey struct {
			key any
			sig string
		}
		sums := map[bucketKey]int{}
		values := map[bucketKey]ir.Row{}
		order := make([]bucketKey, 0, len(in))
		for _, t := range in {
			bk := bucketKey{key: t.Key, sig: rowSignature(t.Value)}
			if _, ok := sums[bk]; !ok {
				order = append(order, bk)
				values[bk] = t.Value
			}
			sums[bk] += t.Mult
		}
		out := make(Batch, 0, len(order))
		for _, bk := range order {
			if m := sums[bk]; m != 0 {
				out = append(out, Triple{Key: bk.key, Value: values[bk], Mult: m})
			}
		}
		return out
	})
}

// Distinct clamps multiplicities to {0,1} per key, so a key present with any
// positive net multiplicity appears exactly once.
func Distinct() Operator {
	return OperatorFunc(func(in Batch) Batch {
		present := map[any]int{}
		latest := map[any]ir.Row{}
		order := []any{}
		for _, t := range in {
			if _, ok := present[t.Key]; !ok {
				order = append(order, t.Key)
			}
			present[t.Key] += t.Mult
			if t.Mult > 0 {
				latest[t.Key] = t.Value
			}
		}
		out := make(Batch, 0, len(order))
		for _, k := range order {
			if present[k] > 0 {
				out = append(out, Triple{Key: k, Value: latest[k], Mult: 1})
			}
		}
		return out
	})
}

// Reduce folds a batch into a single accumulated value per call, handing
// the caller insert/retract events rather than imposing an aggregate
// vocabulary of its own; groupBy (groupby.go) is the aggregate-aware
// specialization built on top of the same insert/retract contract.
func Reduce(onInsert func(ir.Row), onRetract func(ir.Row)) Operator {
	return OperatorFunc(func(in Batch) Batch {
		for _, t := range in {
			switch {
			case t.Mult > 0:
				for i := 0; i < t.Mult; i++ {
					onInsert(t.Value)
				}
			case t.Mult < 0:
				for i := 0; i < -t.Mult; i++ {
					onRetract(t.Value)
				}
			}
		}
		return in
	})
}

// Pipeline chains operators in order.
type Pipeline []Operator

func (p Pipeline) Apply(in Batch) Batch {
	for _, op := range p {
		in = op.Apply(in)
	}
	return in
}
