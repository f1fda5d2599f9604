package registry

import "github.com/estuary/reactivedb/internal/compare"

func registerDefaultAggregates(r *Registry) {
	r.RegisterAggregate("count", AggregateDef{
		ValueTransform: TransformRaw,
		Factory: func(extract func(map[string]map[string]any) any) IVMAggregate {
			return &countAgg{}
		},
	})
	r.RegisterAggregate("sum", AggregateDef{
		ValueTransform: TransformNumeric,
		Factory: func(extract func(map[string]map[string]any) any) IVMAggregate {
			return &sumAgg{}
		},
	})
	r.RegisterAggregate("avg", AggregateDef{
		ValueTransform: TransformNumeric,
		Factory: func(extract func(map[string]map[string]any) any) IVMAggregate {
			return &avgAgg{}
		},
	})
	r.RegisterAggregate("min", AggregateDef{
		ValueTransform: TransformNumericOrDate,
		Factory: func(extract func(map[string]map[string]any) any) IVMAggregate {
			return newMinMaxAgg(true)
		},
	})
	r.RegisterAggregate("max", AggregateDef{
		ValueTransform: TransformNumericOrDate,
		Factory: func(extract func(map[string]map[string]any) any) IVMAggregate {
			return newMinMaxAgg(false)
		},
	})
}

// countAgg counts non-retracted contributions; it never needs the value.
type countAgg struct{ n int }

func (a *countAgg) Insert(any)   { a.n++ }
func (a *countAgg) Retract(any)  { a.n-- }
func (a *countAgg) Value() any   { return a.n }

type sumAgg struct{ total float64 }

func (a *sumAgg) Insert(v any)  { a.total += compare.ToFloat(v) }
func (a *sumAgg) Retract(v any) { a.total -= compare.ToFloat(v) }
func (a *sumAgg) Value() any    { return a.total }

type avgAgg struct {
	total float64
	n     int
}

func (a *avgAgg) Insert(v any) {
	a.total += compare.ToFloat(v)
	a.n++
}
func (a *avgAgg) Retract(v any) {
	a.total -= compare.ToFloat(v)
	a.n--
}
func (a *avgAgg) Value() any {
	if a.n == 0 {
		return 0.0
	}
	return a.total / float64(a.n)
}

// minMaxAgg keeps every currently-live value (as a multiset via counts) so a
// Retract of the current extreme can fall back to the next-best value
// without rescanning the group's full membership.
type minMaxAgg struct {
	isMin  bool
	counts map[any]int
}

func newMinMaxAgg(isMin bool) *minMaxAgg {
	return &minMaxAgg{isMin: isMin, counts: map[any]int{}}
}

func (a *minMaxAgg) Insert(v any) {
	a.counts[normalizeKey(v)]++
}

func (a *minMaxAgg) Retract(v any) {
	k := normalizeKey(v)
	a.counts[k]--
	if a.counts[k] <= 0 {
		delete(a.counts, k)
	}
}

func (a *minMaxAgg) Value() any {
	var best any
	first := true
	for v := range a.counts {
		if first {
			best, first = v, false
			continue
		}
		cmp := compare.Order(v, best, compare.CollationBinary)
		if (a.isMin && cmp < 0) || (!a.isMin && cmp > 0) {
			best = v
		}
	}
	return best
}

// normalizeKey makes a value usable as a Go map key: numbers funnel through
// float64 so 1 and 1.0 retract the same bucket they inserted into.
func normalizeKey(v any) any {
	if f, ok := toFloatOK(v); ok {
		return f
	}
	return v
}

func toFloatOK(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
