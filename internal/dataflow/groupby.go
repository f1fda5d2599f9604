package dataflow

import (
	"fmt"

	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/registry"
)

// AggSpec binds one output field to an aggregate definition and the row
// extractor feeding it.
type AggSpec struct {
	Field     string
	Def       registry.AggregateDef
	Extractor func(ir.Row) any
}

type groupState struct {
	aggs       []registry.IVMAggregate
	rowCount   int
	lastOutput ir.Row
	emitted    bool

	// sampleRow is the most recent member row contributing to this group,
	// kept so the group's output row still carries the grouping columns
	// (e.g. `o.category`) alongside the aggregate fields under
	// groupRowAlias, letting a plain select ref resolve them normally.
	sampleRow ir.Row
}

// GroupBy maintains a map `group -> aggregateStates`, emitting a paired
// delete+insert when an existing group's aggregate output changes and a
// pure insert when a new group appears (§4.9, §7 duplicate-insert note).
type GroupBy struct {
	keyFn func(ir.Row) any
	specs []AggSpec

	groups map[string]*groupState
	keys   map[string]any
}

func NewGroupBy(keyFn func(ir.Row) any, specs []AggSpec) *GroupBy {
	return &GroupBy{
		keyFn:  keyFn,
		specs:  specs,
		groups: map[string]*groupState{},
		keys:   map[string]any{},
	}
}

func (g *GroupBy) groupFor(sig string, key any) *groupState {
	gs, ok := g.groups[sig]
	if !ok {
		gs = &groupState{aggs: make([]registry.IVMAggregate, len(g.specs))}
		for i, spec := range g.specs {
			gs.aggs[i] = spec.Def.Factory(func(row map[string]map[string]any) any {
				return spec.Extractor(row)
			})
		}
		g.groups[sig] = gs
		g.keys[sig] = key
	}
	return gs
}

func groupSignature(key any) string { return fmt.Sprintf("%v", key) }

// groupRowAlias is the namespaced-row alias under which a groupBy stage's
// aggregate output lives, consumed by the outer query's select stage.
const groupRowAlias = "group"

func (g *GroupBy) output(gs *groupState) ir.Row {
	row := ir.Row{}
	for alias, e := range gs.sampleRow {
		row[alias] = e
	}
	entity := map[string]any{}
	for i, spec := range g.specs {
		entity[spec.Field] = gs.aggs[i].Value()
	}
	row[groupRowAlias] = entity
	return row
}

// Apply processes one batch, returning delete/insert triples for every
// group whose aggregate output changed.
func (g *GroupBy) Apply(in Batch) Batch {
	touched := map[string]any{}
	for _, t := range in {
		key := g.keyFn(t.Value)
		sig := groupSignature(key)
		gs := g.groupFor(sig, key)
		touched[sig] = key

		for i, spec := range g.specs {
			v := spec.Extractor(t.Value)
			switch {
			case t.Mult > 0:
				for n := 0; n < t.Mult; n++ {
					gs.aggs[i].Insert(v)
				}
			case t.Mult < 0:
				for n := 0; n < -t.Mult; n++ {
					gs.aggs[i].Retract(v)
				}
			}
		}
		if t.Mult > 0 {
			gs.sampleRow = t.Value
		}
		gs.rowCount += t.Mult
	}

	var out Batch
	for sig := range touched {
		gs := g.groups[sig]
		key := g.keys[sig]

		if gs.rowCount <= 0 {
			if gs.emitted {
				out = append(out, Triple{Key: key, Value: gs.lastOutput, Mult: -1})
			}
			delete(g.groups, sig)
			delete(g.keys, sig)
			continue
		}

		newRow := g.output(gs)
		if !gs.emitted {
			gs.lastOutput = newRow
			gs.emitted = true
			out = append(out, Triple{Key: key, Value: newRow, Mult: 1})
			continue
		}
		if rowSignature(newRow) != rowSignature(gs.lastOutput) {
			out = append(out, Triple{Key: key, Value: gs.lastOutput, Mult: -1})
			out = append(out, Triple{Key: key, Value: newRow, Mult: 1})
			gs.lastOutput = newRow
		}
	}
	return out
}
