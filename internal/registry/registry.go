// Package registry holds the pluggable table of scalar operators and
// aggregate functions the expression compiler and dataflow groupBy operator
// resolve query IR function/aggregate names against (§4.6). This is the
// enum-plus-factory-table redesign called for in spec.md's DESIGN NOTES:
// registration happens once at process start and lookups happen at query
// compile time, so registration order never matters.
package registry

import "fmt"

// RowEvaluator evaluates a compiled scalar expression against one namespaced
// row, producing a value (or a bool for predicate position).
type RowEvaluator func(row map[string]map[string]any) any

// OperatorFactory compiles an operator's already-compiled argument
// evaluators into a RowEvaluator. isSingleRow distinguishes scalar
// expression contexts (true) from aggregate-argument contexts (false) where
// applicable.
type OperatorFactory func(compiledArgs []RowEvaluator, isSingleRow bool) RowEvaluator

// ValueTransform labels the kind of input value an aggregate expects. The
// groupBy operator does not read it; each aggregate coerces its own inputs.
type ValueTransform int

const (
	TransformRaw ValueTransform = iota
	TransformNumeric
	TransformNumericOrDate
)

// IVMAggregate is an incremental (insert/retract) aggregate accumulator used
// by the dataflow groupBy operator.
type IVMAggregate interface {
	Insert(v any)
	Retract(v any)
	Value() any
}

// AggregateFactory builds a fresh IVMAggregate for one group, given a
// function that extracts the aggregate's input value from a row.
type AggregateFactory func(valueExtractor func(map[string]map[string]any) any) IVMAggregate

type AggregateDef struct {
	Factory        AggregateFactory
	ValueTransform ValueTransform
}

// Registry is the process-wide (or test-local) table of operators and
// aggregates.
type Registry struct {
	operators  map[string]OperatorFactory
	aggregates map[string]AggregateDef
}

func New() *Registry {
	return &Registry{
		operators:  map[string]OperatorFactory{},
		aggregates: map[string]AggregateDef{},
	}
}

func (r *Registry) RegisterOperator(name string, f OperatorFactory) {
	r.operators[name] = f
}

func (r *Registry) RegisterAggregate(name string, def AggregateDef) {
	r.aggregates[name] = def
}

// UnknownFunctionError carries the symbol that failed to resolve, per the
// stable error taxonomy in spec.md §6 (`UnknownFunction(name)`).
type UnknownFunctionError struct{ Name string }

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function: %q", e.Name)
}

type UnsupportedAggregateError struct{ Name string }

func (e *UnsupportedAggregateError) Error() string {
	return fmt.Sprintf("unsupported aggregate function: %q", e.Name)
}

func (r *Registry) Operator(name string) (OperatorFactory, error) {
	f, ok := r.operators[name]
	if !ok {
		return nil, &UnknownFunctionError{Name: name}
	}
	return f, nil
}

func (r *Registry) Aggregate(name string) (AggregateDef, error) {
	a, ok := r.aggregates[name]
	if !ok {
		return AggregateDef{}, &UnsupportedAggregateError{Name: name}
	}
	return a, nil
}
