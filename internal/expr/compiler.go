// Package expr compiles IR scalar expressions (internal/ir.BasicExpression)
// into pure row evaluators, resolving Func calls against the operator
// registry.
package expr

import (
	"fmt"

	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/registry"
)

// Evaluator is a compiled expression: a pure function from a namespaced row
// to a value.
type Evaluator func(ir.Row) any

// Compiler compiles BasicExpressions against a fixed operator registry.
type Compiler struct {
	reg *registry.Registry
}

func NewCompiler(reg *registry.Registry) *Compiler {
	return &Compiler{reg: reg}
}

// Compile turns e into an Evaluator, resolving every Func node against the
// registry. It returns the first UnknownFunctionError encountered.
func (c *Compiler) Compile(e ir.BasicExpression) (Evaluator, error) {
	switch {
	case e.IsVal():
		v := e.Value()
		return func(ir.Row) any { return v }, nil
	case e.IsRef():
		path := e.Path()
		return func(row ir.Row) any { return resolvePath(row, path) }, nil
	case e.IsFunc():
		return c.compileFunc(e)
	default:
		return nil, fmt.Errorf("expr: unrecognized expression kind")
	}
}

func (c *Compiler) compileFunc(e ir.BasicExpression) (Evaluator, error) {
	factory, err := c.reg.Operator(e.FuncName())
	if err != nil {
		return nil, err
	}
	args := e.Args()
	compiled := make([]registry.RowEvaluator, len(args))
	for i, a := range args {
		ce, err := c.Compile(a)
		if err != nil {
			return nil, err
		}
		compiled[i] = registry.RowEvaluator(ce)
	}
	fn := factory(compiled, true)
	return Evaluator(fn), nil
}

// resolvePath walks a namespaced row by alias then nested entity field
// path. A single-segment path resolves the bare entity under that alias.
func resolvePath(row ir.Row, path []string) any {
	if len(path) == 0 {
		return nil
	}
	entity, ok := row[path[0]]
	if !ok {
		return nil
	}
	if len(path) == 1 {
		return entity
	}
	var cur any = entity
	for _, seg := range path[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// StripAliasPrefix implements the path-stripping step of §4.7: a
// query-level Ref like `['user','id']` becomes `['id']` once the
// expression is pushed down into a filter scoped to the single collection
// bound to alias `user`.
func StripAliasPrefix(e ir.BasicExpression, alias string) ir.BasicExpression {
	if e.IsRef() {
		path := e.Path()
		if len(path) > 0 && path[0] == alias {
			return e.WithPath(append([]string(nil), path[1:]...))
		}
		return e
	}
	if e.IsFunc() {
		args := e.Args()
		stripped := make([]ir.BasicExpression, len(args))
		for i, a := range args {
			stripped[i] = StripAliasPrefix(a, alias)
		}
		return ir.Func(e.FuncName(), stripped...)
	}
	return e
}

// ConvertibleToCollectionFilter reports whether e can become a single
// collection's filter: it must be a tree of Val|Ref|Func whose Refs all
// name a single alias (§4.7).
func ConvertibleToCollectionFilter(e ir.BasicExpression, alias string) bool {
	if !e.IsConvertibleToFilter() {
		return false
	}
	for _, r := range e.Refs() {
		if r != alias {
			return false
		}
	}
	return true
}
