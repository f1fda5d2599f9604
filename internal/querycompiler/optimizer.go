// Package querycompiler turns a query IR tree into a dataflow pipeline
// (spec.md §4.10) after running it through the three-pass optimizer of
// §4.11. Grounded on the teacher's capture/discovery idiom of running a
// config through successive, independently-testable passes before it's
// handed to the runtime.
package querycompiler

import "github.com/estuary/reactivedb/internal/ir"

// Optimized is the result of running a Query through the three optimizer
// passes: per-alias pushed-down filters plus whatever residual clauses
// couldn't be pushed (because they do not reference exactly one known
// alias). A clause on a subquery alias is pushed like any other; it filters
// the subquery's output rows, not the subquery itself.
type Optimized struct {
	Query *ir.Query

	// BaseFilters holds clauses pushed down onto the query's single base
	// alias.
	BaseFilters []ir.BasicExpression

	// JoinFilters holds clauses pushed down onto a specific joined alias.
	JoinFilters map[string][]ir.BasicExpression

	// Residual holds clauses that reference more than one alias and must be
	// evaluated once the joined row is assembled (§4.11 Combine). Valid only
	// when HasResidual is true: BasicExpression's zero value is itself a
	// well-formed (nil) value expression, so a bool flag is needed to tell
	// "no residual" apart from "residual is the literal nil".
	Residual    ir.BasicExpression
	HasResidual bool
}

// splitConjunction flattens an AND-rooted expression into its leaf
// conjuncts (§4.11 Split). Non-AND expressions are returned as a
// single-element slice.
func splitConjunction(e ir.BasicExpression) []ir.BasicExpression {
	if e.IsFunc() && e.FuncName() == "and" {
		var out []ir.BasicExpression
		for _, a := range e.Args() {
			out = append(out, splitConjunction(a)...)
		}
		return out
	}
	return []ir.BasicExpression{e}
}

// Optimize runs split/pushdown/combine over q's WHERE clauses (§4.11). q is
// never mutated.
func Optimize(q *ir.Query) *Optimized {
	opt := &Optimized{Query: q, JoinFilters: map[string][]ir.BasicExpression{}}

	base, _ := q.FromAlias()

	var clauses []ir.BasicExpression
	for _, w := range q.Where {
		clauses = append(clauses, splitConjunction(w)...)
	}

	var residual []ir.BasicExpression
	for _, c := range clauses {
		alias, ok := singleAlias(c)
		if !ok {
			residual = append(residual, c)
			continue
		}
		if alias == base {
			opt.BaseFilters = append(opt.BaseFilters, c)
			continue
		}
		if joinedAliasExists(q, alias) {
			opt.JoinFilters[alias] = append(opt.JoinFilters[alias], c)
			continue
		}
		residual = append(residual, c)
	}

	// Combine: fold any leftover multi-alias clauses into one AND so the
	// runtime evaluates one filter stage, not N.
	if len(residual) > 0 {
		opt.Residual = ir.And(residual...)
		opt.HasResidual = true
	}
	return opt
}

func singleAlias(c ir.BasicExpression) (string, bool) {
	refs := c.Refs()
	if len(refs) != 1 {
		return "", false
	}
	return refs[0], true
}

func joinedAliasExists(q *ir.Query, alias string) bool {
	for _, j := range q.Joins {
		if j.Alias == alias {
			return true
		}
	}
	return false
}
