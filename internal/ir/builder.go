package ir

import "fmt"

// RefBuilder is the phantom-typed stand-in for the source's dynamic
// `{alias: ref}` proxy (§9 DESIGN NOTES): each alias yields one RefBuilder,
// and field access is a method call producing a Ref IR node rather than
// runtime property interception.
type RefBuilder struct {
	alias string
}

func NewRef(alias string) RefBuilder { return RefBuilder{alias: alias} }

// Field returns a reference to one field of this alias's row.
func (r RefBuilder) Field(path ...string) BasicExpression {
	full := append([]string{r.alias}, path...)
	return Ref(full...)
}

// Alias returns the table alias this ref proxy stands for.
func (r RefBuilder) Alias() string { return r.alias }

// Refs is the map of alias -> ref proxy handed to where/join/select
// callbacks.
type Refs map[string]RefBuilder

func (rs Refs) of(alias string) RefBuilder {
	if r, ok := rs[alias]; ok {
		return r
	}
	return NewRef(alias)
}

// QueryBuilder assembles a Query via chained calls. It returns
// (*QueryBuilder, error) semantics by accumulating the first error seen and
// surfacing it from Build, matching the source library's fail-fast-at-
// compile-time contract for `from/join/where/...` chains.
type QueryBuilder struct {
	q   Query
	err error
	// refs holds one RefBuilder per alias introduced so far, reused across
	// where/join/select callbacks.
	refs Refs
}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{q: Query{Select: map[string]SelectItem{}}, refs: Refs{}}
}

func (b *QueryBuilder) fail(err error) *QueryBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// From sets the query's single base alias and source. Exactly one alias is
// permitted per From call (§4.5); a second call keeps the first alias and is
// treated as caller error reported at Build.
func (b *QueryBuilder) From(alias string, src Source) *QueryBuilder {
	if b.q.From != nil {
		return b.fail(fmt.Errorf("from: query already has a base alias"))
	}
	b.q.From = map[string]Source{alias: src}
	b.refs[alias] = NewRef(alias)
	return b
}

// Join attaches alias/src joined via onCallback(refs) with the given type
// (default left when zero value InnerJoin is not desired -- callers pass
// explicit type). onCallback must return an Eq() of two refs, each
// belonging to exactly one alias; the canonicalization below places the
// side touching an already-bound alias on Left and the newly joined
// alias's side on Right, per §4.5.
func (b *QueryBuilder) Join(alias string, src Source, typ JoinType, onCallback func(Refs) BasicExpression) *QueryBuilder {
	if b.err != nil {
		return b
	}
	b.refs[alias] = NewRef(alias)
	cond := onCallback(b.refs)
	left, right, err := canonicalizeJoinCondition(cond, alias, existingAliases(b.q, alias))
	if err != nil {
		return b.fail(err)
	}
	b.q.Joins = append(b.q.Joins, JoinClause{Alias: alias, Type: typ, From: src, Left: left, Right: right})
	return b
}

func existingAliases(q Query, excludingNew string) map[string]bool {
	out := map[string]bool{}
	if base, _ := q.FromAlias(); base != "" {
		out[base] = true
	}
	for _, j := range q.Joins {
		if j.Alias != excludingNew {
			out[j.Alias] = true
		}
	}
	return out
}

// canonicalizeJoinCondition validates that cond is `eq(a, b)` where each
// side's Refs() touches exactly one alias, one side touching newAlias and
// the other touching an alias already available, then returns (existingSide,
// newSide) in that order.
func canonicalizeJoinCondition(cond BasicExpression, newAlias string, existing map[string]bool) (BasicExpression, BasicExpression, error) {
	if !cond.IsFunc() || cond.FuncName() != "eq" || len(cond.Args()) != 2 {
		return BasicExpression{}, BasicExpression{}, fmt.Errorf("invalid join condition")
	}
	a, b := cond.Args()[0], cond.Args()[1]
	aRefs, bRefs := a.Refs(), b.Refs()
	if len(aRefs) != 1 || len(bRefs) != 1 {
		return BasicExpression{}, BasicExpression{}, fmt.Errorf("invalid join condition")
	}
	aIsNew, bIsNew := aRefs[0] == newAlias, bRefs[0] == newAlias
	aIsOld, bIsOld := existing[aRefs[0]], existing[bRefs[0]]
	switch {
	case bIsNew && aIsOld:
		return a, b, nil
	case aIsNew && bIsOld:
		return b, a, nil
	default:
		return BasicExpression{}, BasicExpression{}, fmt.Errorf("invalid join condition")
	}
}

func (b *QueryBuilder) Where(cb func(Refs) BasicExpression) *QueryBuilder {
	if b.err != nil {
		return b
	}
	b.q.Where = append(b.q.Where, cb(b.refs))
	return b
}

func (b *QueryBuilder) FnWhere(fn FuncPredicate) *QueryBuilder {
	b.q.FnWhere = fn
	return b
}

func (b *QueryBuilder) Having(cb func(Refs) BasicExpression) *QueryBuilder {
	if b.err != nil {
		return b
	}
	b.q.Having = append(b.q.Having, cb(b.refs))
	return b
}

func (b *QueryBuilder) FnHaving(fn FuncPredicate) *QueryBuilder {
	b.q.FnHaving = fn
	return b
}

func (b *QueryBuilder) GroupBy(cb func(Refs) []BasicExpression) *QueryBuilder {
	if b.err != nil {
		return b
	}
	b.q.GroupBy = cb(b.refs)
	return b
}

func (b *QueryBuilder) OrderBy(cb func(Refs) BasicExpression, dir Direction) *QueryBuilder {
	if b.err != nil {
		return b
	}
	b.q.OrderBy = append(b.q.OrderBy, OrderByTerm{Expr: cb(b.refs), Direction: dir})
	return b
}

// Limit and Offset require an already-present OrderBy (§4.5); enforced at
// Build rather than here so call order doesn't matter.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.q.Limit = n
	return b
}

func (b *QueryBuilder) Offset(n int) *QueryBuilder {
	b.q.Offset = n
	return b
}

func (b *QueryBuilder) Select(cb func(Refs) map[string]SelectItem) *QueryBuilder {
	if b.err != nil {
		return b
	}
	for k, v := range cb(b.refs) {
		b.q.Select[k] = v
	}
	return b
}

func (b *QueryBuilder) FnSelect(fn FuncSelector) *QueryBuilder {
	b.q.FnSelect = fn
	return b
}

func (b *QueryBuilder) FindOne() *QueryBuilder {
	b.q.FindOne = true
	return b
}

func (b *QueryBuilder) Build() (*Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.q.From == nil {
		return nil, fmt.Errorf("query requires exactly one from() alias")
	}
	if (b.q.Limit != 0 || b.q.Offset != 0) && len(b.q.OrderBy) == 0 {
		return nil, fmt.Errorf("limit/offset require orderBy")
	}
	q := b.q
	return &q, nil
}
