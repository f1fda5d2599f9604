// Package ir defines the relational query IR: a typed, composable tree built
// by the query builder and consumed by the expression compiler, the
// optimizer, and the query compiler.
package ir

// Entity is an opaque structural record. Collections store entities keyed by
// Key; the query engine passes entities around as namespaced rows.
type Entity = map[string]any

// Key identifies an entity within a collection. Per spec it is a string or
// an integer; we keep it as any so it can be used directly as a map key.
type Key = any

// Row is a namespaced row produced while evaluating a query: each alias
// introduced by from/join maps to the entity currently bound to it.
type Row = map[string]Entity

// Direction is an ORDER BY direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// JoinType enumerates the supported join kinds.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
	RightJoin
	FullJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "inner"
	case LeftJoin:
		return "left"
	case RightJoin:
		return "right"
	case FullJoin:
		return "full"
	default:
		return "unknown"
	}
}

// Source is either a reference to a named collection or a nested subquery.
type Source struct {
	CollectionID string // set iff this source is a base collection
	Subquery     *Query // set iff this source is a nested query
}

func FromCollection(id string) Source { return Source{CollectionID: id} }
func FromSubquery(q *Query) Source    { return Source{Subquery: q} }

func (s Source) IsSubquery() bool { return s.Subquery != nil }

// JoinClause attaches a source under alias, joined via the given type and an
// equality condition between an expression of an already-available alias
// (Left) and an expression of the newly joined alias (Right).
type JoinClause struct {
	Alias string
	Type  JoinType
	From  Source
	Left  BasicExpression
	Right BasicExpression
}

// OrderByTerm is one ORDER BY key.
type OrderByTerm struct {
	Expr      BasicExpression
	Direction Direction
}

// SelectItem is the right-hand side of one `select` entry: either a scalar
// expression, an aggregate, a spread of an entire alias's row, or a nested
// include query correlated on a field of the parent row (§4.12 "Includes").
type SelectItem struct {
	Expr       BasicExpression
	Agg        *Agg
	SpreadFrom string // alias name, set iff this entry spreads a whole row
	Include    *IncludeSpec
}

func SelectExpr(e BasicExpression) SelectItem { return SelectItem{Expr: e} }
func SelectAgg(a Agg) SelectItem              { return SelectItem{Agg: &a} }
func SelectSpread(alias string) SelectItem    { return SelectItem{SpreadFrom: alias} }
func SelectIncludeQuery(spec IncludeSpec) SelectItem {
	return SelectItem{Include: &spec}
}

func (s SelectItem) IsInclude() bool { return s.Include != nil }

// IncludeSpec names a nested query whose result set becomes a per-parent
// child collection (§4.12 "Includes (nested child collections)"). ParentKey
// is evaluated against the parent query's namespaced row to get the
// correlating value; Build is called with that value to construct the
// child query IR (typically `from(childColl).where(eq(ref(...), Val(v)))`)
// once per distinct parent row.
type IncludeSpec struct {
	ParentKey BasicExpression
	Build     func(parentValue any) *Query
}

func (s SelectItem) IsSpread() bool { return s.SpreadFrom != "" }
func (s SelectItem) IsAgg() bool    { return s.Agg != nil }

// FuncSelect/FuncWhere/FuncHaving are the functional escape hatches: a plain
// Go function over a namespaced row. Using one disables optimization along
// that branch (the optimizer cannot see inside a closure).
type FuncPredicate func(Row) bool
type FuncSelector func(Row) Entity

// Query is the root of the relational IR.
type Query struct {
	From    map[string]Source // exactly one entry, populated by From()
	Joins   []JoinClause
	Where   []BasicExpression // one entry per top-level where() call
	FnWhere FuncPredicate

	GroupBy []BasicExpression

	Having   []BasicExpression
	FnHaving FuncPredicate

	OrderBy []OrderByTerm
	Limit   int // 0 means unset
	Offset  int

	Select   map[string]SelectItem
	FnSelect FuncSelector

	FindOne bool
}

// FromAlias returns the query's single base alias and source.
func (q *Query) FromAlias() (string, Source) {
	for alias, src := range q.From {
		return alias, src
	}
	return "", Source{}
}

// Aliases returns every alias participating in the query: the base alias
// plus every joined alias, in join order.
func (q *Query) Aliases() []string {
	base, _ := q.FromAlias()
	out := make([]string, 0, 1+len(q.Joins))
	out = append(out, base)
	for _, j := range q.Joins {
		out = append(out, j.Alias)
	}
	return out
}
