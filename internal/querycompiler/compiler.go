package querycompiler

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/compare"
	"github.com/estuary/reactivedb/internal/dataflow"
	"github.com/estuary/reactivedb/internal/expr"
	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/registry"
)

// Sources resolves a collection id to its collection, the way a host's
// top-level registry does (§4.10 step 2).
type Sources interface {
	Get(id string) (*collection.Collection, bool)
}

// Compiler assembles a dataflow.Pipeline from a query IR tree (§4.10).
type Compiler struct {
	reg     *registry.Registry
	exprC   *expr.Compiler
	sources Sources

	// cache backs CompileCached; left nil until first use since most
	// compilers only ever see one-off queries.
	cache *lru.Cache[string, *CompiledQuery]
}

func NewCompiler(reg *registry.Registry, sources Sources) *Compiler {
	return &Compiler{reg: reg, exprC: expr.NewCompiler(reg), sources: sources}
}

type compiledJoin struct {
	alias  string
	coll   *collection.Collection
	op     *dataflow.Join
	filter expr.Evaluator // optional join-level pushdown filter

	// lazy, when true, means coll's state is loaded on demand rather than
	// eagerly snapshotted: a key seen on the eager side of the join drives
	// a SyncMore request instead of the whole collection being pulled
	// ahead of time (§4.11 "active/lazy join selection", §4.12 "on-demand
	// loading"). leftKeyEval extracts the driving key from the eager
	// side's row; lazyField names the equivalent field on coll for
	// InClause; requested dedups already-sent key sets so SyncMore fires
	// once per distinct key set (§8 S6).
	lazy        bool
	leftKeyEval expr.Evaluator
	lazyField   string
	requested   map[string]bool
}

// CompiledQuery is a runnable query: a pipeline built once at compile time,
// fed either a full snapshot (Snapshot) or incremental per-source changes
// (ProcessChanges), both producing final Entity rows via Select (§4.10).
type CompiledQuery struct {
	q *ir.Query

	baseAlias string
	base      *collection.Collection
	baseFilter expr.Evaluator

	joins []compiledJoin

	residual expr.Evaluator

	groupBy    *dataflow.GroupBy
	havingEval expr.Evaluator
	orderBy    *dataflow.OrderBy

	selectFn func(ir.Row) ir.Entity
	findOne  bool

	includes []compiledInclude
	// childrenByKey tracks each include's currently-materialized child
	// collection per output row key, so an Update can reuse it and a
	// Delete/re-Insert can tear it down (§4.12 "Includes").
	childrenByKey map[collection.Key]map[string]*collection.Collection
}

// compiledInclude is one `select` entry mapping a name to a nested query
// correlated on a field of the parent row (§4.12 "Includes").
type compiledInclude struct {
	field         string
	parentKeyEval expr.Evaluator
	build         func(parentValue any) *ir.Query
	compiler      *Compiler
}

// Compile builds a CompiledQuery for q (§4.10): optimize, resolve sources,
// compile filters/joins/groupBy/having/orderBy/select.
func (c *Compiler) Compile(q *ir.Query) (*CompiledQuery, error) {
	opt := Optimize(q)

	baseAlias, baseSrc := q.FromAlias()
	baseColl, err := c.resolveSource(baseSrc, func() error {
		return collection.ErrCollectionInputNotFound{ID: baseSrc.CollectionID}
	})
	if err != nil {
		return nil, err
	}

	cq := &CompiledQuery{q: q, baseAlias: baseAlias, base: baseColl}

	if len(opt.BaseFilters) > 0 {
		f, err := c.compileConjunction(opt.BaseFilters)
		if err != nil {
			return nil, err
		}
		cq.baseFilter = f
	}

	for _, j := range q.Joins {
		j := j
		rightColl, err := c.resolveSource(j.From, func() error {
			return collection.ErrJoinCollectionNotFound{Alias: j.Alias}
		})
		if err != nil {
			return nil, err
		}
		leftKeyEval, err := c.exprC.Compile(j.Left)
		if err != nil {
			return nil, err
		}
		rightKeyEval, err := c.exprC.Compile(j.Right)
		if err != nil {
			return nil, err
		}
		op := dataflow.NewJoin(j.Type, baseAlias, func(r ir.Row) any { return leftKeyEval(r) }, j.Alias, func(r ir.Row) any { return rightKeyEval(r) })

		cj := compiledJoin{alias: j.Alias, coll: rightColl, op: op}
		if lazyField, ok := lazyEligible(j, rightColl); ok {
			cj.lazy = true
			cj.lazyField = lazyField
			cj.leftKeyEval = leftKeyEval
			cj.requested = map[string]bool{}
		}
		if fs, ok := opt.JoinFilters[j.Alias]; ok && len(fs) > 0 {
			f, err := c.compileConjunction(fs)
			if err != nil {
				return nil, err
			}
			cj.filter = f
		}
		cq.joins = append(cq.joins, cj)
	}

	if opt.HasResidual {
		f, err := c.exprC.Compile(opt.Residual)
		if err != nil {
			return nil, err
		}
		cq.residual = f
	}

	if len(q.GroupBy) > 0 {
		keyEvals := make([]expr.Evaluator, len(q.GroupBy))
		for i, g := range q.GroupBy {
			e, err := c.exprC.Compile(g)
			if err != nil {
				return nil, err
			}
			keyEvals[i] = e
		}
		keyFn := func(row ir.Row) any {
			vals := make([]any, len(keyEvals))
			for i, e := range keyEvals {
				vals[i] = e(row)
			}
			return fmt.Sprintf("%v", vals)
		}

		var specs []dataflow.AggSpec
		for field, item := range q.Select {
			if !item.IsAgg() {
				continue
			}
			def, err := c.reg.Aggregate(item.Agg.Name)
			if err != nil {
				return nil, err
			}
			var argEval expr.Evaluator
			if len(item.Agg.Args) > 0 {
				ae, err := c.exprC.Compile(item.Agg.Args[0])
				if err != nil {
					return nil, err
				}
				argEval = ae
			}
			specs = append(specs, dataflow.AggSpec{
				Field: field,
				Def:   def,
				Extractor: func(row ir.Row) any {
					if argEval == nil {
						return row
					}
					return argEval(row)
				},
			})
		}
		cq.groupBy = dataflow.NewGroupBy(keyFn, specs)
	}

	if len(q.Having) > 0 {
		f, err := c.compileConjunction(q.Having)
		if err != nil {
			return nil, err
		}
		cq.havingEval = f
	}

	if len(q.OrderBy) > 0 {
		term := q.OrderBy[0]
		e, err := c.exprC.Compile(term.Expr)
		if err != nil {
			return nil, err
		}
		collation := compare.CollationBinary
		cq.orderBy = dataflow.NewOrderBy(func(r ir.Row) any { return e(r) }, collation, q.Limit, q.Offset)
	}

	selectFn, err := c.compileSelect(q)
	if err != nil {
		return nil, err
	}
	cq.selectFn = selectFn
	cq.findOne = q.FindOne

	for name, item := range q.Select {
		if !item.IsInclude() {
			continue
		}
		pk, err := c.exprC.Compile(item.Include.ParentKey)
		if err != nil {
			return nil, err
		}
		cq.includes = append(cq.includes, compiledInclude{
			field: name, parentKeyEval: pk, build: item.Include.Build, compiler: c,
		})
	}

	return cq, nil
}

// lazyEligible decides whether j's right-hand collection can be loaded on
// demand instead of eagerly snapshotted (§4.11). Scoped to a simple,
// documented rule rather than the full cardinality-driven "smaller
// collection drives" heuristic: InnerJoin/LeftJoin only (a FullJoin or
// RightJoin needs the full right-hand state to emit unmatched rows from
// that side), a plain field-to-field key (IsFunc() on either side means a
// computed expression, which falls back to non-lazy per §4.11), rightColl
// itself configured SyncOnDemand, and a non-subquery source (a subquery's
// materialized collection has no SyncMore driver to call).
func lazyEligible(j ir.JoinClause, rightColl *collection.Collection) (field string, ok bool) {
	if j.Type != ir.InnerJoin && j.Type != ir.LeftJoin {
		return "", false
	}
	if j.From.IsSubquery() {
		return "", false
	}
	if rightColl.SyncMode() != collection.SyncOnDemand {
		return "", false
	}
	if j.Left.IsFunc() || j.Right.IsFunc() {
		return "", false
	}
	stripped := expr.StripAliasPrefix(j.Right, j.Alias)
	path := stripped.Path()
	if len(path) == 0 {
		return "", false
	}
	name := path[0]
	for _, p := range path[1:] {
		name += "." + p
	}
	return name, true
}

func (c *Compiler) compileConjunction(clauses []ir.BasicExpression) (expr.Evaluator, error) {
	e := ir.And(clauses...)
	return c.exprC.Compile(e)
}

func (c *Compiler) compileSelect(q *ir.Query) (func(ir.Row) ir.Entity, error) {
	if q.FnSelect != nil {
		return func(r ir.Row) ir.Entity { return q.FnSelect(r) }, nil
	}
	type field struct {
		name   string
		eval   expr.Evaluator
		spread string
	}
	var fields []field
	for name, item := range q.Select {
		if item.IsInclude() {
			// Handled separately in toChanges, which has the key needed to
			// manage the per-parent child collection's lifecycle (§4.12).
			continue
		}
		if item.IsSpread() {
			fields = append(fields, field{name: name, spread: item.SpreadFrom})
			continue
		}
		if item.IsAgg() {
			// Aggregate fields are materialized by groupBy under the
			// dataflow package's reserved "group" row alias; select just
			// reads them back by field name.
			fieldName := name
			fields = append(fields, field{name: name, eval: func(r ir.Row) any {
				if g, ok := r["group"]; ok {
					return g[fieldName]
				}
				return nil
			}})
			continue
		}
		e, err := c.exprC.Compile(item.Expr)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field{name: name, eval: e})
	}
	return func(row ir.Row) ir.Entity {
		out := ir.Entity{}
		for _, f := range fields {
			if f.spread != "" {
				for k, v := range row[f.spread] {
					out[k] = v
				}
				continue
			}
			out[f.name] = f.eval(row)
		}
		return out
	}, nil
}
