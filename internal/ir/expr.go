package ir

// BasicExpression is the scalar expression tree: a literal, a path
// reference, or a named function applied to further expressions. The
// expression compiler (internal/expr) resolves Func names against the
// operator registry; Agg names are resolved separately against the
// aggregate registry since they fold across rows rather than evaluate one.
type BasicExpression struct {
	kind exprKind
	val  any
	path []string
	name string
	args []BasicExpression
}

type exprKind int

const (
	kindVal exprKind = iota
	kindRef
	kindFunc
)

func Val(v any) BasicExpression { return BasicExpression{kind: kindVal, val: v} }

// Ref builds a path reference, e.g. Ref("user", "id") for `user.id`.
func Ref(path ...string) BasicExpression {
	cp := make([]string, len(path))
	copy(cp, path)
	return BasicExpression{kind: kindRef, path: cp}
}

func Func(name string, args ...BasicExpression) BasicExpression {
	return BasicExpression{kind: kindFunc, name: name, args: args}
}

func (e BasicExpression) IsVal() bool  { return e.kind == kindVal }
func (e BasicExpression) IsRef() bool  { return e.kind == kindRef }
func (e BasicExpression) IsFunc() bool { return e.kind == kindFunc }

func (e BasicExpression) Value() any             { return e.val }
func (e BasicExpression) Path() []string         { return e.path }
func (e BasicExpression) FuncName() string       { return e.name }
func (e BasicExpression) Args() []BasicExpression { return e.args }

// WithPath returns a copy of a Ref expression with a new path. Used by the
// expression compiler's path-stripping step (§4.7): `['user','id']` becomes
// `['id']` once an expression is pushed down into a single-collection filter.
func (e BasicExpression) WithPath(path []string) BasicExpression {
	e.path = path
	return e
}

// Agg is a call to a registered aggregate function over a column expression.
type Agg struct {
	Name string
	Args []BasicExpression
}

func NewAgg(name string, args ...BasicExpression) Agg {
	return Agg{Name: name, Args: args}
}

// And conjoins expressions with AND, the root the optimizer splits at.
func And(exprs ...BasicExpression) BasicExpression {
	if len(exprs) == 1 {
		return exprs[0]
	}
	args := append([]BasicExpression(nil), exprs...)
	return Func("and", args...)
}

// Eq builds an equality comparison, the only condition the join builder
// accepts (§4.5).
func Eq(a, b BasicExpression) BasicExpression {
	return Func("eq", a, b)
}

// Refs walks an expression tree and returns the set of distinct table
// aliases referenced by Ref leaves (the first path segment of each Ref).
func (e BasicExpression) Refs() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(BasicExpression)
	walk = func(x BasicExpression) {
		switch x.kind {
		case kindRef:
			if len(x.path) > 0 && !seen[x.path[0]] {
				seen[x.path[0]] = true
				out = append(out, x.path[0])
			}
		case kindFunc:
			for _, a := range x.args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}

// IsConvertibleToFilter reports whether e is a pure tree of Val|Ref|Func,
// the property required of a predicate that can become a single-collection
// filter expression (§4.7).
func (e BasicExpression) IsConvertibleToFilter() bool {
	switch e.kind {
	case kindVal, kindRef:
		return true
	case kindFunc:
		for _, a := range e.args {
			if !a.IsConvertibleToFilter() {
				return false
			}
		}
		return true
	default:
		return false
	}
}
