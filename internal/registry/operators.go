package registry

import (
	"strings"

	"github.com/estuary/reactivedb/internal/compare"
)

// NewDefault returns a Registry pre-populated with the operators and
// aggregates any compiled query needs out of the box.
func NewDefault() *Registry {
	r := New()
	registerDefaultOperators(r)
	registerDefaultAggregates(r)
	return r
}

func registerDefaultOperators(r *Registry) {
	r.RegisterOperator("and", variadicBool(func(vs []bool) bool {
		for _, v := range vs {
			if !v {
				return false
			}
		}
		return true
	}))
	r.RegisterOperator("or", variadicBool(func(vs []bool) bool {
		for _, v := range vs {
			if v {
				return true
			}
		}
		return false
	}))
	r.RegisterOperator("not", func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			return !truthy(args[0](row))
		}
	})
	r.RegisterOperator("eq", binary(func(a, b any) bool { return compare.Equal(a, b) }))
	r.RegisterOperator("neq", binary(func(a, b any) bool { return !compare.Equal(a, b) }))
	r.RegisterOperator("gt", numericBinary(func(a, b float64) bool { return a > b }))
	r.RegisterOperator("gte", numericBinary(func(a, b float64) bool { return a >= b }))
	r.RegisterOperator("lt", numericBinary(func(a, b float64) bool { return a < b }))
	r.RegisterOperator("lte", numericBinary(func(a, b float64) bool { return a <= b }))
	r.RegisterOperator("like", func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			s, _ := args[0](row).(string)
			pat, _ := args[1](row).(string)
			return strings.Contains(s, strings.Trim(pat, "%"))
		}
	})
	r.RegisterOperator("in", func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			needle := args[0](row)
			for _, a := range args[1:] {
				if compare.Equal(needle, a(row)) {
					return true
				}
			}
			return false
		}
	})
	r.RegisterOperator("add", numericFold(func(a, b float64) float64 { return a + b }))
	r.RegisterOperator("sub", numericFold(func(a, b float64) float64 { return a - b }))
	r.RegisterOperator("concat", func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteString(toString(a(row)))
			}
			return sb.String()
		}
	})
}

func variadicBool(fold func([]bool) bool) OperatorFactory {
	return func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			vs := make([]bool, len(args))
			for i, a := range args {
				vs[i] = truthy(a(row))
			}
			return fold(vs)
		}
	}
}

func binary(f func(a, b any) bool) OperatorFactory {
	return func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			return f(args[0](row), args[1](row))
		}
	}
}

func numericBinary(f func(a, b float64) bool) OperatorFactory {
	return func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			return f(compare.ToFloat(args[0](row)), compare.ToFloat(args[1](row)))
		}
	}
}

func numericFold(f func(a, b float64) float64) OperatorFactory {
	return func(args []RowEvaluator, _ bool) RowEvaluator {
		return func(row map[string]map[string]any) any {
			acc := compare.ToFloat(args[0](row))
			for _, a := range args[1:] {
				acc = f(acc, compare.ToFloat(a(row)))
			}
			return acc
		}
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	default:
		return true
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
