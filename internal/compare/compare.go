// Package compare implements the engine's one shared notion of equality and
// total order over opaque entity values, used by the operator registry
// (eq/gt/...), the range index's ordering, and the dataflow orderBy
// operator.
package compare

import (
	"reflect"
	"strings"
	"time"
)

// Collation selects how two strings are ordered.
type Collation int

const (
	// CollationBinary compares byte-for-byte (Go's native string <).
	CollationBinary Collation = iota
	// CollationCaseInsensitive folds case before comparing.
	CollationCaseInsensitive
)

// Equal is the engine's deep-equality notion: structural equality for maps
// and slices, value equality otherwise. Every index and transaction-overlay
// comparison in the collection engine funnels through this so "identical
// values are silently coerced to updates" (§7) has one implementation.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := asFloat(a)
	bn, bok := asFloat(b)
	if aok && bok {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
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

func ToFloat(v any) float64 {
	f, _ := asFloat(v)
	return f
}

// NormalizeForMapKey canonicalizes a value for use as a Go map key inside an
// index bucket: numeric types funnel through float64 so that 1 and 1.0
// index into the same bucket, matching Equal's numeric semantics.
func NormalizeForMapKey(v any) any {
	if f, ok := asFloat(v); ok {
		return f
	}
	return v
}

// Order returns -1, 0, 1 comparing a and b under the given collation,
// applying numeric/date semantics when both sides are numbers or
// time.Time, and string semantics (with collation) otherwise.
func Order(a, b any, collation Collation) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if collation == CollationCaseInsensitive {
			as, bs = strings.ToLower(as), strings.ToLower(bs)
		}
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	// Mixed/unsupported types: fall back to a stable string comparison so
	// ordering never panics mid-stream.
	as2, bs2 := toComparableString(a), toComparableString(b)
	switch {
	case as2 < bs2:
		return -1
	case as2 > bs2:
		return 1
	default:
		return 0
	}
}

func toComparableString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return reflect.TypeOf(v).String()
	}
}
