package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// valueAtPath walks a decoded JSON document by dot-separated keys. Numeric
// segments index into arrays.
func valueAtPath(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// compare evaluates got against the wanted value(s) under the operator.
// Ordering operators coerce both sides to float64 and never match on
// non-numeric input.
func compare(op string, got, want any, wants []any) bool {
	switch op {
	case OpIn:
		for _, w := range wants {
			if looseEqual(got, w) {
				return true
			}
		}
		return false
	case OpEq:
		return looseEqual(got, want)
	case OpNeq:
		return !looseEqual(got, want)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(got)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		return containsValue(got, want)
	}
	return false
}

// looseEqual compares two JSON values: numerically when both sides parse
// as numbers, by string form otherwise. Config values authored as "5" and
// results decoded as float64(5) are meant to match.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// containsValue matches substrings of strings, elements of arrays, and
// keys of objects.
func containsValue(got, want any) bool {
	switch g := got.(type) {
	case string:
		return strings.Contains(g, fmt.Sprint(want))
	case []any:
		for _, item := range g {
			if looseEqual(item, want) {
				return true
			}
		}
	case map[string]any:
		_, ok := g[fmt.Sprint(want)]
		return ok
	}
	return false
}
