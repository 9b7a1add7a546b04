package policy

import "encoding/json"

// Op identifies a predicate operator. Unknown operators evaluate to false
// (fail-closed) per spec §4.1/§9.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpIn  Op = "in"
	OpVar Op = "var"
)

// Node is a tagged-variant predicate tree: an operator node carries
// Children (and/or/not) or a left/right pair (comparisons, in); a leaf is
// either a literal Value or a Var dotted-path reference. This models the
// source's nested mapping as a closed, typed grammar rather than a general
// expression language.
type Node struct {
	Op       Op      `json:"op"`
	Var      string   `json:"var,omitempty"`
	Value    any      `json:"value,omitempty"`
	Children []*Node  `json:"children,omitempty"`
	Left     *Node    `json:"left,omitempty"`
	Right    *Node    `json:"right,omitempty"`
}

// MarshalCondition serializes a Node to its persisted JSON form.
func MarshalCondition(n *Node) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalCondition parses a persisted condition back into a Node.
func UnmarshalCondition(raw string) (*Node, error) {
	if raw == "" {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Lit builds a literal leaf node.
func Lit(v any) *Node { return &Node{Op: "", Value: v} }

// VarRef builds a var-reference leaf node.
func VarRef(path string) *Node { return &Node{Op: OpVar, Var: path} }

// Cmp builds a binary comparison node (eq/ne/lt/lte/gt/gte).
func Cmp(op Op, left, right *Node) *Node { return &Node{Op: op, Left: left, Right: right} }

// In builds a membership node: left `in` right.
func In(left, right *Node) *Node { return &Node{Op: OpIn, Left: left, Right: right} }

// And/Or/Not build boolean connective nodes.
func And(children ...*Node) *Node { return &Node{Op: OpAnd, Children: children} }
func Or(children ...*Node) *Node  { return &Node{Op: OpOr, Children: children} }
func Not(child *Node) *Node       { return &Node{Op: OpNot, Children: []*Node{child}} }
