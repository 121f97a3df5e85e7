package constraint

import "github.com/roach88/agora/internal/props"

// Evaluate reports whether s satisfies the expression.
// A nil or empty expression is always satisfied.
func (e *Expr) Evaluate(s props.Set) bool {
	if e.IsEmpty() {
		return true
	}
	return e.root.eval(s)
}

// Evaluate is the free-function form of Expr.Evaluate.
func Evaluate(e *Expr, s props.Set) bool {
	return e.Evaluate(s)
}

func (n *andNode) eval(s props.Set) bool {
	for _, c := range n.children {
		if !c.eval(s) {
			return false
		}
	}
	return true
}

func (n *orNode) eval(s props.Set) bool {
	for _, c := range n.children {
		if c.eval(s) {
			return true
		}
	}
	return false
}

func (n *notNode) eval(s props.Set) bool {
	return !n.child.eval(s)
}

func (n *compareNode) eval(s props.Set) bool {
	v := s.Lookup(n.path)
	if n.op == OpPresent {
		return !props.IsMissing(v)
	}
	return compare(v, n.op, n.lit)
}

// compare applies op between a property value and a literal.
// Missing values and kind mismatches compare false.
func compare(v props.Value, op Op, lit literal) bool {
	switch val := v.(type) {
	case props.Number:
		if !lit.isNum {
			return false
		}
		return compareNumbers(float64(val), op, lit.num)
	case props.String:
		return op == OpEq && string(val) == lit.raw
	case props.Bool:
		return op == OpEq && lit.isBoolLit && bool(val) == lit.boolVal
	case props.Array:
		// Membership: an array equals a literal when any element does.
		if op != OpEq {
			return false
		}
		for _, elem := range val {
			if compare(elem, OpEq, lit) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareNumbers(a float64, op Op, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	default:
		return false
	}
}
