package constraint

import (
	"strconv"
	"strings"

	"github.com/roach88/agora/internal/props"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota + 1
	OpLt
	OpLe
	OpGt
	OpGe
	OpPresent
)

// String returns the operator's text form.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpPresent:
		return "=*"
	default:
		return "?"
	}
}

// node is one vertex of the expression tree.
type node interface {
	eval(s props.Set) bool
	write(b *strings.Builder)
	paths(dst []string) []string
}

type andNode struct{ children []node }

type orNode struct{ children []node }

type notNode struct{ child node }

// literal is the right-hand side of a comparison, pre-parsed so evaluation
// never touches strconv.
type literal struct {
	raw       string
	num       float64
	isNum     bool
	boolVal   bool
	isBoolLit bool
}

func newLiteral(raw string) literal {
	lit := literal{raw: raw}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		lit.num = f
		lit.isNum = true
	}
	switch raw {
	case "true":
		lit.boolVal, lit.isBoolLit = true, true
	case "false":
		lit.boolVal, lit.isBoolLit = false, true
	}
	return lit
}

type compareNode struct {
	path string
	op   Op
	lit  literal
}

// Expr is a parsed constraint expression. The zero value and a nil *Expr
// both place no constraints.
type Expr struct {
	root node
}

// Always returns an expression that is satisfied by every property set.
func Always() *Expr {
	return &Expr{}
}

// IsEmpty reports whether the expression places no constraints.
func (e *Expr) IsEmpty() bool {
	return e == nil || e.root == nil
}

// String returns the canonical text form. Parsing the result yields an
// equivalent expression.
func (e *Expr) String() string {
	if e.IsEmpty() {
		return ""
	}
	var b strings.Builder
	e.root.write(&b)
	return b.String()
}

// Paths lists the property paths referenced, in order of appearance.
func (e *Expr) Paths() []string {
	if e.IsEmpty() {
		return nil
	}
	return e.root.paths(nil)
}

// MarshalText implements encoding.TextMarshaler.
func (e *Expr) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Expr) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

func (n *andNode) write(b *strings.Builder) {
	b.WriteString("(&")
	for _, c := range n.children {
		c.write(b)
	}
	b.WriteByte(')')
}

func (n *orNode) write(b *strings.Builder) {
	b.WriteString("(|")
	for _, c := range n.children {
		c.write(b)
	}
	b.WriteByte(')')
}

func (n *notNode) write(b *strings.Builder) {
	b.WriteString("(!")
	n.child.write(b)
	b.WriteByte(')')
}

func (n *compareNode) write(b *strings.Builder) {
	b.WriteByte('(')
	b.WriteString(n.path)
	if n.op == OpPresent {
		b.WriteString("=*")
	} else {
		b.WriteString(n.op.String())
		b.WriteString(escapeLiteral(n.lit.raw))
	}
	b.WriteByte(')')
}

func (n *andNode) paths(dst []string) []string {
	for _, c := range n.children {
		dst = c.paths(dst)
	}
	return dst
}

func (n *orNode) paths(dst []string) []string {
	for _, c := range n.children {
		dst = c.paths(dst)
	}
	return dst
}

func (n *notNode) paths(dst []string) []string {
	return n.child.paths(dst)
}

func (n *compareNode) paths(dst []string) []string {
	return append(dst, n.path)
}

func escapeLiteral(s string) string {
	lead := len(s) - len(strings.TrimLeft(s, blanks))
	trail := len(strings.TrimRight(s, blanks))
	if lead == 0 && trail == len(s) && !strings.ContainsAny(s, `()*\`) {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '(' || r == ')' || r == '*' || r == '\\':
			b.WriteByte('\\')
		case (i < lead || i >= trail) && r < 0x80 && isBlank(byte(r)):
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
