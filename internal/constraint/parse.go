package constraint

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseError reports malformed constraint text.
type ParseError struct {
	// Pos is the byte offset in the input where the problem was found.
	Pos int
	// Msg describes the problem.
	Msg string
	// Input is the text that failed to parse.
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("constraint parse error at offset %d: %s", e.Pos, e.Msg)
}

// Parse parses constraint text. Empty or all-whitespace text yields an
// expression with no constraints.
//
// Unescaped whitespace at either end of a value is dropped, so "(b = x)"
// compares against "x". Escaped whitespace is kept: `(b=\ x\ )` compares
// against " x ".
func Parse(text string) (*Expr, error) {
	p := &parser{input: text}
	p.skipSpace()
	if p.eof() {
		return &Expr{}, nil
	}

	root, err := p.parseFilter()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected trailing input %q", p.input[p.pos:])
	}
	return &Expr{root: root}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or for expressions known to be valid.
func MustParse(text string) *Expr {
	e, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) errorf(format string, args ...any) *ParseError {
	return &ParseError{Pos: p.pos, Msg: fmt.Sprintf(format, args...), Input: p.input}
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		if p.eof() {
			return p.errorf("expected %q, got end of input", c)
		}
		return p.errorf("expected %q, got %q", c, p.peek())
	}
	p.pos++
	return nil
}

// parseFilter parses "(" body ")".
func (p *parser) parseFilter() (node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	var (
		n   node
		err error
	)
	switch p.peek() {
	case '&':
		p.pos++
		var children []node
		children, err = p.parseList()
		n = &andNode{children: children}
	case '|':
		p.pos++
		var children []node
		children, err = p.parseList()
		n = &orNode{children: children}
	case '!':
		p.pos++
		var child node
		child, err = p.parseFilter()
		n = &notNode{child: child}
	case ')':
		return nil, p.errorf("empty filter")
	default:
		n, err = p.parseComparison()
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return n, nil
}

// parseList parses zero or more filters up to the closing parenthesis.
func (p *parser) parseList() ([]node, error) {
	var children []node
	for {
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf("unterminated filter list")
		}
		if p.peek() == ')' {
			return children, nil
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
}

// parseComparison parses "path op value" without the surrounding parens.
func (p *parser) parseComparison() (node, error) {
	start := p.pos
	for !p.eof() && !strings.ContainsRune("=<>()\\*", rune(p.peek())) {
		p.pos++
	}
	path := strings.TrimSpace(p.input[start:p.pos])
	if path == "" {
		return nil, p.errorf("missing property path")
	}
	if strings.ContainsFunc(path, unicode.IsSpace) {
		return nil, &ParseError{Pos: start, Msg: fmt.Sprintf("property path %q contains whitespace", path), Input: p.input}
	}

	op, err := p.parseOp()
	if err != nil {
		return nil, err
	}

	valueStart := p.pos
	raw, wildcard, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if wildcard {
		if op != OpEq || raw != "*" {
			return nil, &ParseError{Pos: valueStart, Msg: "wildcards are only allowed as a presence test (path=*)", Input: p.input}
		}
		return &compareNode{path: path, op: OpPresent}, nil
	}
	if raw == "" {
		return nil, &ParseError{Pos: valueStart, Msg: fmt.Sprintf("missing value for %s%s", path, op), Input: p.input}
	}

	lit := newLiteral(raw)
	if op != OpEq && !lit.isNum {
		return nil, &ParseError{Pos: valueStart, Msg: fmt.Sprintf("operator %s requires a numeric value, got %q", op, raw), Input: p.input}
	}
	return &compareNode{path: path, op: op, lit: lit}, nil
}

func (p *parser) parseOp() (Op, error) {
	switch p.peek() {
	case '=':
		p.pos++
		return OpEq, nil
	case '<':
		p.pos++
		if p.peek() == '=' {
			p.pos++
			return OpLe, nil
		}
		return OpLt, nil
	case '>':
		p.pos++
		if p.peek() == '=' {
			p.pos++
			return OpGe, nil
		}
		return OpGt, nil
	default:
		if p.eof() {
			return 0, p.errorf("expected comparison operator, got end of input")
		}
		return 0, p.errorf("expected comparison operator, got %q", p.peek())
	}
}

// parseValue reads a literal up to the unescaped closing parenthesis.
// wildcard reports whether an unescaped "*" appeared.
func (p *parser) parseValue() (raw string, wildcard bool, err error) {
	var b strings.Builder
	keep := 0 // length of b through its last escaped or non-blank byte
	for {
		if p.eof() {
			return "", false, p.errorf("unterminated value")
		}
		c := p.peek()
		switch c {
		case ')':
			return b.String()[:keep], wildcard, nil
		case '(':
			return "", false, p.errorf("unescaped '(' in value")
		case '\\':
			p.pos++
			if p.eof() {
				return "", false, p.errorf("dangling escape")
			}
			b.WriteByte(p.peek())
			p.pos++
			keep = b.Len()
		case '*':
			wildcard = true
			b.WriteByte(c)
			p.pos++
			keep = b.Len()
		default:
			p.pos++
			if isBlank(c) {
				if b.Len() > 0 {
					b.WriteByte(c)
				}
				continue
			}
			b.WriteByte(c)
			keep = b.Len()
		}
	}
}

// blanks are the value bytes dropped when unescaped at either end.
const blanks = " \t\n\r\v\f"

func isBlank(c byte) bool {
	return strings.IndexByte(blanks, c) >= 0
}
