package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ropium-go/ropium/pkg/arch"
)

// parser is a small recursive-descent reader for the prefix notation
// produced by Expr.String, giving the pretty-printer's round-trip law a
// concrete Parse to pair with String.
type parser struct {
	s   string
	pos int
}

// Parse reads back an expression from the text emitted by (*Expr).String.
func Parse(s string) (*Expr, error) {
	p := &parser{s: s}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("expr: trailing garbage %q", p.s[p.pos:])
	}
	return e, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) expect(tok string) error {
	p.skipSpace()
	if !strings.HasPrefix(p.s[p.pos:], tok) {
		return fmt.Errorf("expr: expected %q at %q", tok, p.s[p.pos:])
	}
	p.pos += len(tok)
	return nil
}

func (p *parser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '(' || c == ')' || c == ',' || c == ' ' {
			break
		}
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *parser) parseUint() (uint64, error) {
	p.skipSpace()
	start := p.pos
	if strings.HasPrefix(p.s[p.pos:], "0x") {
		p.pos += 2
		for p.pos < len(p.s) && isHex(p.s[p.pos]) {
			p.pos++
		}
		return strconv.ParseUint(p.s[start+2:p.pos], 16, 64)
	}
	if p.pos < len(p.s) && p.s[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	return strconv.ParseUint(p.s[start:p.pos], 10, 64)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (p *parser) parseExpr() (*Expr, error) {
	tag := p.ident()
	if err := p.expect("("); err != nil {
		return nil, err
	}
	defer func() {}()
	switch tag {
	case "Cst":
		v, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		w, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Cst(v, uint(w)), nil
	case "Reg":
		r, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		w, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Reg(arch.Reg(r), uint(w)), nil
	case "Mem":
		addr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		w, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Mem(addr, uint(w)), nil
	case "NOT", "NEG":
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		op := NOT
		if tag == "NEG" {
			op = NEG
		}
		return Unop(op, arg), nil
	case "ADD", "SUB", "MUL", "DIV", "MOD", "AND", "OR", "XOR", "SHL", "SHR":
		l, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		r, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Binop(binopFromName(tag), l, r), nil
	case "Extract":
		sub, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		hi, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		lo, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Extract(sub, uint(hi), uint(lo)), nil
	case "Concat":
		u, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		l, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Concat(u, l), nil
	case "Unknown":
		w, err := p.parseUint()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return Unknown(uint(w)), nil
	}
	return nil, fmt.Errorf("expr: unknown tag %q", tag)
}

func binopFromName(name string) BinOp {
	for i, n := range binopNames {
		if n == name {
			return BinOp(i)
		}
	}
	panic("expr: unreachable binop name " + name)
}
