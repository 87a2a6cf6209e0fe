package il

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
)

// ParseError reports where in the source text parsing gave up: unknown
// syntax is always surfaced with the offending token and its byte offset,
// never silently ignored.
type ParseError struct {
	Offset int // byte offset into the original source
	Line   int // 1-based line number
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("il: line %d (offset %d): %s", e.Line, e.Offset, e.Msg)
}

// Parse reads a whole IL program: one instruction per non-blank,
// non-comment line, register names resolved against a. Whitespace within a
// line is insignificant; '#' starts a comment that runs to end of line and
// is carried onto the preceding instruction for pretty-print.
func Parse(src string, a *arch.Arch) ([]*Instr, error) {
	var out []*Instr
	offset := 0
	for i, rawLine := range strings.Split(src, "\n") {
		lineNo := i + 1
		code, comment := splitComment(rawLine)
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			offset += len(rawLine) + 1
			continue
		}
		lead := len(code) - len(strings.TrimLeft(code, " \t"))
		p, err := newLineParser(trimmed, a, lineNo, offset+lead)
		if err != nil {
			return nil, err
		}
		in, err := p.parse()
		if err != nil {
			return nil, err
		}
		in.Comment = strings.TrimSpace(comment)
		out = append(out, in)
		offset += len(rawLine) + 1
	}
	return out, nil
}

// splitComment splits line at the first '#' not inside a string literal.
func splitComment(line string) (code, comment string) {
	inStr := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inStr = !inStr
		case '#':
			if !inStr {
				return line[:i], line[i+1:]
			}
		}
	}
	return line, ""
}

type tokKind uint8

const (
	tIdent tokKind = iota
	tNum
	tString
	tSym
	tEOF
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			start := i
			i++
			var sb strings.Builder
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				sb.WriteByte(s[i])
				i++
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			i++ // closing quote
			toks = append(toks, token{kind: tString, text: sb.String(), pos: start})
		case isIdentStart(c):
			start := i
			for i < len(s) && isIdentPart(s[i]) {
				i++
			}
			toks = append(toks, token{kind: tIdent, text: s[start:i], pos: start})
		case c >= '0' && c <= '9':
			start := i
			if c == '0' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') {
				i += 2
				for i < len(s) && isHex(s[i]) {
					i++
				}
			} else {
				for i < len(s) && s[i] >= '0' && s[i] <= '9' {
					i++
				}
			}
			toks = append(toks, token{kind: tNum, text: s[start:i], pos: start})
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '&' || c == '|' || c == '^' || c == '%':
			start := i
			i++
			if i < len(s) && s[i] == '=' {
				i++
			}
			toks = append(toks, token{kind: tSym, text: s[start:i], pos: start})
		case c == '=' || c == '[' || c == ']' || c == '(' || c == ')' || c == ',':
			toks = append(toks, token{kind: tSym, text: string(c), pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{kind: tEOF, text: "", pos: len(s)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func parseCst(t token) (int64, error) {
	if strings.HasPrefix(t.text, "0x") || strings.HasPrefix(t.text, "0X") {
		v, err := strconv.ParseUint(t.text[2:], 16, 64)
		return int64(v), err
	}
	v, err := strconv.ParseUint(t.text, 10, 64)
	return int64(v), err
}

// opFromSym maps a tokenized operator symbol ("+", "+=", ...) to its
// binary op and whether it was the compound-assignment spelling.
func opFromSym(sym string) (op expr.BinOp, compound, ok bool) {
	switch sym {
	case "+":
		return expr.ADD, false, true
	case "+=":
		return expr.ADD, true, true
	case "-":
		return expr.SUB, false, true
	case "-=":
		return expr.SUB, true, true
	case "*":
		return expr.MUL, false, true
	case "*=":
		return expr.MUL, true, true
	case "/":
		return expr.DIV, false, true
	case "/=":
		return expr.DIV, true, true
	case "&":
		return expr.AND, false, true
	case "&=":
		return expr.AND, true, true
	case "|":
		return expr.OR, false, true
	case "|=":
		return expr.OR, true, true
	case "^":
		return expr.XOR, false, true
	case "^=":
		return expr.XOR, true, true
	case "%":
		return expr.MOD, false, true
	case "%=":
		return expr.MOD, true, true
	}
	return 0, false, false
}

// lineParser parses one already-tokenized source line into a single Instr.
type lineParser struct {
	toks       []token
	idx        int
	a          *arch.Arch
	lineNo     int
	baseOffset int // absolute byte offset of this line's first token in the whole source
}

func newLineParser(s string, a *arch.Arch, lineNo, baseOffset int) (*lineParser, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, &ParseError{Offset: baseOffset, Line: lineNo, Msg: err.Error()}
	}
	return &lineParser{toks: toks, a: a, lineNo: lineNo, baseOffset: baseOffset}, nil
}

func (p *lineParser) peek() token { return p.toks[p.idx] }

func (p *lineParser) next() token {
	t := p.toks[p.idx]
	if p.idx < len(p.toks)-1 {
		p.idx++
	}
	return t
}

func (p *lineParser) errf(t token, format string, args ...any) error {
	return &ParseError{Offset: p.baseOffset + t.pos, Line: p.lineNo, Msg: fmt.Sprintf(format, args...)}
}

func (p *lineParser) expectSym(sym string) (token, error) {
	t := p.next()
	if t.kind != tSym || t.text != sym {
		return t, p.errf(t, "expected %q, got %q", sym, t.text)
	}
	return t, nil
}

func (p *lineParser) expectEOF() error {
	t := p.peek()
	if t.kind != tEOF {
		return p.errf(t, "unexpected trailing token %q", t.text)
	}
	return nil
}

func (p *lineParser) reg() (arch.Reg, error) {
	t := p.next()
	if t.kind != tIdent {
		return 0, p.errf(t, "expected a register name, got %q", t.text)
	}
	r, ok := p.a.RegByName(t.text)
	if !ok {
		return 0, p.errf(t, "unknown register %q", t.text)
	}
	return r, nil
}

func (p *lineParser) cstVal() (int64, error) {
	t := p.next()
	if t.kind != tNum {
		return 0, p.errf(t, "expected a constant, got %q", t.text)
	}
	v, err := parseCst(t)
	if err != nil {
		return 0, p.errf(t, "bad constant %q", t.text)
	}
	return v, nil
}

// bracketAddr parses "<reg> + <cst> ]" with the opening '[' already
// consumed by the caller.
func (p *lineParser) bracketAddr() (arch.Reg, int64, error) {
	addrReg, err := p.reg()
	if err != nil {
		return 0, 0, err
	}
	if _, err := p.expectSym("+"); err != nil {
		return 0, 0, err
	}
	offset, err := p.cstVal()
	if err != nil {
		return 0, 0, err
	}
	if _, err := p.expectSym("]"); err != nil {
		return 0, 0, err
	}
	return addrReg, offset, nil
}

func (p *lineParser) parse() (*Instr, error) {
	t := p.peek()
	switch {
	case t.kind == tIdent && t.text == "jmp":
		p.next()
		r, err := p.reg()
		if err != nil {
			return nil, err
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KJmp, Reg: r, Line: p.lineNo}, nil

	case t.kind == tIdent && t.text == "syscall":
		p.next()
		return p.parseCallLike(KSyscall)

	case t.kind == tIdent && t.text == "int80":
		p.next()
		return p.parseCallLike(KInt80)

	case t.kind == tSym && t.text == "[":
		p.next()
		return p.parseStoreForm()

	case t.kind == tIdent:
		if p.toks[p.idx+1].kind == tSym && p.toks[p.idx+1].text == "(" {
			return p.parseCallLike(KCall)
		}
		return p.parseRegForm()

	case t.kind == tNum && p.toks[p.idx+1].kind == tSym && p.toks[p.idx+1].text == "(":
		// A numeric call target: the function's resolved address spelled
		// directly, since this front-end never does symbol resolution.
		return p.parseCallLike(KCall)
	}
	return nil, p.errf(t, "unexpected token %q", t.text)
}

func (p *lineParser) parseCallLike(kind Kind) (*Instr, error) {
	nameTok := p.next()
	if nameTok.kind != tIdent && nameTok.kind != tNum {
		return nil, p.errf(nameTok, "expected a function/syscall name or address, got %q", nameTok.text)
	}
	if _, err := p.expectSym("("); err != nil {
		return nil, err
	}
	var args []Arg
	for {
		if p.peek().kind == tSym && p.peek().text == ")" {
			p.next()
			break
		}
		if len(args) > 0 {
			if _, err := p.expectSym(","); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return &Instr{Kind: kind, Name: nameTok.text, Args: args, Line: p.lineNo}, nil
}

func (p *lineParser) parseArg() (Arg, error) {
	t := p.peek()
	switch t.kind {
	case tString:
		p.next()
		return Arg{Kind: ArgString, Bytes: []byte(t.text)}, nil
	case tNum:
		p.next()
		v, err := parseCst(t)
		if err != nil {
			return Arg{}, p.errf(t, "bad constant %q", t.text)
		}
		return Arg{Kind: ArgCst, Cst: v}, nil
	case tIdent:
		if r, ok := p.a.RegByName(t.text); ok {
			p.next()
			return Arg{Kind: ArgReg, Reg: r}, nil
		}
		return Arg{}, p.errf(t, "unknown argument %q", t.text)
	}
	return Arg{}, p.errf(t, "unexpected argument token %q", t.text)
}

// parseStoreForm parses everything starting after an already-consumed '['.
func (p *lineParser) parseStoreForm() (*Instr, error) {
	inner := p.peek()
	if inner.kind == tIdent {
		if _, ok := p.a.RegByName(inner.text); ok {
			return p.parseRegRelStore()
		}
	}
	return p.parseAbsStore()
}

func (p *lineParser) parseRegRelStore() (*Instr, error) {
	addrReg, offset, err := p.bracketAddr()
	if err != nil {
		return nil, err
	}
	assignTok := p.next()
	if assignTok.kind != tSym {
		return nil, p.errf(assignTok, "expected '=' or a compound assignment, got %q", assignTok.text)
	}
	if assignTok.text == "=" {
		src, err := p.reg()
		if err != nil {
			return nil, err
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KStore, AddrReg: addrReg, Offset: offset, Src: src, Line: p.lineNo}, nil
	}
	op, compound, ok := opFromSym(assignTok.text)
	if !ok || !compound {
		return nil, p.errf(assignTok, "expected '=' or a compound assignment, got %q", assignTok.text)
	}
	src, err := p.reg()
	if err != nil {
		return nil, err
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return &Instr{Kind: KAStore, AddrReg: addrReg, Offset: offset, Op: op, Src: src, Line: p.lineNo}, nil
}

func (p *lineParser) parseAbsStore() (*Instr, error) {
	addr, err := p.cstVal()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectSym("]"); err != nil {
		return nil, err
	}
	if _, err := p.expectSym("="); err != nil {
		return nil, err
	}
	t := p.peek()
	switch t.kind {
	case tString:
		p.next()
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KStoreAbsBytes, Addr: addr, Bytes: []byte(t.text), Line: p.lineNo}, nil
	case tNum:
		p.next()
		v, err := parseCst(t)
		if err != nil {
			return nil, p.errf(t, "bad constant %q", t.text)
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KStoreAbsCst, Addr: addr, Cst: v, Line: p.lineNo}, nil
	case tIdent:
		r, ok := p.a.RegByName(t.text)
		if !ok {
			return nil, p.errf(t, "unknown register %q", t.text)
		}
		p.next()
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KStoreAbsReg, Addr: addr, Src: r, Line: p.lineNo}, nil
	}
	return nil, p.errf(t, "expected a constant, register, or string literal, got %q", t.text)
}

func (p *lineParser) parseRegForm() (*Instr, error) {
	dst, err := p.reg()
	if err != nil {
		return nil, err
	}
	assignTok := p.next()
	if assignTok.kind != tSym {
		return nil, p.errf(assignTok, "expected '=' or a compound assignment, got %q", assignTok.text)
	}
	if assignTok.text == "=" {
		return p.parsePlainAssign(dst)
	}
	op, compound, ok := opFromSym(assignTok.text)
	if !ok || !compound {
		return nil, p.errf(assignTok, "expected '=' or a compound assignment, got %q", assignTok.text)
	}
	if p.peek().kind == tSym && p.peek().text == "[" {
		p.next()
		addrReg, offset, err := p.bracketAddr()
		if err != nil {
			return nil, err
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KALoad, Dst: dst, Op: op, AddrReg: addrReg, Offset: offset, Line: p.lineNo}, nil
	}
	cst, err := p.cstVal()
	if err != nil {
		return nil, err
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return &Instr{Kind: KArithCst, Dst: dst, Src: dst, Op: op, Cst: cst, Line: p.lineNo}, nil
}

func (p *lineParser) parsePlainAssign(dst arch.Reg) (*Instr, error) {
	t := p.peek()
	if t.kind == tSym && t.text == "[" {
		p.next()
		addrReg, offset, err := p.bracketAddr()
		if err != nil {
			return nil, err
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KLoad, Dst: dst, AddrReg: addrReg, Offset: offset, Line: p.lineNo}, nil
	}
	if t.kind == tNum {
		p.next()
		v, err := parseCst(t)
		if err != nil {
			return nil, p.errf(t, "bad constant %q", t.text)
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		return &Instr{Kind: KMovCst, Dst: dst, Cst: v, Line: p.lineNo}, nil
	}
	if t.kind == tIdent {
		src, err := p.reg()
		if err != nil {
			return nil, err
		}
		if p.peek().kind == tEOF {
			return &Instr{Kind: KMovReg, Dst: dst, Src: src, Line: p.lineNo}, nil
		}
		opTok := p.next()
		op, compound, ok := opFromSym(opTok.text)
		if opTok.kind != tSym || !ok || compound {
			return nil, p.errf(opTok, "expected a binary operator, got %q", opTok.text)
		}
		rhs := p.peek()
		if rhs.kind == tNum {
			cst, err := p.cstVal()
			if err != nil {
				return nil, err
			}
			if err := p.expectEOF(); err != nil {
				return nil, err
			}
			return &Instr{Kind: KArithCst, Dst: dst, Src: src, Op: op, Cst: cst, Line: p.lineNo}, nil
		}
		if rhs.kind == tIdent {
			src2, err := p.reg()
			if err != nil {
				return nil, err
			}
			if err := p.expectEOF(); err != nil {
				return nil, err
			}
			return &Instr{Kind: KArithReg, Dst: dst, Src: src, Op: op, Src2: src2, Line: p.lineNo}, nil
		}
		return nil, p.errf(rhs, "expected a constant or register, got %q", rhs.text)
	}
	return nil, p.errf(t, "expected a constant, register, or '[', got %q", t.text)
}
