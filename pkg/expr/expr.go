// Package expr implements the expression algebra: a sum-typed,
// fixed-bit-width integer expression language expressed as one tagged
// struct with per-Kind arms rather than a class hierarchy.
//
// Expressions are immutable after construction and shared by reference
// (Go's GC stands in for a ref-counted/arena handle here): never mutate
// an *Expr in place once built.
package expr

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
)

// Kind discriminates the Expr sum type's variants.
type Kind uint8

const (
	KCst Kind = iota
	KReg
	KMem
	KUnop
	KBinop
	KExtract
	KConcat
	KUnknown
)

func (k Kind) String() string {
	return [...]string{"Cst", "Reg", "Mem", "Unop", "Binop", "Extract", "Concat", "Unknown"}[k]
}

// BinOp enumerates the supported binary operators.
type BinOp uint8

const (
	ADD BinOp = iota
	SUB
	MUL
	DIV
	MOD
	AND
	OR
	XOR
	SHL
	SHR
)

var binopNames = [...]string{"ADD", "SUB", "MUL", "DIV", "MOD", "AND", "OR", "XOR", "SHL", "SHR"}

func (o BinOp) String() string { return binopNames[o] }

// Commutative reports whether canonical reordering may freely swap this
// op's operands.
func (o BinOp) Commutative() bool {
	switch o {
	case ADD, MUL, AND, OR, XOR:
		return true
	default:
		return false
	}
}

// UnOp enumerates the supported unary operators.
type UnOp uint8

const (
	NOT UnOp = iota
	NEG
)

func (o UnOp) String() string {
	if o == NOT {
		return "NOT"
	}
	return "NEG"
}

// Expr is an immutable, reference-shared node in the expression DAG. Only
// the fields relevant to Kind are meaningful; see the per-Kind
// constructors below for the invariants each one enforces.
type Expr struct {
	kind  Kind
	width uint

	cst uint64 // KCst
	reg arch.Reg

	addr *Expr // KMem

	unop UnOp // KUnop
	arg  *Expr

	binop       BinOp // KBinop
	left, right *Expr

	hi, lo uint  // KExtract
	sub    *Expr // KExtract's operand

	upper, lower *Expr // KConcat

	polyCache  *Polynomial
	polyCached bool
}

func (e *Expr) Kind() Kind   { return e.kind }
func (e *Expr) Width() uint  { return e.width }
func (e *Expr) Const() uint64 {
	return e.cst & mask(e.width)
}
func (e *Expr) RegIndex() arch.Reg { return e.reg }
func (e *Expr) Addr() *Expr        { return e.addr }
func (e *Expr) UnOp() UnOp         { return e.unop }
func (e *Expr) Arg() *Expr         { return e.arg }
func (e *Expr) BinOp() BinOp       { return e.binop }
func (e *Expr) Left() *Expr        { return e.left }
func (e *Expr) Right() *Expr       { return e.right }
func (e *Expr) ExtractHi() uint    { return e.hi }
func (e *Expr) ExtractLo() uint    { return e.lo }
func (e *Expr) ExtractArg() *Expr  { return e.sub }
func (e *Expr) Upper() *Expr       { return e.upper }
func (e *Expr) Lower() *Expr       { return e.lower }

func mask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// Cst builds a constant of the given width (width must be >= 1).
func Cst(value uint64, width uint) *Expr {
	if width == 0 {
		panic("expr: zero-width constant")
	}
	return &Expr{kind: KCst, width: width, cst: value & mask(width)}
}

// Reg builds a symbolic register-value leaf.
func Reg(index arch.Reg, width uint) *Expr {
	if width == 0 {
		panic("expr: zero-width register")
	}
	return &Expr{kind: KReg, width: width, reg: index}
}

// Mem builds a memory-read expression at the given address.
func Mem(addr *Expr, width uint) *Expr {
	if width == 0 {
		panic("expr: zero-width memory read")
	}
	return &Expr{kind: KMem, width: width, addr: addr}
}

// Unop builds a unary operator application; result width equals the
// argument's width.
func Unop(op UnOp, arg *Expr) *Expr {
	return &Expr{kind: KUnop, width: arg.width, unop: op, arg: arg}
}

// Binop builds a binary operator application. All ops except the shifts
// require equal-width operands; the result has that
// width. Shifts take their width from the left (shifted) operand.
func Binop(op BinOp, l, r *Expr) *Expr {
	if op != SHL && op != SHR && l.width != r.width {
		panic(fmt.Sprintf("expr: binop %s width mismatch %d != %d", op, l.width, r.width))
	}
	return &Expr{kind: KBinop, width: l.width, binop: op, left: l, right: r}
}

// Extract builds a bit-slice: Extract(a, hi, lo) requires 0 <= lo <= hi <
// width(a); the result width is hi-lo+1.
func Extract(a *Expr, hi, lo uint) *Expr {
	if lo > hi || hi >= a.width {
		panic(fmt.Sprintf("expr: bad extract [%d:%d] of width %d", hi, lo, a.width))
	}
	return &Expr{kind: KExtract, width: hi - lo + 1, hi: hi, lo: lo, sub: a}
}

// Concat builds a bit concatenation; result width is width(u)+width(l).
func Concat(upper, lower *Expr) *Expr {
	return &Expr{kind: KConcat, width: upper.width + lower.width, upper: upper, lower: lower}
}

// Unknown builds the taint-sink leaf.
func Unknown(width uint) *Expr {
	if width == 0 {
		panic("expr: zero-width unknown")
	}
	return &Expr{kind: KUnknown, width: width}
}

// IsUnknown reports whether this node, or any transitively reachable
// child, is the Unknown leaf — used by the simplifier's unknown
// propagation pass. Simplify collapses any such
// expression to a single Unknown node, so after simplification this is
// equivalent to a top-level Kind check; it is defined generally here so
// callers may probe pre-simplification trees too.
func IsUnknown(e *Expr) bool {
	if e == nil {
		return false
	}
	switch e.kind {
	case KUnknown:
		return true
	case KMem:
		return IsUnknown(e.addr)
	case KUnop:
		return IsUnknown(e.arg)
	case KBinop:
		return IsUnknown(e.left) || IsUnknown(e.right)
	case KExtract:
		return IsUnknown(e.sub)
	case KConcat:
		return IsUnknown(e.upper) || IsUnknown(e.lower)
	default:
		return false
	}
}

// Equal reports structural equality. Canonicalisation (Simplify) must run
// first for this to serve as semantic equality on commuted/polynomial
// forms; raw Equal is intentionally syntactic — structural after
// canonicalisation.
func Equal(a, b *Expr) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.kind != b.kind || a.width != b.width {
		return false
	}
	switch a.kind {
	case KCst:
		return a.Const() == b.Const()
	case KReg:
		return a.reg == b.reg
	case KMem:
		return Equal(a.addr, b.addr)
	case KUnop:
		return a.unop == b.unop && Equal(a.arg, b.arg)
	case KBinop:
		return a.binop == b.binop && Equal(a.left, b.left) && Equal(a.right, b.right)
	case KExtract:
		return a.hi == b.hi && a.lo == b.lo && Equal(a.sub, b.sub)
	case KConcat:
		return Equal(a.upper, b.upper) && Equal(a.lower, b.lower)
	case KUnknown:
		return true
	}
	return false
}

// String renders an unambiguous prefix-notation form that Parse can read
// back: the pretty-printer and parser are idempotent over the subset
// emitted by the printer.
func (e *Expr) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.kind {
	case KCst:
		return fmt.Sprintf("Cst(0x%x,%d)", e.Const(), e.width)
	case KReg:
		return fmt.Sprintf("Reg(%d,%d)", e.reg, e.width)
	case KMem:
		return fmt.Sprintf("Mem(%s,%d)", e.addr, e.width)
	case KUnop:
		return fmt.Sprintf("%s(%s)", e.unop, e.arg)
	case KBinop:
		return fmt.Sprintf("%s(%s,%s)", e.binop, e.left, e.right)
	case KExtract:
		return fmt.Sprintf("Extract(%s,%d,%d)", e.sub, e.hi, e.lo)
	case KConcat:
		return fmt.Sprintf("Concat(%s,%s)", e.upper, e.lower)
	case KUnknown:
		return fmt.Sprintf("Unknown(%d)", e.width)
	}
	return "?"
}
