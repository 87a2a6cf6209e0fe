// Package cond implements the condition algebra: boolean expressions over
// pkg/expr, including memory-access predicates, expressed as a tagged sum
// type rather than a class hierarchy, and carried over a three-valued
// lattice.
package cond

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/expr"
)

// Kind discriminates the Cond sum type's variants.
type Kind uint8

const (
	KTrue Kind = iota
	KFalse
	KUnknown
	KEq
	KNeq
	KLt
	KLe
	KAnd
	KOr
	KNot
	KValidRead
	KValidWrite
)

// Cond is an immutable boolean-expression node.
type Cond struct {
	kind        Kind
	left, right *expr.Expr // comparisons
	a, b        *Cond      // And/Or
	arg         *Cond      // Not
	mem         *expr.Expr // ValidRead/ValidWrite
}

func True() *Cond    { return &Cond{kind: KTrue} }
func False() *Cond   { return &Cond{kind: KFalse} }
func UnknownC() *Cond { return &Cond{kind: KUnknown} }

func Eq(l, r *expr.Expr) *Cond  { return &Cond{kind: KEq, left: l, right: r} }
func Neq(l, r *expr.Expr) *Cond { return &Cond{kind: KNeq, left: l, right: r} }
func Lt(l, r *expr.Expr) *Cond  { return &Cond{kind: KLt, left: l, right: r} }
func Le(l, r *expr.Expr) *Cond  { return &Cond{kind: KLe, left: l, right: r} }

func And(a, b *Cond) *Cond { return &Cond{kind: KAnd, a: a, b: b} }
func Or(a, b *Cond) *Cond  { return &Cond{kind: KOr, a: a, b: b} }
func Not(a *Cond) *Cond    { return &Cond{kind: KNot, arg: a} }

func ValidRead(addr *expr.Expr) *Cond  { return &Cond{kind: KValidRead, mem: addr} }
func ValidWrite(addr *expr.Expr) *Cond { return &Cond{kind: KValidWrite, mem: addr} }

func (c *Cond) Kind() Kind         { return c.kind }
func (c *Cond) Left() *expr.Expr   { return c.left }
func (c *Cond) Right() *expr.Expr  { return c.right }
func (c *Cond) A() *Cond           { return c.a }
func (c *Cond) B() *Cond           { return c.b }
func (c *Cond) Arg() *Cond         { return c.arg }
func (c *Cond) MemAddr() *expr.Expr { return c.mem }

func (c *Cond) String() string {
	switch c.kind {
	case KTrue:
		return "True"
	case KFalse:
		return "False"
	case KUnknown:
		return "Unknown"
	case KEq:
		return fmt.Sprintf("Eq(%s,%s)", c.left, c.right)
	case KNeq:
		return fmt.Sprintf("Neq(%s,%s)", c.left, c.right)
	case KLt:
		return fmt.Sprintf("Lt(%s,%s)", c.left, c.right)
	case KLe:
		return fmt.Sprintf("Le(%s,%s)", c.left, c.right)
	case KAnd:
		return fmt.Sprintf("And(%s,%s)", c.a, c.b)
	case KOr:
		return fmt.Sprintf("Or(%s,%s)", c.a, c.b)
	case KNot:
		return fmt.Sprintf("Not(%s)", c.arg)
	case KValidRead:
		return fmt.Sprintf("ValidRead(%s)", c.mem)
	case KValidWrite:
		return fmt.Sprintf("ValidWrite(%s)", c.mem)
	}
	return "?"
}

// Equal is structural equality, meaningful after Simplify the same way
// expr.Equal is.
func Equal(x, y *Cond) bool {
	if x == y {
		return true
	}
	if x == nil || y == nil || x.kind != y.kind {
		return false
	}
	switch x.kind {
	case KTrue, KFalse, KUnknown:
		return true
	case KEq, KNeq, KLt, KLe:
		return expr.Equal(x.left, y.left) && expr.Equal(x.right, y.right)
	case KAnd, KOr:
		return Equal(x.a, y.a) && Equal(x.b, y.b)
	case KNot:
		return Equal(x.arg, y.arg)
	case KValidRead, KValidWrite:
		return expr.Equal(x.mem, y.mem)
	}
	return false
}

// Value is the three-valued truth lattice a condition's truth lives in
// (True, False, Unknown); Unknown is the default when the simplifier
// cannot decide.
type Value int

const (
	VFalse Value = iota
	VTrue
	VUnknown
)

func (v Value) String() string {
	switch v {
	case VTrue:
		return "True"
	case VFalse:
		return "False"
	default:
		return "Unknown"
	}
}
