package ir

import (
	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/cond"
	"github.com/ropium-go/ropium/pkg/expr"
)

// Pair is one (expression, guard-condition) entry in a disjoint
// conditional sum.
type Pair struct {
	Expr *expr.Expr
	Cond *cond.Cond
}

// MemStore is one ordered memory write in program order.
type MemStore struct {
	Addr *expr.Expr
	Vals []Pair
}

// Semantics is the post-state of registers and memory as a function of
// pre-state. A register absent from Regs means "unchanged"; present means
// "modified" even if every branch reproduces its own prior value.
type Semantics struct {
	Regs map[arch.Reg][]Pair
	Mem  []MemStore
}

func newSemantics() *Semantics {
	return &Semantics{Regs: map[arch.Reg][]Pair{}}
}

// Empty reports whether this is the sentinel "too complex, gadget
// dropped" result.
func (s *Semantics) Empty() bool {
	return s == nil || (len(s.Regs) == 0 && len(s.Mem) == 0)
}

// Simplify reduces every expression and condition in the semantics value
// to canonical form.
func (s *Semantics) Simplify() *Semantics {
	out := newSemantics()
	for r, pairs := range s.Regs {
		out.Regs[r] = simplifyPairs(pairs)
	}
	for _, m := range s.Mem {
		out.Mem = append(out.Mem, MemStore{
			Addr: expr.Simplify(m.Addr),
			Vals: simplifyPairs(m.Vals),
		})
	}
	return out
}

func simplifyPairs(pairs []Pair) []Pair {
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		sc := cond.Simplify(p.Cond)
		if sc.Kind() == cond.KFalse {
			continue // unreachable branch, drop it
		}
		out = append(out, Pair{Expr: expr.Simplify(p.Expr), Cond: sc})
	}
	return out
}
