package ir

import (
	"errors"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/cond"
	"github.com/ropium-go/ropium/pkg/expr"
)

// ErrTooComplex signals that an operand's value list exceeded its bound
// during execution; this is a non-error drop path, not a real failure, so
// the gadget analyser simply discards the gadget rather than propagating
// it as a hard error.
var ErrTooComplex = errors.New("ir: value list exceeded per-operand bound, gadget dropped")

// operandKey identifies a register or temporary value-list slot.
type operandKey struct {
	isTmp bool
	idx   int
}

// state is the executor's working table: per register/temporary, a
// disjoint conditional sum of (expression, guard) pairs, plus the ordered
// memory store history.
type state struct {
	vals  map[operandKey][]Pair
	stores []MemStore
	a     *arch.Arch
}

func regKey(r arch.Reg) operandKey { return operandKey{isTmp: false, idx: int(r)} }
func tmpKey(t int) operandKey      { return operandKey{isTmp: true, idx: t} }

// Execute runs block's instructions strictly in source order over the
// symbolic pre-state (every register initially maps to Reg(i,width) under
// True) and returns the resulting Semantics.
//
// ignoredRegs names registers whose writes may be treated as dead by the
// backward liveness pass (CPU flags tagged as ignored for the target
// arch); the gadget analyser passes {FLAG}.
func Execute(block *Block, a *arch.Arch, ignoredRegs map[arch.Reg]bool) (*Semantics, error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	live := markLive(block, ignoredRegs)

	st := &state{vals: map[operandKey][]Pair{}, a: a}

	for i, in := range block.Instrs {
		if !live[i] {
			continue
		}
		if err := st.step(in); err != nil {
			return nil, err
		}
	}

	sem := newSemantics()
	for k, pairs := range st.vals {
		if k.isTmp {
			continue // temporaries don't escape into Semantics
		}
		sem.Regs[arch.Reg(k.idx)] = pairs
	}
	sem.Mem = st.stores
	return sem, nil
}

// markLive runs the backward dead-instruction pass: an
// instruction whose destination flows only into ignored registers (and is
// never read by a later live instruction) is dead.
func markLive(block *Block, ignored map[arch.Reg]bool) []bool {
	n := len(block.Instrs)
	live := make([]bool, n)
	// A temporary or register is "needed" once something live reads it.
	neededReg := map[arch.Reg]bool{}
	neededTmp := map[int]bool{}

	// Registers not in `ignored` are always externally observable (the
	// Semantics output exposes every register), so seed them as needed.
	// We discover the full register set lazily: any register instruction
	// touches that isn't ignored is needed from its own write onward.
	for i := n - 1; i >= 0; i-- {
		in := block.Instrs[i]
		dstNeeded := true
		if in.Dst.Kind == OperandReg {
			if ignored[in.Dst.Reg] && !neededReg[in.Dst.Reg] {
				dstNeeded = false
			}
		} else if in.Dst.Kind == OperandTmp {
			dstNeeded = neededTmp[in.Dst.Tmp]
		}
		// STM and NOP have no conventional "dst value" but are always live
		// (a store is an observable side effect; NOP is a no-op anyway).
		if in.Op == OpSTM || in.Op == OpNOP {
			dstNeeded = true
		}

		live[i] = dstNeeded

		// A write kills the need for the destination's prior value: an
		// earlier instruction writing the same register/temporary starts
		// fresh, unneeded unless something else requires it.
		if in.Op != OpSTM {
			if in.Dst.Kind == OperandReg {
				neededReg[in.Dst.Reg] = false
			}
			if in.Dst.Kind == OperandTmp {
				neededTmp[in.Dst.Tmp] = false
			}
		}
		if !dstNeeded {
			continue
		}
		markOperandNeeded(in.Src1, neededReg, neededTmp)
		markOperandNeeded(in.Src2, neededReg, neededTmp)
		if in.Op == OpSTM {
			// STM's Dst operand holds the store address, a read, not a
			// write-target.
			markOperandNeeded(in.Dst, neededReg, neededTmp)
		}
	}
	return live
}

func markOperandNeeded(o Operand, neededReg map[arch.Reg]bool, neededTmp map[int]bool) {
	switch o.Kind {
	case OperandReg:
		neededReg[o.Reg] = true
	case OperandTmp:
		neededTmp[o.Tmp] = true
	}
}

func (st *state) get(o Operand) []Pair {
	switch o.Kind {
	case OperandCst:
		return []Pair{{Expr: expr.Cst(o.Cst, o.Width()), Cond: cond.True()}}
	case OperandReg, OperandTmp:
		var key operandKey
		var natWidth uint
		if o.Kind == OperandReg {
			key = regKey(o.Reg)
			natWidth = st.a.Bits()
		} else {
			key = tmpKey(o.Tmp)
			natWidth = o.Hi + 1 // temporaries have no "natural" width beyond first def
		}
		full, ok := st.vals[key]
		if !ok {
			// Unwritten register: symbolic pre-value. Unwritten temporary
			// is a lifter bug, but we degrade to Unknown rather than panic.
			if o.Kind == OperandReg {
				full = []Pair{{Expr: expr.Reg(o.Reg, natWidth), Cond: cond.True()}}
			} else {
				full = []Pair{{Expr: expr.Unknown(o.Width()), Cond: cond.True()}}
			}
		}
		if o.Lo == 0 && o.Hi+1 >= natWidth {
			return full
		}
		out := make([]Pair, len(full))
		for i, p := range full {
			out[i] = Pair{Expr: extractRange(p.Expr, o.Hi, o.Lo), Cond: p.Cond}
		}
		return out
	}
	return nil
}

func extractRange(e *expr.Expr, hi, lo uint) *expr.Expr {
	if lo == 0 && hi+1 == e.Width() {
		return e
	}
	return expr.Extract(e, hi, lo)
}

// set writes a value-list to an operand, splicing partial bit-range writes
// against the operand's prior full value. (When the
// destination has a partial bit range, splice using Concat with the
// destination's preserved bits; for the dedicated 64-bit architecture,
// assignment to a 32-bit low half clears the upper half").
func (st *state) set(o Operand, vals []Pair) error {
	if len(vals) > MaxValueList {
		return ErrTooComplex
	}
	var key operandKey
	var natWidth uint
	if o.Kind == OperandReg {
		key = regKey(o.Reg)
		natWidth = st.a.Bits()
	} else {
		key = tmpKey(o.Tmp)
		natWidth = o.Hi + 1
	}

	full := o.Lo == 0 && o.Hi+1 >= natWidth
	zeroExtend32 := st.a.ID == arch.X64 && o.Kind == OperandReg && o.Lo == 0 && o.Hi == 31

	if full || zeroExtend32 {
		spliced := make([]Pair, len(vals))
		for i, p := range vals {
			if zeroExtend32 {
				spliced[i] = Pair{Expr: expr.Concat(expr.Cst(0, 32), p.Expr), Cond: p.Cond}
			} else {
				spliced[i] = p
			}
		}
		st.vals[key] = spliced
		return nil
	}

	prior := st.get(Operand{Kind: o.Kind, Reg: o.Reg, Tmp: o.Tmp, Hi: natWidth - 1, Lo: 0})
	out := make([]Pair, 0, len(prior)*len(vals))
	for _, pr := range prior {
		for _, v := range vals {
			g := cond.And(pr.Cond, v.Cond)
			if cond.Eval(g) == cond.VFalse {
				continue
			}
			merged := spliceBits(pr.Expr, v.Expr, o.Hi, o.Lo)
			out = append(out, Pair{Expr: merged, Cond: g})
		}
	}
	if len(out) > MaxValueList {
		return ErrTooComplex
	}
	st.vals[key] = out
	return nil
}

// spliceBits rebuilds the full-width value: [old_hi_bits | new | old_lo_bits].
func spliceBits(old, new_ *expr.Expr, hi, lo uint) *expr.Expr {
	width := old.Width()
	var parts []*expr.Expr
	if hi+1 < width {
		parts = append(parts, expr.Extract(old, width-1, hi+1))
	}
	parts = append(parts, new_)
	if lo > 0 {
		parts = append(parts, expr.Extract(old, lo-1, 0))
	}
	acc := parts[0]
	for _, p := range parts[1:] {
		acc = expr.Concat(acc, p)
	}
	return acc
}

func (st *state) step(in Instr) error {
	switch in.Op {
	case OpNOP:
		return nil
	case OpMOV:
		return st.set(in.Dst, st.get(in.Src1))
	case OpUNKNOWN:
		return st.set(in.Dst, []Pair{{Expr: expr.Unknown(in.Dst.Width()), Cond: cond.True()}})
	case OpLDM:
		return st.execLoad(in)
	case OpSTM:
		return st.execStore(in)
	default:
		return st.execArith(in)
	}
}

var binopOf = map[Op]expr.BinOp{
	OpADD: expr.ADD, OpSUB: expr.SUB, OpMUL: expr.MUL, OpDIV: expr.DIV, OpMOD: expr.MOD,
	OpAND: expr.AND, OpOR: expr.OR, OpXOR: expr.XOR, OpSHL: expr.SHL, OpSHR: expr.SHR,
}

// execArith forms the cross product of the two sources' value lists,
// applying the operation symbolically to every (lhs, rhs) pair.
func (st *state) execArith(in Instr) error {
	op, ok := binopOf[in.Op]
	if !ok {
		return nil
	}
	lhs := st.get(in.Src1)
	rhs := st.get(in.Src2)
	out := make([]Pair, 0, len(lhs)*len(rhs))
	for _, l := range lhs {
		for _, r := range rhs {
			g := cond.And(l.Cond, r.Cond)
			if cond.Eval(g) == cond.VFalse {
				continue
			}
			out = append(out, Pair{Expr: expr.Binop(op, l.Expr, r.Expr), Cond: g})
		}
	}
	return st.set(in.Dst, out)
}

// execLoad implements the LDM rule: for each (a,g) in the
// address's value-list, walk the store history in reverse, emit one pair
// per address-equal store, plus a fallback pair guarded by disjointness
// from every prior store.
func (st *state) execLoad(in Instr) error {
	addrs := st.get(in.Src1)
	width := in.Dst.Width()
	var out []Pair

	for _, a := range addrs {
		disjointFromAll := cond.True()
		for i := len(st.stores) - 1; i >= 0; i-- {
			s := st.stores[i]
			eq := cond.Simplify(cond.Eq(a.Expr, s.Addr))
			if eq.Kind() != cond.KFalse {
				for _, v := range s.Vals {
					g := cond.And(cond.And(a.Cond, v.Cond), eq)
					if cond.Eval(g) == cond.VFalse {
						continue
					}
					out = append(out, Pair{Expr: truncOrExtend(v.Expr, width), Cond: g})
				}
			}
			disjointFromAll = cond.And(disjointFromAll, Disjoint(a.Expr, width/8, s.Addr, storeWidth(s)/8))
		}
		fallback := cond.And(a.Cond, disjointFromAll)
		if cond.Eval(fallback) != cond.VFalse {
			out = append(out, Pair{Expr: expr.Mem(a.Expr, width), Cond: fallback})
		}
	}
	if len(out) > MaxValueList {
		return ErrTooComplex
	}
	return st.set(in.Dst, out)
}

func storeWidth(s MemStore) uint {
	if len(s.Vals) == 0 {
		return 8
	}
	return s.Vals[0].Expr.Width()
}

func truncOrExtend(e *expr.Expr, width uint) *expr.Expr {
	if e.Width() == width {
		return e
	}
	if e.Width() > width {
		return expr.Extract(e, width-1, 0)
	}
	return expr.Concat(expr.Cst(0, width-e.Width()), e)
}

// execStore implements the STM rule: push a new store; for
// every prior pending store, conjoin a "not overwritten by this new
// store" clause to each of its pairs; clamp at NB_MEM_MAX.
func (st *state) execStore(in Instr) error {
	if len(st.stores) >= NBMemMax {
		return ErrTooComplex
	}
	addr := st.get(in.Dst)
	val := st.get(in.Src1)

	// STM is modeled with a single address expression per store;
	// collapse a multi-valued address by requiring it resolve to exactly
	// one symbolic address (true for every gadget our lifter emits: store
	// addresses are always a single register+offset expression). A
	// genuinely multi-valued address degrades the whole block to
	// too-complex rather than silently picking one branch.
	if len(addr) != 1 {
		return ErrTooComplex
	}
	newAddr := addr[0].Expr

	for i := range st.stores {
		notOverwritten := cond.Not(cond.Eq(newAddr, st.stores[i].Addr))
		for j := range st.stores[i].Vals {
			st.stores[i].Vals[j].Cond = cond.Simplify(cond.And(st.stores[i].Vals[j].Cond, notOverwritten))
		}
	}

	guardedVal := make([]Pair, 0, len(val))
	for _, v := range val {
		g := cond.And(addr[0].Cond, v.Cond)
		if cond.Eval(g) == cond.VFalse {
			continue
		}
		guardedVal = append(guardedVal, Pair{Expr: v.Expr, Cond: g})
	}

	st.stores = append(st.stores, MemStore{Addr: newAddr, Vals: guardedVal})
	return nil
}

// Disjoint reports, as a three-valued condition, whether a [addrA,
// addrA+szA) byte range cannot overlap a [addrB, addrB+szB) byte range:
// the read range and the write range don't overlap, expressed as two
// inequalities on the polynomial form. Addresses that aren't affine in
// the same registers collapse to Unknown — sound, but conservatively
// restricts load reuse.
func Disjoint(addrA *expr.Expr, szA uint, addrB *expr.Expr, szB uint) *cond.Cond {
	if _, oka := expr.AsPolynomial(addrA); !oka {
		return cond.UnknownC()
	}
	if _, okb := expr.AsPolynomial(addrB); !okb {
		return cond.UnknownC()
	}
	width := addrA.Width()
	aEndLeB := cond.Le(expr.Binop(expr.ADD, addrA, expr.Cst(uint64(szA), width)), addrB)
	bEndLeA := cond.Le(expr.Binop(expr.ADD, addrB, expr.Cst(uint64(szB), width)), addrA)
	return cond.Simplify(cond.Or(aEndLeB, bEndLeA))
}
