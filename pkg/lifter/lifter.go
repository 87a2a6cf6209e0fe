// Package lifter implements the per-architecture instruction lifter:
// translating pkg/decode.Instruction values into ir.Block fragments with
// flag-accurate semantics, via a big opcode-switch dispatch style
// generalised from an 8-bit ALU+flags model to x86/x64's wider operands
// and CF/OF/AF/PF/SF/ZF flag set.
package lifter

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/decode"
	"github.com/ropium-go/ropium/pkg/ir"
)

// ErrUnsupportedMnemonic reports a decoded instruction the lifter has no
// translation rule for; this fails the whole block.
type ErrUnsupportedMnemonic struct {
	Mnemonic decode.Mnemonic
}

func (e *ErrUnsupportedMnemonic) Error() string {
	return fmt.Sprintf("lifter: no translation rule for %s", e.Mnemonic)
}

// builder accumulates IR instructions and hands out fresh temporaries,
// over an append-only IR block instead of in-place register fields.
type builder struct {
	a      *arch.Arch
	instrs []ir.Instr
	ntmp   int
}

func (b *builder) emit(op ir.Op, dst, s1, s2 ir.Operand) {
	b.instrs = append(b.instrs, ir.Instr{Op: op, Dst: dst, Src1: s1, Src2: s2})
}

func (b *builder) newTmp(width uint) ir.Operand {
	t := ir.FullTmp(b.ntmp, width)
	b.ntmp++
	return t
}

func (b *builder) reg(r arch.Reg) ir.Operand  { return ir.FullReg(r, b.a.Bits()) }
func (b *builder) regW(r arch.Reg, w uint) ir.Operand {
	if w == b.a.Bits() {
		return ir.FullReg(r, w)
	}
	return ir.RangeReg(r, w-1, 0)
}
func (b *builder) cst(v uint64, w uint) ir.Operand { return ir.Const(v, w) }

// Lift translates one decoded instruction into IR, appending to block.
// LiftBlock is the entry point gadget analysis calls; this is exported
// separately so tests can exercise single-instruction translation.
func Lift(in decode.Instruction, a *arch.Arch) (*ir.Block, error) {
	b := &builder{a: a}
	if err := b.lift(in); err != nil {
		return nil, err
	}
	return &ir.Block{Instrs: b.instrs, NumTmps: b.ntmp}, nil
}

// LiftBlock decodes and lifts a contiguous run of machine instructions,
// stopping at the first branch/call/return/interrupt/syscall instruction.
// code must start exactly at the gadget's entry byte.
func LiftBlock(code []byte, a *arch.Arch) (*ir.Block, error) {
	b := &builder{a: a}
	off := 0
	for off < len(code) {
		d, err := decode.Decode(code[off:], a)
		if err != nil {
			return nil, err
		}
		if err := b.lift(d); err != nil {
			return nil, err
		}
		off += d.Len
		if IsTerminator(d.Mnemonic) {
			break
		}
	}
	if len(b.instrs) == 0 {
		return nil, fmt.Errorf("lifter: empty code fragment")
	}
	return &ir.Block{Instrs: b.instrs, NumTmps: b.ntmp}, nil
}

// CountMachineInstrs decodes code the same way LiftBlock does, stopping at
// the first block terminator, and reports how many machine instructions
// that run contains without building any IR.
func CountMachineInstrs(code []byte, a *arch.Arch) (int, error) {
	n := 0
	off := 0
	for off < len(code) {
		d, err := decode.Decode(code[off:], a)
		if err != nil {
			return 0, err
		}
		n++
		off += d.Len
		if IsTerminator(d.Mnemonic) {
			break
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("lifter: empty code fragment")
	}
	return n, nil
}

// IsTerminator reports whether m ends a gadget's lifted block.
func IsTerminator(m decode.Mnemonic) bool {
	switch m {
	case decode.MRET, decode.MCALL, decode.MJMP, decode.MSYSCALL, decode.MINT80:
		return true
	}
	return false
}

func (b *builder) lift(in decode.Instruction) error {
	w := in.Width
	if w == 0 {
		w = b.a.Bits()
	}
	switch in.Mnemonic {
	case decode.MNOP:
		b.emit(ir.OpNOP, ir.Operand{}, ir.Operand{}, ir.Operand{})
		return nil

	case decode.MPOP:
		return b.liftPop(in, w)

	case decode.MPUSH:
		return b.liftPush(in, w)

	case decode.MRET:
		return b.liftRet()

	case decode.MMOVRegReg:
		b.emit(ir.OpMOV, b.regW(in.Dst, w), b.regW(in.Src, w), ir.Operand{})
		return nil

	case decode.MMOVRegImm:
		b.emit(ir.OpMOV, b.regW(in.Dst, w), b.cst(in.Imm, w), ir.Operand{})
		return nil

	case decode.MMOVRegMem:
		return b.liftLoad(in, w)

	case decode.MMOVMemReg:
		return b.liftStore(in, w)

	case decode.MLEA:
		addr := b.addrOf(in.Src, in.Disp, w)
		b.emit(ir.OpMOV, b.regW(in.Dst, w), addr, ir.Operand{})
		return nil

	case decode.MINC:
		return b.liftIncDec(in, w, true)

	case decode.MDEC:
		return b.liftIncDec(in, w, false)

	case decode.MArithRegReg:
		return b.liftArith(in.Arith, b.regW(in.Dst, w), b.regW(in.Src, w), w)

	case decode.MArithRegImm:
		return b.liftArith(in.Arith, b.regW(in.Dst, w), b.cst(in.Imm, w), w)

	case decode.MCALL:
		return b.liftCall(in, w)

	case decode.MJMP:
		return b.liftJmp(in, w)

	case decode.MSYSCALL:
		b.emit(ir.OpMOV, b.reg(b.a.IP), b.cst(SyscallSentinel, b.a.Bits()), ir.Operand{})
		return nil

	case decode.MINT80:
		b.emit(ir.OpMOV, b.reg(b.a.IP), b.cst(Int80Sentinel, b.a.Bits()), ir.Operand{})
		return nil
	}
	return &ErrUnsupportedMnemonic{Mnemonic: in.Mnemonic}
}

// SyscallSentinel and Int80Sentinel are out-of-band IP values the gadget
// analyser's branch classifier (pkg/gadget) recognises directly: there is
// no real address a SYSCALL/INT80 instruction jumps to, so the lifter
// marks it with a reserved constant rather than modelling it as a memory
// or register branch.
const (
	SyscallSentinel = ^uint64(0)
	Int80Sentinel   = ^uint64(0) - 1
)

func (b *builder) addrOf(base arch.Reg, disp int64, w uint) ir.Operand {
	if disp == 0 {
		return b.regW(base, w)
	}
	t := b.newTmp(w)
	var immOp ir.Operand
	if disp < 0 {
		immOp = b.cst(uint64(int64(-disp)), w)
		b.emit(ir.OpSUB, t, b.regW(base, w), immOp)
	} else {
		immOp = b.cst(uint64(disp), w)
		b.emit(ir.OpADD, t, b.regW(base, w), immOp)
	}
	return t
}

func (b *builder) liftPop(in decode.Instruction, w uint) error {
	sp := b.a.SP
	val := b.newTmp(w)
	b.emit(ir.OpLDM, val, b.regW(sp, w), ir.Operand{})
	b.emit(ir.OpMOV, b.regW(in.Dst, w), val, ir.Operand{})
	newSP := b.newTmp(w)
	b.emit(ir.OpADD, newSP, b.regW(sp, w), b.cst(w/8, w))
	b.emit(ir.OpMOV, b.regW(sp, w), newSP, ir.Operand{})
	return nil
}

func (b *builder) liftPush(in decode.Instruction, w uint) error {
	sp := b.a.SP
	newSP := b.newTmp(w)
	b.emit(ir.OpSUB, newSP, b.regW(sp, w), b.cst(w/8, w))
	b.emit(ir.OpMOV, b.regW(sp, w), newSP, ir.Operand{})
	b.emit(ir.OpSTM, b.regW(sp, w), b.regW(in.Src, w), ir.Operand{})
	return nil
}

func (b *builder) liftRet() error {
	w := b.a.Bits()
	sp := b.a.SP
	target := b.newTmp(w)
	b.emit(ir.OpLDM, target, b.regW(sp, w), ir.Operand{})
	b.emit(ir.OpMOV, b.reg(b.a.IP), target, ir.Operand{})
	newSP := b.newTmp(w)
	b.emit(ir.OpADD, newSP, b.regW(sp, w), b.cst(w/8, w))
	b.emit(ir.OpMOV, b.regW(sp, w), newSP, ir.Operand{})
	return nil
}

func (b *builder) liftLoad(in decode.Instruction, w uint) error {
	addr := b.addrOf(in.Src, in.Disp, w)
	val := b.newTmp(w)
	b.emit(ir.OpLDM, val, addr, ir.Operand{})
	b.emit(ir.OpMOV, b.regW(in.Dst, w), val, ir.Operand{})
	return nil
}

func (b *builder) liftStore(in decode.Instruction, w uint) error {
	addr := b.addrOf(in.Dst, in.Disp, w)
	b.emit(ir.OpSTM, addr, b.regW(in.Src, w), ir.Operand{})
	return nil
}

func (b *builder) liftIncDec(in decode.Instruction, w uint, inc bool) error {
	op := ir.OpADD
	if !inc {
		op = ir.OpSUB
	}
	result := b.newTmp(w)
	b.emit(op, result, b.regW(in.Dst, w), b.cst(1, w))
	b.liftArithFlags(result, b.regW(in.Dst, w), b.cst(1, w), w, inc, false)
	b.emit(ir.OpMOV, b.regW(in.Dst, w), result, ir.Operand{})
	return nil
}

func (b *builder) liftCall(in decode.Instruction, w uint) error {
	sp := b.a.SP
	newSP := b.newTmp(w)
	b.emit(ir.OpSUB, newSP, b.regW(sp, w), b.cst(w/8, w))
	b.emit(ir.OpMOV, b.regW(sp, w), newSP, ir.Operand{})
	// The return address pushed is unknown here (it depends on the
	// instruction's own address, which the lifter does not see), so the
	// pushed value is tainted rather than fabricated.
	b.emit(ir.OpUNKNOWN, b.newTmp(w), ir.Operand{}, ir.Operand{})
	if in.Src != arch.RegNone {
		b.emit(ir.OpMOV, b.reg(b.a.IP), b.regW(in.Src, w), ir.Operand{})
	} else {
		// Direct call: the absolute target depends on this instruction's
		// own address, which the lifter never sees.
		b.emit(ir.OpUNKNOWN, b.reg(b.a.IP), ir.Operand{}, ir.Operand{})
	}
	return nil
}

func (b *builder) liftJmp(in decode.Instruction, w uint) error {
	if in.Src != arch.RegNone {
		b.emit(ir.OpMOV, b.reg(b.a.IP), b.regW(in.Src, w), ir.Operand{})
	} else {
		b.emit(ir.OpUNKNOWN, b.reg(b.a.IP), ir.Operand{}, ir.Operand{})
	}
	return nil
}

func (b *builder) liftArith(op decode.ArithOp, dst, src ir.Operand, w uint) error {
	var irop ir.Op
	switch op {
	case decode.AAdd, decode.ACmp:
		irop = ir.OpADD
	case decode.ASub:
		irop = ir.OpSUB
	case decode.AAnd:
		irop = ir.OpAND
	case decode.AOr:
		irop = ir.OpOR
	case decode.AXor:
		irop = ir.OpXOR
	default:
		return fmt.Errorf("lifter: unknown ALU op %d", op)
	}
	isSub := op == decode.ASub || op == decode.ACmp
	if isSub {
		irop = ir.OpSUB
	}
	result := b.newTmp(w)
	b.emit(irop, result, dst, src)
	b.liftArithFlags(result, dst, src, w, !isSub, isSub)
	if op != decode.ACmp {
		b.emit(ir.OpMOV, dst, result, ir.Operand{})
	}
	return nil
}

// Flag bit positions within the combined flags register, matching the
// real EFLAGS layout so the gadget analyser's bad-byte/keep-register
// reasoning over RegFlags (on the rare gadget that cares) lines up with
// familiar constant masks.
const (
	bitCF = 0
	bitPF = 2
	bitAF = 4
	bitZF = 6
	bitSF = 7
	bitOF = 11
)

// liftArithFlags computes ZF/SF/PF/CF/OF/AF for an ADD/SUB-family result
// and packs them into arch.RegFlags. Every flag here is derived with
// closed-form bitwise identities operating at the operation's own width,
// rather than needing a wider intermediate type the IR has no operator to
// build.
func (b *builder) liftArithFlags(result, lhs, rhs ir.Operand, w uint, isAdd, isSub bool) {
	zf := b.zeroFlag(result, w)
	sf := b.bitAt(result, w-1, w)
	pf := b.parityOfLowByte(result, w)

	var cf, of ir.Operand
	switch {
	case isAdd:
		gen := b.carryGenerate(lhs, rhs, result, w)
		cf = b.bitAt(gen, w-1, w)
		of = b.signOverflow(lhs, rhs, result, w, true)
	case isSub:
		gen := b.borrowGenerate(lhs, rhs, result, w)
		cf = b.bitAt(gen, w-1, w)
		of = b.signOverflow(lhs, rhs, result, w, false)
	default:
		cf = b.cst(0, w)
		of = b.cst(0, w)
	}
	var af ir.Operand
	if isAdd {
		af = b.bitAt(b.carryGenerate(lhs, rhs, result, w), 3, w)
	} else {
		af = b.bitAt(b.borrowGenerate(lhs, rhs, result, w), 3, w)
	}

	packed := b.shiftInto(zf, bitZF, w)
	packed = b.orInto(packed, b.shiftInto(sf, bitSF, w), w)
	packed = b.orInto(packed, b.shiftInto(pf, bitPF, w), w)
	packed = b.orInto(packed, b.shiftInto(cf, bitCF, w), w)
	packed = b.orInto(packed, b.shiftInto(of, bitOF, w), w)
	packed = b.orInto(packed, b.shiftInto(af, bitAF, w), w)
	b.emit(ir.OpMOV, b.regW(b.a.FLAG, w), packed, ir.Operand{})
}

// bitAt extracts bit `pos` of v as a 0/1 value, still at width w.
func (b *builder) bitAt(v ir.Operand, pos uint, w uint) ir.Operand {
	shifted := b.newTmp(w)
	b.emit(ir.OpSHR, shifted, v, b.cst(uint64(pos), w))
	out := b.newTmp(w)
	b.emit(ir.OpAND, out, shifted, b.cst(1, w))
	return out
}

func (b *builder) shiftInto(v ir.Operand, pos uint, w uint) ir.Operand {
	if pos == 0 {
		return v
	}
	out := b.newTmp(w)
	b.emit(ir.OpSHL, out, v, b.cst(uint64(pos), w))
	return out
}

func (b *builder) orInto(a, bb ir.Operand, w uint) ir.Operand {
	out := b.newTmp(w)
	b.emit(ir.OpOR, out, a, bb)
	return out
}

// zeroFlag computes ZF = (v == 0) using the two's-complement identity
// MSB(v | -v) == 1 iff v != 0 (no comparison primitive needed).
func (b *builder) zeroFlag(v ir.Operand, w uint) ir.Operand {
	neg := b.newTmp(w)
	b.emit(ir.OpSUB, neg, b.cst(0, w), v)
	orred := b.newTmp(w)
	b.emit(ir.OpOR, orred, v, neg)
	notZero := b.bitAt(orred, w-1, w)
	zf := b.newTmp(w)
	b.emit(ir.OpXOR, zf, notZero, b.cst(1, w))
	return zf
}

func (b *builder) parityOfLowByte(v ir.Operand, w uint) ir.Operand {
	low := b.newTmp(w)
	b.emit(ir.OpAND, low, v, b.cst(0xff, w))
	acc := low
	for shift := uint64(1); shift < 8; shift <<= 1 {
		shifted := b.newTmp(w)
		b.emit(ir.OpSHR, shifted, acc, b.cst(shift, w))
		next := b.newTmp(w)
		b.emit(ir.OpXOR, next, acc, shifted)
		acc = next
	}
	parityOdd := b.newTmp(w)
	b.emit(ir.OpAND, parityOdd, acc, b.cst(1, w))
	pf := b.newTmp(w)
	b.emit(ir.OpXOR, pf, parityOdd, b.cst(1, w)) // PF is set when parity is EVEN
	return pf
}

// carryGenerate computes, for every bit i, whether the addition x+y=z
// carried out of bit i (Hacker's Delight 2-16): (x&y) | ((x|y) & ~z).
// CF is bit w-1 of this value; AF is bit 3.
func (b *builder) carryGenerate(x, y, z ir.Operand, w uint) ir.Operand {
	xy := b.newTmp(w)
	b.emit(ir.OpAND, xy, x, y)
	xory := b.newTmp(w)
	b.emit(ir.OpOR, xory, x, y)
	notZ := b.newTmp(w)
	b.emit(ir.OpXOR, notZ, z, b.cst(allOnes(w), w))
	rhs := b.newTmp(w)
	b.emit(ir.OpAND, rhs, xory, notZ)
	out := b.newTmp(w)
	b.emit(ir.OpOR, out, xy, rhs)
	return out
}

// borrowGenerate computes, for every bit i, whether x-y=z borrowed out of
// bit i: (~x&y) | ((~x|y) & z). CF is bit w-1; AF is bit 3.
func (b *builder) borrowGenerate(x, y, z ir.Operand, w uint) ir.Operand {
	notX := b.newTmp(w)
	b.emit(ir.OpXOR, notX, x, b.cst(allOnes(w), w))
	nxy := b.newTmp(w)
	b.emit(ir.OpAND, nxy, notX, y)
	nxory := b.newTmp(w)
	b.emit(ir.OpOR, nxory, notX, y)
	rhs := b.newTmp(w)
	b.emit(ir.OpAND, rhs, nxory, z)
	out := b.newTmp(w)
	b.emit(ir.OpOR, out, nxy, rhs)
	return out
}

// signOverflow computes OF: for ADD, set when both operands share a sign
// that differs from the result's; for SUB, set when the operands' signs
// differ and the result's sign differs from the minuend's.
func (b *builder) signOverflow(lhs, rhs, result ir.Operand, w uint, isAdd bool) ir.Operand {
	ls := b.bitAt(lhs, w-1, w)
	rs := b.bitAt(rhs, w-1, w)
	zs := b.bitAt(result, w-1, w)
	if isAdd {
		sameSign := b.newTmp(w)
		b.emit(ir.OpXOR, sameSign, ls, rs)
		notSameSign := b.newTmp(w)
		b.emit(ir.OpXOR, notSameSign, sameSign, b.cst(1, w))
		diffFromResult := b.newTmp(w)
		b.emit(ir.OpXOR, diffFromResult, ls, zs)
		out := b.newTmp(w)
		b.emit(ir.OpAND, out, notSameSign, diffFromResult)
		return out
	}
	diffSign := b.newTmp(w)
	b.emit(ir.OpXOR, diffSign, ls, rs)
	diffFromResult := b.newTmp(w)
	b.emit(ir.OpXOR, diffFromResult, ls, zs)
	out := b.newTmp(w)
	b.emit(ir.OpAND, out, diffSign, diffFromResult)
	return out
}

func allOnes(w uint) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}
