// Package ir implements the three-address IR and symbolic executor: a
// Block is a finite ordered list of three-address instructions, and
// Execute maps a Block to a Semantics value (register/memory post-state
// as a function of pre-state).
package ir

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
)

// Resource limits: a block may have at most NBInstrMax instructions,
// NBTmpMax temporaries, and NBMemMax stores. MaxValueList caps the
// per-operand disjoint-pair count the symbolic executor will track before
// giving up (an empirical upper bound around 30 pairs).
const (
	NBInstrMax   = 64
	NBTmpMax     = 32
	NBMemMax     = 16
	MaxValueList = 30
)

// Op enumerates the IR's three-address operations.
type Op uint8

const (
	OpADD Op = iota
	OpSUB
	OpMUL
	OpDIV
	OpMOD
	OpAND
	OpOR
	OpXOR
	OpSHL
	OpSHR
	OpLDM     // load memory into dst from address src1, width = dst's
	OpSTM     // store src1 at address dst
	OpMOV     // copy/assign src1 into dst
	OpNOP
	OpUNKNOWN // taint sink: dst becomes Unknown
)

func (o Op) String() string {
	names := [...]string{"ADD", "SUB", "MUL", "DIV", "MOD", "AND", "OR", "XOR", "SHL", "SHR", "LDM", "STM", "MOV", "NOP", "UNKNOWN"}
	if int(o) < len(names) {
		return names[o]
	}
	return "?"
}

// OperandKind discriminates an Operand's variant.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandCst
	OperandReg
	OperandTmp
)

// Operand is one IR instruction operand: a constant, a numbered machine
// register (with bit range), a numbered temporary (ditto), or empty.
type Operand struct {
	Kind  OperandKind
	Cst   uint64
	Reg   arch.Reg
	Tmp   int
	Hi    uint // inclusive bit range within the operand's underlying
	Lo    uint // register/temporary (full range by default)
}

// Width returns the operand's bit width (Hi-Lo+1), or 0 for OperandNone.
func (o Operand) Width() uint {
	if o.Kind == OperandNone {
		return 0
	}
	return o.Hi - o.Lo + 1
}

// FullReg builds a register operand spanning bits [width-1:0].
func FullReg(r arch.Reg, width uint) Operand {
	return Operand{Kind: OperandReg, Reg: r, Hi: width - 1, Lo: 0}
}

// RangeReg builds a register operand over an explicit sub-range, e.g. the
// 32-bit low half of a 64-bit register.
func RangeReg(r arch.Reg, hi, lo uint) Operand {
	return Operand{Kind: OperandReg, Reg: r, Hi: hi, Lo: lo}
}

// FullTmp builds a temporary operand spanning bits [width-1:0].
func FullTmp(idx int, width uint) Operand {
	return Operand{Kind: OperandTmp, Tmp: idx, Hi: width - 1, Lo: 0}
}

// Const builds an immediate operand.
func Const(v uint64, width uint) Operand {
	return Operand{Kind: OperandCst, Cst: v, Hi: width - 1, Lo: 0}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandNone:
		return "-"
	case OperandCst:
		return fmt.Sprintf("0x%x:%d", o.Cst, o.Width())
	case OperandReg:
		return fmt.Sprintf("r%d[%d:%d]", o.Reg, o.Hi, o.Lo)
	case OperandTmp:
		return fmt.Sprintf("t%d[%d:%d]", o.Tmp, o.Hi, o.Lo)
	}
	return "?"
}

// Instr is one three-address IR instruction: `op dst, src1, src2`.
type Instr struct {
	Op   Op
	Dst  Operand
	Src1 Operand
	Src2 Operand
}

func (i Instr) String() string {
	return fmt.Sprintf("%s %s, %s, %s", i.Op, i.Dst, i.Src1, i.Src2)
}

// Block is a finite ordered list of IR instructions.
type Block struct {
	Instrs  []Instr
	NumTmps int
}

// Validate checks the block against the resource limits above.
func (b *Block) Validate() error {
	if len(b.Instrs) > NBInstrMax {
		return fmt.Errorf("ir: block has %d instructions, exceeds NB_INSTR_MAX=%d", len(b.Instrs), NBInstrMax)
	}
	if b.NumTmps > NBTmpMax {
		return fmt.Errorf("ir: block uses %d temporaries, exceeds NB_TMP_MAX=%d", b.NumTmps, NBTmpMax)
	}
	nmem := 0
	for _, in := range b.Instrs {
		if in.Op == OpSTM {
			nmem++
		}
	}
	if nmem > NBMemMax {
		return fmt.Errorf("ir: block has %d stores, exceeds NB_MEM_MAX=%d", nmem, NBMemMax)
	}
	return nil
}
