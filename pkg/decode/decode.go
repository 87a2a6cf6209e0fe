// Package decode implements a minimal real x86/x64 instruction decoder
// covering the opcode families gadget-sized code fragments actually use.
// An external disassembler supplies the candidate (address, bytes) pairs;
// this decoder turns those bytes into the compact Instruction values
// pkg/lifter consumes, modelled as a Go enum rather than raw byte tables.
package decode

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
)

// Mnemonic enumerates the decoder's supported instruction families.
type Mnemonic uint8

const (
	MNOP Mnemonic = iota
	MPOP
	MPUSH
	MRET
	MMOVRegReg
	MMOVRegMem // load: dst reg <- [src reg + disp]
	MMOVMemReg // store: [dst reg + disp] <- src reg
	MMOVRegImm
	MArithRegReg // ADD/SUB/AND/OR/XOR/CMP reg, reg
	MArithRegImm // ADD/SUB/AND/OR/XOR/CMP reg, imm
	MINC
	MDEC
	MLEA
	MCALL
	MJMP
	MSYSCALL
	MINT80
)

func (m Mnemonic) String() string {
	names := [...]string{
		"NOP", "POP", "PUSH", "RET", "MOV", "MOVLOAD", "MOVSTORE", "MOVIMM",
		"ARITH_RR", "ARITH_RI", "INC", "DEC", "LEA", "CALL", "JMP", "SYSCALL", "INT80",
	}
	if int(m) < len(names) {
		return names[m]
	}
	return "?"
}

// ArithOp names the ALU operation for MArithRegReg/MArithRegImm.
type ArithOp uint8

const (
	AAdd ArithOp = iota
	ASub
	AAnd
	AOr
	AXor
	ACmp
)

// Instruction is one decoded machine instruction.
type Instruction struct {
	Mnemonic Mnemonic
	Arith    ArithOp
	Len      int // encoded length in bytes
	Dst      arch.Reg
	Src      arch.Reg
	Disp     int64  // memory operand displacement
	Imm      uint64 // immediate operand
	Width    uint    // operand width in bits (32 or 64)
}

func (in Instruction) String() string {
	return fmt.Sprintf("%s len=%d dst=%d src=%d disp=%#x imm=%#x w=%d",
		in.Mnemonic, in.Len, in.Dst, in.Src, in.Disp, in.Imm, in.Width)
}

// ErrUnsupported reports an opcode byte sequence this decoder does not
// recognise. The caller (pkg/lifter) treats it as a block-lifting failure:
// if the underlying decoder fails, the entire block-lifting operation
// fails and the gadget is discarded.
type ErrUnsupported struct {
	Offset int
	Byte   byte
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("decode: unsupported opcode byte %#02x at offset %d", e.Byte, e.Offset)
}

// reg3 maps a 3-bit ModRM/opcode register field to an architectural
// register, honoring REX.B/REX.R extension for X64's r8-r15.
func reg3(field int, rex byte, extBit byte, a *arch.Arch) arch.Reg {
	idx := field
	if a.ID == arch.X64 && rex&extBit != 0 {
		idx += 8
	}
	return arch.Reg(idx)
}

const (
	rexW byte = 1 << 3
	rexR byte = 1 << 2
	rexX byte = 1 << 1
	rexB byte = 1 << 0
)

// Decode reads exactly one instruction starting at code[0]. It returns the
// instruction and its length; Len bytes must be consumed by the caller
// before decoding the next one.
func Decode(code []byte, a *arch.Arch) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, &ErrUnsupported{Offset: 0, Byte: 0}
	}

	off := 0
	var rex byte
	width := a.Bits()
	if a.ID == arch.X64 {
		if code[off] >= 0x40 && code[off] <= 0x4f {
			rex = code[off]
			off++
			if rex&rexW != 0 {
				width = 64
			} else {
				width = 32
			}
			if off >= len(code) {
				return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
			}
		}
	}

	op := code[off]
	start := off
	off++

	switch {
	case op == 0x90:
		return Instruction{Mnemonic: MNOP, Len: off}, nil

	case op == 0xC3:
		return Instruction{Mnemonic: MRET, Len: off}, nil

	case op >= 0x58 && op <= 0x5F:
		r := reg3(int(op-0x58), rex, rexB, a)
		return Instruction{Mnemonic: MPOP, Dst: r, Len: off, Width: width}, nil

	case op >= 0x50 && op <= 0x57:
		r := reg3(int(op-0x50), rex, rexB, a)
		return Instruction{Mnemonic: MPUSH, Src: r, Len: off, Width: width}, nil

	case op == 0x0F && off < len(code) && code[off] == 0x05:
		off++
		return Instruction{Mnemonic: MSYSCALL, Len: off}, nil

	case op == 0xCD && off < len(code) && code[off] == 0x80:
		off++
		return Instruction{Mnemonic: MINT80, Len: off}, nil

	case op >= 0x40 && op <= 0x47 && a.ID == arch.X86:
		r := arch.Reg(op - 0x40)
		return Instruction{Mnemonic: MINC, Dst: r, Src: r, Len: off, Width: width}, nil

	case op >= 0x48 && op <= 0x4F && a.ID == arch.X86:
		r := arch.Reg(op - 0x48)
		return Instruction{Mnemonic: MDEC, Dst: r, Src: r, Len: off, Width: width}, nil

	case op == 0xFF:
		if off >= len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		modrm := code[off]
		off++
		regField := int(modrm>>3) & 7
		rm, disp, n, err := decodeModRM(code[off:], modrm, rex, a)
		if err != nil {
			return Instruction{}, err
		}
		off += n
		mod := modrm >> 6
		switch regField {
		case 0: // INC r/m
			if mod == 3 {
				return Instruction{Mnemonic: MINC, Dst: rm, Src: rm, Len: off, Width: width}, nil
			}
		case 1: // DEC r/m
			if mod == 3 {
				return Instruction{Mnemonic: MDEC, Dst: rm, Src: rm, Len: off, Width: width}, nil
			}
		case 2: // CALL r/m
			if mod == 3 {
				return Instruction{Mnemonic: MCALL, Src: rm, Len: off, Width: width}, nil
			}
		case 4: // JMP r/m
			if mod == 3 {
				return Instruction{Mnemonic: MJMP, Src: rm, Len: off, Width: width}, nil
			}
		}
		_ = disp
		return Instruction{}, &ErrUnsupported{Offset: start, Byte: op}

	case op == 0x89: // MOV r/m, r  (store if mod!=3, reg-reg if mod==3)
		return decodeMOVModRM(code, off, rex, a, width, true)

	case op == 0x8B: // MOV r, r/m (load if mod!=3, reg-reg if mod==3)
		return decodeMOVModRM(code, off, rex, a, width, false)

	case op == 0x8D: // LEA r, [mem]
		if off >= len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		modrm := code[off]
		off++
		regField := int(modrm>>3) & 7
		dst := reg3(regField, rex, rexR, a)
		rm, disp, n, err := decodeModRM(code[off:], modrm, rex, a)
		if err != nil {
			return Instruction{}, err
		}
		off += n
		return Instruction{Mnemonic: MLEA, Dst: dst, Src: rm, Disp: disp, Len: off, Width: width}, nil

	case op >= 0xB8 && op <= 0xBF: // MOV r, imm32/imm64
		r := reg3(int(op-0xB8), rex, rexB, a)
		immWidth := uint(32)
		if a.ID == arch.X64 && rex&rexW != 0 {
			immWidth = 64
		}
		n := int(immWidth / 8)
		if off+n > len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		imm := leUint(code[off : off+n])
		off += n
		return Instruction{Mnemonic: MMOVRegImm, Dst: r, Imm: imm, Len: off, Width: width}, nil

	case op == 0x01 || op == 0x29 || op == 0x21 || op == 0x09 || op == 0x31 || op == 0x39:
		// ADD/SUB/AND/OR/XOR/CMP r/m, r
		return decodeArithModRM(code, off, op, rex, a, width)

	case op == 0x83:
		// group-1 ALU reg/mem, imm8 (sign-extended): ADD/OR/AND/SUB/XOR/CMP
		return decodeArithImm8(code, off, rex, a, width)

	case op == 0x05 || op == 0x2D || op == 0x25 || op == 0x0D || op == 0x35 || op == 0x3D:
		// ALU EAX/RAX, imm32
		arithOp := arithOpOfEaxImm(op)
		n := 4
		if off+n > len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		imm := leUint(code[off : off+n])
		off += n
		return Instruction{Mnemonic: MArithRegImm, Arith: arithOp, Dst: arch.RegA, Imm: imm, Len: off, Width: width}, nil

	case op == 0xE8: // CALL rel32
		if off+4 > len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		off += 4
		return Instruction{Mnemonic: MCALL, Src: arch.RegNone, Len: off, Width: width}, nil

	case op == 0xE9: // JMP rel32
		if off+4 > len(code) {
			return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
		}
		off += 4
		return Instruction{Mnemonic: MJMP, Src: arch.RegNone, Len: off, Width: width}, nil
	}

	return Instruction{}, &ErrUnsupported{Offset: start, Byte: op}
}

func arithOpOfEaxImm(op byte) ArithOp {
	switch op {
	case 0x05:
		return AAdd
	case 0x2D:
		return ASub
	case 0x25:
		return AAnd
	case 0x0D:
		return AOr
	case 0x35:
		return AXor
	case 0x3D:
		return ACmp
	}
	return AAdd
}

func decodeMOVModRM(code []byte, off int, rex byte, a *arch.Arch, width uint, storeDirection bool) (Instruction, error) {
	if off >= len(code) {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
	}
	start := off
	modrm := code[off]
	off++
	regField := int(modrm>>3) & 7
	reg := reg3(regField, rex, rexR, a)
	rm, disp, n, err := decodeModRM(code[off:], modrm, rex, a)
	if err != nil {
		return Instruction{}, err
	}
	off += n
	mod := modrm >> 6

	if mod == 3 {
		// register-register: honor the encoded direction.
		if storeDirection {
			return Instruction{Mnemonic: MMOVRegReg, Dst: rm, Src: reg, Len: off, Width: width}, nil
		}
		return Instruction{Mnemonic: MMOVRegReg, Dst: reg, Src: rm, Len: off, Width: width}, nil
	}
	if storeDirection {
		return Instruction{Mnemonic: MMOVMemReg, Dst: rm, Src: reg, Disp: disp, Len: off, Width: width}, nil
	}
	_ = start
	return Instruction{Mnemonic: MMOVRegMem, Dst: reg, Src: rm, Disp: disp, Len: off, Width: width}, nil
}

func decodeArithModRM(code []byte, off int, op byte, rex byte, a *arch.Arch, width uint) (Instruction, error) {
	arithOp := map[byte]ArithOp{0x01: AAdd, 0x29: ASub, 0x21: AAnd, 0x09: AOr, 0x31: AXor, 0x39: ACmp}[op]
	if off >= len(code) {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
	}
	modrm := code[off]
	off++
	regField := int(modrm>>3) & 7
	reg := reg3(regField, rex, rexR, a)
	rm, _, n, err := decodeModRM(code[off:], modrm, rex, a)
	if err != nil {
		return Instruction{}, err
	}
	off += n
	mod := modrm >> 6
	if mod != 3 {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: modrm}
	}
	return Instruction{Mnemonic: MArithRegReg, Arith: arithOp, Dst: rm, Src: reg, Len: off, Width: width}, nil
}

func decodeArithImm8(code []byte, off int, rex byte, a *arch.Arch, width uint) (Instruction, error) {
	if off >= len(code) {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
	}
	modrm := code[off]
	off++
	regField := int(modrm>>3) & 7
	arithOp := [...]ArithOp{AAdd, AOr, AAdd /* ADC unsupported, treat as ADD */, ASub, /* SBB */ ASub, AAnd, ASub, AXor, ACmp}[regField%8]
	rm, _, n, err := decodeModRM(code[off:], modrm, rex, a)
	if err != nil {
		return Instruction{}, err
	}
	off += n
	mod := modrm >> 6
	if mod != 3 {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: modrm}
	}
	if off >= len(code) {
		return Instruction{}, &ErrUnsupported{Offset: off, Byte: 0}
	}
	imm8 := int8(code[off])
	off++
	return Instruction{Mnemonic: MArithRegImm, Arith: arithOp, Dst: rm, Imm: uint64(int64(imm8)), Len: off, Width: width}, nil
}

// decodeModRM reads a ModRM byte's r/m operand (already consumed by the
// caller) plus any SIB/displacement bytes. It only supports the register
// and register-indirect-with-disp8/32 addressing forms gadgets commonly
// compile to; RIP-relative and SIB-scaled forms are out of scope.
func decodeModRM(rest []byte, modrm byte, rex byte, a *arch.Arch) (rm arch.Reg, disp int64, consumed int, err error) {
	mod := modrm >> 6
	rmField := int(modrm & 7)
	r := reg3(rmField, rex, rexB, a)

	if mod == 3 {
		return r, 0, 0, nil
	}
	if rmField == 4 {
		// SIB byte present; only the base-register-only form (no index) is supported.
		if len(rest) < 1 {
			return 0, 0, 0, &ErrUnsupported{Offset: 0, Byte: 0}
		}
		sib := rest[0]
		consumed++
		index := int(sib>>3) & 7
		base := int(sib & 7)
		if index != 4 {
			return 0, 0, 0, &ErrUnsupported{Offset: 0, Byte: sib}
		}
		r = reg3(base, rex, rexB, a)
		rest = rest[1:]
	}
	switch mod {
	case 0:
		if rmField == 5 {
			// disp32, no base (RIP-relative on X64) — unsupported.
			return 0, 0, 0, &ErrUnsupported{Offset: 0, Byte: modrm}
		}
		return r, 0, consumed, nil
	case 1:
		if len(rest) < 1 {
			return 0, 0, 0, &ErrUnsupported{Offset: 0, Byte: 0}
		}
		return r, int64(int8(rest[0])), consumed + 1, nil
	case 2:
		if len(rest) < 4 {
			return 0, 0, 0, &ErrUnsupported{Offset: 0, Byte: 0}
		}
		return r, int64(int32(leUint(rest[:4]))), consumed + 4, nil
	}
	return r, 0, consumed, nil
}

func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
