// Package il implements the textual front-end (L6): parsing a small
// register-transfer language into an instruction list the strategy engine
// can build seed graphs from. One Instr per non-comment, non-blank source
// line; the parser never evaluates anything, it only recognises grammar
// and resolves register names, so every instruction is exactly as written.
package il

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
)

// Kind discriminates the Instr sum type. Each kind's field usage mirrors
// the gadget database's index keys one-for-one (MovCst <-> db.MovCstKey,
// Load <-> db.LoadKey, ...), since that's exactly the shape a strategy
// graph's root node needs to hand to a database lookup.
type Kind uint8

const (
	KMovCst      Kind = iota // Dst = Cst
	KMovReg                  // Dst = Src
	KArithCst                // Dst = Src Op Cst (Src == Dst for the compound "Dst op= Cst" spelling)
	KArithReg                // Dst = Src Op Src2
	KLoad                    // Dst = [AddrReg + Offset]
	KALoad                   // Dst Op= [AddrReg + Offset]
	KStore                   // [AddrReg + Offset] = Src
	KAStore                  // [AddrReg + Offset] Op= Src
	KStoreAbsCst             // [Addr] = Cst
	KStoreAbsReg             // [Addr] = Src
	KStoreAbsBytes           // [Addr] = "literal string bytes"
	KJmp                     // jmp Reg
	KCall                    // Name(Args...)
	KSyscall                 // syscall Name(Args...)
	KInt80                   // int80 Name(Args...)
)

func (k Kind) String() string {
	names := [...]string{
		"MovCst", "MovReg", "ArithCst", "ArithReg", "Load", "ALoad",
		"Store", "AStore", "StoreAbsCst", "StoreAbsReg", "StoreAbsBytes",
		"Jmp", "Call", "Syscall", "Int80",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "?"
}

// ArgKind discriminates a call-style argument's payload.
type ArgKind uint8

const (
	ArgCst ArgKind = iota
	ArgReg
	ArgString
)

// Arg is one argument to a Call/Syscall/Int80 instruction.
type Arg struct {
	Kind  ArgKind
	Cst   int64
	Reg   arch.Reg
	Bytes []byte
}

func (a Arg) String() string {
	switch a.Kind {
	case ArgCst:
		return fmt.Sprintf("0x%x", a.Cst)
	case ArgReg:
		return fmt.Sprintf("reg(%d)", a.Reg)
	case ArgString:
		return fmt.Sprintf("%q", a.Bytes)
	}
	return "?"
}

// Instr is one parsed IL instruction. Only the fields relevant to Kind are
// meaningful, the same convention pkg/expr.Expr and pkg/ir.Instr use.
type Instr struct {
	Kind Kind
	Line int // 1-based source line, for diagnostics and for chain-comment carry-through
	Comment string

	Dst, Src, Src2, AddrReg, Reg arch.Reg
	Op                           expr.BinOp
	Cst, Offset, Addr            int64
	Bytes                        []byte
	Name                         string
	Args                         []Arg
}

func (in *Instr) String() string {
	switch in.Kind {
	case KMovCst:
		return fmt.Sprintf("reg(%d) = 0x%x", in.Dst, in.Cst)
	case KMovReg:
		return fmt.Sprintf("reg(%d) = reg(%d)", in.Dst, in.Src)
	case KArithCst:
		return fmt.Sprintf("reg(%d) = reg(%d) %s 0x%x", in.Dst, in.Src, in.Op, in.Cst)
	case KArithReg:
		return fmt.Sprintf("reg(%d) = reg(%d) %s reg(%d)", in.Dst, in.Src, in.Op, in.Src2)
	case KLoad:
		return fmt.Sprintf("reg(%d) = [reg(%d) + 0x%x]", in.Dst, in.AddrReg, in.Offset)
	case KALoad:
		return fmt.Sprintf("reg(%d) %s= [reg(%d) + 0x%x]", in.Dst, in.Op, in.AddrReg, in.Offset)
	case KStore:
		return fmt.Sprintf("[reg(%d) + 0x%x] = reg(%d)", in.AddrReg, in.Offset, in.Src)
	case KAStore:
		return fmt.Sprintf("[reg(%d) + 0x%x] %s= reg(%d)", in.AddrReg, in.Offset, in.Op, in.Src)
	case KStoreAbsCst:
		return fmt.Sprintf("[0x%x] = 0x%x", in.Addr, in.Cst)
	case KStoreAbsReg:
		return fmt.Sprintf("[0x%x] = reg(%d)", in.Addr, in.Src)
	case KStoreAbsBytes:
		return fmt.Sprintf("[0x%x] = %q", in.Addr, in.Bytes)
	case KJmp:
		return fmt.Sprintf("jmp reg(%d)", in.Reg)
	case KCall, KSyscall, KInt80:
		prefix := ""
		if in.Kind == KSyscall {
			prefix = "syscall "
		} else if in.Kind == KInt80 {
			prefix = "int80 "
		}
		return fmt.Sprintf("%s%s(%v)", prefix, in.Name, in.Args)
	}
	return "?"
}
