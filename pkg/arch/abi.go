package arch

import "fmt"

// ErrUnsupportedABI reports a calling convention this compiler
// deliberately refuses to lower: X86Fastcall, X86ThiscallGCC and
// X86ThiscallMS differ enough in their register assignment across
// compilers that guessing one would silently produce a chain that
// doesn't match the target binary's actual convention, rather than a
// loud rejection a caller can act on.
type ErrUnsupportedABI struct {
	ABI ABI
}

func (e *ErrUnsupportedABI) Error() string {
	return fmt.Sprintf("arch: unsupported ABI %d", int(e.ABI))
}

// CheckABI reports an *ErrUnsupportedABI for a calling convention ArgRegs
// cannot lower, nil otherwise. Callers building a function-call chain
// must check this before consulting ArgRegs.
func CheckABI(abi ABI) error {
	switch abi {
	case X86Fastcall, X86ThiscallGCC, X86ThiscallMS:
		return &ErrUnsupportedABI{ABI: abi}
	}
	return nil
}

// ArgRegs returns the registers an ABI passes the first len(regs)
// arguments in, in order. Arguments beyond that count go on the stack,
// above the return address, in the same order. X86Cdecl and X86Stdcall
// pass everything on the stack (ArgRegs returns nil); they differ only in
// who pops the arguments afterward, which this compiler's stack-layout
// model has no need to distinguish since it never returns control past
// the called function. Callers must consult CheckABI first: ArgRegs
// itself has no way to distinguish "stack-only by convention" from "this
// ABI was never given a register assignment."
func ArgRegs(abi ABI) []Reg {
	switch abi {
	case X64SystemV:
		return []Reg{RegDI, RegSI, RegD, RegC, RegR8, RegR9}
	case X64MS:
		return []Reg{RegC, RegD, RegR8, RegR9}
	}
	return nil
}
