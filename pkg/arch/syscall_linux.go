package arch

// Linux syscall numbers needed for execve-style chains and other common
// ROP targets: a per-OS/per-arch syscall name->number table consulted by
// the calling-convention lowering front-end.
var linuxSyscallsX64 = map[string]int64{
	"read":    0,
	"write":   1,
	"open":    2,
	"close":   3,
	"mmap":    9,
	"execve":  59,
	"exit":    60,
	"kill":    62,
	"socket":  41,
	"connect": 42,
	"dup2":    33,
	"exit_group": 231,
}

var linuxSyscallsX86 = map[string]int64{
	"read":       3,
	"write":      4,
	"open":       5,
	"close":      6,
	"execve":     11,
	"exit":       1,
	"kill":       37,
	"socket":     359,
	"connect":    362,
	"dup2":       63,
	"exit_group": 252,
}

// SyscallNumber resolves a named syscall to its ABI number for the given
// (arch, OS) pair. ok is false for an unknown OS/name combination.
func SyscallNumber(a *Arch, os OS, name string) (int64, bool) {
	if os != Linux {
		return 0, false
	}
	table := linuxSyscallsX86
	if a.ID == X64 {
		table = linuxSyscallsX64
	}
	n, ok := table[name]
	return n, ok
}

// SyscallArgRegs returns the kernel calling convention's argument
// registers for a raw syscall/int80 entry, in order. x64's SYSCALL
// instruction clobbers rcx/r11, so the kernel convention substitutes r10
// for the fourth argument in place of the ordinary System V rcx slot.
func SyscallArgRegs(a *Arch) []Reg {
	if a.ID == X64 {
		return []Reg{RegDI, RegSI, RegD, RegR10, RegR8, RegR9}
	}
	return []Reg{RegB, RegC, RegD, RegSI, RegDI, RegBP}
}
