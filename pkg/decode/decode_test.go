package decode

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
)

func TestDecodeRet(t *testing.T) {
	in, err := Decode([]byte{0xC3}, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MRET || in.Len != 1 {
		t.Errorf("got %+v, want RET len=1", in)
	}
}

func TestDecodePopRax(t *testing.T) {
	// pop rax
	in, err := Decode([]byte{0x58, 0xC3}, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MPOP || in.Dst != arch.RegA || in.Len != 1 {
		t.Errorf("got %+v, want POP rax len=1", in)
	}
}

func TestDecodePopR8(t *testing.T) {
	// 41 58 : pop r8 (REX.B)
	in, err := Decode([]byte{0x41, 0x58}, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MPOP || in.Dst != arch.RegR8 || in.Len != 2 {
		t.Errorf("got %+v, want POP r8 len=2", in)
	}
}

func TestDecodeMovRegImm64(t *testing.T) {
	// 48 b8 <8 bytes> : mov rax, imm64
	code := []byte{0x48, 0xB8, 0x48, 0x47, 0x46, 0x45, 0x44, 0x43, 0x42, 0x41}
	in, err := Decode(code, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MMOVRegImm || in.Dst != arch.RegA || in.Width != 64 {
		t.Fatalf("got %+v, want MOV rax, imm64", in)
	}
	if in.Imm != 0x4142434445464748 {
		t.Errorf("imm = %#x, want 0x4142434445464748", in.Imm)
	}
	if in.Len != len(code) {
		t.Errorf("len = %d, want %d", in.Len, len(code))
	}
}

func TestDecodeMovRegReg(t *testing.T) {
	// 48 89 d8 : mov rax, rbx
	in, err := Decode([]byte{0x48, 0x89, 0xD8}, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MMOVRegReg || in.Dst != arch.RegA || in.Src != arch.RegB {
		t.Errorf("got %+v, want MOV rax, rbx", in)
	}
}

func TestDecodeSyscall(t *testing.T) {
	in, err := Decode([]byte{0x0F, 0x05}, arch.X64Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MSYSCALL || in.Len != 2 {
		t.Errorf("got %+v, want SYSCALL len=2", in)
	}
}

func TestDecodeInt80(t *testing.T) {
	in, err := Decode([]byte{0xCD, 0x80}, arch.X86Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MINT80 || in.Len != 2 {
		t.Errorf("got %+v, want INT80 len=2", in)
	}
}

func TestDecodeUnsupportedOpcode(t *testing.T) {
	if _, err := Decode([]byte{0x0F, 0xFF}, arch.X64Arch); err == nil {
		t.Error("expected an error for an unsupported opcode")
	}
}

func TestDecodeArithRegRegDirect(t *testing.T) {
	// 01 d8 : add eax, ebx  -> mod=3, reg=ebx(3), rm=eax(0)
	in, err := Decode([]byte{0x01, 0xD8}, arch.X86Arch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Mnemonic != MArithRegReg || in.Arith != AAdd || in.Dst != arch.RegA || in.Src != arch.RegB {
		t.Errorf("got %+v, want ADD eax, ebx", in)
	}
}

func TestDecodeArithMemDestUnsupported(t *testing.T) {
	// 01 58 08 : add [rax+8], ebx — memory-destination ALU is out of scope.
	if _, err := Decode([]byte{0x01, 0x58, 0x08}, arch.X86Arch); err == nil {
		t.Error("expected an error for a memory-destination ALU operand")
	}
}
