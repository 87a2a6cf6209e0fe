package ropium

import (
	"context"
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/ropchain"
)

// End-to-end tests over the whole pipeline (il.Parse -> strategy.Build ->
// Expand -> Select -> Emit), one per named scenario. Each builds a tiny,
// hand-encoded gadget set, compiles one IL program against it, and checks
// the resulting chain.

func wantItem(t *testing.T, got ropchain.Item, kind ropchain.ItemKind, value uint64) {
	t.Helper()
	if got.Kind != kind {
		t.Fatalf("got item kind %v, want %v (item %+v)", got.Kind, kind, got)
	}
	if got.Value != value {
		t.Fatalf("got item value %#x, want %#x (item %+v)", got.Value, value, got)
	}
}

func TestScenarioX64ConstantPop(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x400410, []byte{0x58, 0xC3}, "pop rax; ret")

	chain, err := Compile(context.Background(), testCtx(), d, constraint.New(), "rax = 0x4142434445464748\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(chain.Items), chain.Items)
	}
	wantItem(t, chain.Items[0], ropchain.GadgetAddress, 0x400410)
	wantItem(t, chain.Items[1], ropchain.Padding, 0x4142434445464748)
}

func TestScenarioX86MovRegReg(t *testing.T) {
	d := db.New(arch.X86Arch)
	addOne(t, d, 0x08048100, []byte{0x89, 0xD8, 0xC3}, "mov eax, ebx; ret")

	ctx := &Context{Arch: arch.X86Arch, ABI: arch.ABINone, OS: arch.Linux}
	chain, err := Compile(context.Background(), ctx, d, constraint.New(), "eax = ebx\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 1 {
		t.Fatalf("got %d items, want 1: %+v", len(chain.Items), chain.Items)
	}
	wantItem(t, chain.Items[0], ropchain.GadgetAddress, 0x08048100)
}

// TestScenarioX64StoreViaTransitivity stores a constant to an absolute
// address through two "pop reg; ret" gadgets feeding a register-indirect
// store. This exercises GetPossibleMovCst's free-dst/fixed-cst path
// directly: buildAbsStore gives both the address and the value node a
// free destination register, and the only gadgets available to satisfy
// either are stack-sourced ("free") ones, not literal constant-loaders.
//
// The expected gadget/value order below matches the literal sequence the
// scenario lists; its stated "chain length 6 words" does not match that
// same listing (it enumerates only 5 words), so this test asserts the
// 5-item sequence the pipeline actually produces rather than the
// headline count.
func TestScenarioX64StoreViaTransitivity(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x400500, []byte{0x5F, 0xC3}, "pop rdi; ret")
	addOne(t, d, 0x400510, []byte{0x58, 0xC3}, "pop rax; ret")
	addOne(t, d, 0x400520, []byte{0x48, 0x89, 0x07, 0xC3}, "mov [rdi], rax; ret")

	chain, err := Compile(context.Background(), testCtx(), d, constraint.New(), "[0x600600] = 0xdeadbeef\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 5 {
		t.Fatalf("got %d items, want 5: %+v", len(chain.Items), chain.Items)
	}
	wantItem(t, chain.Items[0], ropchain.GadgetAddress, 0x400500)
	wantItem(t, chain.Items[1], ropchain.Padding, 0x600600)
	wantItem(t, chain.Items[2], ropchain.GadgetAddress, 0x400510)
	wantItem(t, chain.Items[3], ropchain.Padding, 0xdeadbeef)
	wantItem(t, chain.Items[4], ropchain.GadgetAddress, 0x400520)
}

// TestScenarioBadByteAvoidance compiles against two candidate "pop rdi;
// ret" gadgets, one whose address bytes include a forbidden byte and one
// whose don't, and checks the usable one is the one selected. The
// constant itself is chosen with no forbidden byte of its own (bad_bytes
// applies equally to a popped constant's own bytes, so a request whose
// constant is inherently unrepresentable — e.g. a small integer under an
// all-zero-byte ban at 8-byte width — fails regardless of which gadget is
// picked; that is a separate, correct property of pickMovCst, not what
// this scenario is about).
func TestScenarioBadByteAvoidance(t *testing.T) {
	d := db.New(arch.X64Arch)
	const badAddr = 0x0000000000401000   // contains 0x00 bytes
	const goodAddr = 0x4343434343434343  // no 0x00 byte anywhere
	addOne(t, d, badAddr, []byte{0x5F, 0xC3}, "pop rdi; ret")
	addOne(t, d, goodAddr, []byte{0x5F, 0xC3}, "pop rdi; ret")

	c := constraint.New()
	c.BadBytes[0x00] = true

	chain, err := Compile(context.Background(), testCtx(), d, c, "rdi = 0x1111111111111111\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(chain.Items), chain.Items)
	}
	wantItem(t, chain.Items[0], ropchain.GadgetAddress, goodAddr)
	wantItem(t, chain.Items[1], ropchain.Padding, 0x1111111111111111)
}

func TestScenarioKeepRegisterFailure(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x400600, []byte{0x58, 0x5B, 0xC3}, "pop rax; pop rbx; ret")

	c := constraint.New()
	c.KeepRegs[arch.RegB] = true

	_, err := Compile(context.Background(), testCtx(), d, c, "rax = 1\n")
	if err == nil {
		t.Fatal("expected a compile failure: the only candidate clobbers a kept register")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected a *CompileError, got %T: %v", err, err)
	}
	found := false
	for _, r := range ce.Record.ModifiedKeepRegs {
		if r == "rbx" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ModifiedKeepRegs to include rbx, got %v", ce.Record.ModifiedKeepRegs)
	}
}

// TestScenarioExecveLowering lowers a raw execve(2) syscall under the X64
// SysV kernel convention: the "/bin/sh" argument is written to a
// caller-supplied address as its own constant-store instruction first
// (a call/syscall argument can never be a string literal directly), then
// that address, and the two zero arguments, and the syscall number, are
// each assigned independently before the branch gadget.
func TestScenarioExecveLowering(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x400700, []byte{0x5F, 0xC3}, "pop rdi; ret")
	addOne(t, d, 0x400710, []byte{0x5E, 0xC3}, "pop rsi; ret")
	addOne(t, d, 0x400720, []byte{0x5A, 0xC3}, "pop rdx; ret")
	addOne(t, d, 0x400730, []byte{0x58, 0xC3}, "pop rax; ret")
	addOne(t, d, 0x400740, []byte{0x48, 0x89, 0x37, 0xC3}, "mov [rdi], rsi; ret")
	addOne(t, d, 0x400750, []byte{0x0F, 0x05}, "syscall")

	src := "[0x500000] = \"/bin/sh\"\n" + "syscall execve(0x500000, 0, 0)\n"
	chain, err := Compile(context.Background(), testCtx(), d, constraint.New(), src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// First instruction: a constant-store chain (addr gadget + popped
	// address, value gadget + popped string word, store gadget) — 5 items.
	if len(chain.Items) < 5 {
		t.Fatalf("got %d items, want at least 5: %+v", len(chain.Items), chain.Items)
	}
	wantItem(t, chain.Items[0], ropchain.GadgetAddress, 0x400700)
	wantItem(t, chain.Items[1], ropchain.Padding, 0x500000)
	wantItem(t, chain.Items[2], ropchain.GadgetAddress, 0x400710)
	wantItem(t, chain.Items[3], ropchain.Padding, 0x68732f6e69622f) // "/bin/sh" little-endian
	wantItem(t, chain.Items[4], ropchain.GadgetAddress, 0x400740)

	// Second instruction: rdi=&"/bin/sh", rsi=0, rdx=0, rax=59, syscall.
	rest := chain.Items[5:]
	if len(rest) != 9 {
		t.Fatalf("got %d items in the syscall fragment, want 9: %+v", len(rest), rest)
	}
	wantItem(t, rest[0], ropchain.GadgetAddress, 0x400700)
	wantItem(t, rest[1], ropchain.Padding, 0x500000)
	wantItem(t, rest[2], ropchain.GadgetAddress, 0x400710)
	wantItem(t, rest[3], ropchain.Padding, 0)
	wantItem(t, rest[4], ropchain.GadgetAddress, 0x400720)
	wantItem(t, rest[5], ropchain.Padding, 0)
	wantItem(t, rest[6], ropchain.GadgetAddress, 0x400730)
	wantItem(t, rest[7], ropchain.Padding, 59)
	wantItem(t, rest[8], ropchain.GadgetAddress, 0x400750)
}
