package strategy

import (
	"errors"
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/il"
)

func parseOne(t *testing.T, line string) *il.Instr {
	t.Helper()
	ins, err := il.Parse(line, arch.X64Arch)
	if err != nil {
		t.Fatalf("il.Parse(%q): %v", line, err)
	}
	if len(ins) != 1 {
		t.Fatalf("il.Parse(%q): got %d instructions, want 1", line, len(ins))
	}
	return ins[0]
}

func TestBuildMovCstSeedsOneNode(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "rax = 0x41414141"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(g.Nodes))
	}
	root := g.Nodes[g.Root]
	if root.Kind != GMovCst || root.Params[0].Reg != arch.RegA || root.Params[1].Cst != 0x41414141 {
		t.Fatalf("got %+v", root)
	}
}

func TestBuildArithRegSeedsOneNode(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "rax = rbx ^ rcx"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root := g.Nodes[g.Root]
	if root.Kind != GAMovReg || root.Params[0].Reg != arch.RegA || root.Params[1].Reg != arch.RegB || root.Params[3].Reg != arch.RegC {
		t.Fatalf("got %+v", root)
	}
}

func TestBuildLoadSeedsOneNode(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "rax = [rsp + 0x8]"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root := g.Nodes[g.Root]
	if root.Kind != GLoad || root.Params[1].Reg != arch.RegSP || root.Params[2].Cst != 8 {
		t.Fatalf("got %+v", root)
	}
}

func TestBuildJmpWantsJmpBranch(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "jmp rax"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root := g.Nodes[g.Root]
	if root.Kind != GJmp || root.Params[0].Reg != arch.RegA {
		t.Fatalf("got %+v", root)
	}
}

func TestBuildStoreAbsCstLowersIntoMovCstPlusStore(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "[0x601020] = 0x1234"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3 (addr mov_cst, value mov_cst, store)", len(g.Nodes))
	}
	addrNode := g.Nodes[g.Root]
	if addrNode.Kind != GMovCst || !addrNode.Params[0].IsFree() || addrNode.Params[1].Cst != 0x601020 {
		t.Fatalf("addr node: got %+v", addrNode)
	}
	var store *Node
	for _, n := range g.Nodes {
		if n.Kind == GStore {
			store = n
		}
	}
	if store == nil {
		t.Fatal("expected a GStore node")
	}
	if !store.Params[0].IsDependent() || store.Params[0].Deps[0].NodeIdx != g.Root {
		t.Fatalf("store's addr_reg should depend on the addr node, got %+v", store.Params[0])
	}
	if !store.Params[2].IsDependent() {
		t.Fatalf("store's src should depend on the constant-carrying node, got %+v", store.Params[2])
	}
}

func TestBuildStoreAbsBytesChunksOneStorePerWord(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, `[0x601020] = "/bin/sh"`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	stores := 0
	for _, n := range g.Nodes {
		if n.Kind == GStore {
			stores++
		}
	}
	// "/bin/sh" is 7 bytes: one 8-byte word (zero-padded), so one store.
	if stores != 1 {
		t.Fatalf("got %d store nodes, want 1", stores)
	}
}

func TestBuildCallLowersArgsAndRawValueTarget(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "0x401000(rdi, rsi, 0x10)"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var target *Node
	for _, n := range g.Nodes {
		if n.Kind == GCall {
			target = n
		}
	}
	if target == nil || target.RawValue == nil {
		t.Fatalf("expected a GCall node carrying a RawValue target, got %+v", target)
	}
	if *target.RawValue != 0x401000 {
		t.Fatalf("call target = %#x, want 0x401000", *target.RawValue)
	}
	var argNodes int
	for _, n := range g.Nodes {
		if n.Kind == GMovReg || n.Kind == GMovCst {
			argNodes++
		}
	}
	// All three arguments fit within System V's six-register slice, so
	// each gets its own argument-assignment node.
	if argNodes != 3 {
		t.Fatalf("got %d argument-assignment nodes, want 3", argNodes)
	}
}

func TestBuildCallStackPassesArgsBeyondRegisterSlice(t *testing.T) {
	// System V passes at most 6 arguments in registers; a 7th has no
	// corresponding graph node at all, since emission appends it directly
	// as a raw Constant chain item after the call target.
	g, err := Build(testContext(), parseOne(t, "0x401000(1, 2, 3, 4, 5, 6, 7)"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var argNodes int
	var target *Node
	for _, n := range g.Nodes {
		if n.Kind == GMovCst && n.RawValue == nil {
			argNodes++
		}
		if n.Kind == GCall {
			target = n
		}
	}
	if argNodes != 6 {
		t.Fatalf("got %d argument-assignment nodes, want 6", argNodes)
	}
	if target == nil || len(target.ExtraStackValues) != 1 || target.ExtraStackValues[0] != 7 {
		t.Fatalf("expected the 7th argument carried as a stack-passed value, got %+v", target)
	}
}

func TestBuildCallRequiresABI(t *testing.T) {
	ctx := &Context{Arch: arch.X64Arch, ABI: arch.ABINone, OS: arch.Linux}
	if _, err := Build(ctx, parseOne(t, "0x401000(rdi)")); err == nil {
		t.Fatal("expected an error building a call with no ABI selected")
	}
}

func TestBuildCallRejectsUnsupportedABI(t *testing.T) {
	ctx := &Context{Arch: arch.X86Arch, ABI: arch.X86Fastcall, OS: arch.Linux}
	_, err := Build(ctx, parseOne(t, "0x401000(rdi)"))
	if err == nil {
		t.Fatal("expected an error building a call under an unsupported ABI")
	}
	var abiErr *arch.ErrUnsupportedABI
	if !errors.As(err, &abiErr) {
		t.Fatalf("expected the error to wrap *arch.ErrUnsupportedABI, got %T: %v", err, err)
	}
}

func TestBuildSyscallLowersArgsNumberAndBranch(t *testing.T) {
	g, err := Build(testContext(), parseOne(t, "syscall write(1, rsi, rdx)"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var branch *Node
	for _, n := range g.Nodes {
		if n.Kind == GSyscall {
			branch = n
		}
	}
	if branch == nil {
		t.Fatal("expected a GSyscall branch node")
	}
	// arg0 (fd=1), arg1 (rsi), arg2 (rdx), syscall number, branch: 5 nodes.
	if len(g.Nodes) != 5 {
		t.Fatalf("got %d nodes, want 5", len(g.Nodes))
	}

	var branchIdx = -1
	for i, n := range g.Nodes {
		if n == branch {
			branchIdx = i
		}
	}
	found := false
	for _, a := range g.Assertions {
		if a.Kind == constraint.NoSyscallBefore && a.NodeIdx == branchIdx {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a NoSyscallBefore assertion on the branch node, got %+v", g.Assertions)
	}
}

func TestBuildSyscallRejectsUnknownName(t *testing.T) {
	if _, err := Build(testContext(), parseOne(t, "syscall notasyscall()")); err == nil {
		t.Fatal("expected an error for an unrecognised syscall name")
	}
}
