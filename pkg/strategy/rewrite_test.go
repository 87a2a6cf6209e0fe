package strategy

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/db"
)

func TestExpandRelaysMovCstThroughAnotherRegister(t *testing.T) {
	// No gadget writes 0x41414141 into rax directly or via a free loader,
	// but rbx can be loaded from one literal gadget and copied into rax.
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x48, 0xBB, 0x41, 0x41, 0x41, 0x41, 0x00, 0x00, 0x00, 0x00, 0xC3}, "mov rbx, imm64; ret")
	addOne(t, d, 0x3000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret")

	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegA, "dst"), fixedCst(0x41414141, "cst")}})

	if probe(g.Nodes[g.Root], d) {
		t.Fatal("expected the seed node to fail probe: no direct gadget writes rax")
	}
	if !Expand(g, d, arch.X64Arch) {
		t.Fatal("expected Expand to find a relay")
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("got %d nodes after one expansion, want 2", len(g.Nodes))
	}
	n := g.Nodes[g.Root]
	if n.Kind != GMovReg {
		t.Fatalf("repurposed node should become GMovReg, got %v", n.Kind)
	}
	if n.Params[0].Reg != arch.RegA || !n.Params[0].IsFixed {
		t.Fatalf("dst must stay fixed to rax so existing dependents see no change, got %+v", n.Params[0])
	}
	if !n.Params[1].IsDependent() {
		t.Fatalf("src should now depend on the prepended constant-load node, got %+v", n.Params[1])
	}
	pre := g.Nodes[n.Params[1].Deps[0].NodeIdx]
	if pre.Kind != GMovCst || pre.Params[1].Cst != 0x41414141 {
		t.Fatalf("prerequisite node should load the original constant, got %+v", pre)
	}
}

func TestExpandRelaysMovRegSource(t *testing.T) {
	// rax := rcx has no direct gadget, but rcx can reach rax via rbx.
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x1000, []byte{0x48, 0x89, 0xCB, 0xC3}, "mov rbx, rcx; ret")
	addOne(t, d, 0x2000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret")

	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(arch.RegA, "dst"), fixedReg(arch.RegC, "src")}})

	if !Expand(g, d, arch.X64Arch) {
		t.Fatal("expected Expand to find a relay")
	}
	n := g.Nodes[g.Root]
	if n.Kind != GMovReg || n.Params[0].Reg != arch.RegA {
		t.Fatalf("node identity must be preserved, got %+v", n)
	}
	if !n.Params[1].IsDependent() {
		t.Fatalf("src should now depend on the relay node, got %+v", n.Params[1])
	}
	pre := g.Nodes[n.Params[1].Deps[0].NodeIdx]
	if pre.Kind != GMovReg || pre.Params[0].Reg != arch.RegB || pre.Params[1].Reg != arch.RegC {
		t.Fatalf("expected a relay node copying rcx into rbx, got %+v", pre)
	}
}

func TestExpandGivesUpAfterMaxDepth(t *testing.T) {
	d := db.New(arch.X64Arch) // empty: nothing ever resolves
	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegA, "dst"), fixedCst(1, "cst")}})
	g.Depth = maxRewriteDepth
	if Expand(g, d, arch.X64Arch) {
		t.Fatal("Expand must refuse to run past maxRewriteDepth")
	}
}

func TestExpandMarksDeadEndNodeRewritten(t *testing.T) {
	d := db.New(arch.X64Arch) // empty: no relay candidate exists either
	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegA, "dst"), fixedCst(1, "cst")}})
	if Expand(g, d, arch.X64Arch) {
		t.Fatal("expected no rule to apply against an empty database")
	}
	if !g.Nodes[g.Root].Rewritten {
		t.Fatal("a node no rule could rescue must be marked Rewritten so it isn't re-probed")
	}
}
