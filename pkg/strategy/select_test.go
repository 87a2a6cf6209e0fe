package strategy

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
)

func singleMovCstGraph(dst arch.Reg, cst int64) *Graph {
	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(dst, "dst"), fixedCst(cst, "cst")}})
	return g
}

func TestSelectMovCstLiteralGadget(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xC0, 0xC3}, "xor eax, eax; ret")

	g := singleMovCstGraph(arch.RegA, 0)
	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
	n := g.Nodes[g.Root]
	if n.AssignedGadget == nil || n.AssignedAddr != 0x2000 {
		t.Fatalf("got %+v", n)
	}
	if n.PopOffset != nil {
		t.Fatalf("a literal-encoding gadget must not set PopOffset, got %v", *n.PopOffset)
	}
}

func TestSelectMovCstFreeGadgetSetsPopOffset(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x1000, []byte{0x58, 0xC3}, "pop rax; ret") // rax <- [rsp+0]

	g := singleMovCstGraph(arch.RegA, 0x41414141)
	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
	n := g.Nodes[g.Root]
	if n.AssignedGadget == nil {
		t.Fatal("expected a gadget assignment")
	}
	if n.PopOffset == nil || *n.PopOffset != 0 {
		t.Fatalf("expected PopOffset 0 for a stack-sourced loader, got %v", n.PopOffset)
	}
}

func TestSelectMovCstFreeGadgetRejectedOnBadByteConstant(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x1000, []byte{0x58, 0xC3}, "pop rax; ret")

	c := constraint.New()
	c.BadBytes[0x41] = true // the constant 0x41414141 contains only 0x41 bytes

	g := singleMovCstGraph(arch.RegA, 0x41414141)
	fail := Select(g, d, c, arch.X64Arch)
	if fail == nil {
		t.Fatal("expected selection to fail: the only candidate's popped constant has a bad byte")
	}
}

func TestSelectMovCstFreeDstPicksALiteralBucket(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xC0, 0xC3}, "xor eax, eax; ret") // rax := 0

	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{freeReg("dst"), fixedCst(0, "cst")}})
	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
	n := g.Nodes[g.Root]
	if n.Params[0].Reg != arch.RegA || !n.Params[0].IsFixed {
		t.Fatalf("free dst should be fixed to the only bucket's register, got %+v", n.Params[0])
	}
	if n.PopOffset != nil {
		t.Fatalf("a literal-encoding gadget must not set PopOffset, got %v", *n.PopOffset)
	}
}

func TestSelectMovCstFreeDstPicksAFreeBucket(t *testing.T) {
	// A free-dst node with a fixed Cst must still be resolvable via an
	// ordinary "pop reg; ret" gadget: such a gadget realises any constant
	// by reading it from a stack slot the chain builder fills itself, so
	// GetPossibleMovCst must not exclude free buckets just because Cst is
	// known.
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x1000, []byte{0x58, 0xC3}, "pop rax; ret") // rax free

	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovCst, Params: []Param{freeReg("dst"), fixedCst(0x41414141, "cst")}})
	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
	n := g.Nodes[g.Root]
	if n.Params[0].Reg != arch.RegA || !n.Params[0].IsFixed {
		t.Fatalf("free dst should be fixed to the only bucket's register, got %+v", n.Params[0])
	}
	if n.PopOffset == nil || *n.PopOffset != 0 {
		t.Fatalf("expected PopOffset 0 for a stack-sourced loader, got %v", n.PopOffset)
	}
}

func TestSelectFailsWithNoMatchingGadget(t *testing.T) {
	d := db.New(arch.X64Arch)
	g := singleMovCstGraph(arch.RegA, 7)
	fail := Select(g, d, constraint.New(), arch.X64Arch)
	if fail == nil {
		t.Fatal("expected a Failure from an empty database")
	}
	if fail.NodeIdx != g.Root || fail.Kind != GMovCst {
		t.Fatalf("got %+v", fail)
	}
}

func TestSelectRejectsGadgetClobberingKeptRegister(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x3000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret")

	c := constraint.New()
	c.KeepRegs[arch.RegA] = true

	g := &Graph{}
	g.Root = g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(arch.RegA, "dst"), fixedReg(arch.RegB, "src")}})
	fail := Select(g, d, c, arch.X64Arch)
	if fail == nil {
		t.Fatal("expected selection to fail: the only candidate clobbers a kept register")
	}
	if !fail.ModifiedKeepRegs[arch.RegA] {
		t.Fatalf("expected ModifiedKeepRegs[RegA], got %+v", fail.ModifiedKeepRegs)
	}
}

func TestSelectResolvesDependentParamFromProducer(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xDB, 0xC3}, "xor ebx, ebx; ret")       // rbx := 0
	addOne(t, d, 0x3000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret") // rax := rbx (dst fixed to rax; src resolved from producer)

	g := &Graph{}
	producer := g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegB, "dst"), fixedCst(0, "cst")}})
	consumer := g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(arch.RegA, "dst"), depParam(PReg, "src", producer, 0)}})
	g.Root = consumer

	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
	if g.Nodes[consumer].AssignedGadget == nil || g.Nodes[producer].AssignedGadget == nil {
		t.Fatal("expected both nodes to resolve")
	}
}

func TestSelectOrderIndependentOfSliceOrder(t *testing.T) {
	// The consumer is appended to g.Nodes before its producer, mirroring
	// what a rewrite rule does when it inserts a prerequisite after the
	// node it serves. Select must still resolve both.
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xDB, 0xC3}, "xor ebx, ebx; ret")
	addOne(t, d, 0x3000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret")

	g := &Graph{}
	consumer := g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(arch.RegA, "dst"), {Kind: PReg, Name: "src"}}})
	producer := g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(arch.RegB, "dst"), fixedCst(0, "cst")}})
	g.Nodes[consumer].Params[1] = depParam(PReg, "src", producer, 0)
	g.Root = consumer

	if fail := Select(g, d, constraint.New(), arch.X64Arch); fail != nil {
		t.Fatalf("Select: %+v", fail)
	}
}
