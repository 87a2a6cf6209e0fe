package gadget

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
)

func mustOne(t *testing.T, gs []*Gadget, err error) *Gadget {
	t.Helper()
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if len(gs) != 1 {
		t.Fatalf("got %d gadgets, want 1", len(gs))
	}
	return gs[0]
}

func TestAnalyseBareRet(t *testing.T) {
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x1000, []byte{0xC3}, "ret"))
	if g.Branch.Kind != BranchRet {
		t.Fatalf("branch kind = %s, want RET", g.Branch.Kind)
	}
	if !g.SpIncKnown || g.SpInc != 8 {
		t.Fatalf("sp_inc = %d (known=%v), want 8 (known)", g.SpInc, g.SpIncKnown)
	}
	if g.NbInstr != 1 {
		t.Fatalf("nb_instr = %d, want 1", g.NbInstr)
	}
	if !g.DereferencedRegs[arch.RegSP] {
		t.Fatal("expected RegSP among dereferenced registers (RET reads [sp])")
	}
}

func TestAnalysePopRaxRet(t *testing.T) {
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x1000, []byte{0x58, 0xC3}, "pop rax; ret"))
	if g.Branch.Kind != BranchRet {
		t.Fatalf("branch kind = %s, want RET", g.Branch.Kind)
	}
	if !g.SpIncKnown || g.SpInc != 16 {
		t.Fatalf("sp_inc = %d (known=%v), want 16 (known)", g.SpInc, g.SpIncKnown)
	}
	if !g.ModifiedRegs[arch.RegA] {
		t.Fatal("expected RegA among modified registers")
	}
	pairs := g.Semantics.Regs[arch.RegA]
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs for RegA, want 1", len(pairs))
	}
	loaded := pairs[0].Expr
	if loaded.Kind() != expr.KMem {
		t.Fatalf("RegA's post value is %s, want a Mem read", loaded)
	}
	p, ok := expr.AsPolynomial(loaded.Addr())
	if !ok || len(p.Coefs) != 1 || p.Coefs[arch.RegSP] != 1 || p.Const != 0 {
		t.Fatalf("pop should read from [sp+0], got address %s", loaded.Addr())
	}
}

func TestAnalyseJmpRegister(t *testing.T) {
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x2000, []byte{0xFF, 0xE0}, "jmp rax"))
	if g.Branch.Kind != BranchJmp {
		t.Fatalf("branch kind = %s, want JMP", g.Branch.Kind)
	}
	if g.Branch.Reg != arch.RegA {
		t.Fatalf("branch reg = %d, want RegA", g.Branch.Reg)
	}
	if !g.SpIncKnown || g.SpInc != 0 {
		t.Fatalf("sp_inc = %d (known=%v), want 0 (known): jmp must not touch the stack", g.SpInc, g.SpIncKnown)
	}
}

func TestAnalyseCallRegister(t *testing.T) {
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x2000, []byte{0xFF, 0xD0}, "call rax"))
	if g.Branch.Kind != BranchCall {
		t.Fatalf("branch kind = %s, want CALL", g.Branch.Kind)
	}
	if g.Branch.Reg != arch.RegA {
		t.Fatalf("branch reg = %d, want RegA", g.Branch.Reg)
	}
	if !g.SpIncKnown || g.SpInc != -8 {
		t.Fatalf("sp_inc = %d (known=%v), want -8: call pushes one word", g.SpInc, g.SpIncKnown)
	}
}

func TestAnalyseDirectCallDropped(t *testing.T) {
	// call rel32 with an arbitrary displacement: the absolute target depends
	// on this instruction's own address, which the analyser never has, so
	// the gadget must be dropped rather than misread as "call via rax".
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00}
	_, err := Analyse(arch.X64Arch, 0, 0x3000, code, "call 0x3005")
	if err == nil {
		t.Fatal("expected a direct call to be dropped, got a gadget")
	}
	if _, ok := err.(*ErrDropped); !ok {
		t.Fatalf("expected *ErrDropped, got %T: %v", err, err)
	}
}

func TestAnalyseUndecodableBytesDropped(t *testing.T) {
	// 0xCC (int3) matches none of the decoder's recognised opcodes: the
	// whole block-lifting operation fails, and that must surface as an
	// ordinary drop, not a caller-visible hard error, the same as any
	// other unclassifiable candidate.
	code := []byte{0xCC}
	_, err := Analyse(arch.X64Arch, 0, 0x3000, code, "int3")
	if err == nil {
		t.Fatal("expected undecodable bytes to be dropped, got a gadget")
	}
	if _, ok := err.(*ErrDropped); !ok {
		t.Fatalf("expected *ErrDropped, got %T: %v", err, err)
	}
}

func TestAnalyseSyscall(t *testing.T) {
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x4000, []byte{0x0F, 0x05}, "syscall"))
	if g.Branch.Kind != BranchSyscall {
		t.Fatalf("branch kind = %s, want SYSCALL", g.Branch.Kind)
	}
}

func TestAnalyseInt80(t *testing.T) {
	g := mustOne(t, Analyse(arch.X86Arch, 0, 0x4000, []byte{0xCD, 0x80}, "int 0x80"))
	if g.Branch.Kind != BranchInt80 {
		t.Fatalf("branch kind = %s, want INT80", g.Branch.Kind)
	}
}

func TestAnalyseMovRegRegDoesNotModifySource(t *testing.T) {
	// mov rax, rbx; ret
	g := mustOne(t, Analyse(arch.X64Arch, 0, 0x5000, []byte{0x48, 0x89, 0xD8, 0xC3}, "mov rax, rbx; ret"))
	if !g.ModifiedRegs[arch.RegA] {
		t.Fatal("expected RegA among modified registers")
	}
	if g.ModifiedRegs[arch.RegB] {
		t.Fatal("RegB is only read, never written; it must not be modified")
	}
	pairs := g.Semantics.Regs[arch.RegA]
	if len(pairs) != 1 || pairs[0].Expr.Kind() != expr.KReg || pairs[0].Expr.RegIndex() != arch.RegB {
		t.Fatalf("RegA should resolve to Reg(RegB): got %s", pairs[0].Expr)
	}
}

func TestGadgetLessPrefersSmallerSpInc(t *testing.T) {
	a := &Gadget{SpIncKnown: true, SpInc: 8}
	b := &Gadget{SpIncKnown: true, SpInc: 16}
	if !a.Less(b) || b.Less(a) {
		t.Fatal("smaller sp_inc should sort first")
	}
}

func TestGadgetLessUnknownSpIncSortsLast(t *testing.T) {
	known := &Gadget{SpIncKnown: true, SpInc: 1000}
	unknown := &Gadget{SpIncKnown: false}
	if !known.Less(unknown) || unknown.Less(known) {
		t.Fatal("a known sp_inc should sort before an unknown one regardless of magnitude")
	}
}

func TestGadgetLessTieBreaksOnInstrCountThenAddresses(t *testing.T) {
	fewer := &Gadget{SpIncKnown: true, SpInc: 8, NbInstr: 1, Addresses: []uint64{1}}
	more := &Gadget{SpIncKnown: true, SpInc: 8, NbInstr: 2, Addresses: []uint64{1}}
	if !fewer.Less(more) {
		t.Fatal("fewer machine instructions should sort first when sp_inc ties")
	}

	sameShape1 := &Gadget{SpIncKnown: true, SpInc: 8, NbInstr: 1, NbInstrIR: 1, Addresses: []uint64{1, 2}}
	sameShape2 := &Gadget{SpIncKnown: true, SpInc: 8, NbInstr: 1, NbInstrIR: 1, Addresses: []uint64{1}}
	if !sameShape1.Less(sameShape2) {
		t.Fatal("more candidate addresses should sort first once everything else ties")
	}
}

func TestPoolDedupsOnRawBytes(t *testing.T) {
	p := NewPool()
	code := []byte{0x58, 0xC3} // pop rax; ret

	gs1, err := p.Add(arch.X64Arch, 0, 0x1000, code, "pop rax; ret")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	gs2, err := p.Add(arch.X64Arch, 0, 0x9000, code, "pop rax; ret")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if gs1[0] != gs2[0] {
		t.Fatal("identical raw bytes at a second address should reuse the existing gadget")
	}
	if len(gs2[0].Addresses) != 2 {
		t.Fatalf("got %d addresses, want 2", len(gs2[0].Addresses))
	}
	if p.Len() != 1 {
		t.Fatalf("pool has %d distinct gadgets, want 1", p.Len())
	}
}

func TestPoolAllSortedByGadgetOrdering(t *testing.T) {
	p := NewPool()
	if _, err := p.Add(arch.X64Arch, 0, 0x1000, []byte{0x58, 0x5B, 0xC3}, "pop rax; pop rbx; ret"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.Add(arch.X64Arch, 0, 0x2000, []byte{0xC3}, "ret"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	all := p.All()
	if len(all) != 2 {
		t.Fatalf("got %d gadgets, want 2", len(all))
	}
	if all[0].SpInc != 8 || all[1].SpInc != 24 {
		t.Fatalf("expected ret (sp_inc=8) before pop;pop;ret (sp_inc=24), got %d then %d", all[0].SpInc, all[1].SpInc)
	}
}
