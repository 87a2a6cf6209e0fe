package disasm

import (
	"context"
	"errors"
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/ropium"
)

type fakeDisassembler struct {
	asm map[uint64]string
}

func (f *fakeDisassembler) Disassemble(code []byte, addr uint64) (string, error) {
	asm, ok := f.asm[addr]
	if !ok {
		return "", errors.New("fake: no mapping for address")
	}
	return asm, nil
}

func TestIngestBatchAnalysesAndInsertsConcurrently(t *testing.T) {
	d := db.New(arch.X64Arch)
	dis := &fakeDisassembler{asm: map[uint64]string{
		0x1000: "xor eax, eax; ret",
		0x2000: "xor ebx, ebx; ret",
	}}
	cands := []Candidate{
		{Addr: 0x1000, Code: []byte{0x31, 0xC0, 0xC3}},
		{Addr: 0x2000, Code: []byte{0x31, 0xDB, 0xC3}},
	}

	gs, err := IngestBatch(context.Background(), d, arch.X64Arch, dis, cands)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(gs) != 2 {
		t.Fatalf("got %d gadgets, want 2", len(gs))
	}
	if d.Len() != 2 {
		t.Fatalf("got %d gadgets in db, want 2", d.Len())
	}
	if len(d.GetMovCst(arch.RegA, 0)) != 1 {
		t.Fatal("expected the rax := 0 gadget to be queryable")
	}
	if len(d.GetMovCst(arch.RegB, 0)) != 1 {
		t.Fatal("expected the rbx := 0 gadget to be queryable")
	}
}

func TestIngestBatchAcceptsPrecomputedAsmWithoutADisassembler(t *testing.T) {
	d := db.New(arch.X64Arch)
	cands := []Candidate{
		{Addr: 0x1000, Code: []byte{0x31, 0xC0, 0xC3}, Asm: "xor eax, eax; ret"},
	}

	gs, err := IngestBatch(context.Background(), d, arch.X64Arch, nil, cands)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(gs) != 1 {
		t.Fatalf("got %d gadgets, want 1", len(gs))
	}
}

func TestIngestBatchDropsAnUndecodableCandidateWithoutFailingTheBatch(t *testing.T) {
	d := db.New(arch.X64Arch)
	dis := &fakeDisassembler{asm: map[uint64]string{
		0x1000: "xor eax, eax; ret",
		0x9999: "int3", // 0xCC decodes to nothing this decoder recognises
	}}
	cands := []Candidate{
		{Addr: 0x1000, Code: []byte{0x31, 0xC0, 0xC3}},
		{Addr: 0x9999, Code: []byte{0xCC}},
	}

	gs, err := IngestBatch(context.Background(), d, arch.X64Arch, dis, cands)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(gs) != 1 {
		t.Fatalf("got %d gadgets, want 1 (the undecodable candidate should be dropped, not fail the batch)", len(gs))
	}
	if d.Len() != 1 {
		t.Fatalf("got %d gadgets in db, want 1", d.Len())
	}
}

func TestIngestBatchFailsTheWholeBatchOnADisassemblerError(t *testing.T) {
	d := db.New(arch.X64Arch)
	dis := &fakeDisassembler{asm: map[uint64]string{0x1000: "xor eax, eax; ret"}}
	cands := []Candidate{
		{Addr: 0x1000, Code: []byte{0x31, 0xC0, 0xC3}},
		{Addr: 0x9999, Code: []byte{0x90}}, // no mapping: dis.Disassemble errors
	}

	_, err := IngestBatch(context.Background(), d, arch.X64Arch, dis, cands)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ae *ropium.AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected a *ropium.AnalysisError, got %T: %v", err, err)
	}
	if ae.Addr != 0x9999 {
		t.Fatalf("got Addr %#x, want 0x9999", ae.Addr)
	}
}

func TestIngestBatchRequiresADisassemblerWhenAsmIsMissing(t *testing.T) {
	d := db.New(arch.X64Arch)
	cands := []Candidate{{Addr: 0x1000, Code: []byte{0x31, 0xC0, 0xC3}}}

	_, err := IngestBatch(context.Background(), d, arch.X64Arch, nil, cands)
	if err == nil {
		t.Fatal("expected an error when no Disassembler and no precomputed Asm are available")
	}
}
