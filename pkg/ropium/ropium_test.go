package ropium

import (
	"context"
	"errors"
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/gadget"
)

func testCtx() *Context {
	return &Context{Arch: arch.X64Arch, ABI: arch.X64SystemV, OS: arch.Linux}
}

func addOne(t *testing.T, d *db.Db, addr uint64, code []byte, asm string) {
	t.Helper()
	gs, err := gadget.Analyse(arch.X64Arch, 0, addr, code, asm)
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	for _, g := range gs {
		d.Add(g)
	}
}

func TestCompileWiresParserStrategyAndDatabase(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xC0, 0xC3}, "xor eax, eax; ret")

	chain, err := Compile(context.Background(), testCtx(), d, constraint.New(), "rax = 0\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 1 || chain.Items[0].Value != 0x2000 {
		t.Fatalf("got %+v", chain.Items)
	}
}

func TestCompileReturnsInputErrorOnMalformedIL(t *testing.T) {
	d := db.New(arch.X64Arch)
	_, err := Compile(context.Background(), testCtx(), d, constraint.New(), "rax === 0\n")
	if err == nil {
		t.Fatal("expected an error")
	}
	var ie *InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected an *InputError, got %T: %v", err, err)
	}
}

func TestCompileReturnsCompileErrorWithLineAndSource(t *testing.T) {
	d := db.New(arch.X64Arch) // empty: nothing can ever be selected
	_, err := Compile(context.Background(), testCtx(), d, constraint.New(), "rax = 0x41414141\n")
	if err == nil {
		t.Fatal("expected an error")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected a *CompileError, got %T: %v", err, err)
	}
	if ce.Record.Line != 1 {
		t.Fatalf("got line %d, want 1", ce.Record.Line)
	}
	if ce.Record.Source == "" {
		t.Fatal("expected a non-empty Source")
	}
}

func TestCompileProgramConcatenatesFragments(t *testing.T) {
	d := db.New(arch.X64Arch)
	addOne(t, d, 0x2000, []byte{0x31, 0xC0, 0xC3}, "xor eax, eax; ret")
	addOne(t, d, 0x3000, []byte{0x31, 0xDB, 0xC3}, "xor ebx, ebx; ret")

	chain, err := Compile(context.Background(), testCtx(), d, constraint.New(), "rax = 0\nrbx = 0\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain.Items) != 2 || chain.Items[0].Value != 0x2000 || chain.Items[1].Value != 0x3000 {
		t.Fatalf("got %+v", chain.Items)
	}
}
