package strategy

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// addOne analyses one gadget and inserts it into d, failing the test on
// any lifter error (mirrors pkg/db's own test helper).
func addOne(t *testing.T, d *db.Db, address uint64, code []byte, asmStr string) []*gadget.Gadget {
	t.Helper()
	gs, err := gadget.Analyse(arch.X64Arch, 0, address, code, asmStr)
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	for _, g := range gs {
		d.Add(g)
	}
	return gs
}

func testContext() *Context {
	return &Context{Arch: arch.X64Arch, ABI: arch.X64SystemV, OS: arch.Linux}
}
