package db

import (
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// record is the gob-serialisable form of one ingested gadget candidate: the
// raw bytes and address list, never the symbolic Semantics (expr.Expr and
// cond.Cond keep their fields unexported by design, so they cannot round
// trip through gob). Restoring replays each record through gadget.Analyse
// rather than deserialising analysis results directly — cheap, since
// analysis is a pure function of the bytes and never touches the
// disassembler again.
type record struct {
	BinNum    int
	Addresses []uint64
	HexStr    string
	AsmStr    string
}

// SaveSnapshot writes every gadget currently in d to path, so a later
// ingestion run can resume without re-invoking the external disassembler.
func SaveSnapshot(path string, d *Db) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Snapshot(f, d)
}

// Snapshot writes every gadget currently in d to w.
func Snapshot(w io.Writer, d *Db) error {
	d.mu.Lock()
	recs := make([]record, len(d.all))
	for i, g := range d.all {
		recs[i] = record{
			BinNum:    g.BinNum,
			Addresses: append([]uint64(nil), g.Addresses...),
			HexStr:    g.HexStr,
			AsmStr:    g.AsmStr,
		}
	}
	d.mu.Unlock()
	return gob.NewEncoder(w).Encode(recs)
}

// LoadSnapshot rebuilds a database for architecture a from a file written
// by SaveSnapshot. Candidates that no longer analyse to a usable gadget
// (should not happen for a snapshot of the same binary, but the analyser
// is deterministic, not infallible against corrupt input) are silently
// skipped, the same as a fresh ingestion drops them.
func LoadSnapshot(path string, a *arch.Arch) (*Db, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Restore(f, a)
}

// Restore rebuilds a database for architecture a from r.
func Restore(r io.Reader, a *arch.Arch) (*Db, error) {
	var recs []record
	if err := gob.NewDecoder(r).Decode(&recs); err != nil {
		return nil, err
	}
	d := New(a)
	for _, rec := range recs {
		if len(rec.Addresses) == 0 {
			continue
		}
		code, err := hex.DecodeString(rec.HexStr)
		if err != nil {
			return nil, fmt.Errorf("db: restore: %w", err)
		}
		gs, err := gadget.Analyse(a, rec.BinNum, rec.Addresses[0], code, rec.AsmStr)
		if err != nil {
			continue
		}
		for _, g := range gs {
			g.Addresses = append([]uint64(nil), rec.Addresses...)
			d.Add(g)
		}
	}
	return d, nil
}

// Dump writes a human-readable report of every gadget in the database,
// grouped by branch kind, in the style of the search CLI's own progress
// and result reports.
func Dump(w io.Writer, d *Db) {
	all := d.All()
	fmt.Fprintf(w, "%d gadgets\n", len(all))
	counts := map[gadget.BranchKind]int{}
	for _, g := range all {
		counts[g.Branch.Kind]++
	}
	for _, k := range []gadget.BranchKind{
		gadget.BranchRet, gadget.BranchJmp, gadget.BranchCall,
		gadget.BranchSyscall, gadget.BranchInt80, gadget.BranchSVC,
	} {
		if counts[k] > 0 {
			fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
		}
	}
	fmt.Fprintln(w)
	for _, g := range all {
		spInc := "?"
		if g.SpIncKnown {
			spInc = fmt.Sprintf("%d", g.SpInc)
		}
		fmt.Fprintf(w, "0x%x: %s  (sp_inc=%s, %s, %d addr)\n", g.Addresses[0], g.AsmStr, spInc, g.Branch.Kind, len(g.Addresses))
	}
}
