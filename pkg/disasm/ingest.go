package disasm

import (
	"context"
	"errors"
	"runtime"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/gadget"
	"github.com/ropium-go/ropium/pkg/ropium"
	"golang.org/x/sync/errgroup"
)

// IngestBatch analyses a batch of independent raw gadget candidates in
// parallel (analysing one candidate never touches another's state, the
// concurrency model's central premise) and then inserts every surviving
// gadget into d one at a time on the calling goroutine, since Db.Add is
// not itself safe for concurrent use. dis may be nil if every candidate
// already carries its Asm text (e.g. replayed from a pkg/db snapshot
// record); otherwise it is consulted to fill Asm in before analysis.
//
// A candidate pkg/gadget.Analyse drops (*gadget.ErrDropped — unclassifiable,
// no resolvable branch, a decode/lift failure on its raw bytes, ...) is not
// an error: the candidate is simply absent from the returned slice, the
// same contract Analyse itself has. Only a hard failure — a disassembler
// error, or a candidate with no assembly text and no Disassembler to fill
// it in — aborts the whole batch.
func IngestBatch(ctx context.Context, d *db.Db, a *arch.Arch, dis Disassembler, candidates []Candidate) ([]*gadget.Gadget, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	results := make([][]*gadget.Gadget, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			asm := c.Asm
			if asm == "" {
				if dis == nil {
					return &ropium.AnalysisError{Addr: c.Addr, Err: errNoAsm}
				}
				var err error
				asm, err = dis.Disassemble(c.Code, c.Addr)
				if err != nil {
					return &ropium.AnalysisError{Addr: c.Addr, Err: err}
				}
			}
			gs, err := gadget.Analyse(a, c.BinNum, c.Addr, c.Code, asm)
			if err != nil {
				var dropped *gadget.ErrDropped
				if errors.As(err, &dropped) {
					return nil // filtered out, not a batch failure
				}
				return &ropium.AnalysisError{Addr: c.Addr, Err: err}
			}
			results[i] = gs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*gadget.Gadget
	for _, gs := range results {
		for _, gd := range gs {
			d.Add(gd)
			all = append(all, gd)
		}
	}
	return all, nil
}

var errNoAsm = noAsmError{}

type noAsmError struct{}

func (noAsmError) Error() string {
	return "candidate has no assembly text and no Disassembler was supplied"
}
