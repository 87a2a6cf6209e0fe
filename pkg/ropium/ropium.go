// Package ropium is the top-level compiler entry point: it wires the IL
// front-end (pkg/il), the strategy engine (pkg/strategy) and the gadget
// database (pkg/db) together behind a single Compile call, the way
// cmd/z80opt's subcommands never reach past their own pkg/search or
// pkg/cpu calls into lower layers directly. Nothing outside this package
// should need to import pkg/strategy.
package ropium

import (
	"context"
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/il"
	"github.com/ropium-go/ropium/pkg/ropchain"
	"github.com/ropium-go/ropium/pkg/strategy"
)

// Context selects the target architecture, calling convention and OS for
// a compile request. It is the caller-facing twin of strategy.Context —
// kept as its own type so a caller never has to import pkg/strategy just
// to build one.
type Context struct {
	Arch *arch.Arch
	ABI  arch.ABI
	OS   arch.OS
}

func (c *Context) strategyContext() *strategy.Context {
	return &strategy.Context{Arch: c.Arch, ABI: c.ABI, OS: c.OS}
}

// InputError reports a malformed IL program: the request never reached
// the strategy engine.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return fmt.Sprintf("ropium: input: %v", e.Err) }
func (e *InputError) Unwrap() error { return e.Err }

// AnalysisError reports a hard failure while ingesting raw gadget
// candidates into a database — a malformed disassembly record, not the
// ordinary per-candidate drop that pkg/gadget.Analyse already handles by
// returning a shorter gadget slice. See pkg/disasm.IngestBatch.
type AnalysisError struct {
	Addr uint64
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("ropium: analysis at %#x: %v", e.Addr, e.Err)
}
func (e *AnalysisError) Unwrap() error { return e.Err }

// CompileError reports that the strategy engine could not satisfy one
// instruction of the request against the current database and
// constraints. Record carries enough of strategy.Failure's detail for a
// caller to relax constraints and retry, without a dependency on
// pkg/strategy's graph-node types.
type CompileError struct {
	Record *FailRecord
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("ropium: compile: line %d: %s", e.Record.Line, e.Record.Reason)
}

// FailRecord is a caller-facing snapshot of a strategy.Failure.
type FailRecord struct {
	Line             int
	Source           string
	Kind             string
	Reason           string
	ModifiedKeepRegs []string
	BadByteFails     map[byte][]string
	MaxLenExceeded   bool
}

func newFailRecord(in *il.Instr, f *strategy.Failure, a *arch.Arch) *FailRecord {
	rec := &FailRecord{
		Line:           in.Line,
		Source:         in.String(),
		Kind:           f.Kind.String(),
		Reason:         f.Reason,
		BadByteFails:   f.BadByteFails,
		MaxLenExceeded: f.MaxLenExceeded,
	}
	for r, bad := range f.ModifiedKeepRegs {
		if bad {
			rec.ModifiedKeepRegs = append(rec.ModifiedKeepRegs, a.RegName(r))
		}
	}
	return rec
}

// Compile parses src as an IL program and compiles it against d under con,
// wiring pkg/il, pkg/strategy and pkg/db together. It compiles one
// instruction at a time so a CompileError can name the exact source line
// and instruction text that failed, then concatenates every fragment in
// source order.
func Compile(ctx context.Context, c *Context, d *db.Db, con *constraint.Constraint, src string) (*ropchain.Chain, error) {
	prog, err := il.Parse(src, c.Arch)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	return CompileProgram(ctx, c, d, con, prog)
}

// CompileProgram is Compile for a program that has already been parsed —
// useful to callers (such as a REPL) that build up an *il.Instr slice
// incrementally instead of re-parsing a whole source string each time.
func CompileProgram(ctx context.Context, c *Context, d *db.Db, con *constraint.Constraint, prog []*il.Instr) (*ropchain.Chain, error) {
	sctx := c.strategyContext()
	out := &ropchain.Chain{WordSize: c.Arch.WordSize}
	for _, in := range prog {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chain, fail, err := strategy.CompileOne(ctx, sctx, d, con, in)
		if err != nil {
			return nil, err
		}
		if fail != nil {
			return nil, &CompileError{Record: newFailRecord(in, fail, c.Arch)}
		}
		out.Items = append(out.Items, chain.Items...)
	}
	return out, nil
}
