package strategy

import (
	"context"

	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/il"
	"github.com/ropium-go/ropium/pkg/ropchain"
)

// CompileOne builds, expands, selects, schedules and emits a chain
// fragment for a single IL instruction. Each round re-runs Select over
// the whole (possibly larger) graph from scratch rather than resuming
// incrementally — simpler to reason about, and a rewrite round is rare
// enough per instruction that the repeated work is not a real cost.
// ctx is checked once per rewrite round, the only loop in this path long
// enough to be worth interrupting cooperatively.
func CompileOne(ctx context.Context, c *Context, d *db.Db, con *constraint.Constraint, in *il.Instr) (*ropchain.Chain, *Failure, error) {
	g, err := Build(c, in)
	if err != nil {
		return nil, nil, err
	}

	var fail *Failure
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		fail = Select(g, d, con, c.Arch)
		if fail == nil {
			break
		}
		if !Expand(g, d, c.Arch) {
			return nil, fail, nil
		}
	}

	order, err := TopoOrder(g)
	if err != nil {
		return nil, nil, err
	}
	if vf := Validate(g, order); vf != nil {
		return nil, vf, nil
	}

	chain, err := Emit(g, con, c.Arch.WordSize)
	if err != nil {
		return nil, nil, err
	}
	return chain, nil, nil
}

// Compile compiles a whole instruction list, concatenating each
// instruction's chain fragment in source order. A Failure on any
// instruction stops the whole compile — the caller sees exactly which
// instruction (via Failure.NodeIdx against that instruction's graph)
// and why.
func Compile(ctx context.Context, c *Context, d *db.Db, con *constraint.Constraint, prog []*il.Instr) (*ropchain.Chain, *Failure, error) {
	out := &ropchain.Chain{WordSize: c.Arch.WordSize}
	for _, in := range prog {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		chain, fail, err := CompileOne(ctx, c, d, con, in)
		if err != nil {
			return nil, nil, err
		}
		if fail != nil {
			return nil, fail, nil
		}
		out.Items = append(out.Items, chain.Items...)
	}
	return out, nil, nil
}
