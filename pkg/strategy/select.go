package strategy

import (
	"fmt"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/db"
	"github.com/ropium-go/ropium/pkg/expr"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// Failure records why gadget selection could not complete at a node,
// with enough detail for a caller to relax its constraints and retry. A
// gadget's "id" in BadByteFails is its HexStr: the Gadget record has no
// numeric identity of its own, and HexStr is already the value the
// database dedups candidate gadgets on.
type Failure struct {
	NodeIdx int
	Kind    GadgetType
	Reason  string

	// ModifiedKeepRegs lists kept registers that every rejected
	// candidate at this node would have clobbered.
	ModifiedKeepRegs map[arch.Reg]bool

	// BadByteFails maps a bad byte to the hex strings of gadgets that
	// would have been selectable had that byte alone been permitted.
	BadByteFails map[byte][]string

	MaxLenExceeded bool
}

func newFailure(idx int, kind GadgetType, reason string) *Failure {
	return &Failure{
		NodeIdx:          idx,
		Kind:             kind,
		Reason:           reason,
		ModifiedKeepRegs: map[arch.Reg]bool{},
		BadByteFails:     map[byte][]string{},
	}
}

// resolveReg reads p's effective register, following one level of Deps
// into its producer node's already-resolved Params. ok is false only for
// a genuinely free param (no fixed value, no producer).
func resolveReg(g *Graph, p Param) (arch.Reg, bool) {
	if p.IsFixed {
		return p.Reg, true
	}
	if p.IsDependent() {
		dep := p.Deps[0]
		prod := g.Nodes[dep.NodeIdx].Params[dep.ParamIdx]
		if prod.IsFixed {
			return prod.Reg, true
		}
	}
	return 0, false
}

func resolveCst(g *Graph, p Param) (int64, bool) {
	if p.IsFixed {
		return p.Cst, true
	}
	if p.IsDependent() {
		dep := p.Deps[0]
		prod := g.Nodes[dep.NodeIdx].Params[dep.ParamIdx]
		if prod.IsFixed {
			return prod.Cst, true
		}
	}
	return 0, false
}

// Select resolves every node against the database and the active
// Constraint, in dependency order rather than list order: a rewrite rule
// may append a node's prerequisite after the node itself in g.Nodes, so
// readiness is decided by whether a node's Dep producers have already
// resolved, not by slice position. On success every node's AssignedGadget
// (or RawValue) and AssignedAddr are populated in place, and every
// previously-free param that got resolved is rewritten in place to a
// fixed one so later dependents (and emission) can read it directly.
func Select(g *Graph, d *db.Db, c *constraint.Constraint, a *arch.Arch) *Failure {
	wordSize := a.WordSize
	resolved := make([]bool, len(g.Nodes))
	remaining := 0
	for i, n := range g.Nodes {
		if n.IsDisabled || n.RawValue != nil {
			resolved[i] = true
			continue
		}
		remaining++
	}
	for remaining > 0 {
		progressed := false
		for idx, n := range g.Nodes {
			if resolved[idx] {
				continue
			}
			if !paramsReady(g, n, resolved) {
				continue
			}
			if fail := selectNode(g, idx, n, d, c, wordSize, a); fail != nil {
				return fail
			}
			resolved[idx] = true
			remaining--
			progressed = true
		}
		if !progressed {
			for idx, ok := range resolved {
				if !ok {
					return newFailure(idx, g.Nodes[idx].Kind, "dependency never resolved (cycle or dangling producer reference)")
				}
			}
		}
	}
	return nil
}

// paramsReady reports whether every Dep n's params name has already been
// resolved, so n's dependent params can be read as concrete values.
func paramsReady(g *Graph, n *Node, resolved []bool) bool {
	for _, p := range n.Params {
		for _, dep := range p.Deps {
			if !resolved[dep.NodeIdx] {
				return false
			}
		}
	}
	return true
}

func selectNode(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint, a *arch.Arch) *Failure {
	switch n.Kind {
	case GMovCst:
		return selectMovCst(g, idx, n, d, c, wordSize, a)
	case GMovReg:
		return selectMovReg(g, idx, n, d, c, wordSize)
	case GAMovCst:
		return selectAMovCst(g, idx, n, d, c, wordSize)
	case GAMovReg:
		return selectAMovReg(g, idx, n, d, c, wordSize)
	case GLoad:
		return selectLoad(g, idx, n, d, c, wordSize)
	case GALoad:
		return selectALoad(g, idx, n, d, c, wordSize)
	case GStore:
		return selectStore(g, idx, n, d, c, wordSize)
	case GAStore:
		return selectAStore(g, idx, n, d, c, wordSize)
	case GJmp:
		return selectJmp(g, idx, n, d, c, wordSize)
	case GSyscall:
		return selectBranchOnly(g, idx, n, d.GetSyscall(), c, wordSize, "no syscall-exit gadget available")
	case GInt80:
		return selectBranchOnly(g, idx, n, d.GetInt80(), c, wordSize, "no int80-exit gadget available")
	case GNop:
		return nil
	}
	return newFailure(idx, n.Kind, fmt.Sprintf("unhandled node kind %v", n.Kind))
}

// pickFirst scans candidates in their already-best-first order, returning
// the first whose address and effects satisfy c. It also accumulates
// rejection detail into fail for the case every candidate is rejected.
func pickFirst(candidates []*gadget.Gadget, c *constraint.Constraint, wordSize uint, fail *Failure) (*gadget.Gadget, uint64, bool) {
	for _, cand := range candidates {
		usable := c.HasUsableAddress(cand, wordSize)
		allowed := c.AllowsGadget(cand)
		if allowed && usable {
			return cand, c.UsableAddresses(cand, wordSize)[0], true
		}
		if !allowed {
			for r := range cand.ModifiedRegs {
				if c.KeepRegs[r] {
					fail.ModifiedKeepRegs[r] = true
				}
			}
		}
		if !usable {
			for _, addr := range cand.Addresses {
				for i := uint(0); i < wordSize; i++ {
					b := byte(addr >> (8 * i))
					if c.BadBytes[b] {
						fail.BadByteFails[b] = append(fail.BadByteFails[b], cand.HexStr)
					}
				}
			}
		}
	}
	return nil, 0, false
}

func assign(n *Node, g *gadget.Gadget, addr uint64) {
	n.AssignedGadget = g
	n.AssignedAddr = addr
}

// popOffset reports the SP-relative byte offset a free ("pop reg; ret"-
// shaped) gadget reads dst from, so emission knows where the caller-
// supplied constant word belongs. Not free (dst baked in as a literal, or
// some shape the index doesn't recognise) reports ok == false.
func popOffset(g *gadget.Gadget, dst arch.Reg, a *arch.Arch) (int64, bool) {
	pairs := g.Semantics.Regs[dst]
	if len(pairs) != 1 {
		return 0, false
	}
	e := pairs[0].Expr
	if e.Kind() != expr.KMem {
		return 0, false
	}
	p, ok := expr.AsPolynomial(e.Addr())
	if !ok || len(p.Coefs) != 1 {
		return 0, false
	}
	for r, coef := range p.Coefs {
		if coef != 1 || r != a.SP {
			return 0, false
		}
		return p.Const, true
	}
	return 0, false
}

// pickMovCst is pickFirst specialised for mov_cst candidates: a free
// (stack-sourced) candidate additionally needs the constant's own bytes
// to clear the bad-byte filter, since the caller supplies that constant
// as a plain chain word rather than it being baked into gadget bytes.
func pickMovCst(candidates []*gadget.Gadget, dst arch.Reg, cst int64, c *constraint.Constraint, wordSize uint, a *arch.Arch, fail *Failure) (*gadget.Gadget, uint64, *int64, bool) {
	for _, cand := range candidates {
		usable := c.HasUsableAddress(cand, wordSize)
		allowed := c.AllowsGadget(cand)
		if !allowed {
			for r := range cand.ModifiedRegs {
				if c.KeepRegs[r] {
					fail.ModifiedKeepRegs[r] = true
				}
			}
			continue
		}
		if !usable {
			for _, addr := range cand.Addresses {
				for i := uint(0); i < wordSize; i++ {
					b := byte(addr >> (8 * i))
					if c.BadBytes[b] {
						fail.BadByteFails[b] = append(fail.BadByteFails[b], cand.HexStr)
					}
				}
			}
			continue
		}
		if off, free := popOffset(cand, dst, a); free {
			if !c.AllowsAddress(uint64(cst), wordSize) {
				continue // this candidate needs the bad-byte-bearing constant supplied verbatim
			}
			addr := c.UsableAddresses(cand, wordSize)[0]
			offCopy := off
			return cand, addr, &offCopy, true
		}
		return cand, c.UsableAddresses(cand, wordSize)[0], nil, true
	}
	return nil, 0, nil, false
}

func selectMovCst(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint, a *arch.Arch) *Failure {
	cst, cstOK := resolveCst(g, n.Params[1])
	fail := newFailure(idx, n.Kind, "no mov_cst gadget satisfies the request")
	if dst, ok := resolveReg(g, n.Params[0]); ok {
		if !cstOK {
			return newFailure(idx, n.Kind, "a free constant parameter is not yet supported by selection")
		}
		cand, addr, off, ok := pickMovCst(d.GetMovCst(dst, cst), dst, cst, c, wordSize, a, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		n.PopOffset = off
		return nil
	}
	if !cstOK {
		return newFailure(idx, n.Kind, "mov_cst with both dst and cst free is not supported")
	}
	buckets := d.GetPossibleMovCst(db.MovCstPattern{Cst: &cst})
	for _, b := range buckets {
		cand, addr, off, ok := pickMovCst(b.Gadgets, b.Key.Dst, cst, c, wordSize, a, fail)
		if ok {
			n.Params[0] = fixedReg(b.Key.Dst, n.Params[0].Name)
			assign(n, cand, addr)
			n.PopOffset = off
			return nil
		}
	}
	return fail
}

func selectMovReg(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	dst, dOK := resolveReg(g, n.Params[0])
	src, sOK := resolveReg(g, n.Params[1])
	fail := newFailure(idx, n.Kind, "no mov_reg gadget satisfies the request")
	if dOK && sOK {
		cand, addr, ok := pickFirst(d.GetMovReg(dst, src), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "mov_reg with a free register parameter is not supported")
}

func selectAMovCst(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	dst, dOK := resolveReg(g, n.Params[0])
	src, sOK := resolveReg(g, n.Params[1])
	cst, cOK := resolveCst(g, n.Params[3])
	fail := newFailure(idx, n.Kind, "no amov_cst gadget satisfies the request")
	if dOK && sOK && cOK {
		cand, addr, ok := pickFirst(d.GetAMovCst(dst, src, n.Params[2].Op, cst), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "amov_cst with a free parameter is not supported")
}

func selectAMovReg(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	dst, dOK := resolveReg(g, n.Params[0])
	src, sOK := resolveReg(g, n.Params[1])
	src2, s2OK := resolveReg(g, n.Params[3])
	fail := newFailure(idx, n.Kind, "no amov_reg gadget satisfies the request")
	if dOK && sOK && s2OK {
		cand, addr, ok := pickFirst(d.GetAMovReg(dst, src, n.Params[2].Op, src2), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "amov_reg with a free parameter is not supported")
}

func selectLoad(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	dst, dOK := resolveReg(g, n.Params[0])
	addrReg, aOK := resolveReg(g, n.Params[1])
	off, oOK := resolveCst(g, n.Params[2])
	fail := newFailure(idx, n.Kind, "no load gadget satisfies the request")
	if dOK && aOK && oOK {
		cand, addr, ok := pickFirst(d.GetLoad(dst, addrReg, off), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "load with a free parameter is not supported")
}

func selectALoad(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	dst, dOK := resolveReg(g, n.Params[0])
	addrReg, aOK := resolveReg(g, n.Params[2])
	off, oOK := resolveCst(g, n.Params[3])
	fail := newFailure(idx, n.Kind, "no aload gadget satisfies the request")
	if dOK && aOK && oOK {
		cand, addr, ok := pickFirst(d.GetALoad(dst, n.Params[1].Op, addrReg, off), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "aload with a free parameter is not supported")
}

func selectStore(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	addrReg, aOK := resolveReg(g, n.Params[0])
	off, oOK := resolveCst(g, n.Params[1])
	src, sOK := resolveReg(g, n.Params[2])
	fail := newFailure(idx, n.Kind, "no store gadget satisfies the request")
	if aOK && oOK && sOK {
		cand, addr, ok := pickFirst(d.GetStore(addrReg, off, src), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "store with a free parameter is not supported")
}

func selectAStore(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	addrReg, aOK := resolveReg(g, n.Params[0])
	off, oOK := resolveCst(g, n.Params[1])
	src, sOK := resolveReg(g, n.Params[3])
	fail := newFailure(idx, n.Kind, "no astore gadget satisfies the request")
	if aOK && oOK && sOK {
		cand, addr, ok := pickFirst(d.GetAStore(addrReg, off, n.Params[2].Op, src), c, wordSize, fail)
		if !ok {
			return fail
		}
		assign(n, cand, addr)
		return nil
	}
	return newFailure(idx, n.Kind, "astore with a free parameter is not supported")
}

func selectJmp(g *Graph, idx int, n *Node, d *db.Db, c *constraint.Constraint, wordSize uint) *Failure {
	reg, ok := resolveReg(g, n.Params[0])
	fail := newFailure(idx, n.Kind, "no jmp gadget satisfies the request")
	if !ok {
		return newFailure(idx, n.Kind, "jmp with a free register is not supported")
	}
	cand, addr, ok := pickFirst(d.GetJmp(reg), c, wordSize, fail)
	if !ok {
		return fail
	}
	assign(n, cand, addr)
	return nil
}

func selectBranchOnly(g *Graph, idx int, n *Node, candidates []*gadget.Gadget, c *constraint.Constraint, wordSize uint, reason string) *Failure {
	fail := newFailure(idx, n.Kind, reason)
	cand, addr, ok := pickFirst(candidates, c, wordSize, fail)
	if !ok {
		return fail
	}
	assign(n, cand, addr)
	return nil
}
