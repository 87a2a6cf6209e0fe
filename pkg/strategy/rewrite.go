package strategy

import (
	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/db"
)

// probe reports whether a node could conceivably be satisfied by at least
// one gadget, ignoring the active Constraint entirely (existence only —
// Select applies Constraint and picks among survivors). Expand calls this
// to decide whether a node needs rewriting before Select ever runs;
// nodes with a free (not-yet-fixed) param can't be probed exactly, so
// probe is conservative and reports true rather than guessing.
func probe(n *Node, d *db.Db) bool {
	switch n.Kind {
	case GMovCst:
		dst, dOK := fixedRegOf(n.Params[0])
		cst, cOK := fixedCstOf(n.Params[1])
		if dOK && cOK {
			return len(d.GetMovCst(dst, cst)) > 0
		}
	case GMovReg:
		dst, dOK := fixedRegOf(n.Params[0])
		src, sOK := fixedRegOf(n.Params[1])
		if dOK && sOK {
			return len(d.GetMovReg(dst, src)) > 0
		}
	case GAMovCst:
		dst, dOK := fixedRegOf(n.Params[0])
		src, sOK := fixedRegOf(n.Params[1])
		cst, cOK := fixedCstOf(n.Params[3])
		if dOK && sOK && cOK {
			return len(d.GetAMovCst(dst, src, n.Params[2].Op, cst)) > 0
		}
	case GAMovReg:
		dst, dOK := fixedRegOf(n.Params[0])
		src, sOK := fixedRegOf(n.Params[1])
		src2, s2OK := fixedRegOf(n.Params[3])
		if dOK && sOK && s2OK {
			return len(d.GetAMovReg(dst, src, n.Params[2].Op, src2)) > 0
		}
	case GLoad:
		dst, dOK := fixedRegOf(n.Params[0])
		addrReg, aOK := fixedRegOf(n.Params[1])
		off, oOK := fixedCstOf(n.Params[2])
		if dOK && aOK && oOK {
			return len(d.GetLoad(dst, addrReg, off)) > 0
		}
	case GALoad:
		dst, dOK := fixedRegOf(n.Params[0])
		addrReg, aOK := fixedRegOf(n.Params[2])
		off, oOK := fixedCstOf(n.Params[3])
		if dOK && aOK && oOK {
			return len(d.GetALoad(dst, n.Params[1].Op, addrReg, off)) > 0
		}
	case GStore:
		addrReg, aOK := fixedRegOf(n.Params[0])
		off, oOK := fixedCstOf(n.Params[1])
		src, sOK := fixedRegOf(n.Params[2])
		if aOK && oOK && sOK {
			return len(d.GetStore(addrReg, off, src)) > 0
		}
	case GAStore:
		addrReg, aOK := fixedRegOf(n.Params[0])
		off, oOK := fixedCstOf(n.Params[1])
		src, sOK := fixedRegOf(n.Params[3])
		if aOK && oOK && sOK {
			return len(d.GetAStore(addrReg, off, n.Params[2].Op, src)) > 0
		}
	case GJmp:
		reg, ok := fixedRegOf(n.Params[0])
		if ok {
			return len(d.GetJmp(reg)) > 0
		}
	case GSyscall:
		return len(d.GetSyscall()) > 0
	case GInt80:
		return len(d.GetInt80()) > 0
	case GNop:
		return true
	}
	return true // an unresolved (dependent/free) param: defer the verdict to Select.
}

func fixedRegOf(p Param) (arch.Reg, bool) {
	if p.IsFixed && p.Kind == PReg {
		return p.Reg, true
	}
	return 0, false
}

func fixedCstOf(p Param) (int64, bool) {
	if p.IsFixed && p.Kind == PCst {
		return p.Cst, true
	}
	return 0, false
}

// Expand applies one rewrite rule to the first not-yet-rewritten node of g
// that fails probe, and reports whether it changed g. A caller re-probes
// (typically via Select, which will simply find the rewritten node
// satisfiable) after each successful Expand; once Expand returns false the
// graph has either no more failing nodes or none a rule can address, and
// Select's own failure (if any) is final for this graph.
func Expand(g *Graph, d *db.Db, a *arch.Arch) bool {
	if g.Depth >= maxRewriteDepth || len(g.Nodes) >= maxGraphWidth {
		return false
	}
	for _, n := range g.Nodes {
		if n.IsDisabled || n.RawValue != nil || n.Rewritten {
			continue
		}
		if probe(n, d) {
			continue
		}
		if tryRelayRule(g, n, d, a) {
			g.Depth++
			return true
		}
		n.Rewritten = true
	}
	return false
}

// tryRelayRule covers every node kind that can be rescued the same way:
// relay a single blocking register (or, for a constant load, the constant
// itself) through one extra MovReg/MovCst hop into a register the database
// does have a matching gadget for. Node kinds differ only in which param
// position is being relayed, so one generic routine drives all of them.
func tryRelayRule(g *Graph, n *Node, d *db.Db, a *arch.Arch) bool {
	switch n.Kind {
	case GMovCst:
		return relayMovCst(g, n, d, a)
	case GMovReg:
		return relayParam(g, n, d, a, 1, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			return len(d.GetMovReg(dst, cand)) > 0
		})
	case GAMovCst:
		return relayParam(g, n, d, a, 1, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			cst, _ := fixedCstOf(n.Params[3])
			return len(d.GetAMovCst(dst, cand, n.Params[2].Op, cst)) > 0
		})
	case GAMovReg:
		if relayParam(g, n, d, a, 1, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			src2, _ := fixedRegOf(n.Params[3])
			return len(d.GetAMovReg(dst, cand, n.Params[2].Op, src2)) > 0
		}) {
			return true
		}
		return relayParam(g, n, d, a, 3, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			src, _ := fixedRegOf(n.Params[1])
			return len(d.GetAMovReg(dst, src, n.Params[2].Op, cand)) > 0
		})
	case GLoad:
		return relayParam(g, n, d, a, 1, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			off, _ := fixedCstOf(n.Params[2])
			return len(d.GetLoad(dst, cand, off)) > 0
		})
	case GALoad:
		return relayParam(g, n, d, a, 2, func(cand arch.Reg) bool {
			dst, _ := fixedRegOf(n.Params[0])
			off, _ := fixedCstOf(n.Params[3])
			return len(d.GetALoad(dst, n.Params[1].Op, cand, off)) > 0
		})
	case GStore:
		if relayParam(g, n, d, a, 0, func(cand arch.Reg) bool {
			off, _ := fixedCstOf(n.Params[1])
			src, _ := fixedRegOf(n.Params[2])
			return len(d.GetStore(cand, off, src)) > 0
		}) {
			return true
		}
		return relayParam(g, n, d, a, 2, func(cand arch.Reg) bool {
			addrReg, _ := fixedRegOf(n.Params[0])
			off, _ := fixedCstOf(n.Params[1])
			return len(d.GetStore(addrReg, off, cand)) > 0
		})
	case GAStore:
		return relayParam(g, n, d, a, 3, func(cand arch.Reg) bool {
			addrReg, _ := fixedRegOf(n.Params[0])
			off, _ := fixedCstOf(n.Params[1])
			return len(d.GetAStore(addrReg, off, n.Params[2].Op, cand)) > 0
		})
	case GJmp:
		return relayParam(g, n, d, a, 0, func(cand arch.Reg) bool {
			return len(d.GetJmp(cand)) > 0
		})
	}
	return false
}

// relayMovCst handles the constant-load case: when no gadget writes cst
// directly (or via a stack-sourced free loader) into dst, find a register
// the database can load cst into and copy it into dst with a second
// gadget. n is repurposed from GMovCst into GMovReg in place — dependents
// referencing n's dst param see no change, since dst was already fixed
// before rewrite and stays fixed after.
func relayMovCst(g *Graph, n *Node, d *db.Db, a *arch.Arch) bool {
	dst, dOK := fixedRegOf(n.Params[0])
	cst, cOK := fixedCstOf(n.Params[1])
	if !dOK || !cOK {
		return false
	}
	for r := arch.Reg(0); int(r) < a.NumGPRegs; r++ {
		if r == dst {
			continue
		}
		if len(d.GetMovCst(r, cst)) == 0 {
			continue
		}
		if len(d.GetMovReg(dst, r)) == 0 {
			continue
		}
		preIdx := g.addNode(&Node{Kind: GMovCst, Params: []Param{fixedReg(r, "dst"), fixedCst(cst, "cst")}})
		n.Kind = GMovReg
		n.Params = []Param{fixedReg(dst, "dst"), depParam(PReg, "src", preIdx, 0)}
		return true
	}
	return false
}

// relayParam implements the shared register-relay mechanic: it repoints
// n.Params[paramIdx] (currently a fixed register blocking every gadget
// query) at a newly appended MovReg hop, for the first candidate register
// accept reports would let n's query succeed. n's Kind and every other
// param are untouched, so n keeps its identity for any existing
// dependent.
func relayParam(g *Graph, n *Node, d *db.Db, a *arch.Arch, paramIdx int, accept func(arch.Reg) bool) bool {
	cur, ok := fixedRegOf(n.Params[paramIdx])
	if !ok {
		return false
	}
	for r := arch.Reg(0); int(r) < a.NumGPRegs; r++ {
		if r == cur {
			continue
		}
		if len(d.GetMovReg(r, cur)) == 0 {
			continue
		}
		if !accept(r) {
			continue
		}
		preIdx := g.addNode(&Node{Kind: GMovReg, Params: []Param{fixedReg(r, "dst"), fixedReg(cur, "src")}})
		name := n.Params[paramIdx].Name
		n.Params[paramIdx] = depParam(PReg, name, preIdx, 0)
		return true
	}
	return false
}
