// Package gadget implements the gadget analyser: turning a raw
// (address, bytes) candidate from an external disassembler into a
// classified Gadget record, or a reason it was dropped. Analysis proceeds
// lift -> symbolically execute -> classify, mirroring the big
// decode-dispatch style pkg/lifter uses for individual instructions.
package gadget

import (
	"encoding/hex"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/cond"
	"github.com/ropium-go/ropium/pkg/expr"
	"github.com/ropium-go/ropium/pkg/ir"
	"github.com/ropium-go/ropium/pkg/lifter"
)

// BranchKind enumerates how a gadget hands control back, read from the
// lifted program counter's post value.
type BranchKind uint8

const (
	BranchUnknown BranchKind = iota
	BranchRet
	BranchJmp
	BranchCall
	BranchSyscall
	BranchInt80
	BranchSVC // reachable only from an ARM/Thumb lifter; this package has none
)

func (k BranchKind) String() string {
	names := [...]string{"UNKNOWN", "RET", "JMP", "CALL", "SYSCALL", "INT80", "SVC"}
	if int(k) < len(names) {
		return names[k]
	}
	return "?"
}

// Branch is the gadget's exit: a register target for JMP/CALL, meaningless
// (zero) for every other kind.
type Branch struct {
	Kind BranchKind
	Reg  arch.Reg
}

// Gadget is an immutable classified gadget record. On exit, the program
// counter equals either the top-of-stack (RET), a register value
// (JMP/CALL), or is irrelevant to the branch kind (syscall variants).
type Gadget struct {
	AsmStr    string
	HexStr    string
	Addresses []uint64
	BinNum    int

	Semantics *ir.Semantics

	NbInstr   int // machine instructions
	NbInstrIR int // lifted IR instructions

	SpInc      int64
	SpIncKnown bool
	MaxSpInc   int64

	Branch Branch

	ModifiedRegs     map[arch.Reg]bool
	DereferencedRegs map[arch.Reg]bool
}

// Less implements the gadget ordering used for result stability and
// "best first" selection: smaller sp_inc (when known) wins, then fewer
// machine instructions, then fewer IR instructions, then more candidate
// addresses (a gadget occurring at more sites is more likely to survive
// relocation or partial patching of the target binary).
func (g *Gadget) Less(o *Gadget) bool {
	if g.SpIncKnown != o.SpIncKnown {
		return g.SpIncKnown
	}
	if g.SpIncKnown && g.SpInc != o.SpInc {
		return g.SpInc < o.SpInc
	}
	if g.NbInstr != o.NbInstr {
		return g.NbInstr < o.NbInstr
	}
	if g.NbInstrIR != o.NbInstrIR {
		return g.NbInstrIR < o.NbInstrIR
	}
	return len(g.Addresses) > len(o.Addresses)
}

// ErrDropped reports that a candidate was analysed but does not qualify as
// a usable gadget (the pipeline's "otherwise, discard" paths); it is not a
// tooling failure, so callers should treat it as a filtered-out result
// rather than log it as an error.
type ErrDropped struct {
	Reason string
}

func (e *ErrDropped) Error() string { return "gadget: dropped: " + e.Reason }

// Analyse runs one raw candidate through the full pipeline: lift, execute,
// simplify, split into per-branch semantics, and classify. Every failure
// path, including a decoder that can't recognise the candidate's bytes at
// all, returns *ErrDropped: this candidate is excluded, nothing else
// about the batch it came from is affected. It does not deduplicate on
// raw bytes; callers doing batch analysis across many candidates should
// route through Pool instead, which adds that dedup layer and is safe
// for concurrent use.
func Analyse(a *arch.Arch, binNum int, address uint64, code []byte, asmStr string) ([]*Gadget, error) {
	nInstr, err := lifter.CountMachineInstrs(code, a)
	if err != nil {
		return nil, &ErrDropped{Reason: err.Error()}
	}
	block, err := lifter.LiftBlock(code, a)
	if err != nil {
		return nil, &ErrDropped{Reason: err.Error()}
	}

	sem, err := ir.Execute(block, a, map[arch.Reg]bool{a.FLAG: true})
	if err != nil {
		return nil, &ErrDropped{Reason: err.Error()}
	}
	sem = sem.Simplify()
	if sem.Empty() {
		return nil, &ErrDropped{Reason: "empty semantics"}
	}

	branches := tweak(sem)

	var out []*Gadget
	for _, bsem := range branches {
		g, ok := classify(bsem, a)
		if !ok {
			continue
		}
		g.AsmStr = asmStr
		g.HexStr = hex.EncodeToString(code)
		g.Addresses = []uint64{address}
		g.BinNum = binNum
		g.NbInstr = nInstr
		g.NbInstrIR = len(block.Instrs)
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, &ErrDropped{Reason: "no branch classified"}
	}
	return out, nil
}

// classify applies pipeline steps 4-7 to one already-tweaked (single-
// branch) Semantics value.
func classify(sem *ir.Semantics, a *arch.Arch) (*Gadget, bool) {
	spInc, spIncKnown := computeSPInc(sem, a)
	maxSpInc := maxStackRead(sem, a)
	branch, ok := computeBranch(sem, a, spInc, spIncKnown)
	if !ok {
		return nil, false
	}
	return &Gadget{
		Semantics:        sem,
		SpInc:            spInc,
		SpIncKnown:       spIncKnown,
		MaxSpInc:         maxSpInc,
		Branch:           branch,
		ModifiedRegs:     modifiedRegs(sem),
		DereferencedRegs: dereferencedRegs(sem),
	}, true
}

// computeSPInc inspects the stack pointer's post value. Acceptable forms
// reduce to SP + k for a constant k that is a multiple of the machine word
// size; anything else leaves sp_inc unknown.
func computeSPInc(sem *ir.Semantics, a *arch.Arch) (inc int64, known bool) {
	pairs, present := sem.Regs[a.SP]
	if !present {
		return 0, true
	}
	if len(pairs) != 1 {
		return 0, false
	}
	p, ok := expr.AsPolynomial(pairs[0].Expr)
	if !ok || len(p.Coefs) != 1 || p.Coefs[a.SP] != 1 {
		return 0, false
	}
	w := int64(a.WordSize)
	if p.Const%w != 0 {
		return 0, false
	}
	return p.Const, true
}

// maxStackRead bounds how far below the entry stack pointer the gadget
// reads: the largest k+width/8 over every Mem(SP+k, width) access
// surviving in the semantics (loads the executor could not resolve to a
// concrete prior store). Reads at or below SP (k<0) don't extend the
// bound; a gadget with no such access reports 0.
func maxStackRead(sem *ir.Semantics, a *arch.Arch) int64 {
	var maxOff int64
	var walk func(e *expr.Expr)
	walk = func(e *expr.Expr) {
		if e == nil {
			return
		}
		switch e.Kind() {
		case expr.KMem:
			if p, ok := expr.AsPolynomial(e.Addr()); ok && len(p.Coefs) == 1 && p.Coefs[a.SP] == 1 {
				end := p.Const + int64(e.Width())/8
				if end > maxOff {
					maxOff = end
				}
			}
			walk(e.Addr())
		case expr.KUnop:
			walk(e.Arg())
		case expr.KBinop:
			walk(e.Left())
			walk(e.Right())
		case expr.KExtract:
			walk(e.ExtractArg())
		case expr.KConcat:
			walk(e.Upper())
			walk(e.Lower())
		}
	}
	for _, pairs := range sem.Regs {
		for _, p := range pairs {
			walk(p.Expr)
		}
	}
	for _, m := range sem.Mem {
		walk(m.Addr)
		for _, v := range m.Vals {
			walk(v.Expr)
		}
	}
	return maxOff
}

// computeBranch inspects the program counter's post value and classifies
// the gadget's exit, or reports ok=false to drop it (pipeline step 5's
// "otherwise, discard").
func computeBranch(sem *ir.Semantics, a *arch.Arch, spInc int64, spIncKnown bool) (Branch, bool) {
	pairs, present := sem.Regs[a.IP]
	if !present || len(pairs) != 1 {
		return Branch{}, false
	}
	e := pairs[0].Expr

	if e.Kind() == expr.KCst {
		w := e.Width()
		switch e.Const() {
		case lifter.SyscallSentinel & maskWidth(w):
			return Branch{Kind: BranchSyscall}, true
		case lifter.Int80Sentinel & maskWidth(w):
			return Branch{Kind: BranchInt80}, true
		}
		return Branch{}, false
	}

	if e.Kind() == expr.KMem && spIncKnown {
		want := spInc - int64(a.WordSize)
		if addrIsSPPlus(e.Addr(), a, want) && spInc >= int64(a.WordSize) {
			return Branch{Kind: BranchRet}, true
		}
		return Branch{}, false
	}

	if e.Kind() == expr.KReg {
		r := e.RegIndex()
		// A CALL's lift pushes one word before loading the target register
		// into the program counter, so its net stack effect is exactly
		// -word_size; a JMP to the same shape of target leaves SP alone.
		// This is the only signal available to tell the two apart once both
		// have reduced to "jump to whatever is in register r".
		if spIncKnown && spInc == -int64(a.WordSize) {
			return Branch{Kind: BranchCall, Reg: r}, true
		}
		return Branch{Kind: BranchJmp, Reg: r}, true
	}

	return Branch{}, false
}

func addrIsSPPlus(addr *expr.Expr, a *arch.Arch, want int64) bool {
	p, ok := expr.AsPolynomial(addr)
	if !ok {
		return false
	}
	if len(p.Coefs) != 1 || p.Coefs[a.SP] != 1 {
		return false
	}
	return p.Const == want
}

func maskWidth(w uint) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// modifiedRegs reports every register whose post value is not literally
// its own pre-value variable (a register reproducing its own value under
// every branch after tweak is still "present" in Semantics, but the
// analyser only surfaces it as modified when it is something else).
func modifiedRegs(sem *ir.Semantics) map[arch.Reg]bool {
	out := map[arch.Reg]bool{}
	for r, pairs := range sem.Regs {
		if len(pairs) == 1 && pairs[0].Expr.Kind() == expr.KReg && pairs[0].Expr.RegIndex() == r {
			continue
		}
		out[r] = true
	}
	return out
}

// dereferencedRegs collects every register appearing inside a Mem(...)
// address expression, anywhere in the semantics: register post-values,
// store addresses, and stored values.
func dereferencedRegs(sem *ir.Semantics) map[arch.Reg]bool {
	out := map[arch.Reg]bool{}
	for _, pairs := range sem.Regs {
		for _, p := range pairs {
			walkMemAddrs(p.Expr, out)
		}
	}
	for _, m := range sem.Mem {
		collectRegs(m.Addr, out)
		walkMemAddrs(m.Addr, out)
		for _, v := range m.Vals {
			walkMemAddrs(v.Expr, out)
		}
	}
	return out
}

// walkMemAddrs descends e looking for Mem nodes, adding every register
// referenced inside each one's address subexpression to out.
func walkMemAddrs(e *expr.Expr, out map[arch.Reg]bool) {
	if e == nil {
		return
	}
	switch e.Kind() {
	case expr.KMem:
		collectRegs(e.Addr(), out)
		walkMemAddrs(e.Addr(), out)
	case expr.KUnop:
		walkMemAddrs(e.Arg(), out)
	case expr.KBinop:
		walkMemAddrs(e.Left(), out)
		walkMemAddrs(e.Right(), out)
	case expr.KExtract:
		walkMemAddrs(e.ExtractArg(), out)
	case expr.KConcat:
		walkMemAddrs(e.Upper(), out)
		walkMemAddrs(e.Lower(), out)
	}
}

// collectRegs adds every register leaf reachable from e to out.
func collectRegs(e *expr.Expr, out map[arch.Reg]bool) {
	if e == nil {
		return
	}
	switch e.Kind() {
	case expr.KReg:
		out[e.RegIndex()] = true
	case expr.KMem:
		collectRegs(e.Addr(), out)
	case expr.KUnop:
		collectRegs(e.Arg(), out)
	case expr.KBinop:
		collectRegs(e.Left(), out)
		collectRegs(e.Right(), out)
	case expr.KExtract:
		collectRegs(e.ExtractArg(), out)
	case expr.KConcat:
		collectRegs(e.Upper(), out)
		collectRegs(e.Lower(), out)
	}
}

// tweak splits a Semantics value with one or more genuinely conditional
// pairs into one Semantics per distinct branch condition, each collapsed
// to a single unconditional pair per register/store slot. Straight-line
// code (the overwhelming common case) has exactly one branch: itself,
// with every guard already True.
func tweak(sem *ir.Semantics) []*ir.Semantics {
	conds := distinctConds(sem)
	if len(conds) <= 1 {
		return []*ir.Semantics{collapseBranch(sem, cond.True())}
	}
	out := make([]*ir.Semantics, 0, len(conds))
	for _, c := range conds {
		out = append(out, collapseBranch(sem, c))
	}
	return out
}

// distinctConds gathers every structurally distinct non-True guard
// condition appearing anywhere in sem.
func distinctConds(sem *ir.Semantics) []*cond.Cond {
	var out []*cond.Cond
	add := func(c *cond.Cond) {
		if c.Kind() == cond.KTrue {
			return
		}
		for _, existing := range out {
			if cond.Equal(existing, c) {
				return
			}
		}
		out = append(out, c)
	}
	for _, pairs := range sem.Regs {
		for _, p := range pairs {
			add(p.Cond)
		}
	}
	for _, m := range sem.Mem {
		for _, v := range m.Vals {
			add(v.Cond)
		}
	}
	return out
}

// collapseBranch narrows sem to the single branch identified by guard: for
// every register/store value list, keep only the pairs compatible with
// guard (those whose conjunction with it is not provably False), and
// replace whatever survives with one unconditional (True) pair. A slot
// where more than one pair remains compatible degrades to Unknown — the
// branch split could not fully disambiguate it.
func collapseBranch(sem *ir.Semantics, guard *cond.Cond) *ir.Semantics {
	out := &ir.Semantics{Regs: map[arch.Reg][]ir.Pair{}}
	for r, pairs := range sem.Regs {
		if len(pairs) == 0 {
			continue // nothing survived simplification for this register: treat as unchanged
		}
		out.Regs[r] = []ir.Pair{{Expr: collapsePairs(pairs, guard), Cond: cond.True()}}
	}
	for _, m := range sem.Mem {
		if len(m.Vals) == 0 {
			continue
		}
		out.Mem = append(out.Mem, ir.MemStore{
			Addr: m.Addr,
			Vals: []ir.Pair{{Expr: collapsePairs(m.Vals, guard), Cond: cond.True()}},
		})
	}
	return out
}

func collapsePairs(pairs []ir.Pair, guard *cond.Cond) *expr.Expr {
	var match *expr.Expr
	width := uint(0)
	for _, p := range pairs {
		width = p.Expr.Width()
		if cond.Eval(cond.And(p.Cond, guard)) == cond.VFalse {
			continue
		}
		if match != nil {
			return expr.Unknown(width)
		}
		match = p.Expr
	}
	if match == nil {
		return expr.Unknown(width)
	}
	return match
}
