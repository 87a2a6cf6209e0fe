// Package db implements the gadget database: an append-only collection of
// classified gadgets plus a set of typed multi-key indices over their
// effects, so the strategy engine can ask "what sets rax to 0" or "what
// loads rbx from [rsp+8]" without scanning every gadget.
//
// Each index is a plain Go map from a small comparable key struct to a
// bucket of gadgets, the same shape pkg/gadget/pool.go uses for raw-bytes
// dedup, kept sorted by the gadget ordering on insert rather than re-sorted
// on every read.
package db

import (
	"sort"
	"sync"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
	"github.com/ropium-go/ropium/pkg/gadget"
	"github.com/ropium-go/ropium/pkg/ir"
)

// Db is the gadget database for one architecture. Mutation is exclusive
// (callers serialise Add, e.g. through pkg/disasm's ingestion pipeline);
// reads may run concurrently with each other but not with a write, so the
// mutex here is the same "double-checked, hold for the whole op" shape as
// pkg/gadget.Pool rather than a sync.RWMutex: inserts are rare relative to
// queries but never so hot that read/write splitting is worth the extra
// lock type.
type Db struct {
	Arch *arch.Arch

	mu  sync.Mutex
	all []*gadget.Gadget

	movCst  map[MovCstKey][]*gadget.Gadget
	movReg  map[MovRegKey][]*gadget.Gadget
	amovCst map[AMovCstKey][]*gadget.Gadget
	amovReg map[AMovRegKey][]*gadget.Gadget
	load    map[LoadKey][]*gadget.Gadget
	aload   map[ALoadKey][]*gadget.Gadget
	store   map[StoreKey][]*gadget.Gadget
	astore  map[AStoreKey][]*gadget.Gadget
	jmp     map[arch.Reg][]*gadget.Gadget
	call    map[arch.Reg][]*gadget.Gadget
	syscall []*gadget.Gadget
	int80   []*gadget.Gadget
	svc     []*gadget.Gadget
}

// New creates an empty database for the given architecture.
func New(a *arch.Arch) *Db {
	return &Db{
		Arch:    a,
		movCst:  map[MovCstKey][]*gadget.Gadget{},
		movReg:  map[MovRegKey][]*gadget.Gadget{},
		amovCst: map[AMovCstKey][]*gadget.Gadget{},
		amovReg: map[AMovRegKey][]*gadget.Gadget{},
		load:    map[LoadKey][]*gadget.Gadget{},
		aload:   map[ALoadKey][]*gadget.Gadget{},
		store:   map[StoreKey][]*gadget.Gadget{},
		astore:  map[AStoreKey][]*gadget.Gadget{},
		jmp:     map[arch.Reg][]*gadget.Gadget{},
		call:    map[arch.Reg][]*gadget.Gadget{},
	}
}

// Len reports how many gadgets have been added.
func (d *Db) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.all)
}

// All returns a copy of every gadget in the database, in insertion order.
func (d *Db) All() []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*gadget.Gadget, len(d.all))
	copy(out, d.all)
	return out
}

// Add classifies g against every index it can populate. A gadget commonly
// populates several: "pop rax; ret" realises mov_cst (free) for rax and,
// if rax happened to equal some other register's value going in, nothing
// else — but "mov rax, rbx; ret" realises only mov_reg, while an
// arithmetic gadget can realise both amov_cst/amov_reg and, through its
// sp_inc, nothing stack-related at all.
func (d *Db) Add(g *gadget.Gadget) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.all = append(d.all, g)

	for r := range g.ModifiedRegs {
		pairs := g.Semantics.Regs[r]
		if len(pairs) != 1 {
			continue // tweak could not fully disambiguate this slot
		}
		d.classifyReg(g, r, pairs[0].Expr)
	}
	for _, m := range g.Semantics.Mem {
		d.classifyMem(g, m)
	}

	switch g.Branch.Kind {
	case gadget.BranchJmp:
		d.jmp[g.Branch.Reg] = insertSorted(d.jmp[g.Branch.Reg], g)
	case gadget.BranchCall:
		d.call[g.Branch.Reg] = insertSorted(d.call[g.Branch.Reg], g)
	case gadget.BranchSyscall:
		d.syscall = insertSorted(d.syscall, g)
	case gadget.BranchInt80:
		d.int80 = insertSorted(d.int80, g)
	case gadget.BranchSVC:
		d.svc = insertSorted(d.svc, g)
	}
}

func (d *Db) classifyReg(g *gadget.Gadget, r arch.Reg, e *expr.Expr) {
	switch e.Kind() {
	case expr.KCst:
		k := MovCstKey{Dst: r, Cst: int64(e.Const())}
		d.movCst[k] = insertSorted(d.movCst[k], g)

	case expr.KReg:
		src := e.RegIndex()
		if src == r {
			return // identity: excluded from ModifiedRegs already, but cheap to guard
		}
		k := MovRegKey{Dst: r, Src: src}
		d.movReg[k] = insertSorted(d.movReg[k], g)

	case expr.KMem:
		addrReg, off, ok := resolveAddr(e.Addr(), d.Arch)
		if !ok {
			return
		}
		k := LoadKey{Dst: r, AddrReg: addrReg, Offset: off}
		d.load[k] = insertSorted(d.load[k], g)

		if addrReg == d.Arch.SP && g.SpIncKnown && off >= 0 && off < g.SpInc {
			fk := MovCstKey{Dst: r, Free: true}
			d.movCst[fk] = insertSorted(d.movCst[fk], g)
		}

	case expr.KBinop:
		d.classifyBinop(g, r, e)
	}
}

func (d *Db) classifyBinop(g *gadget.Gadget, r arch.Reg, e *expr.Expr) {
	l, rhs := e.Left(), e.Right()
	if l.Kind() != expr.KReg {
		return // every indexed arithmetic shape reads its first operand from a register
	}
	src := l.RegIndex()
	op := e.BinOp()

	switch rhs.Kind() {
	case expr.KCst:
		k := AMovCstKey{Dst: r, Src: src, Op: op, Cst: int64(rhs.Const())}
		d.amovCst[k] = insertSorted(d.amovCst[k], g)

	case expr.KReg:
		k := AMovRegKey{Dst: r, Src1: src, Op: op, Src2: rhs.RegIndex()}
		d.amovReg[k] = insertSorted(d.amovReg[k], g)

	case expr.KMem:
		if src != r {
			return // aload is specifically an accumulate: dst := dst Op Mem(...)
		}
		addrReg, off, ok := resolveAddr(rhs.Addr(), d.Arch)
		if !ok {
			return
		}
		k := ALoadKey{Dst: r, Op: op, AddrReg: addrReg, Offset: off}
		d.aload[k] = insertSorted(d.aload[k], g)
	}
}

func (d *Db) classifyMem(g *gadget.Gadget, m ir.MemStore) {
	addrReg, off, ok := resolveAddr(m.Addr, d.Arch)
	if !ok || len(m.Vals) != 1 {
		return
	}
	v := m.Vals[0].Expr

	switch v.Kind() {
	case expr.KReg:
		k := StoreKey{AddrReg: addrReg, Offset: off, Src: v.RegIndex()}
		d.store[k] = insertSorted(d.store[k], g)

	case expr.KBinop:
		l, rhs := v.Left(), v.Right()
		if l.Kind() != expr.KMem || rhs.Kind() != expr.KReg {
			return
		}
		laddrReg, loff, ok := resolveAddr(l.Addr(), d.Arch)
		if !ok || laddrReg != addrReg || loff != off {
			return // astore is a read-modify-write of the very cell being written
		}
		k := AStoreKey{AddrReg: addrReg, Offset: off, Op: v.BinOp(), Src: rhs.RegIndex()}
		d.astore[k] = insertSorted(d.astore[k], g)
	}
}

// resolveAddr recognises addr as reg+offset, the only address shape every
// index understands; anything that doesn't reduce to a single register
// with unit coefficient (an unresolved symbolic address, a two-register
// sum, a scaled index) is reported as not ok rather than guessed at.
func resolveAddr(addr *expr.Expr, a *arch.Arch) (reg arch.Reg, offset int64, ok bool) {
	p, ok := expr.AsPolynomial(addr)
	if !ok || len(p.Coefs) != 1 {
		return 0, 0, false
	}
	for r, c := range p.Coefs {
		if c != 1 {
			return 0, 0, false
		}
		return r, p.Const, true
	}
	return 0, 0, false
}

// insertSorted inserts g into an already-sorted (by Gadget.Less) bucket,
// keeping it sorted, so every read sees candidates in best-first order
// without needing to re-sort.
func insertSorted(bucket []*gadget.Gadget, g *gadget.Gadget) []*gadget.Gadget {
	i := sort.Search(len(bucket), func(i int) bool { return g.Less(bucket[i]) })
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = g
	return bucket
}

// mergeSorted merges two buckets already sorted by Gadget.Less into one.
func mergeSorted(a, b []*gadget.Gadget) []*gadget.Gadget {
	if len(a) == 0 {
		return copyBucket(b)
	}
	if len(b) == 0 {
		return copyBucket(a)
	}
	out := make([]*gadget.Gadget, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Less(b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func copyBucket(b []*gadget.Gadget) []*gadget.Gadget {
	if len(b) == 0 {
		return nil
	}
	out := make([]*gadget.Gadget, len(b))
	copy(out, b)
	return out
}
