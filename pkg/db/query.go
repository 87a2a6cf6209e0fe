package db

import (
	"sort"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// Bucket pairs one concrete key with the gadgets that realise it, the
// shape a possible-lookup returns one per matching key.
type Bucket[K any] struct {
	Key     K
	Gadgets []*gadget.Gadget
}

// GetMovCst returns every gadget setting dst to exactly cst, in stored
// (gadget-ordering) order: literal constant-loaders first where they tie
// with stack-sourced ("free") loaders on sp_inc/instruction count, since
// both groups are already merged into one sorted list.
func (d *Db) GetMovCst(dst arch.Reg, cst int64) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mergeSorted(d.movCst[MovCstKey{Dst: dst, Cst: cst}], d.movCst[MovCstKey{Dst: dst, Free: true}])
}

func (d *Db) GetMovReg(dst, src arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.movReg[MovRegKey{Dst: dst, Src: src}])
}

func (d *Db) GetAMovCst(dst, src arch.Reg, op expr.BinOp, cst int64) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.amovCst[AMovCstKey{Dst: dst, Src: src, Op: op, Cst: cst}])
}

func (d *Db) GetAMovReg(dst, src1 arch.Reg, op expr.BinOp, src2 arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.amovReg[AMovRegKey{Dst: dst, Src1: src1, Op: op, Src2: src2}])
}

func (d *Db) GetLoad(dst, addrReg arch.Reg, offset int64) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.load[LoadKey{Dst: dst, AddrReg: addrReg, Offset: offset}])
}

func (d *Db) GetALoad(dst arch.Reg, op expr.BinOp, addrReg arch.Reg, offset int64) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.aload[ALoadKey{Dst: dst, Op: op, AddrReg: addrReg, Offset: offset}])
}

func (d *Db) GetStore(addrReg arch.Reg, offset int64, src arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.store[StoreKey{AddrReg: addrReg, Offset: offset, Src: src}])
}

func (d *Db) GetAStore(addrReg arch.Reg, offset int64, op expr.BinOp, src arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.astore[AStoreKey{AddrReg: addrReg, Offset: offset, Op: op, Src: src}])
}

func (d *Db) GetJmp(reg arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.jmp[reg])
}

func (d *Db) GetCall(reg arch.Reg) []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.call[reg])
}

func (d *Db) GetSyscall() []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.syscall)
}

func (d *Db) GetInt80() []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.int80)
}

func (d *Db) GetSVC() []*gadget.Gadget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyBucket(d.svc)
}

// sortBuckets orders possible-lookup results by the best gadget in each
// bucket under the gadget ordering; every bucket is already internally
// sorted by insertSorted, so only bucket[0] needs comparing.
func sortBuckets[K any](out []Bucket[K]) []Bucket[K] {
	sort.Slice(out, func(i, j int) bool { return out[i].Gadgets[0].Less(out[j].Gadgets[0]) })
	return out
}

// GetPossibleMovCst returns every mov_cst bucket whose fixed pattern
// positions match, best-bucket-first. A free ("pop reg; ret"-shaped)
// bucket realises any constant (the chain builder supplies it as a plain
// stack word at emission time, per popOffset), so it satisfies a fixed
// Cst exactly as well as a literal bucket whose baked-in constant happens
// to match — only a literal bucket with the wrong constant is excluded.
func (d *Db) GetPossibleMovCst(p MovCstPattern) []Bucket[MovCstKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[MovCstKey]
	for k, gs := range d.movCst {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.Cst != nil && !k.Free && k.Cst != *p.Cst {
			continue
		}
		out = append(out, Bucket[MovCstKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleMovReg(p MovRegPattern) []Bucket[MovRegKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[MovRegKey]
	for k, gs := range d.movReg {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.Src != nil && k.Src != *p.Src {
			continue
		}
		out = append(out, Bucket[MovRegKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleAMovCst(p AMovCstPattern) []Bucket[AMovCstKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[AMovCstKey]
	for k, gs := range d.amovCst {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.Src != nil && k.Src != *p.Src {
			continue
		}
		if p.Op != nil && k.Op != *p.Op {
			continue
		}
		if p.Cst != nil && k.Cst != *p.Cst {
			continue
		}
		out = append(out, Bucket[AMovCstKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleAMovReg(p AMovRegPattern) []Bucket[AMovRegKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[AMovRegKey]
	for k, gs := range d.amovReg {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.Src1 != nil && k.Src1 != *p.Src1 {
			continue
		}
		if p.Op != nil && k.Op != *p.Op {
			continue
		}
		if p.Src2 != nil && k.Src2 != *p.Src2 {
			continue
		}
		out = append(out, Bucket[AMovRegKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleLoad(p LoadPattern) []Bucket[LoadKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[LoadKey]
	for k, gs := range d.load {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.AddrReg != nil && k.AddrReg != *p.AddrReg {
			continue
		}
		if p.Offset != nil && k.Offset != *p.Offset {
			continue
		}
		out = append(out, Bucket[LoadKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleALoad(p ALoadPattern) []Bucket[ALoadKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[ALoadKey]
	for k, gs := range d.aload {
		if p.Dst != nil && k.Dst != *p.Dst {
			continue
		}
		if p.AddrReg != nil && k.AddrReg != *p.AddrReg {
			continue
		}
		if p.Op != nil && k.Op != *p.Op {
			continue
		}
		if p.Offset != nil && k.Offset != *p.Offset {
			continue
		}
		out = append(out, Bucket[ALoadKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleStore(p StorePattern) []Bucket[StoreKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[StoreKey]
	for k, gs := range d.store {
		if p.AddrReg != nil && k.AddrReg != *p.AddrReg {
			continue
		}
		if p.Offset != nil && k.Offset != *p.Offset {
			continue
		}
		if p.Src != nil && k.Src != *p.Src {
			continue
		}
		out = append(out, Bucket[StoreKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}

func (d *Db) GetPossibleAStore(p AStorePattern) []Bucket[AStoreKey] {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Bucket[AStoreKey]
	for k, gs := range d.astore {
		if p.AddrReg != nil && k.AddrReg != *p.AddrReg {
			continue
		}
		if p.Offset != nil && k.Offset != *p.Offset {
			continue
		}
		if p.Op != nil && k.Op != *p.Op {
			continue
		}
		if p.Src != nil && k.Src != *p.Src {
			continue
		}
		out = append(out, Bucket[AStoreKey]{Key: k, Gadgets: copyBucket(gs)})
	}
	return sortBuckets(out)
}
