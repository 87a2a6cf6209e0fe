package db

import (
	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/expr"
)

// MovCstKey indexes a gadget that sets Dst to a literal constant. Free
// marks a "pop reg; ret"-shaped gadget instead: it loads Dst from a stack
// slot the chain builder fills itself, so it realises any constant and Cst
// is meaningless on such a key.
type MovCstKey struct {
	Dst  arch.Reg
	Cst  int64
	Free bool
}

// MovRegKey indexes Dst := Src, a verbatim register copy.
type MovRegKey struct {
	Dst, Src arch.Reg
}

// AMovCstKey indexes Dst := Src Op Cst.
type AMovCstKey struct {
	Dst, Src arch.Reg
	Op       expr.BinOp
	Cst      int64
}

// AMovRegKey indexes Dst := Src1 Op Src2.
type AMovRegKey struct {
	Dst, Src1 arch.Reg
	Op        expr.BinOp
	Src2      arch.Reg
}

// LoadKey indexes Dst := Mem(AddrReg + Offset).
type LoadKey struct {
	Dst, AddrReg arch.Reg
	Offset       int64
}

// ALoadKey indexes Dst := Dst Op Mem(AddrReg + Offset): a read-modify
// accumulation into Dst from memory, as opposed to a plain Load.
type ALoadKey struct {
	Dst     arch.Reg
	Op      expr.BinOp
	AddrReg arch.Reg
	Offset  int64
}

// StoreKey indexes Mem(AddrReg + Offset) := Src.
type StoreKey struct {
	AddrReg arch.Reg
	Offset  int64
	Src     arch.Reg
}

// AStoreKey indexes Mem(AddrReg + Offset) := Mem(AddrReg + Offset) Op Src: a
// read-modify-write of the same memory cell.
type AStoreKey struct {
	AddrReg arch.Reg
	Offset  int64
	Op      expr.BinOp
	Src     arch.Reg
}

// MovCstPattern is a possible-lookup query over the mov_cst index; a nil
// field is free (matches any value at that position).
type MovCstPattern struct {
	Dst *arch.Reg
	Cst *int64
}

// MovRegPattern is a possible-lookup query over the mov_reg index.
type MovRegPattern struct {
	Dst, Src *arch.Reg
}

// AMovCstPattern is a possible-lookup query over the amov_cst index.
type AMovCstPattern struct {
	Dst, Src *arch.Reg
	Op       *expr.BinOp
	Cst      *int64
}

// AMovRegPattern is a possible-lookup query over the amov_reg index.
type AMovRegPattern struct {
	Dst, Src1 *arch.Reg
	Op        *expr.BinOp
	Src2      *arch.Reg
}

// LoadPattern is a possible-lookup query over the load index.
type LoadPattern struct {
	Dst, AddrReg *arch.Reg
	Offset       *int64
}

// ALoadPattern is a possible-lookup query over the aload index.
type ALoadPattern struct {
	Dst, AddrReg *arch.Reg
	Op           *expr.BinOp
	Offset       *int64
}

// StorePattern is a possible-lookup query over the store index.
type StorePattern struct {
	AddrReg, Src *arch.Reg
	Offset       *int64
}

// AStorePattern is a possible-lookup query over the astore index.
type AStorePattern struct {
	AddrReg, Src *arch.Reg
	Op           *expr.BinOp
	Offset       *int64
}
