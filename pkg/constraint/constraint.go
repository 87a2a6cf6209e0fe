// Package constraint implements the caller-facing filters a compile
// request is checked against: bad bytes, kept registers, and memory
// safety. Both the database (candidate pruning) and the strategy engine
// (final chain verification) consult the same Constraint value, so a
// gadget or chain is either fully compliant or rejected — there is no
// partial pass.
package constraint

import (
	"encoding/binary"

	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// MemSafety gates gadgets whose IR dereferences a register outside the
// caller's declared-safe set. Disabled (Enforced == false) means every
// dereference is trusted — the default, since most callers never populate
// SafeRegPointers at all.
type MemSafety struct {
	Enforced        bool
	SafeRegPointers map[arch.Reg]bool
}

// Constraint is the set of rules every gadget selection and every
// emitted chain must satisfy.
type Constraint struct {
	BadBytes  map[byte]bool
	KeepRegs  map[arch.Reg]bool
	MemSafety MemSafety
}

// New returns an empty Constraint: no bad bytes, no kept registers,
// memory safety not enforced.
func New() *Constraint {
	return &Constraint{
		BadBytes: map[byte]bool{},
		KeepRegs: map[arch.Reg]bool{},
		MemSafety: MemSafety{
			SafeRegPointers: map[arch.Reg]bool{},
		},
	}
}

// AllowsByte reports whether b may appear in an emitted address or
// padding word.
func (c *Constraint) AllowsByte(b byte) bool {
	if c == nil {
		return true
	}
	return !c.BadBytes[b]
}

// AllowsAddress reports whether every byte of addr's little-endian
// encoding at the given word width clears the bad-byte set. x86 and x64
// are both little-endian architectures, so this is the one encoding the
// two supported targets ever need.
func (c *Constraint) AllowsAddress(addr uint64, wordSize uint) bool {
	if c == nil {
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	for i := uint(0); i < wordSize; i++ {
		if c.BadBytes[buf[i]] {
			return false
		}
	}
	return true
}

// AllowsGadget reports whether g may be selected at all: it must not
// modify a kept register, and — if memory safety is enforced — it must
// not dereference a register outside the safe-pointer set. Both the
// database's candidate filtering and the strategy engine's final
// selection check consult this same rule.
func (c *Constraint) AllowsGadget(g *gadget.Gadget) bool {
	if c == nil {
		return true
	}
	for r := range c.KeepRegs {
		if g.ModifiedRegs[r] {
			return false
		}
	}
	if c.MemSafety.Enforced {
		for r := range g.DereferencedRegs {
			if !c.MemSafety.SafeRegPointers[r] {
				return false
			}
		}
	}
	return true
}

// HasUsableAddress reports whether g carries at least one address that
// clears the bad-byte filter at wordSize. A gadget can be classification-
// eligible yet still have every concrete address rejected; callers should
// prefer a gadget instance whose usable-address list isn't empty over one
// that satisfies the query but has no addresses clearing the filter.
func (c *Constraint) HasUsableAddress(g *gadget.Gadget, wordSize uint) bool {
	if c == nil {
		return len(g.Addresses) > 0
	}
	for _, a := range g.Addresses {
		if c.AllowsAddress(a, wordSize) {
			return true
		}
	}
	return false
}

// UsableAddresses returns the subset of g.Addresses that clear the
// bad-byte filter at wordSize, preserving order.
func (c *Constraint) UsableAddresses(g *gadget.Gadget, wordSize uint) []uint64 {
	var out []uint64
	for _, a := range g.Addresses {
		if c.AllowsAddress(a, wordSize) {
			out = append(out, a)
		}
	}
	return out
}
