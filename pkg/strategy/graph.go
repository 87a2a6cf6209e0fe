// Package strategy implements the engine's core data model and search:
// building a strategy graph from an IL instruction, expanding it with
// rewrite rules when no direct gadget match exists, selecting concrete
// gadgets against the database, scheduling the selection, and emitting
// the final chain.
package strategy

import (
	"github.com/ropium-go/ropium/pkg/arch"
	"github.com/ropium-go/ropium/pkg/constraint"
	"github.com/ropium-go/ropium/pkg/expr"
	"github.com/ropium-go/ropium/pkg/gadget"
)

// GadgetType names the effect kind a Node's assigned gadget must realise.
// Each non-Nop kind corresponds one-for-one to an il.Kind and a database
// index, the same correspondence il.Instr.Kind already carries.
type GadgetType uint8

const (
	GMovCst GadgetType = iota
	GMovReg
	GAMovCst
	GAMovReg
	GLoad
	GALoad
	GStore
	GAStore
	GJmp
	GCall
	GSyscall
	GInt80
	GNop
)

func (k GadgetType) String() string {
	names := [...]string{
		"MovCst", "MovReg", "AMovCst", "AMovReg", "Load", "ALoad",
		"Store", "AStore", "Jmp", "Call", "Syscall", "Int80", "Nop",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "?"
}

// ParamKind discriminates a Param's payload: a constant, a register, an
// arithmetic operator, or none of the above.
type ParamKind uint8

const (
	PCst ParamKind = iota
	PReg
	POp
	PNone
)

// Dep names a producing param: the node and param index whose resolved
// value this param copies once the producer has been assigned.
type Dep struct {
	NodeIdx  int
	ParamIdx int
}

// Param is one positional argument of a Node. A param is "dependent" when
// it names a non-empty Deps list (its value is copied from a producer
// once that producer resolves); "free" when IsFixed is false and Deps is
// empty (the selector may pick any value satisfying the node's query);
// "fixed" when the IL instruction nailed the value down directly.
type Param struct {
	Kind ParamKind
	Cst  int64
	Reg  arch.Reg
	Op   expr.BinOp

	Name    string // debug label, e.g. "dst", "offset"
	IsFixed bool
	Deps    []Dep
}

// IsDependent reports whether this param's value is copied from a
// producer rather than chosen directly.
func (p Param) IsDependent() bool { return !p.IsFixed && len(p.Deps) > 0 }

// IsFree reports whether this param has no fixed value and no producer —
// the selector is free to pick any value that satisfies the node's query.
func (p Param) IsFree() bool { return !p.IsFixed && len(p.Deps) == 0 }

// SpecialPadding pairs an offset within a node's gadget's stack frame
// with the value that must be written there (e.g. the constant a
// stack-sourced constant-load relay's popped slot must carry).
type SpecialPadding struct {
	Offset int64
	Value  Param
}

// Node is one abstract gadget slot in a strategy graph.
type Node struct {
	Kind   GadgetType
	Params []Param

	// StrategyNext/StrategyPrev are execution-order edges: the order
	// gadgets must run in for the instruction's effect to hold.
	StrategyNext []int
	StrategyPrev []int

	SpecialPaddings []SpecialPadding

	// BranchWant, if not BranchUnknown, is the branch kind the assigned
	// gadget must have beyond whatever its GadgetType already implies
	// (Jmp/Syscall/Int80 carry their own implicit requirement).
	BranchWant gadget.BranchKind

	AssignedGadget *gadget.Gadget
	AssignedAddr   uint64
	IsIndirect     bool
	IsDisabled     bool

	// Rewritten marks a node the rewrite engine has already given up on
	// expanding further (no rule matched), so repeated Expand passes don't
	// keep re-probing it once it's a known dead end for this graph.
	Rewritten bool

	// PopOffset is set on a GMovCst node whose assigned gadget is
	// stack-sourced ("pop reg; ret"-shaped) rather than constant-encoding:
	// the caller must supply the constant itself as the chain word at this
	// byte offset from the gadget's own address. Nil for a gadget whose
	// bytes already bake the constant in.
	PopOffset *int64

	// RawValue, when non-nil, marks a node that needs no gadget
	// selection at all: a function-call target address that the
	// preceding gadget's own exit returns directly into (the standard
	// ret-to-function technique — no indirection gadget required).
	// Selection skips these; emission places them as a raw Constant item.
	RawValue *int64

	// ExtraStackValues lists stack-passed call arguments beyond the ABI's
	// register slice: raw constants emitted as their own Constant chain
	// items immediately after this node's own item. Only meaningful on a
	// RawValue call-target node.
	ExtraStackValues []int64

	// MandatoryFollowing, if >= 0, names a node that must be scheduled
	// immediately after this one (a rewrite-introduced producer/consumer
	// pair that cannot be interleaved with anything else).
	MandatoryFollowing int

	Comment string
}

// Graph is one candidate strategy graph: a seed, or a rewrite of one,
// covering a single IL instruction.
type Graph struct {
	Nodes []*Node
	Root  int
	Depth int // rewrite-application count so far, bounds expansion

	// Assertions are scheduling-time predicates Validate checks in
	// addition to register interference — see constraint.Assertion.
	// Build attaches one per node whose effect depends on where it lands
	// in the final order (a syscall-branch node, for instance).
	Assertions []constraint.Assertion

	// SourceLine/SourceComment carry through from the originating
	// il.Instr for chain item comments.
	SourceLine    int
	SourceComment string
}

func (g *Graph) addNode(n *Node) int {
	// MandatoryFollowing's zero value would otherwise collide with node
	// index 0; callers that need it set it explicitly after addNode
	// returns, never inside the composite literal.
	n.MandatoryFollowing = -1
	g.Nodes = append(g.Nodes, n)
	return len(g.Nodes) - 1
}

const (
	maxRewriteDepth = 8
	maxGraphWidth   = 32
)
