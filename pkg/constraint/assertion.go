package constraint

import "github.com/ropium-go/ropium/pkg/gadget"

// AssertionKind is a closed set of scheduling-time predicates the
// strategy engine checks in addition to pure register-interference
// scheduling. These catch soundness problems interference
// tracking alone can't see: interference only reasons about registers a
// later gadget reads before an earlier one's write is consumed, not about
// control-flow-shaped constraints like "nothing may execute after the
// gadget that hands off control".
type AssertionKind uint8

const (
	// StackNeutral requires every gadget scheduled under this assertion
	// to have a known, non-negative sp_inc: chain padding arithmetic
	// depends on it.
	StackNeutral AssertionKind = iota
	// NoSyscallBefore forbids scheduling a SYSCALL/INT80/SVC-branch
	// gadget anywhere but last: a syscall gadget hands control to the
	// kernel and never returns to the chain, so nothing placed after it
	// would run.
	NoSyscallBefore
)

// Assertion pairs a scheduling predicate with the node it applies to,
// identified by the node's position in the strategy graph's node list.
// Trusted-pointer registers already live on Constraint.MemSafety, so
// Assertion is left to the scheduling-only predicates that have no other
// natural home.
type Assertion struct {
	Kind    AssertionKind
	NodeIdx int
}

// Holds reports whether g satisfies assertion a, given whether g is the
// final gadget scheduled in its chain.
func (a Assertion) Holds(g *gadget.Gadget, isLast bool) bool {
	switch a.Kind {
	case StackNeutral:
		return g.SpIncKnown && g.SpInc >= 0
	case NoSyscallBefore:
		if isLast {
			return true
		}
		switch g.Branch.Kind {
		case gadget.BranchSyscall, gadget.BranchInt80, gadget.BranchSVC:
			return false
		}
		return true
	}
	return true
}
