package cond

import (
	"github.com/ropium-go/ropium/pkg/expr"
)

// Simplify reduces a condition via constant folding, polynomial
// comparison, and boolean identities. It is
// idempotent and bottom-up, mirroring expr.Simplify.
func Simplify(c *Cond) *Cond {
	switch c.kind {
	case KTrue, KFalse, KUnknown:
		return c
	case KEq, KNeq, KLt, KLe:
		return simplifyCompare(c)
	case KAnd:
		return foldAnd(Simplify(c.a), Simplify(c.b))
	case KOr:
		return foldOr(Simplify(c.a), Simplify(c.b))
	case KNot:
		return foldNot(Simplify(c.arg))
	case KValidRead, KValidWrite:
		addr := expr.Simplify(c.mem)
		if expr.IsUnknown(addr) {
			return UnknownC()
		}
		if expr.Equal(addr, c.mem) {
			return c
		}
		if c.kind == KValidRead {
			return ValidRead(addr)
		}
		return ValidWrite(addr)
	}
	return c
}

func simplifyCompare(c *Cond) *Cond {
	l := expr.Simplify(c.left)
	r := expr.Simplify(c.right)

	if expr.IsUnknown(l) || expr.IsUnknown(r) {
		return UnknownC()
	}

	if l.Kind() == expr.KCst && r.Kind() == expr.KCst {
		return fromBool(compareConst(c.kind, l.Const(), r.Const()))
	}

	// Polynomial comparison: a < b on two polynomials with the same
	// register part reduces to comparing constants.
	lp, lok := expr.AsPolynomial(l)
	rp, rok := expr.AsPolynomial(r)
	if lok && rok {
		diff := lp.Sub(rp)
		if diff.IsConstant() {
			// Register terms cancelled: l and r differ by the fixed
			// integer diff.Const regardless of the registers' values, so
			// the relation is decided by that signed difference's sign
			// rather than by the machine-width wraparound value of l or r.
			return fromBool(compareSignedDiff(c.kind, diff.Const))
		}
	}

	if expr.Equal(l, r) {
		switch c.kind {
		case KEq, KLe:
			return True()
		case KNeq, KLt:
			return False()
		}
	}

	switch c.kind {
	case KEq:
		return Eq(l, r)
	case KNeq:
		return Neq(l, r)
	case KLt:
		return Lt(l, r)
	case KLe:
		return Le(l, r)
	}
	return c
}

// compareSignedDiff decides a comparison from l-r's sign when the
// registers on both sides have cancelled out, so diff is independent of
// wraparound: diff > 0 means l > r for every value of the shared registers.
func compareSignedDiff(k Kind, diff int64) bool {
	switch k {
	case KEq:
		return diff == 0
	case KNeq:
		return diff != 0
	case KLt:
		return diff < 0
	case KLe:
		return diff <= 0
	}
	return false
}

func compareConst(k Kind, a, b uint64) bool {
	switch k {
	case KEq:
		return a == b
	case KNeq:
		return a != b
	case KLt:
		return a < b
	case KLe:
		return a <= b
	}
	return false
}

func fromBool(b bool) *Cond {
	if b {
		return True()
	}
	return False()
}

func foldNot(a *Cond) *Cond {
	switch a.kind {
	case KTrue:
		return False()
	case KFalse:
		return True()
	case KUnknown:
		return UnknownC()
	case KNot:
		// Not(Not x) = x.
		return a.arg
	}
	return Not(a)
}

func foldAnd(a, b *Cond) *Cond {
	if a.kind == KFalse || b.kind == KFalse {
		return False()
	}
	if a.kind == KTrue {
		return b
	}
	if a.kind == KUnknown && b.kind == KTrue {
		// And(True, x) = x handles this orientation too.
		return a
	}
	if b.kind == KTrue {
		return a
	}
	if a.kind == KUnknown || b.kind == KUnknown {
		return UnknownC()
	}
	if Equal(a, b) {
		return a
	}
	return And(a, b)
}

func foldOr(a, b *Cond) *Cond {
	if a.kind == KTrue || b.kind == KTrue {
		return True()
	}
	if a.kind == KFalse {
		return b
	}
	if b.kind == KFalse {
		return a
	}
	if a.kind == KUnknown || b.kind == KUnknown {
		return UnknownC()
	}
	if Equal(a, b) {
		return a
	}
	return Or(a, b)
}

// Eval reduces a condition to its three-valued truth: eval(c) is one of
// True, False, Unknown. Conditions over unsupported expressions become
// Unknown.
func Eval(c *Cond) Value {
	s := Simplify(c)
	switch s.kind {
	case KTrue:
		return VTrue
	case KFalse:
		return VFalse
	default:
		return VUnknown
	}
}
