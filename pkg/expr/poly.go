package expr

import (
	"sort"

	"github.com/ropium-go/ropium/pkg/arch"
)

// Polynomial is an affine-polynomial canonical side-representation,
// computed lazily and cached per node, used as the canonical form for
// add/sub/mul-by-constant expressions: a coefficient per register plus a
// constant term, over a fixed bit width with wraparound arithmetic.
type Polynomial struct {
	Width uint
	Coefs map[arch.Reg]int64
	Const int64
}

func newPoly(width uint) *Polynomial {
	return &Polynomial{Width: width, Coefs: map[arch.Reg]int64{}}
}

func (p *Polynomial) clone() *Polynomial {
	q := newPoly(p.Width)
	q.Const = p.Const
	for k, v := range p.Coefs {
		q.Coefs[k] = v
	}
	return q
}

func (p *Polynomial) addScaled(o *Polynomial, scale int64) {
	for r, c := range o.Coefs {
		p.Coefs[r] += c * scale
	}
	p.Const += o.Const * scale
	p.trim()
}

func (p *Polynomial) trim() {
	m := mask(p.Width)
	for r, c := range p.Coefs {
		c = c & int64(m)
		if c == 0 {
			delete(p.Coefs, r)
		} else {
			p.Coefs[r] = c
		}
	}
	// Const keeps a sign-extended (two's complement) representation rather
	// than the raw unsigned residue: ToExpr/Equal only ever reconstruct it
	// through Cst's own masking, but Sub's result also feeds ordering
	// comparisons (cond.Lt/Le) that need the genuine signed magnitude of a
	// cancelled-registers difference, not its unsigned bit pattern.
	p.Const = signExtend(p.Const, p.Width)
}

// signExtend reinterprets the low `width` bits of v as a two's-complement
// signed integer of that width.
func signExtend(v int64, width uint) int64 {
	if width >= 64 {
		return v
	}
	m := int64(1) << width
	v &= m - 1
	if v >= m/2 {
		v -= m
	}
	return v
}

// IsConstant reports whether every register coefficient is zero.
func (p *Polynomial) IsConstant() bool {
	return len(p.Coefs) == 0
}

// Equal reports whether two polynomials over the same width describe the
// same affine function: for every pair of expressions e1, e2 equal as
// affine polynomials, simplify(e1) == simplify(e2).
func (p *Polynomial) Equal(o *Polynomial) bool {
	if p.Width != o.Width || p.Const != o.Const {
		return false
	}
	if len(p.Coefs) != len(o.Coefs) {
		return false
	}
	for r, c := range p.Coefs {
		if o.Coefs[r] != c {
			return false
		}
	}
	return true
}

// Sub returns p - o, used by the symbolic executor's disjointness
// reasoning: disjointness is expressed as two inequalities on the
// polynomial form.
func (p *Polynomial) Sub(o *Polynomial) *Polynomial {
	r := p.clone()
	r.addScaled(o, -1)
	return r
}

// ToExpr lowers the polynomial back to a canonical Expr by concatenating
// terms in ascending register-index order: the polynomial is lowered
// back to a canonical expression by concatenating terms in register-index
// order.
func (p *Polynomial) ToExpr() *Expr {
	regs := make([]arch.Reg, 0, len(p.Coefs))
	for r := range p.Coefs {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })

	var acc *Expr
	for _, r := range regs {
		coef := p.Coefs[r]
		term := Reg(r, p.Width)
		if coef != 1 {
			term = Binop(MUL, Cst(uint64(coef), p.Width), term)
		}
		if acc == nil {
			acc = term
		} else {
			acc = Binop(ADD, acc, term)
		}
	}
	if acc == nil {
		return Cst(uint64(p.Const), p.Width)
	}
	if p.Const != 0 {
		acc = Binop(ADD, acc, Cst(uint64(p.Const), p.Width))
	}
	return acc
}

// AsPolynomial computes (or returns the cached copy of) e's affine-
// polynomial form. ok is false when e contains anything other than Reg,
// Cst, ADD, SUB, or MUL-by-constant.
func AsPolynomial(e *Expr) (*Polynomial, bool) {
	if e.polyCached {
		return e.polyCache, e.polyCache != nil
	}
	p, ok := buildPoly(e)
	e.polyCached = true
	if ok {
		e.polyCache = p
	}
	return p, ok
}

func buildPoly(e *Expr) (*Polynomial, bool) {
	switch e.kind {
	case KCst:
		p := newPoly(e.width)
		p.Const = int64(e.Const())
		return p, true
	case KReg:
		p := newPoly(e.width)
		p.Coefs[e.reg] = 1
		return p, true
	case KBinop:
		switch e.binop {
		case ADD, SUB:
			lp, ok := AsPolynomial(e.left)
			if !ok {
				return nil, false
			}
			rp, ok := AsPolynomial(e.right)
			if !ok {
				return nil, false
			}
			scale := int64(1)
			if e.binop == SUB {
				scale = -1
			}
			out := lp.clone()
			out.addScaled(rp, scale)
			return out, true
		case MUL:
			// Only MUL-by-constant is affine.
			if e.left.kind == KCst {
				rp, ok := AsPolynomial(e.right)
				if !ok {
					return nil, false
				}
				out := newPoly(e.width)
				out.addScaled(rp, int64(e.left.Const()))
				return out, true
			}
			if e.right.kind == KCst {
				lp, ok := AsPolynomial(e.left)
				if !ok {
					return nil, false
				}
				out := newPoly(e.width)
				out.addScaled(lp, int64(e.right.Const()))
				return out, true
			}
			return nil, false
		}
	}
	return nil, false
}
