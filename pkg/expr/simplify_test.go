package expr

import (
	"testing"

	"github.com/ropium-go/ropium/pkg/arch"
)

func TestSimplifyIdempotent(t *testing.T) {
	r0 := Reg(arch.RegA, 64)
	r1 := Reg(arch.RegC, 64)
	cases := []*Expr{
		Binop(ADD, r0, Cst(0, 64)),
		Binop(MUL, r0, Cst(1, 64)),
		Binop(ADD, Binop(SUB, r0, r1), r1),
		Binop(XOR, r0, r0),
		Extract(r0, 63, 0),
		Unop(NOT, Unop(NOT, r0)),
		Binop(AND, r0, Cst(0, 64)),
	}
	for _, e := range cases {
		once := Simplify(e)
		twice := Simplify(once)
		if !Equal(once, twice) {
			t.Errorf("not idempotent: simplify(%s) = %s, simplify again = %s", e, once, twice)
		}
	}
}

func TestSimplifyPolynomialCancellation(t *testing.T) {
	x := Reg(arch.RegA, 32)
	y := Reg(arch.RegC, 32)
	// x + y - x -> y
	e := Binop(SUB, Binop(ADD, x, y), x)
	got := Simplify(e)
	want := Simplify(y)
	if !Equal(got, want) {
		t.Errorf("x+y-x: got %s, want %s", got, want)
	}
}

func TestSimplifyPolynomialEquivalence(t *testing.T) {
	x := Reg(arch.RegA, 32)
	y := Reg(arch.RegC, 32)
	// (x+y)+1 and (1+x)+y should simplify to the same canonical form.
	e1 := Binop(ADD, Binop(ADD, x, y), Cst(1, 32))
	e2 := Binop(ADD, Binop(ADD, Cst(1, 32), x), y)
	if !Equal(Simplify(e1), Simplify(e2)) {
		t.Errorf("polynomial canonicalisation mismatch: %s vs %s", Simplify(e1), Simplify(e2))
	}
}

func TestSimplifyNeutralElements(t *testing.T) {
	x := Reg(arch.RegA, 8)
	tests := []struct {
		in, want *Expr
	}{
		{Binop(ADD, x, Cst(0, 8)), x},
		{Binop(SUB, x, Cst(0, 8)), x},
		{Binop(MUL, x, Cst(1, 8)), x},
		{Binop(MUL, x, Cst(0, 8)), Cst(0, 8)},
		{Binop(AND, x, Cst(0xFF, 8)), x},
		{Binop(AND, x, Cst(0, 8)), Cst(0, 8)},
		{Binop(OR, x, Cst(0, 8)), x},
		{Binop(OR, x, Cst(0xFF, 8)), Cst(0xFF, 8)},
		{Binop(XOR, x, Cst(0, 8)), x},
		{Binop(XOR, x, Cst(0xFF, 8)), Unop(NOT, x)},
		{Extract(x, 7, 0), x},
	}
	for _, tc := range tests {
		got := Simplify(tc.in)
		want := Simplify(tc.want)
		if !Equal(got, want) {
			t.Errorf("simplify(%s) = %s, want %s", tc.in, got, want)
		}
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	x := Reg(arch.RegA, 64)
	y := Reg(arch.RegC, 64)
	exprs := []*Expr{
		Cst(0x1234, 32),
		x,
		Mem(Binop(ADD, x, Cst(8, 64)), 64),
		Binop(XOR, x, y),
		Extract(x, 31, 0),
		Concat(Extract(x, 63, 32), Extract(x, 31, 0)),
		Unknown(64),
	}
	for _, e := range exprs {
		s := e.String()
		parsed, err := Parse(s)
		if err != nil {
			t.Fatalf("parse(%q): %v", s, err)
		}
		if parsed.String() != s {
			t.Errorf("round trip mismatch: %q != %q", parsed.String(), s)
		}
	}
}

func TestConstantFolding(t *testing.T) {
	e := Binop(ADD, Cst(2, 8), Cst(3, 8))
	got := Simplify(e)
	if got.Kind() != KCst || got.Const() != 5 {
		t.Errorf("got %s, want Cst(5,8)", got)
	}
}
