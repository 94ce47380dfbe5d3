package retrace_test

import (
	"testing"

	"github.com/benbjohnson/retrace"
	"github.com/google/go-cmp/cmp"
)

func TestExprWidth(t *testing.T) {
	t.Run("ConstantExpr", func(t *testing.T) {
		if w := retrace.ExprWidth(&retrace.ConstantExpr{Value: 0, Width: 8}); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("SelectExpr", func(t *testing.T) {
		if w := retrace.ExprWidth(&retrace.SelectExpr{}); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ConcatExpr", func(t *testing.T) {
		if w := retrace.ExprWidth(&retrace.ConcatExpr{
			MSB: &retrace.ConstantExpr{Value: 0, Width: 8},
			LSB: &retrace.ConstantExpr{Value: 0, Width: 16},
		}); w != 24 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ExtractExpr", func(t *testing.T) {
		if w := retrace.ExprWidth(&retrace.ExtractExpr{
			Expr:   &retrace.ConstantExpr{Value: 0, Width: 32},
			Offset: 8,
			Width:  16,
		}); w != 16 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("NotExpr", func(t *testing.T) {
		if w := retrace.ExprWidth(&retrace.NotExpr{Expr: &retrace.ConstantExpr{Value: 0, Width: 8}}); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("BinaryExpr", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			if w := retrace.ExprWidth(&retrace.BinaryExpr{
				Op:  retrace.EQ,
				LHS: &retrace.ConstantExpr{Value: 0, Width: 8},
				RHS: &retrace.ConstantExpr{Value: 0, Width: 8},
			}); w != 1 {
				t.Fatalf("unexpected width: %d", w)
			}
		})
		t.Run("NonBool", func(t *testing.T) {
			if w := retrace.ExprWidth(&retrace.BinaryExpr{
				Op:  retrace.ADD,
				LHS: &retrace.ConstantExpr{Value: 0, Width: 8},
				RHS: &retrace.ConstantExpr{Value: 0, Width: 8},
			}); w != 8 {
				t.Fatalf("unexpected width: %d", w)
			}
		})
	})
}

func TestBinaryOp_String(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		if s := retrace.ADD.String(); s != "add" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
	t.Run("Unknown", func(t *testing.T) {
		if s := retrace.BinaryOp(1000).String(); s != "BinaryOp<1000>" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
}

func TestNewBinaryExpr(t *testing.T) {
	t.Run("FoldConstants", func(t *testing.T) {
		for _, tt := range []struct {
			op       retrace.BinaryOp
			lhs, rhs uint64
			exp      uint64
		}{
			{retrace.ADD, 10, 3, 13},
			{retrace.SUB, 10, 3, 7},
			{retrace.MUL, 10, 3, 30},
			{retrace.AND, 0xf0, 0x3c, 0x30},
			{retrace.OR, 0xf0, 0x3c, 0xfc},
			{retrace.XOR, 0xf0, 0x3c, 0xcc},
			{retrace.SHL, 0x01, 4, 0x10},
			{retrace.LSHR, 0x80, 4, 0x08},
		} {
			t.Run(tt.op.String(), func(t *testing.T) {
				expr := retrace.NewBinaryExpr(tt.op,
					retrace.NewConstantExpr8(tt.lhs),
					retrace.NewConstantExpr8(tt.rhs),
				)
				if got, exp := expr, retrace.NewConstantExpr8(tt.exp); retrace.CompareExpr(got, exp) != 0 {
					t.Fatalf("unexpected expr: %s, expected %s", got, exp)
				}
			})
		}
	})

	t.Run("FoldCompare", func(t *testing.T) {
		for _, tt := range []struct {
			op       retrace.BinaryOp
			lhs, rhs uint64
			exp      bool
		}{
			{retrace.EQ, 10, 10, true},
			{retrace.EQ, 10, 3, false},
			{retrace.NE, 10, 3, true},
			{retrace.ULT, 3, 10, true},
			{retrace.ULT, 10, 3, false},
			{retrace.ULE, 10, 10, true},
			{retrace.UGT, 10, 3, true},
			{retrace.UGE, 3, 10, false},
		} {
			t.Run(tt.op.String(), func(t *testing.T) {
				expr := retrace.NewBinaryExpr(tt.op,
					retrace.NewConstantExpr8(tt.lhs),
					retrace.NewConstantExpr8(tt.rhs),
				)
				if got, exp := expr, retrace.NewBoolConstantExpr(tt.exp); retrace.CompareExpr(got, exp) != 0 {
					t.Fatalf("unexpected expr: %s, expected %s", got, exp)
				}
			})
		}
	})

	t.Run("AddZero", func(t *testing.T) {
		sym := symbolicByte(t)
		if got := retrace.NewBinaryExpr(retrace.ADD, retrace.NewConstantExpr8(0), sym); retrace.CompareExpr(got, sym) != 0 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})

	t.Run("SubSelf", func(t *testing.T) {
		sym := symbolicByte(t)
		got := retrace.NewBinaryExpr(retrace.SUB, sym, sym)
		if exp := retrace.NewConstantExpr8(0); retrace.CompareExpr(got, exp) != 0 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})

	t.Run("EqSelf", func(t *testing.T) {
		sym := symbolicByte(t)
		got := retrace.NewBinaryExpr(retrace.EQ, sym, sym)
		if !retrace.IsConstantTrue(got) {
			t.Fatalf("unexpected expr: %s", got)
		}
	})

	t.Run("NERewrite", func(t *testing.T) {
		sym := symbolicByte(t)
		got := retrace.NewBinaryExpr(retrace.NE, sym, retrace.NewConstantExpr8(3))
		if _, ok := got.(*retrace.NotExpr); !ok {
			t.Fatalf("expected not expr, got %T", got)
		}
	})

	t.Run("UGTRewrite", func(t *testing.T) {
		sym := symbolicByte(t)
		got, ok := retrace.NewBinaryExpr(retrace.UGT, sym, retrace.NewConstantExpr8(3)).(*retrace.BinaryExpr)
		if !ok {
			t.Fatal("expected binary expr")
		}
		if got.Op != retrace.ULT {
			t.Fatalf("unexpected op: %s", got.Op)
		}
		if retrace.CompareExpr(got.RHS, sym) != 0 {
			t.Fatalf("operands not reversed: %s", got)
		}
	})
}

func TestNewExtractExpr(t *testing.T) {
	t.Run("FullWidth", func(t *testing.T) {
		sym := symbolicByte(t)
		if got := retrace.NewExtractExpr(sym, 0, 8); retrace.CompareExpr(got, sym) != 0 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})
	t.Run("Constant", func(t *testing.T) {
		got := retrace.NewExtractExpr(retrace.NewConstantExpr32(0xaabbccdd), 8, 8)
		if exp := retrace.NewConstantExpr8(0xcc); retrace.CompareExpr(got, exp) != 0 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})
}

func TestConstantExpr(t *testing.T) {
	t.Run("Truncate", func(t *testing.T) {
		if got, exp := retrace.NewConstantExpr(0x1ff, 8).Value, uint64(0xff); got != exp {
			t.Fatalf("unexpected value: %#x", got)
		}
	})
	t.Run("ShlOverflow", func(t *testing.T) {
		if got := retrace.NewConstantExpr8(1).Shl(retrace.NewConstantExpr8(8)); got.Value != 0 {
			t.Fatalf("unexpected value: %#x", got.Value)
		}
	})
	t.Run("Concat", func(t *testing.T) {
		got := retrace.NewConstantExpr8(0xaa).Concat(retrace.NewConstantExpr8(0xbb))
		if got.Value != 0xaabb || got.Width != 16 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})
	t.Run("ZExt", func(t *testing.T) {
		got := retrace.NewConstantExpr8(0xaa).ZExt(32)
		if got.Value != 0xaa || got.Width != 32 {
			t.Fatalf("unexpected expr: %s", got)
		}
	})
}

func TestVariables(t *testing.T) {
	array := retrace.NewArray(7, 4)

	t.Run("ConcreteIndex", func(t *testing.T) {
		expr := retrace.NewBinaryExpr(retrace.ADD,
			retrace.NewSelectExpr(array, retrace.NewConstantExpr64(2)),
			retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0)),
		)
		if diff := cmp.Diff(retrace.Variables(expr), []retrace.Variable{
			{Array: 7, Index: 0},
			{Array: 7, Index: 2},
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("SymbolicIndex", func(t *testing.T) {
		index := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(1))
		expr := retrace.NewSelectExpr(array, index)
		if got, exp := len(retrace.Variables(expr)), 4; got != exp {
			t.Fatalf("unexpected variable count: %d, expected %d", got, exp)
		}
	})

	t.Run("Dedupe", func(t *testing.T) {
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(1))
		expr := retrace.NewBinaryExpr(retrace.ADD, sel, sel)
		if got, exp := len(retrace.Variables(expr)), 1; got != exp {
			t.Fatalf("unexpected variable count: %d, expected %d", got, exp)
		}
	})
}

func TestVariablesEqual(t *testing.T) {
	array := retrace.NewArray(1, 4)
	other := retrace.NewArray(2, 4)
	sel := func(a *retrace.Array, i uint64) retrace.Expr {
		return retrace.NewSelectExpr(a, retrace.NewConstantExpr64(i))
	}

	if !retrace.VariablesEqual(retrace.Variables(sel(array, 0)), retrace.Variables(sel(array, 0))) {
		t.Fatal("expected equal variable sets")
	}
	if retrace.VariablesEqual(retrace.Variables(sel(array, 0)), retrace.Variables(sel(array, 1))) {
		t.Fatal("expected unequal variable sets")
	}
	if retrace.VariablesEqual(retrace.Variables(sel(array, 0)), retrace.Variables(sel(other, 0))) {
		t.Fatal("expected unequal variable sets")
	}
}

func TestFindArrays(t *testing.T) {
	a0 := retrace.NewArray(0, 1)
	a1 := retrace.NewArray(1, 1)
	expr := retrace.NewBinaryExpr(retrace.ADD,
		retrace.NewSelectExpr(a1, retrace.NewConstantExpr64(0)),
		retrace.NewSelectExpr(a0, retrace.NewConstantExpr64(0)),
	)

	arrays := retrace.FindArrays(expr)
	if got, exp := len(arrays), 2; got != exp {
		t.Fatalf("unexpected array count: %d, expected %d", got, exp)
	}
	if arrays[0].ID != 0 || arrays[1].ID != 1 {
		t.Fatalf("arrays not sorted: %v", arrays)
	}
}

func TestExprEvaluator(t *testing.T) {
	array := retrace.NewArray(0, 2)
	ev := retrace.NewExprEvaluator([]*retrace.Array{array}, [][]byte{{0x0a, 0x14}})

	t.Run("Select", func(t *testing.T) {
		value, err := ev.Evaluate(retrace.NewSelectExpr(array, retrace.NewConstantExpr64(1)))
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := value.Value, uint64(0x14); got != exp {
			t.Fatalf("unexpected value: %#x, expected %#x", got, exp)
		}
	})

	t.Run("Binary", func(t *testing.T) {
		expr := retrace.NewBinaryExpr(retrace.ADD,
			retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0)),
			retrace.NewSelectExpr(array, retrace.NewConstantExpr64(1)),
		)
		value, err := ev.Evaluate(expr)
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := value.Value, uint64(0x1e); got != exp {
			t.Fatalf("unexpected value: %#x, expected %#x", got, exp)
		}
	})

	t.Run("UpdateShadows", func(t *testing.T) {
		updated := array.Update(retrace.NewConstantExpr64(0), retrace.NewConstantExpr8(0xff))
		value, err := ev.Evaluate(retrace.NewSelectExpr(updated, retrace.NewConstantExpr64(0)))
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := value.Value, uint64(0xff); got != exp {
			t.Fatalf("unexpected value: %#x, expected %#x", got, exp)
		}
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		if _, err := ev.Evaluate(retrace.NewSelectExpr(array, retrace.NewConstantExpr64(9))); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("UnassignedArray", func(t *testing.T) {
		other := retrace.NewArray(99, 1)
		if _, err := ev.Evaluate(retrace.NewSelectExpr(other, retrace.NewConstantExpr64(0))); err == nil {
			t.Fatal("expected error")
		}
	})
}

// symbolicByte returns a select of the first byte of a fresh array.
func symbolicByte(t testing.TB) retrace.Expr {
	t.Helper()
	return retrace.NewSelectExpr(retrace.NewArray(100, 1), retrace.NewConstantExpr64(0))
}
