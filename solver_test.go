package retrace_test

import (
	"testing"

	"github.com/benbjohnson/retrace"
	"github.com/google/go-cmp/cmp"
)

func TestExhaustiveSolver_Solve(t *testing.T) {
	solver := retrace.NewExhaustiveSolver()

	t.Run("Satisfiable", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		constraints := []retrace.Expr{
			retrace.NewBinaryExpr(retrace.EQ, sel, retrace.NewConstantExpr8(0x42)),
		}

		ok, values, err := solver.Solve(constraints, []*retrace.Array{array})
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatal("expected satisfiable")
		}
		if diff := cmp.Diff(values, [][]byte{{0x42}}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		constraints := []retrace.Expr{
			retrace.NewBinaryExpr(retrace.EQ, sel, retrace.NewConstantExpr8(1)),
			retrace.NewBinaryExpr(retrace.EQ, sel, retrace.NewConstantExpr8(2)),
		}

		ok, _, err := solver.Solve(constraints, []*retrace.Array{array})
		if err != nil {
			t.Fatal(err)
		} else if ok {
			t.Fatal("expected unsatisfiable")
		}
	})

	t.Run("NoConstraints", func(t *testing.T) {
		array := retrace.NewArray(0, 2)
		ok, values, err := solver.Solve(nil, []*retrace.Array{array})
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatal("expected satisfiable")
		}
		if diff := cmp.Diff(values, [][]byte{{0x00, 0x00}}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ResourceLimit", func(t *testing.T) {
		solver := &retrace.ExhaustiveSolver{MaxCombinations: 1 << 8}
		array := retrace.NewArray(0, 2)
		constraint := retrace.NewBinaryExpr(retrace.EQ,
			retrace.NewBinaryExpr(retrace.ADD,
				retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0)),
				retrace.NewSelectExpr(array, retrace.NewConstantExpr64(1)),
			),
			retrace.NewConstantExpr8(10),
		)

		if _, _, err := solver.Solve([]retrace.Expr{constraint}, []*retrace.Array{array}); err != retrace.ErrSolverResourceLimit {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestExhaustiveSolver_Eval(t *testing.T) {
	solver := retrace.NewExhaustiveSolver()

	t.Run("Ascending", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		constraints := []retrace.Expr{
			retrace.NewBinaryExpr(retrace.ULT, sel, retrace.NewConstantExpr8(3)),
		}

		values, err := solver.Eval(constraints, sel, 16)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(values, []uint64{0, 1, 2}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Max", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))

		values, err := solver.Eval(nil, sel, 4)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(values, []uint64{0, 1, 2, 3}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Distinct", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		expr := retrace.NewBinaryExpr(retrace.AND, sel, retrace.NewConstantExpr8(1))

		values, err := solver.Eval(nil, expr, 16)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(values, []uint64{0, 1}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		constraints := []retrace.Expr{
			retrace.NewBinaryExpr(retrace.ULT, sel, retrace.NewConstantExpr8(0)),
		}

		values, err := solver.Eval(constraints, sel, 16)
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := len(values), 0; got != exp {
			t.Fatalf("unexpected value count: %d", got)
		}
	})

	t.Run("Offset", func(t *testing.T) {
		array := retrace.NewArray(0, 1)
		sel := retrace.NewSelectExpr(array, retrace.NewConstantExpr64(0))
		expr := retrace.NewBinaryExpr(retrace.ADD,
			retrace.NewConcatExpr(retrace.NewConstantExpr(0, 56), sel),
			retrace.NewConstantExpr64(0x9000),
		)
		constraints := []retrace.Expr{
			retrace.NewBinaryExpr(retrace.EQ, sel, retrace.NewConstantExpr8(0x10)),
		}

		values, err := solver.Eval(constraints, expr, 16)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(values, []uint64{0x9010}); diff != "" {
			t.Fatal(diff)
		}
	})
}
