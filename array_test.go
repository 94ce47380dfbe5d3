package retrace_test

import (
	"testing"

	"github.com/benbjohnson/retrace"
)

func TestArray_Update(t *testing.T) {
	t.Run("CopyOnWrite", func(t *testing.T) {
		array := retrace.NewArray(0, 2)
		updated := array.Update(retrace.NewConstantExpr64(0), retrace.NewConstantExpr8(0xaa))

		if array.Updates != nil {
			t.Fatal("original array modified")
		}
		if updated.Updates == nil {
			t.Fatal("expected update")
		}
	})

	t.Run("MostRecentFirst", func(t *testing.T) {
		array := retrace.NewArray(0, 2).
			Update(retrace.NewConstantExpr64(0), retrace.NewConstantExpr8(0x01)).
			Update(retrace.NewConstantExpr64(0), retrace.NewConstantExpr8(0x02))

		value := array.Select(retrace.NewConstantExpr64(0))
		if exp := retrace.NewConstantExpr8(0x02); retrace.CompareExpr(value, exp) != 0 {
			t.Fatalf("unexpected value: %s", value)
		}
	})
}

func TestArray_Select(t *testing.T) {
	t.Run("Unwritten", func(t *testing.T) {
		array := retrace.NewArray(0, 2)
		if _, ok := array.Select(retrace.NewConstantExpr64(0)).(*retrace.SelectExpr); !ok {
			t.Fatal("expected select expr")
		}
	})

	t.Run("SymbolicWriteShadows", func(t *testing.T) {
		index := retrace.NewSelectExpr(retrace.NewArray(1, 1), retrace.NewConstantExpr64(0))
		array := retrace.NewArray(0, 2).Update(index, retrace.NewConstantExpr8(0xaa))

		// A symbolic write may alias any index so the read cannot fold.
		if _, ok := array.Select(retrace.NewConstantExpr64(0)).(*retrace.SelectExpr); !ok {
			t.Fatal("expected select expr")
		}
	})
}

func TestNewConcreteArray(t *testing.T) {
	array := retrace.NewConcreteArray(0, []byte{0x01, 0x02, 0x03})
	if got, exp := array.Size, uint(3); got != exp {
		t.Fatalf("unexpected size: %d", got)
	}
	if !array.IsConcrete() {
		t.Fatal("expected concrete array")
	}

	value := array.Select(retrace.NewConstantExpr64(1))
	if exp := retrace.NewConstantExpr8(0x02); retrace.CompareExpr(value, exp) != 0 {
		t.Fatalf("unexpected value: %s", value)
	}
}

func TestArray_IsConcrete(t *testing.T) {
	t.Run("Unwritten", func(t *testing.T) {
		if retrace.NewArray(0, 1).IsConcrete() {
			t.Fatal("expected symbolic array")
		}
	})
	t.Run("PartiallyWritten", func(t *testing.T) {
		array := retrace.NewArray(0, 2).Update(retrace.NewConstantExpr64(0), retrace.NewConstantExpr8(0x01))
		if array.IsConcrete() {
			t.Fatal("expected symbolic array")
		}
	})
	t.Run("SymbolicValue", func(t *testing.T) {
		sym := retrace.NewSelectExpr(retrace.NewArray(1, 1), retrace.NewConstantExpr64(0))
		array := retrace.NewArray(0, 1).Update(retrace.NewConstantExpr64(0), sym)
		if array.IsConcrete() {
			t.Fatal("expected symbolic array")
		}
	})
}
