package retrace

import (
	"fmt"
)

// Array represents a fixed-size byte array of symbolic or concrete values.
type Array struct {
	ID      uint64
	Size    uint
	Updates *ArrayUpdate
}

// NewArray returns a new instance of Array.
func NewArray(id uint64, size uint) *Array {
	return &Array{ID: id, Size: size}
}

// NewConcreteArray returns a new array initialized with the given byte values.
func NewConcreteArray(id uint64, values []byte) *Array {
	a := NewArray(id, uint(len(values)))
	for i, v := range values {
		a = a.Update(NewConstantExpr64(uint64(i)), NewConstantExpr8(uint64(v)))
	}
	return a
}

// String returns the string representation of the array.
func (a *Array) String() string {
	return fmt.Sprintf("(array %d %d)", a.ID, a.Size)
}

// Update returns a copy of the array with index set to value.
// The underlying array is shared between the two copies.
func (a *Array) Update(index, value Expr) *Array {
	assert(ExprWidth(value) == Width8, "array update value must be 8-bit, got %d", ExprWidth(value))

	other := *a
	other.Updates = &ArrayUpdate{Index: index, Value: value, Next: a.Updates}
	return &other
}

// Select returns an expression representing a one byte read at index.
// Reads of concretely-updated indexes fold to the stored value.
func (a *Array) Select(index Expr) Expr {
	if index, ok := index.(*ConstantExpr); ok {
		for upd := a.Updates; upd != nil; upd = upd.Next {
			updIndex, ok := upd.Index.(*ConstantExpr)
			if !ok {
				break // symbolic write may shadow any index
			}
			if updIndex.Value == index.Value {
				return upd.Value
			}
		}
	}
	return NewSelectExpr(a, index)
}

// IsConcrete returns true if every byte of the array has a constant value.
func (a *Array) IsConcrete() bool {
	seen := make(map[uint64]struct{})
	for upd := a.Updates; upd != nil; upd = upd.Next {
		index, ok := upd.Index.(*ConstantExpr)
		if !ok {
			return false
		}
		if _, done := seen[index.Value]; done {
			continue
		}
		if !IsConstantExpr(upd.Value) {
			return false
		}
		seen[index.Value] = struct{}{}
	}
	return len(seen) >= int(a.Size)
}

// CompareArray returns an integer comparing two arrays by ID.
func CompareArray(a, b *Array) int {
	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}
	return 0
}

// ArrayUpdate represents a single byte write to an array. Updates form a
// chain with the most recent write at the head.
type ArrayUpdate struct {
	Index Expr
	Value Expr
	Next  *ArrayUpdate
}
