package retrace

import (
	"fmt"

	"github.com/benbjohnson/immutable"
)

// Memory represents the sparse address space of a state. Mapped regions are
// keyed by base address and backed by byte arrays. The map is immutable so
// cloned states share structure until they diverge.
type Memory struct {
	m          *immutable.SortedMap // base address → *Array
	arrayIDSeq *uint64              // shared across clones
}

// NewMemory returns a new instance of Memory with no mapped regions.
func NewMemory() *Memory {
	return &Memory{
		m:          immutable.NewSortedMap(&uint64Comparer{}),
		arrayIDSeq: new(uint64),
	}
}

// Clone returns a copy of the memory. The copy shares region storage with
// the original until one of them writes.
func (mem *Memory) Clone() *Memory {
	other := *mem
	return &other
}

// nextArrayID returns an identifier unique across all clones of the memory.
func (mem *Memory) nextArrayID() uint64 {
	id := *mem.arrayIDSeq
	*mem.arrayIDSeq++
	return id
}

// MapBytes maps a concrete region at addr initialized to data.
func (mem *Memory) MapBytes(addr uint64, data []byte) *Array {
	array := NewConcreteArray(mem.nextArrayID(), data)
	mem.m = mem.m.Set(addr, array)
	return array
}

// MapSymbolic maps a region of unconstrained symbolic bytes at addr.
func (mem *Memory) MapSymbolic(addr uint64, size uint) *Array {
	array := NewArray(mem.nextArrayID(), size)
	mem.m = mem.m.Set(addr, array)
	return array
}

// MapZero maps a zero-filled concrete region at addr.
func (mem *Memory) MapZero(addr uint64, size uint) *Array {
	return mem.MapBytes(addr, make([]byte, size))
}

// Region returns the mapped region containing addr, if any.
func (mem *Memory) Region(addr uint64) (base uint64, array *Array, ok bool) {
	// Seek to the given address or the last region before it.
	itr := mem.m.Iterator()
	if itr.Seek(addr); itr.Done() {
		itr.Last()
	}

	// Move backwards until address range too low.
	for !itr.Done() {
		k, v := itr.Prev()
		key, value := k.(uint64), v.(*Array)

		if addr >= key && addr < key+uint64(value.Size) {
			return key, value, true
		} else if addr > key+uint64(value.Size) {
			break // target address above region, exit
		}
	}
	return 0, nil, false
}

// Contains returns true if addr falls within a mapped region.
func (mem *Memory) Contains(addr uint64) bool {
	_, _, ok := mem.Region(addr)
	return ok
}

// Read returns the little-endian value of width bits stored at addr.
func (mem *Memory) Read(addr uint64, width uint) (Expr, error) {
	assert(width%8 == 0, "read width must be byte aligned: %d", width)

	base, array, ok := mem.Region(addr)
	if !ok {
		return nil, fmt.Errorf("retrace: read of unmapped address %#x", addr)
	}

	n := width / 8
	if addr+uint64(n) > base+uint64(array.Size) {
		return nil, fmt.Errorf("retrace: read of %d bytes at %#x crosses region end", n, addr)
	}

	offset := addr - base
	value := array.Select(NewConstantExpr64(offset))
	for i := uint(1); i < n; i++ {
		b := array.Select(NewConstantExpr64(offset + uint64(i)))
		value = NewConcatExpr(b, value)
	}
	return value, nil
}

// Write stores value at addr in little-endian byte order.
func (mem *Memory) Write(addr uint64, value Expr) error {
	width := ExprWidth(value)
	assert(width%8 == 0, "write width must be byte aligned: %d", width)

	base, array, ok := mem.Region(addr)
	if !ok {
		return fmt.Errorf("retrace: write to unmapped address %#x", addr)
	}

	n := width / 8
	if addr+uint64(n) > base+uint64(array.Size) {
		return fmt.Errorf("retrace: write of %d bytes at %#x crosses region end", n, addr)
	}

	offset := addr - base
	for i := uint(0); i < n; i++ {
		b := NewExtractExpr(value, i*8, Width8)
		array = array.Update(NewConstantExpr64(offset+uint64(i)), b)
	}
	mem.m = mem.m.Set(base, array)
	return nil
}

// uint64Comparer compares two uint64 map keys.
type uint64Comparer struct{}

// Compare returns an integer comparing two uint64 keys.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if x, y := a.(uint64), b.(uint64); x < y {
		return -1
	} else if x > y {
		return 1
	}
	return 0
}
