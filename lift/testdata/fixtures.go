// Package fixtures holds small functions lowered by lift tests.
package fixtures

func Add(x, y uint64) uint64 {
	return x + y
}

func Max(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}

func Slot(c, x uint64) uint64 {
	var a, b uint64
	p := &a
	if c != 0 {
		p = &b
	}
	*p = x
	return *p
}

func Pick(x uint64) uint64 {
	v := uint64(1)
	if x == 0 {
		v = 2
	}
	return v
}
