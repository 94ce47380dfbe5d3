package retrace

import (
	"sort"
)

// Solver represents a constraint satisfiability engine.
type Solver interface {
	// Solve determines if the set of constraints is satisfiable. If so, a
	// concrete assignment for each of the listed arrays is returned.
	Solve(constraints []Expr, arrays []*Array) (satisfiable bool, values [][]byte, err error)

	// Eval returns up to max distinct values of expr, in ascending order,
	// that satisfy the given constraints. An empty result means the
	// constraints are unsatisfiable.
	Eval(constraints []Expr, expr Expr, max int) ([]uint64, error)
}

// DefaultMaxSolverCombinations is the input space cap for ExhaustiveSolver.
const DefaultMaxSolverCombinations = 1 << 24

// ExhaustiveSolver implements Solver by enumerating assignments of the free
// input bytes referenced by the query. It is intended for small inputs and
// for tests; larger workloads should use the z3 solver.
type ExhaustiveSolver struct {
	// Maximum number of candidate assignments to try before giving up
	// with ErrSolverResourceLimit.
	MaxCombinations uint64
}

// NewExhaustiveSolver returns a new instance of ExhaustiveSolver.
func NewExhaustiveSolver() *ExhaustiveSolver {
	return &ExhaustiveSolver{MaxCombinations: DefaultMaxSolverCombinations}
}

// Solve returns whether the constraints are satisfiable and, if so, an
// assignment for arrays that satisfies them. Bytes not referenced by any
// constraint are zero.
func (s *ExhaustiveSolver) Solve(constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	free := freeVariables(constraints)

	// Enumerate over every referenced array, not just the requested ones.
	all := FindArrays(constraints...)
	for _, array := range arrays {
		found := false
		for _, other := range all {
			if other.ID == array.ID {
				found = true
				break
			}
		}
		if !found {
			all = append(all, array)
		}
	}

	found := false
	var values [][]byte
	err := s.enumerate(all, free, func(ev *ExprEvaluator, assignment map[uint64][]byte) (bool, error) {
		ok, err := constraintsHold(ev, constraints)
		if err != nil {
			return false, err
		} else if !ok {
			return false, nil
		}

		found = true
		values = make([][]byte, len(arrays))
		for i, array := range arrays {
			buf := make([]byte, array.Size)
			copy(buf, assignment[array.ID])
			values[i] = buf
		}
		return true, nil
	})
	if err != nil {
		return false, nil, err
	}
	return found, values, nil
}

// Eval returns up to max distinct satisfying values of expr, ascending.
func (s *ExhaustiveSolver) Eval(constraints []Expr, expr Expr, max int) ([]uint64, error) {
	arrays := FindArrays(append([]Expr{expr}, constraints...)...)
	free := freeVariables(append([]Expr{expr}, constraints...))

	seen := make(map[uint64]struct{})
	err := s.enumerate(arrays, free, func(ev *ExprEvaluator, _ map[uint64][]byte) (bool, error) {
		ok, err := constraintsHold(ev, constraints)
		if err != nil {
			return false, err
		} else if !ok {
			return false, nil
		}

		value, err := ev.Evaluate(expr)
		if err != nil {
			return false, err
		}
		seen[value.Value] = struct{}{}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	values := make([]uint64, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	if max > 0 && len(values) > max {
		values = values[:max]
	}
	return values, nil
}

// enumerate invokes fn for each assignment of the free bytes until fn
// returns true or the space is exhausted. Non-free bytes are zero.
func (s *ExhaustiveSolver) enumerate(arrays []*Array, free []Variable, fn func(ev *ExprEvaluator, assignment map[uint64][]byte) (bool, error)) error {
	maxCombinations := s.MaxCombinations
	if maxCombinations == 0 {
		maxCombinations = DefaultMaxSolverCombinations
	}

	combinations := uint64(1)
	for range free {
		if combinations > maxCombinations/256 {
			return ErrSolverResourceLimit
		}
		combinations *= 256
	}

	assignment := make(map[uint64][]byte, len(arrays))
	values := make([][]byte, len(arrays))
	for i, array := range arrays {
		buf := make([]byte, array.Size)
		assignment[array.ID] = buf
		values[i] = buf
	}
	ev := NewExprEvaluator(arrays, values)

	digits := make([]byte, len(free))
	for i := uint64(0); i < combinations; i++ {
		for j, v := range free {
			if buf, ok := assignment[v.Array]; ok && v.Index < uint64(len(buf)) {
				buf[v.Index] = digits[j]
			}
		}

		if done, err := fn(ev, assignment); err != nil {
			return err
		} else if done {
			return nil
		}

		// Increment the base-256 counter.
		for j := len(digits) - 1; j >= 0; j-- {
			digits[j]++
			if digits[j] != 0 {
				break
			}
		}
	}
	return nil
}

// freeVariables returns the sorted set of input bytes referenced by exprs.
func freeVariables(exprs []Expr) []Variable {
	m := make(map[Variable]struct{})
	for _, expr := range exprs {
		for _, v := range Variables(expr) {
			m[v] = struct{}{}
		}
	}

	a := make([]Variable, 0, len(m))
	for v := range m {
		a = append(a, v)
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].Array != a[j].Array {
			return a[i].Array < a[j].Array
		}
		return a[i].Index < a[j].Index
	})
	return a
}

// constraintsHold reports whether every constraint evaluates to true.
func constraintsHold(ev *ExprEvaluator, constraints []Expr) (bool, error) {
	for _, constraint := range constraints {
		value, err := ev.Evaluate(constraint)
		if err != nil {
			return false, err
		}
		if !value.IsTrue() {
			return false, nil
		}
	}
	return true, nil
}
