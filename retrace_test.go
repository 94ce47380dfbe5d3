package retrace_test

import (
	"testing"

	"github.com/benbjohnson/retrace"
)

// NewMachine returns a machine over the given blocks backed by an
// exhaustive solver.
func NewMachine(tb testing.TB, blocks ...*retrace.Block) *retrace.Machine {
	tb.Helper()
	return retrace.NewMachine(retrace.NewProgram(blocks), retrace.NewExhaustiveSolver())
}

// Block builds a block at addr with instructions spaced four bytes apart.
func Block(addr uint64, ops ...retrace.Instr) *retrace.Block {
	b := &retrace.Block{Addr: addr}
	for i, op := range ops {
		b.Instrs = append(b.Instrs, retrace.ProgramInstr{Addr: addr + uint64(i)*4, Op: op})
	}
	return b
}

// MustConcreteIP returns the state's concrete instruction pointer. Fatal if symbolic.
func MustConcreteIP(tb testing.TB, s *retrace.State) uint64 {
	tb.Helper()
	addr, err := s.ConcreteIP()
	if err != nil {
		tb.Fatal(err)
	}
	return addr
}

// ConstraintStrings returns the state's constraints rendered as strings.
func ConstraintStrings(s *retrace.State) []string {
	a := make([]string, 0, len(s.Constraints()))
	for _, constraint := range s.Constraints() {
		a = append(a, constraint.String())
	}
	return a
}
