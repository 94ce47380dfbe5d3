package retrace

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")

	ErrNoSolver         = errors.New("retrace: no solver configured")
	ErrNoBlockAvailable = errors.New("retrace: no block available")
	ErrNoActiveStates   = errors.New("retrace: no active states")
	ErrStepLimit        = errors.New("retrace: step limit reached")
	ErrSymbolicIP       = errors.New("retrace: instruction pointer is symbolic")
	ErrNoCrashState     = errors.New("retrace: no crash state produced")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
