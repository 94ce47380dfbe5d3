package retrace

import (
	"errors"
	"fmt"
)

// ErrAmbiguousReturn is returned when emulating a subroutine return forks.
var ErrAmbiguousReturn = errors.New("retrace: ambiguous subroutine return")

// Arch describes architecture-specific behavior.
type Arch interface {
	// Bits returns the pointer width of the architecture.
	Bits() uint

	// EmulateSubroutine runs a return from the current call frame and
	// returns the state positioned at the caller.
	EmulateSubroutine(m *Machine, s *State) (*State, error)
}

var archs = map[string]Arch{
	"amd64": &AMD64{},
}

// ArchByTag returns the architecture registered under the given tag.
func ArchByTag(tag string) (Arch, error) {
	arch, ok := archs[tag]
	if !ok {
		return nil, fmt.Errorf("retrace: unknown architecture: %q", tag)
	}
	return arch, nil
}

// AMD64 implements Arch for 64-bit x86.
type AMD64 struct{}

// Bits returns the pointer width.
func (a *AMD64) Bits() uint { return 64 }

// emulateRetAddr is outside any program's address range so the synthesized
// block never shadows real code.
const emulateRetAddr = uint64(0xffff_ffff_ffff_f000)

// EmulateSubroutine pops the return address off the stack and jumps to it
// by running a synthesized ret block. The emulation must produce exactly
// one exit.
func (a *AMD64) EmulateSubroutine(m *Machine, s *State) (*State, error) {
	block := &Block{
		Addr: emulateRetAddr,
		Instrs: []ProgramInstr{
			{Addr: emulateRetAddr, Op: &RetInstr{}},
		},
	}

	succ, err := m.StepBlock(s, block)
	if err != nil {
		return nil, err
	}

	all := succ.All()
	if len(all) != 1 {
		return nil, fmt.Errorf("retrace: subroutine return produced %d exits: %w", len(all), ErrAmbiguousReturn)
	}
	return all[0], nil
}
