package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/benbjohnson/retrace"
	"github.com/benbjohnson/retrace/lift"
	"github.com/benbjohnson/retrace/z3"
)

// Memory layout for replayed functions.
const (
	stackBase = uint64(0x7ff000)
	stackSize = uint(0x1000)
	inputBase = uint64(0x200000)
)

// FollowCommand replays a recorded trace and classifies its crash.
type FollowCommand struct{}

// NewFollowCommand returns a new instance of FollowCommand.
func NewFollowCommand() *FollowCommand {
	return &FollowCommand{}
}

// Run executes the "follow" subcommand.
func (cmd *FollowCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrace-follow", flag.ContinueOnError)
	fnName := fs.String("func", "", "function name")
	traceStr := fs.String("trace", "", "comma-separated block addresses")
	crashAddr := fs.Uint64("crash-addr", 0, "faulting instruction address")
	crashMode := fs.Bool("crash-mode", false, "traced input crashed the program")
	inputStr := fs.String("input", "", "traced input bytes, hex encoded")
	verbose := fs.Bool("v", false, "verbose")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if *fnName == "" {
		return fmt.Errorf("function name required")
	} else if *traceStr == "" {
		return fmt.Errorf("trace required")
	} else if fs.NArg() == 0 {
		return fmt.Errorf("package required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many packages specified")
	}

	log.SetFlags(0)
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}

	trace, err := parseTrace(*traceStr)
	if err != nil {
		return err
	}

	// Lift the target function into a replayable program.
	fn, err := lift.LoadFunction(fs.Arg(0), *fnName)
	if err != nil {
		return err
	}
	result, err := lift.Lift(fn, lift.Config{})
	if err != nil {
		return err
	}

	z3Solver := z3.NewSolver()
	defer z3Solver.Close()

	machine := retrace.NewMachine(result.Program, z3Solver)
	state := machine.NewState(result.Entry)

	// Lay out the stack and the function's stack slot region.
	state.Memory().MapZero(stackBase-uint64(stackSize), stackSize)
	state.SetReg(retrace.RegSP, retrace.NewConstantExpr64(stackBase))
	if result.DataSize > 0 {
		state.Memory().MapZero(result.DataBase, result.DataSize)
	}

	// Bind each parameter to a symbolic 64-bit slot of the input region
	// and pin it to the traced input, if given.
	if len(result.Params) > 0 {
		size := uint(len(result.Params)) * 8
		state.Memory().MapSymbolic(inputBase, size)

		var input []byte
		if *inputStr != "" {
			if input, err = hex.DecodeString(*inputStr); err != nil {
				return fmt.Errorf("invalid input: %s", err)
			} else if uint(len(input)) != size {
				return fmt.Errorf("input must be %d bytes, got %d", size, len(input))
			}
		}

		for i, param := range result.Params {
			value, err := state.Memory().Read(inputBase+uint64(i)*8, retrace.Width64)
			if err != nil {
				return err
			}
			state.SetReg(param, value)

			if input != nil {
				var traced uint64
				for j := 7; j >= 0; j-- {
					traced = traced<<8 | uint64(input[i*8+j])
				}
				state.Preconstrainer().Preconstrain(state, value, retrace.NewConstantExpr64(traced))
			}
		}
	}

	monitor := retrace.NewCrashMonitor(trace)
	monitor.CrashMode = *crashMode
	monitor.CrashAddr = *crashAddr

	sim := retrace.NewSimulator(machine, state)
	if err := sim.Run(monitor); err != nil {
		return err
	}

	fmt.Printf("classification: %s\n", monitor.Classification())
	crashed := sim.Stash(retrace.StashCrashed)
	if len(crashed) == 0 {
		return nil
	}

	crash := crashed[0]
	fmt.Printf("crash state: %s\n", crash)
	for _, constraint := range crash.Constraints() {
		fmt.Printf("constraint: %s\n", constraint)
	}

	// Produce one concrete input that reaches the crash.
	arrays := retrace.FindArrays(crash.Constraints()...)
	if len(arrays) == 0 {
		return nil
	}
	ok, values, err := z3Solver.Solve(crash.Constraints(), arrays)
	if err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("crash constraints unsatisfiable")
	}
	for i, array := range arrays {
		fmt.Printf("input %s: %s\n", array, hex.EncodeToString(values[i]))
	}
	return nil
}

func parseTrace(s string) ([]uint64, error) {
	var trace []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := strconv.ParseUint(part, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trace address %q", part)
		}
		trace = append(trace, addr)
	}
	if len(trace) == 0 {
		return nil, fmt.Errorf("trace required")
	}
	return trace, nil
}

func (cmd *FollowCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: retrace follow -func NAME -trace ADDRS [arguments] [package]

Arguments:

	-func NAME
	    Name of the function to replay.

	-trace ADDRS
	    Comma-separated block addresses recorded from the traced run.

	-crash-addr ADDR
	    Address of the faulting instruction, if known.

	-crash-mode
	    Whether the traced input crashed the program.

	-input HEX
	    Traced input bytes, 8 per parameter, hex encoded.

	-v
	    Enable verbose logging.
`[1:])
}
