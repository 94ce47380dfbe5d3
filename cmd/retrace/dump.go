package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/benbjohnson/retrace/lift"
)

// DumpCommand prints the lifted form of a function.
type DumpCommand struct{}

// NewDumpCommand returns a new instance of DumpCommand.
func NewDumpCommand() *DumpCommand {
	return &DumpCommand{}
}

// Run executes the "dump" subcommand.
func (cmd *DumpCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrace-dump", flag.ContinueOnError)
	fnName := fs.String("func", "", "function name")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if *fnName == "" {
		return fmt.Errorf("function name required")
	} else if fs.NArg() == 0 {
		return fmt.Errorf("package required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many packages specified")
	}

	fn, err := lift.LoadFunction(fs.Arg(0), *fnName)
	if err != nil {
		return err
	}
	result, err := lift.Lift(fn, lift.Config{})
	if err != nil {
		return err
	}

	fmt.Printf("entry %#x\n", result.Entry)
	for i, param := range result.Params {
		fmt.Printf("param %d: %s\n", i, param)
	}
	fmt.Print(result.Program.Dump())
	return nil
}

func (cmd *DumpCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: retrace dump -func NAME [package]

Arguments:

	-func NAME
	    Name of the function to lift.
`[1:])
}
