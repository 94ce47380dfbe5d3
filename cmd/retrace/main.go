package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "", "-h", "--help", "help":
		usage()
		return flag.ErrHelp
	case "dump":
		return NewDumpCommand().Run(ctx, args)
	case "follow":
		return NewFollowCommand().Run(ctx, args)
	default:
		return fmt.Errorf(`retrace %s: unknown command`, cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `
Retrace replays recorded execution traces symbolically to triage crashes.

Usage:

	retrace <command> [arguments]

The commands are:

	dump        print the lifted program for a function
	follow      replay a trace and classify its crash
	help        this screen
`[1:])
}
