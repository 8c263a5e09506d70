// hwrand draws bytes from the CPU's RDRAND/RDSEED instructions and the
// configured fallback chain.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// errUsage marks errors that should print usage and exit with status 2.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "probe":
		err = cmdProbe(rest, stdout, stderr)
	case "gen":
		err = cmdGen(rest, stdout, stderr)
	case "discard":
		err = cmdDiscard(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "hwrand: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "hwrand: %v\n", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `hwrand - hardware random number tool

Usage: hwrand <command> [options]

Commands:
  probe           Show RDRAND/RDSEED support and the compiled fill strategy
  gen             Generate random bytes
  discard         Generate and throw away bytes
  help            Show this help message

Run 'hwrand <command> -h' for command options.`)
}
