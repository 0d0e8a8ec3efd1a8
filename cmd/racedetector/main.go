// Package main implements the racedetector CLI tool.
//
// The tool is a companion to the race detector runtime. It reports the runtime and
// instrumentation ABI versions, checks whether a project's go.mod pins a runtime this
// tool can serve, and runs small built-in programs through the detector to show what
// its reports look like.
//
// Usage:
//
//	racedetector version            # Runtime and ABI versions
//	racedetector check [go.mod]     # Check the runtime a module depends on
//	racedetector demo [scenario]    # Run built-in race scenarios
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/racecore/race"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "check":
		os.Exit(checkCommand(os.Stdout, os.Args[2:]))
	case "demo":
		os.Exit(demoCommand(os.Stdout, os.Args[2:]))
	case "version", "--version", "-v":
		fmt.Printf("racedetector version %s (instrumentation ABI %s)\n", race.Version, race.ABIVersion)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`racedetector - happens-before race detector runtime

USAGE:
    racedetector <command> [arguments]

COMMANDS:
    check      Check the detector runtime a module depends on
    demo       Run built-in scenarios through the detector
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Check the go.mod in the current directory
    racedetector check

    # Check a go.mod and an instrumentation ABI version
    racedetector check -abi v1.0.0 ./service/go.mod

    # Run every scenario
    racedetector demo

    # Run one scenario
    racedetector demo use-after-free

ABOUT:
    The runtime tracks happens-before with vector clocks and keeps per-byte access
    history in shadow memory. Programs report their memory accesses and
    synchronization through the race package; every pair of conflicting accesses
    not ordered by happens-before is reported with both stacks.

`)
}
