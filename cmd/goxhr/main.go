package main

import (
	"fmt"
	"os"

	"github.com/ebulut/goxhr/pkg/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd()
			return
		case "history":
			historyCmd()
			return
		case "version":
			fmt.Printf("goxhr %s (%s) built %s\n", version.Version, version.Commit, version.Date)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		}
	}
	printHelp()
	os.Exit(2)
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `goxhr - run JavaScript with a browser-style XMLHttpRequest against real servers

Usage:
  goxhr <command> [args] [flags]

Commands:
  run       Execute a JavaScript file with the XMLHttpRequest global
  history   List, search or clear recorded request history
  version   Print version information
  help      Show this help message

Run 'goxhr <command> --help' for more information about a command.
`)
}
