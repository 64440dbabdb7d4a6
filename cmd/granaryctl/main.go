// Program granaryctl is the operator-facing control client for a
// granary host process: init loads the configuration, brings up a
// translator host and serves its host.Device control socket, and
// status and perf talk to that socket to inspect a host that is
// already running.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "perf":
		err = runPerf(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "granaryctl: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "granaryctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: granaryctl <command> [options]

commands:
  init     bring up a translator host and serve status/perf until interrupted
  status   query a running host's module and cache status
  perf     query a running host's code-cache statistics`)
}
