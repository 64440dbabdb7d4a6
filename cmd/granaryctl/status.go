package main

import (
	"encoding/json"
	"os"
)

// runStatus queries a running host's "status" command, which a
// wired-up host.Device handler answers from ModuleNotifier.Snapshot.
func runStatus(args []string) error {
	flags, socket := socketFlags("granaryctl status")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := dialDevice(*socket, "status")
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// runPerf queries a running host's "perf" command, which a wired-up
// host.Device handler answers from the shared code cache's occupancy
// counters.
func runPerf(args []string) error {
	flags, socket := socketFlags("granaryctl perf")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := dialDevice(*socket, "perf")
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
