package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"granary.dev/granary/cache"
	"granary.dev/granary/hashtable"
	"granary.dev/granary/host"
	"granary.dev/granary/internal/config"
	"granary.dev/granary/policy"
)

// runInit brings up a host.Scheduler with the configured (or detected)
// number of CPUs and a host.Device control socket answering status
// and perf queries, then blocks until interrupted. This is the host
// process's entrypoint, not just a config dry-run: granaryctl status
// and granaryctl perf have nothing to talk to until this is running.
func runInit(args []string) error {
	flags := flag.NewFlagSet("granaryctl init", flag.ContinueOnError)
	c, err := config.Load(flags, args)
	if err != nil {
		return err
	}

	numCPUs := c.NumCPUs
	if numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}

	log := host.NewLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)), 256)
	defer log.Close()

	notifier := host.NewModuleNotifier()
	var global cache.Global
	if c.LockGlobalCodeCache {
		global = hashtable.NewLocked(hashtable.NewFixed[policy.Mangled, uintptr](c.CodeCacheCapacity, mangledHash, mangledEq))
	} else {
		global = hashtable.NewRCU[policy.Mangled, uintptr](c.CodeCacheCapacity, mangledHash, mangledEq, nil)
	}
	// Policy 0 is the default, uninstrumented policy: it may resolve a
	// miss via the detach table. A client instrumentation policy that
	// must observe every basic block (for instance one built on the
	// watchpoints pass) is registered without CanDetach so a detach
	// hit can never silently bypass its instrumentation.
	resolvePolicy := func(id policy.ID) policy.Policy {
		if id == 0 {
			return policy.Policy{ID: 0, Props: policy.CanDetach}
		}
		return policy.Policy{ID: id}
	}
	translator := cache.New(global, nil, nil, notifier.DetachTable().AsDetachTarget(), nil, nil, resolvePolicy)

	sched, err := host.NewScheduler(context.Background(), numCPUs, c.ArenaSlabSize, translator, c.PrivateCacheCapacity, log, c.WXorX)
	if err != nil {
		return fmt.Errorf("bringing up scheduler: %w", err)
	}
	defer sched.Stop()

	dev, err := host.NewDevice(c.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("opening control device: %w", err)
	}
	defer dev.Close()

	dev.Handle("status", func(ctx context.Context, args json.RawMessage) (any, error) {
		modules := notifier.Snapshot()
		names := make([]string, len(modules))
		for i, m := range modules {
			names[i] = m.String()
		}
		return map[string]any{
			"cpus":    sched.NumCPUs(),
			"cache":   translator.Stats(),
			"modules": names,
		}, nil
	})
	dev.Handle("perf", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"cache": translator.Stats()}, nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- dev.Serve(ctx) }()

	log.Log(slog.LevelInfo, "granary host started", "cpus", numCPUs, "socket", c.ControlSocketPath)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

func mangledHash(m policy.Mangled) uint64 { return uint64(m) }
func mangledEq(a, b policy.Mangled) bool  { return a == b }
