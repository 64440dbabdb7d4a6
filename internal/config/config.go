// Package config defines the translator-wide runtime configuration
// table, bindable to flags or a config file via import.name/confi, in
// the same "plain struct with package-level defaults" shape as
// runtime.Config.
package config

import "time"

// DefaultMaxIBLHashTableChecks matches the original's inline-probe
// count before an IBL lookup falls through to the shared slow path.
const DefaultMaxIBLHashTableChecks = 4

// DefaultCodeCacheCapacity is the starting capacity of the global code
// cache's hash table.
const DefaultCodeCacheCapacity = 1 << 16

// DefaultArenaSlabSize is the mmap chunk size backing each CPU's
// private executable arena.
const DefaultArenaSlabSize = 1 << 20

// DefaultPrivateCacheCapacity sizes each CPU's cache.Private mirror.
const DefaultPrivateCacheCapacity = 1 << 10

// DefaultControlSocketPath is where a host process's control device
// listens by default.
const DefaultControlSocketPath = "/run/granary/granary.sock"

// Config mirrors the compile-time Configuration table, made
// runtime-bindable.
//
// granaryctl init reads LockGlobalCodeCache, CodeCacheCapacity,
// ArenaSlabSize, NumCPUs, PrivateCacheCapacity, ControlSocketPath and
// WXorX. The other fields are loaded and defaulted but no package
// reads them, so they have no effect on a running host.
type Config struct {
	// LockGlobalCodeCache selects the mutex-guarded hashtable.Locked
	// global cache instead of hashtable.RCU.
	LockGlobalCodeCache bool

	// EnableIBLPredictionStubs turns on the per-callsite prediction
	// cache ahead of the shared IBL table probe.
	EnableIBLPredictionStubs bool

	// TrackXMMRegs conservatively saves and restores the XMM register
	// file across every IBL entry, rather than only the registers a
	// liveness scan finds live.
	TrackXMMRegs bool

	// TranslateFarAddresses enables the far-memory-operand rewrite
	// pass in the mangler.
	TranslateFarAddresses bool

	// EnableDirectReturn leaves RETs at statically-known call sites
	// unmangled, trusting the CPU's return predictor instead of
	// routing through the IBL table. See mangle.Config's field of the
	// same name for the current implementation limitation.
	EnableDirectReturn bool

	// IBLSaveAllFlags saves every arithmetic flag, not only carry,
	// across an IBL lookup.
	IBLSaveAllFlags bool

	// NumIBLHashTableChecks bounds the inline probe count before an
	// IBL lookup falls through to the shared slow path.
	NumIBLHashTableChecks int

	// TraceAllocateFunctionalUnits gives each functional unit (a
	// callee reached via CALL, per policy.BeginsFunctionalUnit) its
	// own fragment arena instead of sharing the calling block's.
	TraceAllocateFunctionalUnits bool

	CodeCacheCapacity int
	ArenaSlabSize     int

	// DispatchTimeout is a duration for a CPU's dispatch goroutine to
	// acknowledge a stop-the-world request. host.Scheduler has no
	// stop-the-world request and does not read it.
	DispatchTimeout time.Duration

	// NumCPUs is how many dispatch goroutines host.NewScheduler brings
	// up. Zero means "one per host.CPU seen at start", left to the
	// caller to resolve since Config itself has no way to probe the
	// host.
	NumCPUs int

	// PrivateCacheCapacity sizes each CPU's cache.Private mirror.
	PrivateCacheCapacity int

	// ControlSocketPath is where host.NewDevice listens for
	// granaryctl's status/perf queries.
	ControlSocketPath string

	// WXorX keeps every CPU's private code-cache arena writable-only
	// until a slab fills, then mprotects it read+execute, rather than
	// mapping slabs read+write+execute up front. See
	// arena.NewBumpWXorX.
	WXorX bool
}

// Default is the configuration in effect if nothing overrides it,
// matching the baseline values a stock build ships with.
var Default = Config{
	LockGlobalCodeCache:          false,
	EnableIBLPredictionStubs:     true,
	TrackXMMRegs:                 false,
	TranslateFarAddresses:        true,
	EnableDirectReturn:           false,
	IBLSaveAllFlags:              false,
	NumIBLHashTableChecks:        DefaultMaxIBLHashTableChecks,
	TraceAllocateFunctionalUnits: false,
	CodeCacheCapacity:            DefaultCodeCacheCapacity,
	ArenaSlabSize:                DefaultArenaSlabSize,
	DispatchTimeout:              5 * time.Second,
	NumCPUs:                      0,
	PrivateCacheCapacity:         DefaultPrivateCacheCapacity,
	ControlSocketPath:            DefaultControlSocketPath,
	WXorX:                        false,
}
