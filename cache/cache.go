// Package cache implements the two-tier code cache of component D: a
// best-effort CPU-private map consulted first, falling back to a
// process-global map that every CPU shares, with the specific
// find/insert/race-resolution sequence spelled out in
// original_source/granary/code_cache.cc's code_cache::find.
package cache

import (
	"granary.dev/granary/arena"
	"granary.dev/granary/hashtable"
	"granary.dev/granary/policy"
)

// Global is the process-wide table, addressed by mangled address.
// Either backing (Locked or RCU) satisfies this interface.
type Global interface {
	Lookup(key policy.Mangled) (uintptr, bool)
	StoreKeepPrev(key policy.Mangled, value uintptr) (prev uintptr, installed bool)
}

// Private is one CPU's best-effort mirror of Global. It never itself
// resolves a miss; a miss here always falls through to Global.
type Private struct {
	t *hashtable.Fixed[policy.Mangled, uintptr]
}

// NewPrivate creates a CPU-private cache mirror with room for
// capacity entries.
func NewPrivate(capacity int) *Private {
	return &Private{t: hashtable.NewFixed[policy.Mangled, uintptr](capacity, mangledHash, mangledEq)}
}

func mangledHash(m policy.Mangled) uint64 { return uint64(m) }
func mangledEq(a, b policy.Mangled) bool  { return a == b }

// Store installs addr -> target in this CPU's mirror only.
func (p *Private) Store(addr policy.Mangled, target uintptr) {
	p.t.StoreKeepPrev(addr, target)
}

// Lookup checks this CPU's mirror only.
func (p *Private) Lookup(addr policy.Mangled) (uintptr, bool) {
	return p.t.Lookup(addr)
}

// Translator builds a fresh basic block for app_target_addr under
// basePolicy when no cache entry exists yet. It is provided by
// package block, which depends on cache in the other direction, so
// Cache takes it as a function value rather than importing block
// directly. undo, if non-nil, rolls back every arena allocation the
// translation made (block.Build's fragment and header writes); Cache
// calls it if the translation loses the base-address insert race.
type Translator func(basePolicy policy.Policy, appTargetAddr uintptr) (cachePC uintptr, undo func(), err error)

// DetachTarget resolves app_target_addr to a known non-translated
// destination (a host function, a statically linked library routine)
// without ever building a basic block for it. It returns ok=false if
// nothing claims the address.
type DetachTarget func(appTargetAddr uintptr, ctx policy.ID) (uintptr, bool)

// IBLExitRoutine wraps target with the IBL exit stub sequence: control
// arrives here from an indirect CALL/JMP or a RET and must fall
// through the hash-table probe on the way in.
type IBLExitRoutine func(target uintptr) uintptr

// PolicyResolver recovers a policy's full definition, properties
// included, from just the ID a mangled address's tag carries. It
// exists because a Mangled value's PolicyID survives Base while the
// rest of the policy's property bag (registered once, out of band)
// does not travel with the address at all; Cache.Find consults it to
// learn whether the policy that reached a given address permits
// detaching rather than always translating.
type PolicyResolver func(id policy.ID) policy.Policy

// Cache is the two-tier code cache.
type Cache struct {
	global        Global
	arena         *arena.Global
	translate     Translator
	detach        DetachTarget
	iblExit       IBLExitRoutine
	returnHeader  ReturnAddressProbe
	resolvePolicy PolicyResolver
}

// ReturnAddressProbe reports whether addr looks like a return address
// that was copied out of the code cache (a "displaced return address"):
// if a basic block header magic word sits RETURN_ADDRESS_OFFSET bytes
// behind addr, addr is treated as already
// translated instead of triggering a fresh translation.
type ReturnAddressProbe func(addr uintptr) (translated uintptr, ok bool)

// New builds a Cache. Any of translate, detach, probe, or
// resolvePolicy may be nil. A nil resolvePolicy resolves every policy
// ID to the zero Policy, which does not have CanDetach set, so the
// detach table is never consulted unless a resolver is supplied that
// says otherwise: an unrecognized or unregistered policy must never
// silently skip translation.
func New(global Global, ar *arena.Global, translate Translator, detach DetachTarget, iblExit IBLExitRoutine, probe ReturnAddressProbe, resolvePolicy PolicyResolver) *Cache {
	return &Cache{global: global, arena: ar, translate: translate, detach: detach, iblExit: iblExit, returnHeader: probe, resolvePolicy: resolvePolicy}
}

// FindOnCPU looks up addr in cpuCache only, never touching the global
// cache or building anything. It mirrors code_cache::find_on_cpu: a
// fast, best-effort, allocation-free path meant for the hot IBL/DBL
// stub lookup.
func FindOnCPU(cpuCache *Private, addr policy.Mangled) (uintptr, bool) {
	return cpuCache.Lookup(addr)
}

// Find performs the full lookup-then-translate sequence of
// code_cache::find: global lookup, return-address heuristic, base
// policy resolution, detach-table consultation, translation, and
// (for indirect/return targets) IBL exit stub wrapping. On success it
// also propagates the result into cpuCache.
func (c *Cache) Find(cpuCache *Private, addr policy.Mangled) (uintptr, error) {
	appTarget := addr.PC()

	if target, ok := c.global.Lookup(addr); ok {
		cpuCache.Store(addr, target)
		return target, nil
	}

	var target uintptr
	var haveTarget bool

	if c.returnHeader != nil {
		if t, ok := c.returnHeader(appTarget); ok {
			target, haveTarget = t, true
		}
	}

	base := addr.Base()
	baseAddrExists := false
	if !haveTarget && base != addr {
		if t, ok := c.global.Lookup(base); ok {
			target, haveTarget = t, true
			baseAddrExists = true
		}
	}

	basePolicy := policy.Policy{ID: base.PolicyID()}
	if c.resolvePolicy != nil {
		basePolicy = c.resolvePolicy(basePolicy.ID)
	}

	if !haveTarget && c.detach != nil && basePolicy.Props&policy.CanDetach != 0 {
		if t, ok := c.detach(appTarget, basePolicy.ID); ok {
			target, haveTarget = t, true
		}
	}

	var undo func()
	if !haveTarget {
		if c.translate == nil {
			return 0, errNoTranslator
		}
		t, u, err := c.translate(basePolicy, appTarget)
		if err != nil {
			return 0, err
		}
		target, haveTarget = t, true
		undo = u
	}

	if !baseAddrExists {
		prev, installed := c.global.StoreKeepPrev(base, target)
		if !installed {
			// Lost the race: another CPU's translation of the same
			// base address won. Undo our own allocations and adopt
			// theirs, per code_cache.cc's free_last call on the
			// fragment and block allocators.
			if undo != nil {
				undo()
			}
			target = prev
		}
	}

	cpuCache.Store(base, target)

	if addr.Has(policy.IsIndirectTarget) || addr.Has(policy.IsReturnTarget) {
		if c.iblExit != nil {
			target = c.iblExit(target)
		}
		prev, installed := c.global.StoreKeepPrev(addr, target)
		if !installed {
			target = prev
		}
		cpuCache.Store(addr, target)
	}

	return target, nil
}

// Stats is a point-in-time snapshot of the global cache's occupancy,
// the cache-side half of the perf dump adapted from
// original_source/granary/perf.cc's counters.
type Stats struct {
	// GlobalEntries is the number of address-to-target mappings
	// currently installed, or -1 if the configured Global backing
	// does not report a length.
	GlobalEntries int
}

// sized is implemented by both hashtable.Locked and hashtable.RCU;
// Global implementations that don't report a length are still usable,
// they simply report GlobalEntries as -1.
type sized interface {
	Len() int
}

// Stats snapshots the cache's occupancy.
func (c *Cache) Stats() Stats {
	if s, ok := c.global.(sized); ok {
		return Stats{GlobalEntries: s.Len()}
	}
	return Stats{GlobalEntries: -1}
}

var errNoTranslator = errNoTranslatorType{}

type errNoTranslatorType struct{}

func (errNoTranslatorType) Error() string { return "cache: no translator configured for a miss" }
