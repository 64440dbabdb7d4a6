package host

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"granary.dev/granary/cache"
)

// Module is a loaded module's text range and identity, the unit
// ModuleNotifier tracks and cache.DetachTable consults on a code
// cache miss.
type Module struct {
	ID    uuid.UUID
	Name  string
	Start uintptr
	End   uintptr
}

// ModuleNotifier tracks which native address ranges belong to a
// loaded, instrumentable module, grounded on runtime/container.go's
// namespace/credential bring-up sequence: there, entering a new
// execution context requires registering its identity (creds,
// namespace) before any request naming that context can be served;
// here, entering a new module requires registering its text range
// before any translation naming an address in it can be served. A
// module-state change for an address range nothing has registered is
// silently ignored.
type ModuleNotifier struct {
	mu      sync.RWMutex
	modules []Module
	detach  *cache.DetachTable
}

// NewModuleNotifier creates an empty notifier.
func NewModuleNotifier() *ModuleNotifier {
	return &ModuleNotifier{detach: cache.NewDetachTable(nil)}
}

// Load registers a module's text range, making it eligible for
// translation and giving it an identity later Unload calls reference.
func (n *ModuleNotifier) Load(name string, start, end uintptr) Module {
	m := Module{ID: uuid.New(), Name: name, Start: start, End: end}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.modules = append(n.modules, m)
	n.detach.Add(cache.DetachRange{Start: start, End: end, Name: name})
	return m
}

// Unload removes a previously loaded module by name. Unloading a name
// nothing has registered is a silent no-op, matching
// cache.DetachTable.Remove's documented behavior for the same case.
func (n *ModuleNotifier) Unload(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.modules {
		if m.Name == name {
			n.modules = append(n.modules[:i], n.modules[i+1:]...)
			break
		}
	}
	n.detach.Remove(name)
}

// Lookup reports which module, if any, owns addr.
func (n *ModuleNotifier) Lookup(addr uintptr) (Module, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, m := range n.modules {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return Module{}, false
}

// DetachTable exposes the underlying cache.DetachTable so a Cache can
// be constructed with it directly.
func (n *ModuleNotifier) DetachTable() *cache.DetachTable {
	return n.detach
}

// Snapshot returns the currently loaded modules sorted by start
// address, for the status surface exposed over Device.
func (n *ModuleNotifier) Snapshot() []Module {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Module, len(n.modules))
	copy(out, n.modules)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (m Module) String() string {
	return fmt.Sprintf("%s [%#x,%#x) %s", m.ID, m.Start, m.End, m.Name)
}
