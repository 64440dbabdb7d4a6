// Package arena implements the never-freed executable-memory
// allocators that back the code cache, the mangler's fragment output,
// and generated IBL/DBL stubs. Arenas only grow; the one concession to
// reclamation is FreeLast, which undoes the most recent allocation
// when a caller loses a compare-and-swap race and its bytes were never
// published.
//
// This mirrors the free-list bitmap bookkeeping of an ID allocator
// that only ever grows its high-water mark and frees single entries
// out of band, adapted here from allocating integer IDs to allocating
// byte ranges out of mmap'd executable slabs.
package arena

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSlabSize is the mmap granularity for a new backing slab. It
// is a multiple of the largest plausible page size so a slab always
// spans a whole number of pages regardless of host page size.
const DefaultSlabSize = 1 << 20 // 1 MiB

// Bump is a single-owner bump allocator over a sequence of mmap'd
// executable slabs. It is not safe for concurrent use; each host CPU
// owns exactly one, matching the "CPU-private, best-effort" tier of
// the code cache.
type Bump struct {
	slabSize int
	slabs    []slab
	lastLen  int // length of the most recent allocation, for FreeLast
	wxorx    bool
}

type slab struct {
	mem []byte
	off int
}

// NewBump creates a private bump allocator. slabSize <= 0 selects
// DefaultSlabSize.
func NewBump(slabSize int) *Bump {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	return &Bump{slabSize: slabSize}
}

// NewBumpWXorX creates a private bump allocator that keeps each slab
// writable-only until it fills, then mprotects it read+execute rather
// than mapping every slab read+write+execute up front. This trades a
// bit of extra mprotect traffic for never holding a page both writable
// and executable at once, toggled by internal/config.Config.WXorX.
func NewBumpWXorX(slabSize int) *Bump {
	b := NewBump(slabSize)
	b.wxorx = true
	return b
}

// Alloc reserves n executable bytes and returns a slice over them.
// The returned slice is writable until the caller is done patching it
// in; callers must not assume W^X separation here, matching this
// arena's role as a translator-private staging area.
func (b *Bump) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena: invalid allocation size %d", n)
	}
	if len(b.slabs) == 0 || b.slabs[len(b.slabs)-1].off+n > len(b.slabs[len(b.slabs)-1].mem) {
		if b.wxorx && len(b.slabs) > 0 {
			if err := b.sealSlab(len(b.slabs) - 1); err != nil {
				return nil, err
			}
		}

		size := b.slabSize
		if n > size {
			size = n
		}
		prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
		if b.wxorx {
			prot = unix.PROT_READ | unix.PROT_WRITE
		}
		mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
		}
		b.slabs = append(b.slabs, slab{mem: mem})
	}
	s := &b.slabs[len(b.slabs)-1]
	out := s.mem[s.off : s.off+n]
	s.off += n
	b.lastLen = n
	return out, nil
}

// AllocStaged reserves n bytes and returns both the slice and its
// address, for callers (the mangler's DBL stub emission) that need
// the address before the bytes are fully written so patch targets can
// reference it.
func (b *Bump) AllocStaged(n int) ([]byte, uintptr, error) {
	mem, err := b.Alloc(n)
	if err != nil {
		return nil, 0, err
	}
	return mem, addrOf(mem), nil
}

// sealSlab mprotects a filled slab from writable-only to read+execute.
// Only called with wxorx enabled, and only once a slab has stopped
// receiving new allocations (a later slab has taken over), so no
// caller can still be mid-write into it.
func (b *Bump) sealSlab(i int) error {
	mem := b.slabs[i].mem
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("arena: sealing slab %d read+execute: %w", i, err)
	}
	return nil
}

// Seal mprotects every slab that has stopped accepting allocations
// (every slab but the one still being filled) from writable-only to
// read+execute. Callers running under NewBumpWXorX call this once they
// are done writing to catch up any slab left unsealed since the last
// rotation; it is a no-op for a Bump created with NewBump.
func (b *Bump) Seal() error {
	if !b.wxorx || len(b.slabs) < 2 {
		return nil
	}
	for i := 0; i < len(b.slabs)-1; i++ {
		if err := b.sealSlab(i); err != nil {
			return err
		}
	}
	return nil
}

// FreeLast undoes the most recent Alloc or AllocStaged call. It must
// only be called immediately after that call, before any further
// allocation, and only when the caller knows the bytes were never
// published to another CPU (the sole legitimate use is a lost
// keep-prev-entry race in the code cache).
func (b *Bump) FreeLast() {
	if len(b.slabs) == 0 || b.lastLen == 0 {
		return
	}
	s := &b.slabs[len(b.slabs)-1]
	s.off -= b.lastLen
	b.lastLen = 0
}

// Close unmaps every slab. It must not be called while any code in
// the arena might still execute.
func (b *Bump) Close() error {
	var firstErr error
	for _, s := range b.slabs {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.slabs = nil
	return firstErr
}

// Global is a process-wide bump allocator, safe for concurrent use by
// every host CPU. Unlike Bump, losing a race here still costs the
// bytes (they are never reclaimed mid-process); only FreeLast, called
// by the sole racer that just allocated, can undo an allocation, and
// only before any other goroutine has allocated from the same arena
// since — which the caller enforces by holding the arena's mutex
// across "allocate, try CAS, FreeLast on loss".
type Global struct {
	mu   sync.Mutex
	bump *Bump
}

// NewGlobal creates a process-wide bump allocator.
func NewGlobal(slabSize int) *Global {
	return &Global{bump: NewBump(slabSize)}
}

// Alloc reserves n bytes, serialized against every other caller.
func (g *Global) Alloc(n int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bump.Alloc(n)
}

// AllocStaged reserves n bytes and returns their address, holding the
// arena locked until the returned unlock function is called, so the
// caller can FreeLast on a lost race without another goroutine
// allocating in between.
func (g *Global) AllocStaged(n int) (mem []byte, addr uintptr, unlock func(freeLast bool), err error) {
	g.mu.Lock()
	mem, addr, err = g.bump.AllocStaged(n)
	if err != nil {
		g.mu.Unlock()
		return nil, 0, nil, err
	}
	return mem, addr, func(freeLast bool) {
		if freeLast {
			g.bump.FreeLast()
		}
		g.mu.Unlock()
	}, nil
}
