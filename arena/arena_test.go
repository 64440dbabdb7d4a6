package arena

import "testing"

func TestBumpAllocDistinctRanges(t *testing.T) {
	b := NewBump(4096)
	defer b.Close()

	a, err := b.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	c, err := b.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if addrOf(a) == addrOf(c) {
		t.Fatal("expected distinct addresses")
	}
	if addrOf(c) != addrOf(a)+32 {
		t.Fatalf("expected contiguous bump allocation, got %#x then %#x", addrOf(a), addrOf(c))
	}
}

func TestBumpFreeLastUndoesAllocation(t *testing.T) {
	b := NewBump(4096)
	defer b.Close()

	_, addr1, err := b.AllocStaged(16)
	if err != nil {
		t.Fatal(err)
	}
	b.FreeLast()
	_, addr2, err := b.AllocStaged(16)
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr2 {
		t.Fatalf("FreeLast then Alloc should reuse the same address: %#x != %#x", addr1, addr2)
	}
}

func TestBumpNewSlabOnOverflow(t *testing.T) {
	b := NewBump(64)
	defer b.Close()

	if _, err := b.Alloc(48); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Alloc(48); err != nil {
		t.Fatalf("expected allocator to grow a new slab, got error: %v", err)
	}
	if len(b.slabs) != 2 {
		t.Fatalf("expected 2 slabs, got %d", len(b.slabs))
	}
}

func TestBumpWXorXRotatesAndSealsFilledSlabs(t *testing.T) {
	b := NewBumpWXorX(64)
	defer b.Close()

	if _, err := b.Alloc(48); err != nil {
		t.Fatal(err)
	}
	// Crosses into a second slab, which should seal the first one.
	if _, err := b.Alloc(48); err != nil {
		t.Fatalf("expected allocator to grow a new slab, got error: %v", err)
	}
	if len(b.slabs) != 2 {
		t.Fatalf("expected 2 slabs, got %d", len(b.slabs))
	}

	// Seal re-applies read+execute to every filled slab; the
	// still-filling slab stays writable.
	if err := b.Seal(); err != nil {
		t.Fatal(err)
	}
}

func TestBumpWithoutWXorXSealIsNoop(t *testing.T) {
	b := NewBump(64)
	defer b.Close()

	if _, err := b.Alloc(48); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Alloc(48); err != nil {
		t.Fatal(err)
	}
	if err := b.Seal(); err != nil {
		t.Fatal(err)
	}
}

func TestGlobalAllocStagedUnlockFreeLast(t *testing.T) {
	g := NewGlobal(4096)
	defer g.bump.Close()

	_, addr1, unlock, err := g.AllocStaged(16)
	if err != nil {
		t.Fatal(err)
	}
	unlock(true)

	_, addr2, unlock2, err := g.AllocStaged(16)
	if err != nil {
		t.Fatal(err)
	}
	unlock2(false)

	if addr1 != addr2 {
		t.Fatalf("expected FreeLast via unlock(true) to allow reuse: %#x != %#x", addr1, addr2)
	}
}
