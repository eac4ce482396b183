package ldiskfs

import "testing"

func TestGapCacheLookupSetInvalidate(t *testing.T) {
	c := newInodeGapCache()

	if c.lookup(1, 100) {
		t.Fatal("empty cache should report no hit")
	}

	c.set(1, 100, 50)
	if !c.lookup(1, 100) || !c.lookup(1, 149) {
		t.Fatal("lookup should hit anywhere inside [100,150)")
	}
	if c.lookup(1, 150) {
		t.Fatal("lookup should miss just past the cached gap")
	}
	if c.lookup(2, 100) {
		t.Fatal("cache entries must not leak across inodes")
	}

	c.invalidate(1)
	if c.lookup(1, 100) {
		t.Fatal("invalidate should clear the cached entry")
	}
}

func TestGetBlocksCreateThenQuery(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(8)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	phys, count, isNew, unwritten, err := fs.getBlocks(h, ino, 0, 5, getBlocksCreate)
	if err != nil {
		t.Fatalf("getBlocks (create): %v", err)
	}
	if !isNew || unwritten {
		t.Fatalf("getBlocks(create) = isNew=%v unwritten=%v, want isNew=true unwritten=false", isNew, unwritten)
	}
	if count == 0 || count > 5 {
		t.Fatalf("getBlocks returned count %d, want 1..5", count)
	}

	// A second lookup into the same range must return the now-committed
	// mapping without allocating again.
	phys2, count2, isNew2, _, err := fs.getBlocks(h, ino, 0, count, 0)
	if err != nil {
		t.Fatalf("getBlocks (query): %v", err)
	}
	if isNew2 {
		t.Fatal("re-querying a committed extent should not report isNew")
	}
	if phys2 != phys || count2 != count {
		t.Fatalf("getBlocks (query) = (%d,%d), want (%d,%d)", phys2, count2, phys, count)
	}
}

func TestGetBlocksQueryHoleCachesGap(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(8)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	_, count, _, _, err := fs.getBlocks(h, ino, 0, 0, 0)
	if err != nil {
		t.Fatalf("getBlocks (hole query): %v", err)
	}
	if count != 0 {
		t.Fatalf("querying an empty tree without getBlocksCreate should report a hole, got count %d", count)
	}
	if !fs.gapCache.lookup(ino.number, 10) {
		t.Fatal("the hole query should have populated the gap cache")
	}
}

func TestFiemapWalkReportsLastFlag(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(8)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	if _, _, _, _, err := fs.getBlocks(h, ino, 0, 4, getBlocksCreate); err != nil {
		t.Fatalf("getBlocks: %v", err)
	}
	if _, _, _, _, err := fs.getBlocks(h, ino, 10, 4, getBlocksCreate); err != nil {
		t.Fatalf("getBlocks: %v", err)
	}

	entries, err := fs.fiemapWalk(ino)
	if err != nil {
		t.Fatalf("fiemapWalk: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("fiemapWalk returned %d entries, want 2", len(entries))
	}
	if entries[len(entries)-1].Last != true {
		t.Fatal("the final entry must carry Last=true")
	}
	for _, e := range entries[:len(entries)-1] {
		if e.Last {
			t.Fatal("only the final entry may carry Last=true")
		}
	}
}
