package ldiskfs

import "testing"

func TestAllocateAndFreeBlocksRoundTrip(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := &inode{number: rootInode, uid: 1000, gid: 1000}

	h, err := fs.journal.start(8)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}

	first, count, err := fs.allocateBlocks(h, ino, 0, 10, allocFlagHintData)
	if err != nil {
		t.Fatalf("allocateBlocks: %v", err)
	}
	if count == 0 || count > 10 {
		t.Fatalf("allocateBlocks returned count %d, want 1..10", count)
	}

	freeBefore := fs.superblock.freeBlocks
	if err := fs.freeBlocksRange(h, first, count, false); err != nil {
		t.Fatalf("freeBlocksRange: %v", err)
	}
	if fs.superblock.freeBlocks != freeBefore+uint64(count) {
		t.Fatalf("freeBlocks = %d, want %d", fs.superblock.freeBlocks, freeBefore+uint64(count))
	}
	if err := h.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The freed range must be available again.
	h2, err := fs.journal.start(4)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h2.stop()
	second, count2, err := fs.allocateBlocks(h2, ino, first, count, allocFlagHintData)
	if err != nil {
		t.Fatalf("allocateBlocks (reuse): %v", err)
	}
	if second != first || count2 != count {
		t.Fatalf("reused allocation = (%d,%d), want (%d,%d)", second, count2, first, count)
	}
}

func TestAllocateBlocksRejectsZeroCount(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := &inode{number: rootInode}
	h, err := fs.journal.start(1)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()
	if _, _, err := fs.allocateBlocks(h, ino, 0, 0, allocFlagHintData); err == nil {
		t.Fatal("allocateBlocks(0) should fail")
	}
}

func TestAdmitBlocksReservePool(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	fs.superblock.reservedBlocks = fs.superblock.freeBlocks - 5
	fs.superblock.resuid = 42

	unprivileged := &inode{uid: 1000, gid: 1000}
	if fs.admitBlocks(unprivileged, 20, allocFlagHintData) {
		t.Fatal("unprivileged caller should not be admitted past the reserve for a plain data request")
	}

	privileged := &inode{uid: 42, gid: 1000}
	if !fs.admitBlocks(privileged, 20, allocFlagHintData) {
		t.Fatal("caller matching resuid should be admitted into the reserve")
	}

	if !fs.admitBlocks(unprivileged, 20, allocFlagMetadataNofail) {
		t.Fatal("metadata-nofail request should still be admitted while the reserve itself has room")
	}
}

func TestNewInodeClaimAndFree(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	parent := &inode{number: rootInode}

	h, err := fs.journal.start(4)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	n, err := fs.newInode(h, parent, false, 0)
	if err != nil {
		t.Fatalf("newInode: %v", err)
	}
	if n == 0 {
		t.Fatal("newInode returned inode 0")
	}

	freeBefore := fs.superblock.freeInodes
	if err := fs.freeInodeNumber(h, &inode{number: n}, false); err != nil {
		t.Fatalf("freeInodeNumber: %v", err)
	}
	if fs.superblock.freeInodes != freeBefore+1 {
		t.Fatalf("freeInodes = %d, want %d", fs.superblock.freeInodes, freeBefore+1)
	}
}

func TestOrlovGroupPrefersLowerDirDensity(t *testing.T) {
	fs := newTestFilesystem(t, 2)
	gd0, _ := fs.gdt.get(0)
	gd1, _ := fs.gdt.get(1)
	gd0.usedDirs = 10
	gd1.usedDirs = 0

	g, err := fs.orlovGroup()
	if err != nil {
		t.Fatalf("orlovGroup: %v", err)
	}
	if fg := fs.flexGroupOf(g); fg != fs.flexGroupOf(1) {
		t.Fatalf("orlovGroup chose group %d (flex %d), want the emptier group's flex", g, fg)
	}
}
