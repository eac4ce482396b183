package ldiskfs

import "testing"

func allocInitExtent(t *testing.T, fs *Filesystem, h *handle, ino *inode, logical uint32, length uint16) extentEntry {
	t.Helper()
	first, got, err := fs.allocateBlocks(h, ino, 0, uint32(length), allocFlagHintData)
	if err != nil {
		t.Fatalf("allocateBlocks: %v", err)
	}
	if uint16(got) != length {
		t.Fatalf("allocateBlocks returned %d blocks, want %d (test fs too fragmented)", got, length)
	}
	ex := extentEntry{logical: logical, physical: first, length: encodeLength(got, false)}
	if err := fs.insertExtent(h, ino, ex); err != nil {
		t.Fatalf("insertExtent: %v", err)
	}
	return ex
}

func TestRemoveSpaceFreesWholeExtent(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(32)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	allocInitExtent(t, fs, h, ino, 0, 10)
	freeBefore := fs.superblock.freeBlocks

	if err := fs.removeSpace(h, ino, 0, 9, false); err != nil {
		t.Fatalf("removeSpace: %v", err)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	if root.header.entries != 0 || root.header.depth != 0 {
		t.Fatalf("root after full removal = %+v, want an empty depth-0 tree", root.header)
	}
	if fs.superblock.freeBlocks != freeBefore+10 {
		t.Fatalf("freeBlocks = %d, want %d", fs.superblock.freeBlocks, freeBefore+10)
	}
}

func TestRemoveSpaceTruncatesTail(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(32)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	ex := allocInitExtent(t, fs, h, ino, 0, 10)

	if err := fs.removeSpace(h, ino, 5, 9, false); err != nil {
		t.Fatalf("removeSpace: %v", err)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	if len(root.entries) != 1 {
		t.Fatalf("remaining entries = %d, want 1", len(root.entries))
	}
	kept := root.entries[0]
	if kept.logical != 0 || kept.actualLength() != 5 || kept.physical != ex.physical {
		t.Fatalf("kept entry = %+v, want logical 0 length 5 physical %d", kept, ex.physical)
	}
}

func TestRemoveSpaceTruncatesHead(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(32)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	ex := allocInitExtent(t, fs, h, ino, 0, 10)

	if err := fs.removeSpace(h, ino, 0, 4, false); err != nil {
		t.Fatalf("removeSpace: %v", err)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	if len(root.entries) != 1 {
		t.Fatalf("remaining entries = %d, want 1", len(root.entries))
	}
	kept := root.entries[0]
	if kept.logical != 5 || kept.actualLength() != 5 || kept.physical != ex.physical+5 {
		t.Fatalf("kept entry = %+v, want logical 5 length 5 physical %d", kept, ex.physical+5)
	}
}
