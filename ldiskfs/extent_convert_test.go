package ldiskfs

import "testing"

// allocUninitExtent is a small test helper: claim blocks and insert them
// as a single uninitialized extent starting at logical 0, the state
// split_extent_at/convert_to_initialized operate on.
func allocUninitExtent(t *testing.T, fs *Filesystem, h *handle, ino *inode, length uint16) extentEntry {
	t.Helper()
	first, got, err := fs.allocateBlocks(h, ino, 0, uint32(length), allocFlagHintData)
	if err != nil {
		t.Fatalf("allocateBlocks: %v", err)
	}
	ex := extentEntry{logical: 0, physical: first, length: encodeLength(got, true)}
	if err := fs.insertExtent(h, ino, ex); err != nil {
		t.Fatalf("insertExtent: %v", err)
	}
	return ex
}

func TestSplitExtentAtMidpoint(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(16)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	ex := allocUninitExtent(t, fs, h, ino, 10)

	if err := fs.splitExtentAt(h, ino, ex.logical+4, 0, allocFlagMetadataNofail); err != nil {
		t.Fatalf("splitExtentAt: %v", err)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	if len(root.entries) != 2 {
		t.Fatalf("splitExtentAt produced %d entries, want 2", len(root.entries))
	}
	if root.entries[0].logical != 0 || root.entries[0].actualLength() != 4 {
		t.Fatalf("head entry = %+v, want logical 0 length 4", root.entries[0])
	}
	if root.entries[1].logical != 4 || root.entries[1].actualLength() != 6 {
		t.Fatalf("tail entry = %+v, want logical 4 length 6", root.entries[1])
	}
	if root.entries[1].physical != ex.physical+4 {
		t.Fatalf("tail physical = %d, want %d", root.entries[1].physical, ex.physical+4)
	}
}

func TestConvertToInitializedShortExtent(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(16)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	allocUninitExtent(t, fs, h, ino, zeroLen) // short extent: zero-and-convert-whole path

	n, err := fs.convertToInitialized(h, ino, 0, zeroLen)
	if err != nil {
		t.Fatalf("convertToInitialized: %v", err)
	}
	if n != zeroLen {
		t.Fatalf("convertToInitialized converted %d blocks, want %d", n, zeroLen)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	if len(root.entries) != 1 || root.entries[0].isUninit() {
		t.Fatalf("extent after conversion = %+v, want a single initialized entry", root.entries)
	}
}

func TestConvertToInitializedLongExtentSplitsAroundRange(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	ino := newExtentInode(firstNonReservedIn)

	h, err := fs.journal.start(32)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	defer h.stop()

	const length = 4 * zeroLen
	allocUninitExtent(t, fs, h, ino, length)

	if _, err := fs.convertToInitialized(h, ino, 1, 2); err != nil {
		t.Fatalf("convertToInitialized: %v", err)
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		t.Fatalf("extentRootFromInode: %v", err)
	}
	var sawInit bool
	for _, e := range root.entries {
		if e.logical <= 1 && e.lastLogical() >= 2 {
			if e.isUninit() {
				t.Fatalf("entry covering the converted range is still uninitialized: %+v", e)
			}
			sawInit = true
		}
	}
	if !sawInit {
		t.Fatal("no entry covers the range that was supposed to be converted")
	}
}
