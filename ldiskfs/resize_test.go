package ldiskfs

import "testing"

// newShortTailFilesystem builds a single-group filesystem whose last
// (only) group is deliberately short of its full blocksPerGroup span,
// the precondition group_extend needs room to grow into.
func newShortTailFilesystem(t *testing.T, shortBy int64) *Filesystem {
	t.Helper()
	const blockSize = 1024
	const blocksPerGroup = 8192
	const firstDataBlock = 1
	totalBlocks := int64(firstDataBlock) + int64(blocksPerGroup) - shortBy
	size := totalBlocks * blockSize

	mem := newMemStorage(size)
	fs, err := Create(mem, size, 0, &Params{
		BlockSize:      blockSize,
		BlocksPerGroup: blocksPerGroup,
		InodeRatio:     16384,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fs
}

func TestGroupExtendGrowsShortTailGroup(t *testing.T) {
	fs := newShortTailFilesystem(t, 100)

	before := fs.superblock.blockCount
	gd, err := fs.gdt.get(0)
	if err != nil {
		t.Fatalf("gdt.get: %v", err)
	}
	freeBefore := gd.freeBlocks

	if err := fs.groupExtend(before + 50); err != nil {
		t.Fatalf("groupExtend: %v", err)
	}

	if fs.superblock.blockCount != before+50 {
		t.Fatalf("blockCount = %d, want %d", fs.superblock.blockCount, before+50)
	}
	if fs.groupBlockCount(0) != uint32(fs.superblock.blockCount-fs.groupFirstBlock(0)) {
		t.Fatalf("groupBlockCount(0) = %d, inconsistent with new blockCount", fs.groupBlockCount(0))
	}
	if gd.freeBlocks != freeBefore+50 {
		t.Fatalf("group free blocks = %d, want %d", gd.freeBlocks, freeBefore+50)
	}
}

func TestGroupExtendClampsToGroupCapacity(t *testing.T) {
	fs := newShortTailFilesystem(t, 100)
	before := fs.superblock.blockCount

	if err := fs.groupExtend(before + 1000); err != nil {
		t.Fatalf("groupExtend: %v", err)
	}

	want := fs.groupFirstBlock(0) + uint64(fs.superblock.blocksPerGroup)
	if fs.superblock.blockCount != want {
		t.Fatalf("blockCount = %d, want it clamped to %d", fs.superblock.blockCount, want)
	}
}

func TestGroupExtendRejectsFullLastGroup(t *testing.T) {
	fs := newTestFilesystem(t, 1) // last group already spans its full range
	if err := fs.groupExtend(fs.superblock.blockCount + 1); err == nil {
		t.Fatal("groupExtend should fail when the last group has no room left")
	}
}

func TestGroupAddRegistersNewGroup(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	groupsBefore := fs.superblock.groupCount()
	freeBlocksBefore := fs.superblock.freeBlocks
	freeInodesBefore := fs.superblock.freeInodes

	g := groupsBefore
	first := fs.groupFirstBlock(g)
	blockBitmap := first + 3
	inodeBitmap := first + 4
	inodeTable := first + 5

	if err := fs.groupAdd(blockBitmap, inodeBitmap, inodeTable); err != nil {
		t.Fatalf("groupAdd: %v", err)
	}

	if fs.superblock.groupCount() != groupsBefore+1 {
		t.Fatalf("groupCount = %d, want %d", fs.superblock.groupCount(), groupsBefore+1)
	}
	if fs.superblock.freeBlocks <= freeBlocksBefore {
		t.Fatal("groupAdd should have increased the total free block count")
	}
	if fs.superblock.freeInodes != freeInodesBefore+fs.superblock.inodesPerGroup {
		t.Fatalf("freeInodes = %d, want %d", fs.superblock.freeInodes, freeInodesBefore+fs.superblock.inodesPerGroup)
	}

	gd, err := fs.gdt.get(g)
	if err != nil {
		t.Fatalf("gdt.get(new group): %v", err)
	}
	if gd.blockBitmap != blockBitmap || gd.inodeBitmap != inodeBitmap || gd.inodeTable != inodeTable {
		t.Fatalf("new group descriptor = %+v, want bitmaps/table at %d/%d/%d", gd, blockBitmap, inodeBitmap, inodeTable)
	}
	if !gd.uninitInodes() || !gd.zeroedInodes() {
		t.Fatal("a freshly added group should start INODE_UNINIT|INODE_ZEROED")
	}

	// The new group's lock-manager slot must exist and be usable.
	fs.locks.group(g).Lock()
	fs.locks.group(g).Unlock()
}

func TestGroupAddRejectsSameBitmapLocation(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	g := fs.superblock.groupCount()
	first := fs.groupFirstBlock(g)

	if err := fs.groupAdd(first, first, first+1); err == nil {
		t.Fatal("groupAdd should reject a block bitmap and inode bitmap at the same location")
	}
}

func TestGroupAddRejectsLocationsOutsideNewGroup(t *testing.T) {
	fs := newTestFilesystem(t, 1)
	g := fs.superblock.groupCount()
	first := fs.groupFirstBlock(g)
	last := first + uint64(fs.superblock.blocksPerGroup)

	if err := fs.groupAdd(last, first+1, first+2); err == nil {
		t.Fatal("groupAdd should reject a block bitmap location past the new group's range")
	}
}
