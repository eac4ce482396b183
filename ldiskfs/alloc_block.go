package ldiskfs

import (
	"context"
	"strconv"

	"github.com/lustre-project/ldiskfs/util/bitmap"
)

// allocFlag selects admission and placement behavior for allocateBlocks,
// per §4.2.1.
type allocFlag uint32

const (
	// allocFlagUseReserved admits the request into the superuser
	// reserve even for an unprivileged caller.
	allocFlagUseReserved allocFlag = 1 << iota
	// allocFlagUseRootBlocks is the admission tier for a caller whose
	// uid/gid matches SB.resuid/resgid, or who carries the RESOURCE
	// capability.
	allocFlagUseRootBlocks
	// allocFlagMetadataNofail marks a metadata allocation that must
	// not fail with ENOSPC while any reserve remains; extent-tree
	// index/leaf blocks always carry this.
	allocFlagMetadataNofail
	// allocFlagDelallocReserve is bookkeeping-only: the caller already
	// reserved this request against fs.dirtyBlocks and is now
	// converting the reservation into a real claim.
	allocFlagDelallocReserve
	// allocFlagHintData marks an ordinary file-data allocation, as
	// opposed to metadata; it carries no admission weight of its own.
	allocFlagHintData
	// allocFlagMetadata tags a claim as a tree/bitmap block for BA's
	// own bookkeeping. It is not one of §4.2.1's caller-facing flags,
	// but extent_insert.go's allocMetaBlock always sets it alongside
	// allocFlagMetadataNofail.
	allocFlagMetadata
)

// maxAllocRetries bounds allocateBlocks' should_retry loop: the
// transaction is committed and reopened at most this many times before
// giving up with ENOSPC (§4.2.1).
const maxAllocRetries = 3

// admitBlocks implements §4.2.1's three-tier admission test against the
// reserved-block carve-out. The caller's identity is modeled as the
// owning inode's uid/gid (this package has no separate notion of
// "current process credentials"; ino is the closest analogue to the
// kernel's current_fsuid()/current_fsgid() at the call site).
func (fs *Filesystem) admitBlocks(ino *inode, requested uint32, flags allocFlag) bool {
	fs.locks.sbMu.Lock()
	defer fs.locks.sbMu.Unlock()

	sb := fs.superblock
	runtimeReserve := fs.resvBlocks.Load()
	rsv := sb.reservedBlocks + runtimeReserve
	dirty := fs.dirtyBlocks.Load()
	free := sb.freeBlocks
	req := uint64(requested)

	if free >= req+rsv+dirty {
		return true
	}

	privileged := uint32(ino.uid) == uint32(sb.resuid) ||
		uint32(ino.gid) == uint32(sb.resgid) ||
		flags&allocFlagUseRootBlocks != 0
	if privileged && free >= req+dirty+runtimeReserve {
		return true
	}

	if flags&(allocFlagUseReserved|allocFlagMetadataNofail) != 0 && free >= req+dirty {
		return true
	}
	return false
}

// allocateBlocks implements §4.2.1: reserve up to requestedCount
// contiguous blocks starting no earlier than goal, on a best-effort
// basis, returning the actual (possibly shorter) run obtained.
func (fs *Filesystem) allocateBlocks(h *handle, ino *inode, goal uint64, requestedCount uint32, flags allocFlag) (uint64, uint32, error) {
	if fs.isReadonly() {
		return 0, 0, errReadonly("allocate_blocks: filesystem is read-only")
	}
	if requestedCount == 0 {
		return 0, 0, errCorrupt("allocate_blocks: requested count is zero")
	}
	if !fs.admitBlocks(ino, requestedCount, flags) {
		return 0, 0, errNoSpace("allocate_blocks: admission test failed for %d blocks", requestedCount)
	}

	sb := fs.superblock
	groups := sb.groupCount()
	startGroup := uint32(0)
	startOffset := uint32(0)
	if goal >= uint64(sb.firstDataBlock) {
		startGroup = uint32((goal - uint64(sb.firstDataBlock)) / uint64(sb.blocksPerGroup))
		startOffset = uint32((goal - uint64(sb.firstDataBlock)) % uint64(sb.blocksPerGroup))
	}
	if startGroup >= groups {
		startGroup = 0
		startOffset = 0
	}

	for retries := 0; ; retries++ {
		for i := uint32(0); i < groups; i++ {
			g := (startGroup + i) % groups
			off := uint32(0)
			if i == 0 {
				off = startOffset
			}
			first, count, err := fs.tryAllocInGroup(h, g, off, requestedCount)
			if err != nil {
				return 0, 0, err
			}
			if count > 0 {
				return first, count, nil
			}
		}
		if !fs.shouldRetryAlloc(h, retries) {
			return 0, 0, errNoSpace("allocate_blocks: no group has %d free blocks", requestedCount)
		}
	}
}

// shouldRetryAlloc implements should_retry: force the current
// transaction to commit and reopen, up to maxAllocRetries times, giving
// the lazy group-uninit and itable-zeroing workers a chance to release
// blocks they were holding under a stale view.
func (fs *Filesystem) shouldRetryAlloc(h *handle, retries int) bool {
	if retries >= maxAllocRetries {
		return false
	}
	if err := h.restart(h.credits); err != nil {
		return false
	}
	return true
}

func (fs *Filesystem) groupFirstBlock(g uint32) uint64 {
	return uint64(fs.superblock.firstDataBlock) + uint64(g)*uint64(fs.superblock.blocksPerGroup)
}

// groupBlockCount returns the number of blocks that actually belong to
// group g: blocksPerGroup for every group but a possibly-short tail
// group.
func (fs *Filesystem) groupBlockCount(g uint32) uint32 {
	first := fs.groupFirstBlock(g)
	remaining := fs.superblock.blockCount - first
	if remaining > uint64(fs.superblock.blocksPerGroup) {
		return fs.superblock.blocksPerGroup
	}
	return uint32(remaining)
}

func (fs *Filesystem) blockGroup(block uint64) uint32 {
	return uint32((block - uint64(fs.superblock.firstDataBlock)) / uint64(fs.superblock.blocksPerGroup))
}

// gdtBlockFor returns the GDT block and within-block byte offset that
// holds group g's descriptor.
func (fs *Filesystem) gdtBlockFor(g uint32) (uint64, uint32) {
	sb := fs.superblock
	perBlock := sb.gdDescPerBlock()
	block := gdtStartBlock(sb) + uint64(g)/uint64(perBlock)
	offset := (g % perBlock) * uint32(sb.descriptorSize)
	return block, offset
}

// markGDDirty re-encodes gd (recomputing its checksum) and writes it
// back into its GDT block through the handle.
func (fs *Filesystem) markGDDirty(h *handle, g uint32, gd *groupDescriptor) error {
	block, offset := fs.gdtBlockFor(g)
	buf, err := h.getWriteAccess(block)
	if err != nil {
		return err
	}
	uuidBytes := idBytes(fs.superblock.uuid)
	enc := gd.toBytes(fs.superblock.descriptorSize, g, uuidBytes, fs.superblock.checksumSeed)
	copy(buf.data[offset:offset+uint32(len(enc))], enc)
	h.dirtyMetadata(buf)
	return nil
}

// fabricateBlockBitmap builds the in-memory block bitmap for a group
// that has never been faulted in (BLOCK_UNINIT set): every block this
// filesystem's own metadata occupies in the group is marked used, any
// tail padding beyond the group's actual block count is marked used,
// and everything else is free.
func (fs *Filesystem) fabricateBlockBitmap(g uint32, gd *groupDescriptor) *bitmap.Bitmap {
	sb := fs.superblock
	bm := bitmap.NewBits(int(sb.blocksPerGroup))
	first := fs.groupFirstBlock(g)

	overhead := gd.blockBitmap - first
	for i := uint64(0); i < overhead; i++ {
		bm.Set(int(i))
	}
	bm.Set(int(gd.blockBitmap - first))
	bm.Set(int(gd.inodeBitmap - first))

	itb := uint64(sb.itbPerGroup())
	base := gd.inodeTable - first
	for i := uint64(0); i < itb; i++ {
		bm.Set(int(base + i))
	}

	blocks := fs.groupBlockCount(g)
	for i := blocks; i < sb.blocksPerGroup; i++ {
		bm.Set(int(i))
	}
	return bm
}

// loadOrInitBlockBitmap returns the block bitmap for group g, lazily
// fabricating and persisting it if the group has never been faulted in
// (§4.2.1 "lazy BLOCK_UNINIT group fabrication"). Callers must already
// hold the group lock. The fabricate-and-persist step itself runs
// through groupInitOnce, keyed by group; since every caller
// (tryAllocInGroup, addGroupBlocks, freeBlocksInGroup) holds that
// group's lock, calls for the same group do not overlap.
func (fs *Filesystem) loadOrInitBlockBitmap(h *handle, g uint32, gd *groupDescriptor) (*bitmap.Bitmap, uint64, error) {
	if gd.uninitBlocks() {
		v, err, _ := fs.groupInitOnce.Do("block:"+strconv.FormatUint(uint64(g), 10), func() (interface{}, error) {
			bm := fs.fabricateBlockBitmap(g, gd)
			buf, err := h.getCreateAccess(gd.blockBitmap)
			if err != nil {
				return nil, err
			}
			copy(buf.data, bm.ToBytes())
			h.dirtyMetadata(buf)

			gd.flags &^= gdFlagBlockUninit
			if err := fs.markGDDirty(h, g, gd); err != nil {
				return nil, err
			}
			return bm, nil
		})
		if err != nil {
			return nil, 0, err
		}
		return v.(*bitmap.Bitmap), gd.blockBitmap, nil
	}
	raw, err := fs.readBlock(gd.blockBitmap)
	if err != nil {
		return nil, 0, err
	}
	return bitmap.FromBytes(raw), gd.blockBitmap, nil
}

// bestRun picks the largest free run at or after minOffset, capped to
// requested, on a best-effort (not necessarily leftmost) basis.
func bestRun(bm *bitmap.Bitmap, minOffset uint32, requested uint32) (uint32, uint32) {
	best := int64(-1)
	var bestCount uint32
	for _, run := range bm.FreeList() {
		pos := uint32(run.Position)
		cnt := uint32(run.Count)
		if pos+cnt <= minOffset {
			continue
		}
		if pos < minOffset {
			cnt -= minOffset - pos
			pos = minOffset
		}
		if cnt == 0 {
			continue
		}
		if cnt > requested {
			cnt = requested
		}
		if cnt > bestCount {
			best = int64(pos)
			bestCount = cnt
		}
		if bestCount >= requested {
			break
		}
	}
	if best < 0 {
		return 0, 0
	}
	return uint32(best), bestCount
}

// tryAllocInGroup attempts to claim up to requested contiguous blocks
// in group g at or after minOffset, returning count == 0 if the group
// has no usable run.
func (fs *Filesystem) tryAllocInGroup(h *handle, g uint32, minOffset uint32, requested uint32) (uint64, uint32, error) {
	if err := fs.locks.acquireAllocRead(context.Background(), g); err != nil {
		return 0, 0, err
	}
	defer fs.locks.releaseAllocRead(g)

	fs.locks.group(g).Lock()
	defer fs.locks.group(g).Unlock()

	gd, err := fs.gdt.get(g)
	if err != nil {
		return 0, 0, err
	}
	bm, bmBlock, err := fs.loadOrInitBlockBitmap(h, g, gd)
	if err != nil {
		return 0, 0, err
	}

	pos, count := bestRun(bm, minOffset, requested)
	if count == 0 {
		return 0, 0, nil
	}
	for i := uint32(0); i < count; i++ {
		bm.Set(int(pos) + int(i))
	}

	buf, err := h.getWriteAccess(bmBlock)
	if err != nil {
		return 0, 0, err
	}
	copy(buf.data, bm.ToBytes())
	h.dirtyMetadata(buf)

	gd.freeBlocks -= count
	if err := fs.markGDDirty(h, g, gd); err != nil {
		return 0, 0, err
	}

	fs.locks.sbMu.Lock()
	fs.superblock.freeBlocks -= uint64(count)
	fs.locks.sbMu.Unlock()

	return fs.groupFirstBlock(g) + uint64(pos), count, nil
}

// freeBlocksRange releases count blocks starting at physical block
// first back to their owning groups' bitmaps, splitting the range at
// group boundaries as needed. isMetadata marks the range as backing
// extent-tree/itable/bitmap blocks rather than file data (§9's corrected
// reading of remove_blocks): such blocks are revoked in the journal so a
// stale copy still pending commit is never replayed over whatever reuses
// the block number next, mirroring EXT4_FREE_BLOCKS_METADATA.
func (fs *Filesystem) freeBlocksRange(h *handle, first uint64, count uint32, isMetadata bool) error {
	remaining := count
	cur := first
	for remaining > 0 {
		g := fs.blockGroup(cur)
		firstInGroup := fs.groupFirstBlock(g)
		groupBlocks := fs.groupBlockCount(g)
		offset := uint32(cur - firstInGroup)
		n := groupBlocks - offset
		if n > remaining {
			n = remaining
		}
		if err := fs.freeBlocksInGroup(h, g, offset, n); err != nil {
			return err
		}
		if isMetadata {
			for i := uint32(0); i < n; i++ {
				h.revoke(cur + uint64(i))
			}
		}
		cur += uint64(n)
		remaining -= n
	}
	return nil
}

func (fs *Filesystem) freeBlocksInGroup(h *handle, g uint32, offset uint32, count uint32) error {
	fs.locks.group(g).Lock()
	defer fs.locks.group(g).Unlock()

	gd, err := fs.gdt.get(g)
	if err != nil {
		return err
	}
	bm, bmBlock, err := fs.loadOrInitBlockBitmap(h, g, gd)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if ok, _ := bm.IsSet(int(offset) + int(i)); !ok {
			return fs.handleError(errCorrupt("free_blocks: block %d in group %d already free", offset+i, g))
		}
		bm.Clear(int(offset) + int(i))
	}

	buf, err := h.getWriteAccess(bmBlock)
	if err != nil {
		return err
	}
	copy(buf.data, bm.ToBytes())
	h.dirtyMetadata(buf)

	gd.freeBlocks += count
	if err := fs.markGDDirty(h, g, gd); err != nil {
		return err
	}

	fs.locks.sbMu.Lock()
	fs.superblock.freeBlocks += uint64(count)
	fs.locks.sbMu.Unlock()
	return nil
}
