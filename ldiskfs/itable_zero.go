package ldiskfs

import (
	"context"
	"math/rand"
	"time"
)

// minZeroBackoff/maxZeroBackoff bound the randomized sleep the lazy
// inode-table zeroing worker takes between groups (§4.2.3). There is
// no precedent in the retrieval pack for scheduling a single background
// worker's pacing, so this uses math/rand/time directly rather than a
// pack library; see DESIGN.md.
const (
	minZeroBackoff = 100 * time.Millisecond
	maxZeroBackoff = 30 * time.Second
)

// RunLazyInodeTableInit implements §4.2.3: the background worker that
// zero-fills the unused tail of each group's inode table so reads of
// never-written inode records don't need a checksum special case, then
// marks the group INODE_ZEROED. It runs until every group is zeroed or
// ctx is cancelled.
func (fs *Filesystem) RunLazyInodeTableInit(ctx context.Context) error {
	backoff := minZeroBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		g, ok := fs.nextUnzeroedGroup()
		if !ok {
			return nil
		}
		if err := fs.zeroInodeTable(ctx, g); err != nil {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
		backoff *= 2
		if backoff > maxZeroBackoff {
			backoff = maxZeroBackoff
		}
	}
}

func (fs *Filesystem) nextUnzeroedGroup() (uint32, bool) {
	for g := uint32(0); g < fs.superblock.groupCount(); g++ {
		gd, err := fs.gdt.get(g)
		if err != nil {
			continue
		}
		if !gd.uninitInodes() && !gd.zeroedInodes() {
			return g, true
		}
	}
	return 0, false
}

// zeroInodeTable takes the group's alloc-semaphore for writing
// (excluding the inode-claim path for the duration, §5) and zeroes the
// inode-table blocks beyond the group's current high-water mark.
func (fs *Filesystem) zeroInodeTable(ctx context.Context, g uint32) error {
	if err := fs.locks.acquireAllocWrite(ctx, g); err != nil {
		return err
	}
	defer fs.locks.releaseAllocWrite(g)

	fs.locks.group(g).Lock()
	gd, err := fs.gdt.get(g)
	if err != nil {
		fs.locks.group(g).Unlock()
		return err
	}
	if gd.uninitInodes() || gd.zeroedInodes() {
		fs.locks.group(g).Unlock()
		return nil
	}
	sb := fs.superblock
	used := sb.inodesPerGroup - gd.itableUnused
	firstUnusedBlock := (used + sb.inodesPerBlock() - 1) / sb.inodesPerBlock()
	totalBlocks := sb.itbPerGroup()
	inodeTable := gd.inodeTable
	fs.locks.group(g).Unlock()

	if firstUnusedBlock >= totalBlocks {
		return fs.markGroupZeroed(g)
	}

	h, err := fs.journal.start(int(totalBlocks - firstUnusedBlock))
	if err != nil {
		return err
	}
	zero := make([]byte, sb.blockSize)
	for b := firstUnusedBlock; b < totalBlocks; b++ {
		buf, err := h.getCreateAccess(inodeTable + uint64(b))
		if err != nil {
			h.stop()
			return err
		}
		copy(buf.data, zero)
		h.dirtyMetadata(buf)
	}
	if err := h.stop(); err != nil {
		return err
	}
	return fs.markGroupZeroed(g)
}

func (fs *Filesystem) markGroupZeroed(g uint32) error {
	fs.locks.group(g).Lock()
	defer fs.locks.group(g).Unlock()
	gd, err := fs.gdt.get(g)
	if err != nil {
		return err
	}
	gd.flags |= gdFlagInodeZeroed
	h, err := fs.journal.start(1)
	if err != nil {
		return err
	}
	if err := fs.markGDDirty(h, g, gd); err != nil {
		h.stop()
		return err
	}
	return h.stop()
}
