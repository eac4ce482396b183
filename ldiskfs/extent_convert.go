package ldiskfs

// splitFlag selects split_extent_at's behavior at the split point
// (§4.4.3).
type splitFlag uint32

const (
	// splitFlagMarkUninit1 marks the extent covering the split point
	// uninitialized (used when converting the lead-in portion of a
	// write back to unwritten).
	splitFlagMarkUninit1 splitFlag = 1 << iota
	// splitFlagMarkUninit2 marks it initialized.
	splitFlagMarkUninit2
	// splitFlagMayZeroout allows falling back to zeroing the extent's
	// physical range on disk and keeping it as one initialized extent,
	// when the split itself cannot find a metadata block.
	splitFlagMayZeroout
)

// zeroLen is ZERO_LEN from §4.4.4: an uninitialized extent this short
// (or shorter) is zeroed on disk directly rather than split into three
// pieces.
const zeroLen = 7

// zeroExtentRange writes zero blocks over ex's entire physical range.
// This is a data write (the range was never written, so there is
// nothing to preserve), not metadata, so it bypasses the journal
// façade's dirty-buffer bookkeeping the way ordered-mode data writes do
// in §6.
func (fs *Filesystem) zeroExtentRange(ex extentEntry) error {
	zero := make([]byte, fs.superblock.blockSize)
	for i := uint32(0); i < uint32(ex.actualLength()); i++ {
		if err := fs.writeBlock(nil, ex.physical+uint64(i), zero); err != nil {
			return err
		}
	}
	return nil
}

// extentStraddles reports whether logical falls strictly inside the
// leaf extent covering it (neither its first nor one past its last
// block), meaning a caller that wants logical to become a tree boundary
// must split there.
func (fs *Filesystem) extentStraddles(ino *inode, logical uint32) (bool, error) {
	path, err := fs.findPath(ino, logical)
	if err != nil {
		return false, err
	}
	leaf := path.leaf()
	if leaf.idx >= len(leaf.node.entries) {
		return false, nil
	}
	ex := leaf.node.entries[leaf.idx]
	return logical > ex.logical && logical <= ex.lastLogical(), nil
}

// splitExtentAt implements §4.4.3: reshape the leaf extent covering
// splitLogical so that splitLogical becomes an extent boundary, without
// changing the underlying physical mapping. When splitLogical is already
// the extent's first block, flags toggle that extent's init/uninit
// state; otherwise both halves keep the original extent's state.
func (fs *Filesystem) splitExtentAt(h *handle, ino *inode, splitLogical uint32, flags splitFlag, alloc allocFlag) error {
	path, err := fs.findPath(ino, splitLogical)
	if err != nil {
		return err
	}
	leaf := path.leaf()
	if leaf.idx >= len(leaf.node.entries) {
		return nil
	}
	ex := leaf.node.entries[leaf.idx]
	if splitLogical < ex.logical || splitLogical > ex.lastLogical() {
		return nil
	}

	if splitLogical == ex.logical {
		return fs.toggleUninitAt(h, ino, splitLogical, flags)
	}

	headLen := uint16(splitLogical - ex.logical)
	tailLen := ex.lastLogical() - splitLogical + 1

	leaf.node.entries[leaf.idx].length = encodeLength(headLen, ex.isUninit())
	if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
		return err
	}

	tail := extentEntry{
		logical:  splitLogical,
		physical: ex.physical + uint64(headLen),
		length:   encodeLength(tailLen, ex.isUninit()),
	}
	// The tail goes in right after the shortened head rather than through
	// insertExtent, whose merge step would fold it straight back.
	node := leaf.node
	pos := leaf.idx + 1
	if int(node.header.entries) < int(node.header.max) {
		node.entries = insertLeafSorted(node.entries, pos, tail)
		node.header.entries = uint16(len(node.entries))
		return fs.persistLevel(h, ino, path, path.depth())
	}
	path[path.depth()].idx = pos
	rightBlock, rightFirst, err := fs.splitLeaf(h, ino, path, tail)
	if err != nil {
		if isNoSpace(err) && flags&splitFlagMayZeroout != 0 {
			_, zerr := fs.convertByZeroing(h, ino, ex)
			return zerr
		}
		return err
	}
	return fs.propagateNewChild(h, ino, path, path.depth()-1, rightFirst, rightBlock)
}

// toggleUninitAt flips the init/uninit bit of the extent that starts
// exactly at logical, then tries to merge it with its neighbors now
// that the state changed.
func (fs *Filesystem) toggleUninitAt(h *handle, ino *inode, logical uint32, flags splitFlag) error {
	path, err := fs.findPath(ino, logical)
	if err != nil {
		return err
	}
	leaf := path.leaf()
	if leaf.idx >= len(leaf.node.entries) {
		return nil
	}
	ex := &leaf.node.entries[leaf.idx]
	switch {
	case flags&splitFlagMarkUninit1 != 0:
		ex.length = encodeLength(ex.actualLength(), true)
	case flags&splitFlagMarkUninit2 != 0:
		ex.length = encodeLength(ex.actualLength(), false)
	}
	if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
		return err
	}
	return fs.mergeLeafNeighbors(h, ino, path)
}

// mergeLeafNeighbors absorbs the leaf entry at path's cursor into an
// adjacent entry when they are now mergeable (same init state,
// logically and physically contiguous), used after a convert/split
// changes an entry's state in place.
func (fs *Filesystem) mergeLeafNeighbors(h *handle, ino *inode, path extentPath) error {
	leaf := path.leaf().node
	idx := path.leaf().idx
	if idx >= len(leaf.entries) {
		return nil
	}
	changed := false
	if idx+1 < len(leaf.entries) && canMerge(leaf.entries[idx], leaf.entries[idx+1]) {
		leaf.entries[idx].length = encodeLength(leaf.entries[idx].actualLength()+leaf.entries[idx+1].actualLength(), leaf.entries[idx].isUninit())
		leaf.entries = append(leaf.entries[:idx+1], leaf.entries[idx+2:]...)
		changed = true
	}
	if idx > 0 && canMerge(leaf.entries[idx-1], leaf.entries[idx]) {
		leaf.entries[idx-1].length = encodeLength(leaf.entries[idx-1].actualLength()+leaf.entries[idx].actualLength(), leaf.entries[idx-1].isUninit())
		leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
		changed = true
	}
	if !changed {
		return nil
	}
	leaf.header.entries = uint16(len(leaf.entries))
	return fs.persistLevel(h, ino, path, path.depth())
}

// convertToInitialized implements §4.4.4: mark the portion of an
// uninitialized extent covered by [iblock, iblock+maxBlocks) as
// initialized. A short extent (at most 2*zeroLen blocks) is zeroed and
// converted whole rather than split in three; longer extents split off
// the untouched head and/or tail with MARK_UNINIT, falling back to
// zero-and-convert-whole on ENOSPC.
func (fs *Filesystem) convertToInitialized(h *handle, ino *inode, iblock uint32, maxBlocks uint32) (uint32, error) {
	path, err := fs.findPath(ino, iblock)
	if err != nil {
		return 0, err
	}
	leaf := path.leaf()
	if leaf.idx >= len(leaf.node.entries) {
		return 0, errCorrupt("convert_to_initialized: no extent covers block %d", iblock)
	}
	ex := leaf.node.entries[leaf.idx]
	if !ex.isUninit() {
		return 0, errCorrupt("convert_to_initialized: extent at %d already initialized", ex.logical)
	}

	covered := ex.lastLogical() - iblock + 1
	if covered > maxBlocks {
		covered = maxBlocks
	}

	if uint32(ex.actualLength()) <= 2*zeroLen {
		return fs.convertByZeroing(h, ino, ex)
	}

	liveEnd := iblock + covered
	if iblock > ex.logical {
		if err := fs.splitExtentAt(h, ino, iblock, splitFlagMarkUninit1, allocFlagMetadataNofail); err != nil {
			if isNoSpace(err) {
				return fs.convertByZeroing(h, ino, ex)
			}
			return 0, err
		}
	}
	if liveEnd <= ex.lastLogical() {
		if err := fs.splitExtentAt(h, ino, liveEnd, splitFlagMarkUninit2, allocFlagMetadataNofail); err != nil {
			if isNoSpace(err) {
				return fs.convertByZeroing(h, ino, ex)
			}
			return 0, err
		}
	}

	path2, err := fs.findPath(ino, iblock)
	if err != nil {
		return 0, err
	}
	leaf2 := path2.leaf()
	if leaf2.idx >= len(leaf2.node.entries) {
		return 0, errCorrupt("convert_to_initialized: lost coverage of block %d after split", iblock)
	}
	leaf2.node.entries[leaf2.idx].length = encodeLength(leaf2.node.entries[leaf2.idx].actualLength(), false)
	if err := fs.persistLevel(h, ino, path2, path2.depth()); err != nil {
		return 0, err
	}
	if err := fs.mergeLeafNeighbors(h, ino, path2); err != nil {
		return 0, err
	}
	return covered, nil
}

// convertByZeroing is convert_to_initialized's ENOSPC fallback and
// short-extent fast path: zero the whole extent's physical range on
// disk and flip it to initialized in place, with no tree shape change.
func (fs *Filesystem) convertByZeroing(h *handle, ino *inode, ex extentEntry) (uint32, error) {
	if err := fs.zeroExtentRange(ex); err != nil {
		return 0, err
	}
	path, err := fs.findPath(ino, ex.logical)
	if err != nil {
		return 0, err
	}
	leaf := path.leaf()
	if leaf.idx >= len(leaf.node.entries) {
		return 0, errCorrupt("convert_to_initialized: lost extent at %d during zero-fallback", ex.logical)
	}
	leaf.node.entries[leaf.idx].length = encodeLength(ex.actualLength(), false)
	if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
		return 0, err
	}
	if err := fs.mergeLeafNeighbors(h, ino, path); err != nil {
		return 0, err
	}
	return uint32(ex.actualLength()), nil
}
