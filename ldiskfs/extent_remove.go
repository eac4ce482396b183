package ldiskfs

// creditsPerRemoveStep is a conservative credit estimate for freeing one
// leaf extent and updating its parent index entry: one leaf block, one
// parent block, one bitmap block, one group descriptor block.
const creditsPerRemoveStep = 4

// removeSpace implements §4.4.5: free the physical blocks backing the
// inclusive logical range [start, end] and collapse or delete the leaf
// extents that covered it, walking right to left. isMetadata selects
// which BA free-accounting path is used for directories/symlinks versus
// regular file data, per §9's corrected (non-buggy) reading of
// remove_blocks. Holds i_data_sem for writing across the whole walk
// (§5): every mutation it drives through splitExtentAt/
// collapseEmptyLeaf/fixAncestorKeysFrom runs under this single lock.
func (fs *Filesystem) removeSpace(h *handle, ino *inode, start, end uint32, isMetadata bool) error {
	lock := fs.locks.inode(ino.number)
	lock.iDataSem.Lock()
	defer lock.iDataSem.Unlock()

	const maxLogical = ^uint32(0)

	if end < maxLogical {
		if err := fs.splitExtentAt(h, ino, end+1, 0, allocFlagMetadataNofail); err != nil && !isNoSpace(err) {
			return err
		}
	}
	if straddles, serr := fs.extentStraddles(ino, start); serr == nil && straddles {
		if err := fs.splitExtentAt(h, ino, start, 0, allocFlagMetadataNofail); err != nil && !isNoSpace(err) {
			return err
		}
	}

	for start <= end {
		root, err := extentRootFromInode(ino)
		if err != nil {
			return err
		}
		if root.header.entries == 0 {
			break
		}

		path, err := fs.findPath(ino, end)
		if err != nil {
			return err
		}
		leaf := path.leaf().node
		if len(leaf.entries) == 0 {
			break
		}

		if h.creditsRemaining() < creditsPerRemoveStep {
			if err := h.extendOrRestart(creditsPerRemoveStep, leaf.block); err != nil {
				return err
			}
		}

		idx := len(leaf.entries) - 1
		for idx >= 0 && leaf.entries[idx].logical > end {
			idx--
		}
		if idx < 0 {
			end = leaf.entries[0].logical - 1
			continue
		}

		ex := leaf.entries[idx]
		a, b := ex.logical, ex.lastLogical()
		if a < start {
			a = start
		}
		if b > end {
			b = end
		}
		if a > ex.logical && b < ex.lastLogical() {
			return fs.handleError(errCorrupt("remove_space: punch interior to extent %d..%d not pre-split", ex.logical, ex.lastLogical()))
		}

		freedFirst := ex.physical
		freedCount := uint32(ex.actualLength())

		switch {
		case a == ex.logical && b == ex.lastLogical():
			leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
		case b == ex.lastLogical():
			keep := a - ex.logical
			freedFirst = ex.physical + uint64(keep)
			freedCount = uint32(ex.actualLength()) - keep
			leaf.entries[idx].length = encodeLength(uint16(keep), ex.isUninit())
		default:
			keep := ex.lastLogical() - b
			freedCount = uint32(ex.actualLength()) - keep
			leaf.entries[idx].logical = b + 1
			leaf.entries[idx].physical = ex.physical + uint64(uint32(ex.actualLength())-keep)
			leaf.entries[idx].length = encodeLength(uint16(keep), ex.isUninit())
		}
		leaf.header.entries = uint16(len(leaf.entries))

		if err := fs.freeBlocksRange(h, freedFirst, freedCount, isMetadata); err != nil {
			return err
		}
		if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
			return err
		}

		if len(leaf.entries) == 0 {
			if err := fs.collapseEmptyLeaf(h, ino, path); err != nil {
				return err
			}
		} else if idx == 0 {
			if err := fs.fixAncestorKeysFrom(h, ino, path, path.depth()); err != nil {
				return err
			}
		}

		if a == start {
			break
		}
		end = a - 1
	}

	root, err := extentRootFromInode(ino)
	if err != nil {
		return err
	}
	if root.header.entries == 0 {
		root.header.depth = 0
		root.header.max = extentCapacity(inodeBodySize)
		root.storeInInode(ino)
		return fs.writeInode(h, ino)
	}
	return nil
}

// collapseEmptyLeaf removes the index entry pointing at an emptied leaf
// and frees the leaf block itself, propagating the same collapse
// upward through any ancestor that becomes empty in turn.
func (fs *Filesystem) collapseEmptyLeaf(h *handle, ino *inode, path extentPath) error {
	level := path.depth()
	for level > 0 {
		child := path[level].node
		if child.block != 0 {
			if err := fs.freeBlocksRange(h, child.block, 1, true); err != nil {
				return err
			}
		}
		parent := path[level-1].node
		idx := path[level-1].idx
		if idx >= len(parent.entries) {
			return errCorrupt("collapse_empty_leaf: index %d out of range at level %d", idx, level-1)
		}
		parent.entries = append(parent.entries[:idx], parent.entries[idx+1:]...)
		parent.header.entries = uint16(len(parent.entries))
		if err := fs.persistLevel(h, ino, path, level-1); err != nil {
			return err
		}
		if len(parent.entries) > 0 {
			if idx == 0 {
				return fs.fixAncestorKeysFrom(h, ino, path, level-1)
			}
			return nil
		}
		level--
	}
	return nil
}
