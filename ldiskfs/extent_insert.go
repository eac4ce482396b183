package ldiskfs

// insertExtent implements §4.4.2: place new into the tree rooted at
// ino's extent root, merging with an adjacent extent where possible,
// else inserting into the covering leaf, else splitting leaf and index
// nodes upward (growing the tree's depth when the root itself is full).
func (fs *Filesystem) insertExtent(h *handle, ino *inode, new extentEntry) error {
	path, err := fs.findPath(ino, new.logical)
	if err != nil {
		return err
	}

	if fs.tryMergeAtLeaf(path, new) {
		return fs.persistLevel(h, ino, path, path.depth())
	}

	leaf := path.leaf().node
	pos := path.leaf().idx
	if int(leaf.header.entries) < int(leaf.header.max) {
		leaf.entries = insertLeafSorted(leaf.entries, pos, new)
		leaf.header.entries = uint16(len(leaf.entries))
		if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
			return err
		}
		if pos == 0 {
			return fs.fixAncestorKeysFrom(h, ino, path, path.depth())
		}
		return nil
	}

	rightBlock, rightFirst, err := fs.splitLeaf(h, ino, path, new)
	if err != nil {
		return err
	}
	return fs.propagateNewChild(h, ino, path, path.depth()-1, rightFirst, rightBlock)
}

// tryMergeAtLeaf absorbs new into an adjacent entry at the leaf the
// path landed on, when they are contiguous both logically and
// physically and share the same uninit state (§4.4.2 "merge with
// adjacent"). It returns whether a merge happened.
func (fs *Filesystem) tryMergeAtLeaf(path extentPath, new extentEntry) bool {
	leaf := path.leaf().node
	pos := path.leaf().idx

	if pos > 0 {
		prev := &leaf.entries[pos-1]
		if canMerge(*prev, new) {
			prev.length = encodeLength(prev.actualLength()+new.actualLength(), prev.isUninit())
			return true
		}
	}
	if pos < len(leaf.entries) {
		next := &leaf.entries[pos]
		if canMerge(new, *next) {
			next.logical = new.logical
			next.physical = new.physical
			next.length = encodeLength(new.actualLength()+next.actualLength(), next.isUninit())
			return true
		}
	}
	return false
}

func canMerge(a, b extentEntry) bool {
	if a.isUninit() != b.isUninit() {
		return false
	}
	if a.logical+uint32(a.actualLength()) != b.logical {
		return false
	}
	if a.physical+uint64(a.actualLength()) != b.physical {
		return false
	}
	limit := maxInitLen
	if a.isUninit() {
		limit = maxUninitLen
	}
	return uint32(a.actualLength())+uint32(b.actualLength()) <= uint32(limit)
}

func insertLeafSorted(entries []extentEntry, pos int, e extentEntry) []extentEntry {
	out := make([]extentEntry, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, e)
	out = append(out, entries[pos:]...)
	return out
}

func insertIndexSorted(entries []extentEntry, pos int, e extentEntry) []extentEntry {
	return insertLeafSorted(entries, pos, e)
}

// insertionIndexForKey finds where an index entry for key belongs,
// preserving ascending order of first-logical values.
func insertionIndexForKey(entries []extentEntry, key uint32) int {
	for i, e := range entries {
		if e.logical > key {
			return i
		}
	}
	return len(entries)
}

// persistLevel writes back the node at path[level]: into the inode
// body if it is the root, else through the journal as a dirtied
// metadata block.
func (fs *Filesystem) persistLevel(h *handle, ino *inode, path extentPath, level int) error {
	node := path[level].node
	if node.block == 0 {
		node.storeInInode(ino)
		return nil
	}
	return fs.writeNode(h, node, false)
}

// writeNode encodes n and dirties it through the handle. isNew selects
// get_create_access (a block the caller just allocated, no prior
// contents worth reading) over get_write_access.
func (fs *Filesystem) writeNode(h *handle, n *extentNode, isNew bool) error {
	var buf *bufferState
	var err error
	if isNew {
		buf, err = h.getCreateAccess(n.block)
	} else {
		buf, err = h.getWriteAccess(n.block)
	}
	if err != nil {
		return err
	}
	enc := n.toBytes(int(fs.superblock.blockSize))
	copy(buf.data, enc)
	h.dirtyMetadata(buf)
	return nil
}

// splitLeaf splits a full leaf node in half, with new folded into
// whichever half it belongs, writing the right half to a freshly
// allocated block and leaving the left half in place. It returns the
// new block's number and its first logical block, for the caller to
// thread up as an index entry.
func (fs *Filesystem) splitLeaf(h *handle, ino *inode, path extentPath, new extentEntry) (uint64, uint32, error) {
	leaf := path.leaf().node
	pos := path.leaf().idx
	all := insertLeafSorted(leaf.entries, pos, new)

	mid := len(all) / 2
	left, right := all[:mid], all[mid:]

	newBlock, err := fs.allocMetaBlock(h, ino)
	if err != nil {
		return 0, 0, err
	}

	leaf.entries = left
	leaf.header.entries = uint16(len(left))
	if err := fs.persistLevel(h, ino, path, path.depth()); err != nil {
		return 0, 0, err
	}

	rightNode := &extentNode{
		header: extentHeader{entries: uint16(len(right)), max: extentCapacity(int(fs.superblock.blockSize)), depth: 0},
		entries: right,
		block:   newBlock,
	}
	if err := fs.writeNode(h, rightNode, true); err != nil {
		return 0, 0, err
	}
	return newBlock, right[0].logical, nil
}

// splitIndex is splitLeaf's counterpart for an internal node: it
// inserts (key, child) into the index node at path[level] (already
// known to be full), splits it in half, and returns the right half's
// block and first key.
func (fs *Filesystem) splitIndex(h *handle, ino *inode, path extentPath, level int, key uint32, child uint64) (uint64, uint32, error) {
	node := path[level].node
	pos := insertionIndexForKey(node.entries, key)
	all := insertIndexSorted(node.entries, pos, extentEntry{logical: key, child: child})

	mid := len(all) / 2
	left, right := all[:mid], all[mid:]

	newBlock, err := fs.allocMetaBlock(h, ino)
	if err != nil {
		return 0, 0, err
	}

	node.entries = left
	node.header.entries = uint16(len(left))
	if err := fs.persistLevel(h, ino, path, level); err != nil {
		return 0, 0, err
	}

	rightNode := &extentNode{
		header: extentHeader{entries: uint16(len(right)), max: extentCapacity(int(fs.superblock.blockSize)), depth: node.header.depth},
		entries: right,
		block:   newBlock,
	}
	if err := fs.writeNode(h, rightNode, true); err != nil {
		return 0, 0, err
	}
	return newBlock, right[0].logical, nil
}

// propagateNewChild threads a freshly split-off sibling (key, child)
// into the index level above it, splitting that level in turn if it is
// also full, and growing the tree's depth once the root itself needs
// to split.
func (fs *Filesystem) propagateNewChild(h *handle, ino *inode, path extentPath, level int, key uint32, child uint64) error {
	if level < 0 {
		return fs.growIndepth(h, ino, key, child)
	}
	node := path[level].node
	pos := insertionIndexForKey(node.entries, key)
	if int(node.header.entries) < int(node.header.max) {
		node.entries = insertIndexSorted(node.entries, pos, extentEntry{logical: key, child: child})
		node.header.entries = uint16(len(node.entries))
		if err := fs.persistLevel(h, ino, path, level); err != nil {
			return err
		}
		if pos == 0 {
			return fs.fixAncestorKeysFrom(h, ino, path, level)
		}
		return nil
	}
	rightBlock, rightFirst, err := fs.splitIndex(h, ino, path, level, key, child)
	if err != nil {
		return err
	}
	return fs.propagateNewChild(h, ino, path, level-1, rightFirst, rightBlock)
}

// growIndepth implements "grow in depth": the root (whatever it
// currently holds) is relocated whole into a freshly allocated block,
// and the inode body becomes a new one-entry-plus-sibling index root
// one level deeper. Called when the root itself was full and had to
// split.
func (fs *Filesystem) growIndepth(h *handle, ino *inode, siblingKey uint32, siblingChild uint64) error {
	root, err := extentRootFromInode(ino)
	if err != nil {
		return err
	}
	oldBlock, err := fs.allocMetaBlock(h, ino)
	if err != nil {
		return err
	}
	moved := &extentNode{header: root.header, entries: root.entries, block: oldBlock}
	if err := fs.writeNode(h, moved, true); err != nil {
		return err
	}

	oldFirst := uint32(0)
	if len(root.entries) > 0 {
		oldFirst = root.entries[0].logical
	}

	newRoot := &extentNode{
		header: extentHeader{entries: 2, max: extentCapacity(inodeBodySize), depth: root.header.depth + 1},
		entries: []extentEntry{
			{logical: oldFirst, child: oldBlock},
			{logical: siblingKey, child: siblingChild},
		},
		block: 0,
	}
	newRoot.storeInInode(ino)
	return nil
}

// fixAncestorKeysFrom propagates a changed minimum key at path[level]
// up through ancestors, stopping as soon as an ancestor's recorded key
// already matches (§4.4.2 "correct_indexes").
func (fs *Filesystem) fixAncestorKeysFrom(h *handle, ino *inode, path extentPath, level int) error {
	for l := level; l > 0; l-- {
		newKey := path[l].node.entries[0].logical
		parentIdx := path[l-1].idx
		if path[l-1].node.entries[parentIdx].logical == newKey {
			return nil
		}
		path[l-1].node.entries[parentIdx].logical = newKey
		if err := fs.persistLevel(h, ino, path, l-1); err != nil {
			return err
		}
	}
	return nil
}

// allocMetaBlock obtains one freshly zeroed block for a new extent tree
// node, delegating to the bitmap allocator with the metadata hint so
// it is exempt from the data-only reserved-block carve-out.
func (fs *Filesystem) allocMetaBlock(h *handle, ino *inode) (uint64, error) {
	first, _, err := fs.allocateBlocks(h, ino, 0, 1, allocFlagMetadata|allocFlagMetadataNofail)
	if err != nil {
		return 0, err
	}
	return first, nil
}
