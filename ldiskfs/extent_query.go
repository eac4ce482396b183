package ldiskfs

import "sync"

// getBlocksFlag selects get_blocks' behavior at a hole or an
// uninitialized extent (§4.4.6).
type getBlocksFlag uint32

const (
	// getBlocksCreate allocates and inserts a new extent when no
	// mapping exists, instead of reporting a hole.
	getBlocksCreate getBlocksFlag = 1 << iota
	// getBlocksUnwrittenConvert, together with getBlocksCreate,
	// allocates new extents uninitialized and converts a covering
	// uninitialized extent to initialized before returning (the
	// DIO-write path); without it, an uninitialized extent is returned
	// as a mapping flagged unwritten.
	getBlocksUnwrittenConvert
)

const (
	extInitMaxLen   = maxInitLen
	extUninitMaxLen = maxUninitLen
)

// gapEntry is one remembered "no mapping here" range.
type gapEntry struct {
	logical uint32
	length  uint32
}

// inodeGapCache is the one-entry per-inode memo described in §4.4.6: a
// lookup that lands inside a previously reported hole skips find_path
// entirely. It holds at most one entry per inode, matching the "one
// cached extent plus a one-entry gap cache" contract; this package
// keeps only the gap half since the extent half is already cheap to
// re-derive from find_path's leaf cursor.
type inodeGapCache struct {
	mu    sync.Mutex
	byIno map[uint32]gapEntry
}

func newInodeGapCache() inodeGapCache {
	return inodeGapCache{byIno: map[uint32]gapEntry{}}
}

func (c *inodeGapCache) lookup(n uint32, logical uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byIno[n]
	if !ok {
		return false
	}
	return logical >= g.logical && logical < g.logical+g.length
}

func (c *inodeGapCache) set(n uint32, logical, length uint32) {
	if length == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIno[n] = gapEntry{logical: logical, length: length}
}

func (c *inodeGapCache) invalidate(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byIno, n)
}

// getBlocks implements §4.4.6: resolve the mapping for
// [iblock, iblock+maxBlocks) against ino's extent tree, consulting and
// maintaining the gap cache, and allocating a new extent when
// getBlocksCreate is set and no mapping exists. Per §5, a pure lookup
// takes i_data_sem for reading; a call that may allocate or convert an
// extent (getBlocksCreate) takes it for writing, covering every mutation
// this function reaches through splitExtentAt/convertToInitialized/
// insertExtent, none of which are called outside this path or
// removeSpace's own write-locked scope.
func (fs *Filesystem) getBlocks(h *handle, ino *inode, iblock uint32, maxBlocks uint32, flags getBlocksFlag) (phys uint64, count uint32, isNew bool, unwritten bool, err error) {
	lock := fs.locks.inode(ino.number)
	if flags&getBlocksCreate != 0 {
		lock.iDataSem.Lock()
		defer lock.iDataSem.Unlock()
	} else {
		lock.iDataSem.RLock()
		defer lock.iDataSem.RUnlock()
	}

	if flags&getBlocksCreate == 0 && fs.gapCache.lookup(ino.number, iblock) {
		return 0, 0, false, false, nil
	}

	path, ferr := fs.findPath(ino, iblock)
	if ferr != nil {
		return 0, 0, false, false, ferr
	}
	leaf := path.leaf()
	if leaf.idx < len(leaf.node.entries) {
		ex := leaf.node.entries[leaf.idx]
		if iblock >= ex.logical && iblock <= ex.lastLogical() {
			off := uint32(iblock - ex.logical)
			avail := uint32(ex.actualLength()) - off
			if avail > maxBlocks {
				avail = maxBlocks
			}
			if ex.isUninit() {
				if flags&getBlocksCreate != 0 && flags&getBlocksUnwrittenConvert != 0 {
					n, cerr := fs.convertToInitialized(h, ino, iblock, avail)
					if cerr != nil {
						return 0, 0, false, false, cerr
					}
					return ex.physical + uint64(off), n, false, false, nil
				}
				return ex.physical + uint64(off), avail, false, true, nil
			}
			return ex.physical + uint64(off), avail, false, false, nil
		}
	}

	if flags&getBlocksCreate == 0 {
		fs.gapCache.set(ino.number, iblock, fs.gapLength(path, iblock))
		return 0, 0, false, false, nil
	}

	goal := fs.findGoal(path, ino, iblock)
	want := maxBlocks
	uninitAlloc := flags&getBlocksUnwrittenConvert != 0
	limit := uint32(extInitMaxLen)
	if uninitAlloc {
		limit = uint32(extUninitMaxLen)
	}
	if want > limit {
		want = limit
	}
	if next := fs.gapLength(path, iblock); next > 0 && want > next {
		want = next
	}

	first, got, aerr := fs.allocateBlocks(h, ino, goal, want, allocFlagHintData)
	if aerr != nil {
		return 0, 0, false, false, aerr
	}

	newExt := extentEntry{logical: iblock, physical: first, length: encodeLength(uint16(got), uninitAlloc)}
	if ierr := fs.insertExtent(h, ino, newExt); ierr != nil {
		_ = fs.freeBlocksRange(h, first, got, false)
		return 0, 0, false, false, ierr
	}
	fs.gapCache.invalidate(ino.number)
	return first, got, true, uninitAlloc, nil
}

// gapLength returns the distance from logical to the next covering
// extent's start, or a large sentinel length when there is none (an
// unbounded trailing hole).
func (fs *Filesystem) gapLength(path extentPath, logical uint32) uint32 {
	leaf := path.leaf()
	if leaf.idx < len(leaf.node.entries) {
		next := leaf.node.entries[leaf.idx].logical
		if next > logical {
			return next - logical
		}
		return 0
	}
	return ^uint32(0) - logical
}

// findGoal derives find_goal's physical starting hint: immediately
// after the predecessor leaf entry when one exists, else a
// deterministic seed within the inode's own block group.
func (fs *Filesystem) findGoal(path extentPath, ino *inode, iblock uint32) uint64 {
	leaf := path.leaf()
	if leaf.idx > 0 {
		prev := leaf.node.entries[leaf.idx-1]
		return prev.physical + uint64(prev.actualLength())
	}
	g := fs.groupOfInode(ino.number)
	return fs.groupFirstBlock(g)
}

// FiemapEntry is one extent reported by fiemapWalk.
type FiemapEntry struct {
	Logical   uint32
	Physical  uint64
	Length    uint32
	Unwritten bool
	Last      bool
}

// fiemapWalk implements §4.4.7: visit every on-disk extent of ino in
// logical order. Detecting not-yet-flushed delayed-allocation ranges is
// the page-cache collaborator's responsibility (§1 Non-goals); this
// walk reports only extents already committed to the tree.
func (fs *Filesystem) fiemapWalk(ino *inode) ([]FiemapEntry, error) {
	var out []FiemapEntry
	err := fs.walkLeaves(ino, func(leaf *extentNode) error {
		for _, e := range leaf.entries {
			out = append(out, FiemapEntry{
				Logical:   e.logical,
				Physical:  e.physical,
				Length:    uint32(e.actualLength()),
				Unwritten: e.isUninit(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		out[len(out)-1].Last = true
	}
	return out, nil
}

func (fs *Filesystem) walkLeaves(ino *inode, fn func(*extentNode) error) error {
	root, err := extentRootFromInode(ino)
	if err != nil {
		return err
	}
	return fs.walkNode(ino, root, fn)
}

func (fs *Filesystem) walkNode(ino *inode, n *extentNode, fn func(*extentNode) error) error {
	if n.isLeaf() {
		return fn(n)
	}
	for _, e := range n.entries {
		child, err := fs.loadNode(ino, e.child, int(n.header.depth)-1)
		if err != nil {
			return err
		}
		if err := fs.walkNode(ino, child, fn); err != nil {
			return err
		}
	}
	return nil
}
