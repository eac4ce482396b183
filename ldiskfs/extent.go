package ldiskfs

import (
	"encoding/binary"
	"sort"
)

const (
	extentHeaderLen uint16 = 12
	extentEntryLen  uint16 = 12
	extentMagic     uint16 = 0xf30a
	extentMaxDepth  int    = 5

	// maxInitLen is the largest length value that still encodes an
	// initialized extent (§3 "Length encoding").
	maxInitLen uint16 = 32768
	// uninitOffset is subtracted to recover the real length of an
	// uninitialized extent from its encoded length field.
	uninitOffset uint16 = 32768
	maxUninitLen uint16 = 32767
)

// extentEntry is the decoded form of a single 12-byte leaf or index
// record; which fields are meaningful depends on the owning node's
// depth (leaf: logical/length/physical; index: logical/child).
type extentEntry struct {
	logical uint32
	// length is the raw on-disk length field (leaf entries only); use
	// actualLength/isUninit to interpret it.
	length uint16
	// physical is the 48-bit block number (leaf entries only).
	physical uint64
	// child is the 48-bit block number of the subtree this entry
	// points to (index entries only).
	child uint64
}

func (e extentEntry) isUninit() bool { return e.length > maxInitLen }

func (e extentEntry) actualLength() uint16 {
	if e.isUninit() {
		return e.length - uninitOffset
	}
	return e.length
}

func (e extentEntry) lastLogical() uint32 { return e.logical + uint32(e.actualLength()) - 1 }

func encodeLength(length uint16, uninit bool) uint16 {
	if uninit {
		return length + uninitOffset
	}
	return length
}

// extentHeader is the 12-byte header at the start of every extent node
// and of the inode body when EXTENTS is set (§3).
type extentHeader struct {
	entries    uint16
	max        uint16
	depth      uint16
	generation uint32
}

func (h extentHeader) toBytes() []byte {
	b := make([]byte, extentHeaderLen)
	binary.LittleEndian.PutUint16(b[0:2], extentMagic)
	binary.LittleEndian.PutUint16(b[2:4], h.entries)
	binary.LittleEndian.PutUint16(b[4:6], h.max)
	binary.LittleEndian.PutUint16(b[6:8], h.depth)
	binary.LittleEndian.PutUint32(b[8:12], h.generation)
	return b
}

func extentHeaderFromBytes(b []byte) (extentHeader, error) {
	if len(b) < int(extentHeaderLen) {
		return extentHeader{}, errCorrupt("extent header short read: %d bytes", len(b))
	}
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != extentMagic {
		return extentHeader{}, errCorrupt("bad extent header magic %#x", magic)
	}
	return extentHeader{
		entries:    binary.LittleEndian.Uint16(b[2:4]),
		max:        binary.LittleEndian.Uint16(b[4:6]),
		depth:      binary.LittleEndian.Uint16(b[6:8]),
		generation: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// extentNode is one node of the tree: the in-memory view of a header
// plus its entries, together with where it lives (0 == inside the
// inode body) and whether it has been validated this session.
type extentNode struct {
	header   extentHeader
	entries  []extentEntry // sorted ascending by logical
	block    uint64        // 0 if this is the inode-body root
	verified bool
}

func (n *extentNode) isLeaf() bool { return n.header.depth == 0 }

// extentCapacity returns max entries for a node of the given byte size.
func extentCapacity(nodeSize int) uint16 {
	return uint16((nodeSize - int(extentHeaderLen)) / int(extentEntryLen))
}

// toBytes encodes the node (header + entries) into a nodeSize-byte
// buffer, used both for the inode body (60 bytes) and full metadata
// blocks.
func (n *extentNode) toBytes(nodeSize int) []byte {
	b := make([]byte, nodeSize)
	copy(b[0:extentHeaderLen], n.header.toBytes())
	off := extentHeaderLen
	for _, e := range n.entries {
		entryBytes := make([]byte, extentEntryLen)
		if n.isLeaf() {
			binary.LittleEndian.PutUint32(entryBytes[0:4], e.logical)
			binary.LittleEndian.PutUint16(entryBytes[4:6], e.length)
			binary.LittleEndian.PutUint16(entryBytes[6:8], uint16(e.physical>>32))
			binary.LittleEndian.PutUint32(entryBytes[8:12], uint32(e.physical))
		} else {
			binary.LittleEndian.PutUint32(entryBytes[0:4], e.logical)
			binary.LittleEndian.PutUint32(entryBytes[4:8], uint32(e.child))
			binary.LittleEndian.PutUint16(entryBytes[8:10], uint16(e.child>>32))
		}
		copy(b[off:off+extentEntryLen], entryBytes)
		off += extentEntryLen
	}
	return b
}

// extentNodeFromBytes decodes a node. expectedDepth is used by
// check_block to validate depth matches the level the caller expected
// to find (pass -1 to skip that check, as with the inode-body root
// whose depth is authoritative).
func extentNodeFromBytes(b []byte, block uint64, expectedDepth int) (*extentNode, error) {
	h, err := extentHeaderFromBytes(b)
	if err != nil {
		return nil, err
	}
	cap := extentCapacity(len(b))
	if h.max > cap || h.entries > h.max {
		return nil, errCorrupt("extent node block %d: entries %d > max %d > capacity %d", block, h.entries, h.max, cap)
	}
	if expectedDepth >= 0 && int(h.depth) != expectedDepth {
		return nil, errCorrupt("extent node block %d: depth %d, expected %d", block, h.depth, expectedDepth)
	}
	n := &extentNode{header: h, block: block}
	off := extentHeaderLen
	for i := uint16(0); i < h.entries; i++ {
		eb := b[off : off+extentEntryLen]
		var e extentEntry
		e.logical = binary.LittleEndian.Uint32(eb[0:4])
		if h.depth == 0 {
			e.length = binary.LittleEndian.Uint16(eb[4:6])
			hi := uint64(binary.LittleEndian.Uint16(eb[6:8]))
			lo := uint64(binary.LittleEndian.Uint32(eb[8:12]))
			e.physical = hi<<32 | lo
			if e.length == 0 {
				return nil, errCorrupt("extent node block %d entry %d: zero length", block, i)
			}
		} else {
			lo := uint64(binary.LittleEndian.Uint32(eb[4:8]))
			hi := uint64(binary.LittleEndian.Uint16(eb[8:10]))
			e.child = hi<<32 | lo
		}
		n.entries = append(n.entries, e)
		off += extentEntryLen
	}
	if !sort.SliceIsSorted(n.entries, func(i, j int) bool { return n.entries[i].logical < n.entries[j].logical }) {
		return nil, errCorrupt("extent node block %d: entries not sorted", block)
	}
	n.verified = true
	return n, nil
}

// cursor is one level of a find_path result: the node at this level
// and the index of the chosen entry within it (len(entries) if the
// search landed past the last entry).
type cursor struct {
	node *extentNode
	idx  int
}

// extentPath is the array of cursors find_path returns, root first.
type extentPath []cursor

func (p extentPath) leaf() *cursor { return &p[len(p)-1] }
func (p extentPath) depth() int    { return len(p) - 1 }

// extentRootFromInode reads the tree root out of the inode body.
func extentRootFromInode(i *inode) (*extentNode, error) {
	return extentNodeFromBytes(i.body[:], 0, -1)
}

func (n *extentNode) storeInInode(i *inode) {
	copy(i.body[:], n.toBytes(inodeBodySize))
}

// nodeSizeFor returns the on-disk size of a node at the given block:
// the inode body (60 bytes) for the root, else a full filesystem block.
func (fs *Filesystem) nodeSizeFor(block uint64) int {
	if block == 0 {
		return inodeBodySize
	}
	return int(fs.superblock.blockSize)
}

// loadNode reads and validates the node at block (0 meaning "the
// inode's own root"). expectedDepth enforces check_block's "depth
// matches expected level" rule.
func (fs *Filesystem) loadNode(i *inode, block uint64, expectedDepth int) (*extentNode, error) {
	if block == 0 {
		return extentRootFromInode(i)
	}
	raw, err := fs.readBlock(block)
	if err != nil {
		return nil, err
	}
	return extentNodeFromBytes(raw, block, expectedDepth)
}

// findPath implements §4.4.1: walk from the root, binary-searching each
// internal level for the largest first-logical <= logical, and
// descending until a leaf is reached.
func (fs *Filesystem) findPath(i *inode, logical uint32) (extentPath, error) {
	root, err := extentRootFromInode(i)
	if err != nil {
		return nil, fs.handleError(err)
	}
	path := extentPath{{node: root}}
	cur := root
	depth := int(root.header.depth)
	for depth > 0 {
		idx := searchIndex(cur.entries, logical)
		path[len(path)-1].idx = idx
		if idx >= len(cur.entries) {
			return nil, errCorrupt("internal node block %d has no child covering logical %d", cur.block, logical)
		}
		child := cur.entries[idx].child
		depth--
		next, err := fs.loadNode(i, child, depth)
		if err != nil {
			return nil, fs.handleError(err)
		}
		path = append(path, cursor{node: next})
		cur = next
	}
	leafIdx := searchLeaf(cur.entries, logical)
	path[len(path)-1].idx = leafIdx
	return path, nil
}

// searchIndex returns the index of the entry with the largest logical
// <= target, or 0 if target is before the first entry (so the first
// child is chosen) or entries is empty.
func searchIndex(entries []extentEntry, target uint32) int {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].logical > target })
	if i == 0 {
		return 0
	}
	return i - 1
}

// searchLeaf returns the index of the leaf entry covering target, or
// the insertion point (possibly len(entries)) if none covers it.
func searchLeaf(entries []extentEntry, target uint32) int {
	for idx, e := range entries {
		if target < e.logical {
			return idx
		}
		if target <= e.lastLogical() {
			return idx
		}
	}
	return len(entries)
}
