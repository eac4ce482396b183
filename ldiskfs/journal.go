package ldiskfs

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Journal block types and the jbd2-style 12-byte header, adapted from
// the teacher's journal.go codec (journalHeader/JournalSuperblock); the
// transactional Handle façade below it (start/extend/restart/stop,
// get_write_access/get_create_access/forget/revoke, dirty_metadata,
// callback_add) has no teacher analogue and is grounded on §4.5.
type journalBlockType uint32

const (
	journalBlockDescriptor journalBlockType = 1
	journalBlockCommit     journalBlockType = 2
	journalBlockSuperblockV2 journalBlockType = 4
	journalBlockRevoke     journalBlockType = 5

	journalMagic uint32 = 0xC03B3998

	journalSuperblockSize = 1024
)

type journalHeader struct {
	magic     uint32
	blockType journalBlockType
	sequence  uint32
}

func (h journalHeader) toBytes() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], h.magic)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.blockType))
	binary.BigEndian.PutUint32(b[8:12], h.sequence)
	return b
}

func journalHeaderFromBytes(b []byte) journalHeader {
	return journalHeader{
		magic:     binary.BigEndian.Uint32(b[0:4]),
		blockType: journalBlockType(binary.BigEndian.Uint32(b[4:8])),
		sequence:  binary.BigEndian.Uint32(b[8:12]),
	}
}

// journalSuperblock is the on-disk jbd2-style journal superblock,
// trimmed to the fields this façade actually uses.
type journalSuperblock struct {
	header    journalHeader
	blockSize uint32
	maxLen    uint32
	first     uint32
	sequence  uint32
	start     uint32
	uuid      uuid.UUID
}

func newJournalSuperblock(blockSize, blocks uint32, id uuid.UUID) *journalSuperblock {
	return &journalSuperblock{
		header:    journalHeader{magic: journalMagic, blockType: journalBlockSuperblockV2, sequence: 1},
		blockSize: blockSize,
		maxLen:    blocks,
		first:     1,
		sequence:  1,
		start:     0,
		uuid:      id,
	}
}

func (js *journalSuperblock) toBytes() []byte {
	b := make([]byte, journalSuperblockSize)
	copy(b[0:12], js.header.toBytes())
	binary.BigEndian.PutUint32(b[12:16], js.blockSize)
	binary.BigEndian.PutUint32(b[16:20], js.maxLen)
	binary.BigEndian.PutUint32(b[20:24], js.first)
	binary.BigEndian.PutUint32(b[24:28], js.sequence)
	binary.BigEndian.PutUint32(b[28:32], js.start)
	copy(b[48:64], js.uuid[:])
	return b
}

func journalSuperblockFromBytes(b []byte) (*journalSuperblock, error) {
	if len(b) < journalSuperblockSize {
		return nil, errCorrupt("journal superblock short read: %d bytes", len(b))
	}
	h := journalHeaderFromBytes(b[0:12])
	if h.magic != journalMagic {
		return nil, errCorrupt("bad journal magic %#x", h.magic)
	}
	js := &journalSuperblock{
		header:    h,
		blockSize: binary.BigEndian.Uint32(b[12:16]),
		maxLen:    binary.BigEndian.Uint32(b[16:20]),
		first:     binary.BigEndian.Uint32(b[20:24]),
		sequence:  binary.BigEndian.Uint32(b[24:28]),
		start:     binary.BigEndian.Uint32(b[28:32]),
	}
	copy(js.uuid[:], b[48:64])
	return js, nil
}

// journalCommitBlock marks the end of a committed transaction.
type journalCommitBlock struct {
	header    journalHeader
	commitSec uint64
}

func (cb journalCommitBlock) toBytes(blockSize uint32) []byte {
	b := make([]byte, blockSize)
	copy(b[0:12], cb.header.toBytes())
	binary.BigEndian.PutUint64(b[12:20], cb.commitSec)
	return b
}

// defaultJournalBlocks picks a journal size within the teacher's
// documented [4MB, 128MB] range, scaled to roughly 1/64 of the
// filesystem, matching ext4's mke2fs heuristic.
func defaultJournalBlocks(sb *superblock) uint32 {
	const (
		minSize = 4 << 20
		maxSize = 128 << 20
	)
	size := sb.blockCount * uint64(sb.blockSize) / 64
	if size < minSize {
		size = minSize
	}
	if size > maxSize {
		size = maxSize
	}
	return uint32(size / uint64(sb.blockSize))
}

// bufferState is the commitment a get_write_access/get_create_access
// call makes: §9's RAII resource scope, requiring either dirty_metadata
// (commit) or forget (abandon) before the handle ends.
type bufferState struct {
	block   uint64
	data    []byte
	dirty   bool
	revoked bool
}

// handle is a single transaction's credit reservation and buffer set,
// the journal façade's Handle per §4.5.
type handle struct {
	j         *journal
	credits   int
	spent     int
	aborted   bool
	mu        sync.Mutex
	buffers   map[uint64]*bufferState
	callbacks []func(sb *superblock, err error)
}

// journal is the per-filesystem façade state: the running transaction
// sequence, the most recently started handle, and revoked blocks
// pending the next commit.
type journal struct {
	fs       *Filesystem
	mu       sync.Mutex
	sb       *journalSuperblock
	startBlk uint64 // absolute block number of the journal's first block, 0 for nojournal

	seq     uint32
	active  *handle
	revoked map[uint64]bool

	noJournal  bool
	fakeHandle atomic32
	aborted    bool
}

type atomic32 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic32) add(d int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v += d
	return a.v
}

// createJournal builds the in-memory state of a fresh internal journal
// of the given size (in blocks) during mkfs. Nothing is written to disk
// here: neither the journal's superblock nor its data blocks.
func createJournal(fs *Filesystem, blocks uint32) (*journal, error) {
	js := newJournalSuperblock(fs.superblock.blockSize, blocks, fs.superblock.uuid)
	j := &journal{fs: fs, sb: js, seq: 1, revoked: map[uint64]bool{}}
	return j, nil
}

// openJournal builds the journal state at mount time. The journal
// superblock is constructed in memory from the filesystem geometry, not
// read from disk, and SB.journalInum is not resolved; the returned
// journal serves in-memory transactions only.
func openJournal(fs *Filesystem) (*journal, error) {
	js := newJournalSuperblock(fs.superblock.blockSize, defaultJournalBlocks(fs.superblock), fs.superblock.uuid)
	return &journal{fs: fs, sb: js, seq: js.sequence, revoked: map[uint64]bool{}}, nil
}

// newNoJournal builds the "nojournal" fallback: a journal with no
// journal superblock whose handles work as in journalled mode, stop
// writing each dirty buffer in place and returning IoError on a failed
// write. start and stop do not update the fakeHandle counter.
func newNoJournal(fs *Filesystem) *journal {
	return &journal{fs: fs, noJournal: true, revoked: map[uint64]bool{}}
}

// start reserves nblocks metadata-write credits and returns a handle.
// The handle is recorded as the journal's active handle; start does not
// wait for or exclude a handle that is already open.
func (j *journal) start(nblocks int) (*handle, error) {
	if j.fs.isReadonly() {
		return nil, errReadonly("journal start: filesystem is read-only")
	}
	if j.aborted {
		return nil, errJournalAborted("journal start: journal previously aborted")
	}
	h := &handle{j: j, credits: nblocks, buffers: map[uint64]*bufferState{}}
	j.mu.Lock()
	j.active = h
	j.mu.Unlock()
	return h, nil
}

// extend adds more credits to the running transaction without
// committing.
func (h *handle) extend(more int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credits += more
}

// restart commits the current transaction and opens a fresh one with n
// credits, preserving buffers still held so callers can re-acquire
// write access on them, per extend_or_restart_transaction's contract.
func (h *handle) restart(n int) error {
	held := make([]uint64, 0, len(h.buffers))
	h.mu.Lock()
	for blk, bs := range h.buffers {
		if bs.dirty {
			held = append(held, blk)
		}
	}
	h.mu.Unlock()
	if err := h.stop(); err != nil {
		return err
	}
	nh, err := h.j.start(n)
	if err != nil {
		return err
	}
	h.credits = nh.credits
	h.spent = nh.spent
	h.aborted = nh.aborted
	h.buffers = nh.buffers
	h.callbacks = nh.callbacks
	h.j.mu.Lock()
	h.j.active = h
	h.j.mu.Unlock()
	for _, blk := range held {
		if _, err := h.getWriteAccess(blk); err != nil {
			return err
		}
	}
	return nil
}

// extendOrRestart implements extend_or_restart_transaction: it extends
// by thresh credits if that still fits a sane transaction size, else
// restarts, re-acquiring write access on heldBuf.
func (h *handle) extendOrRestart(thresh int, heldBuf uint64) error {
	const maxCreditsPerTxn = 1024
	if h.spent+thresh < maxCreditsPerTxn {
		h.extend(thresh)
		return nil
	}
	if err := h.restart(thresh); err != nil {
		return err
	}
	_, err := h.getWriteAccess(heldBuf)
	return err
}

// creditsRemaining reports how many reserved credits are unspent,
// used by callers (extent split/truncate) to decide whether to extend
// before starting the next metadata write.
func (h *handle) creditsRemaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.credits - h.spent
}

// getWriteAccess registers intent to modify an existing on-disk block,
// reading its current contents so later mutation happens in memory
// before dirty_metadata. It is the scoped commitment §9 describes:
// every call here must be matched by dirtyMetadata or forget.
func (h *handle) getWriteAccess(block uint64) (*bufferState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return nil, errJournalAborted("get_write_access on aborted handle")
	}
	if bs, ok := h.buffers[block]; ok {
		return bs, nil
	}
	data, err := h.j.fs.readBlock(block)
	if err != nil {
		h.abortLocked(err)
		return nil, err
	}
	bs := &bufferState{block: block, data: data}
	h.buffers[block] = bs
	h.spent++
	return bs, nil
}

// getCreateAccess is like getWriteAccess but for a block the caller is
// about to overwrite wholesale (a freshly allocated metadata block):
// no read is needed, the buffer starts zeroed.
func (h *handle) getCreateAccess(block uint64) (*bufferState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return nil, errJournalAborted("get_create_access on aborted handle")
	}
	bs := &bufferState{block: block, data: make([]byte, h.j.fs.superblock.blockSize)}
	h.buffers[block] = bs
	h.spent++
	return bs, nil
}

// forget releases a buffer acquired with getWriteAccess/getCreateAccess
// without committing it, the "abandon" half of the RAII scope.
func (h *handle) forget(block uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, block)
}

// revoke marks a block so a stale copy already in the journal is not
// replayed over a later, unrelated use of the same block number (e.g.
// after the block was freed and reallocated for a different purpose).
func (h *handle) revoke(block uint64) {
	h.mu.Lock()
	if bs, ok := h.buffers[block]; ok {
		bs.revoked = true
	}
	h.mu.Unlock()
	h.j.mu.Lock()
	h.j.revoked[block] = true
	h.j.mu.Unlock()
}

// dirtyMetadata marks buf's in-memory contents as the value to commit
// for its block, completing the get_write_access scope.
func (h *handle) dirtyMetadata(buf *bufferState) {
	h.mu.Lock()
	buf.dirty = true
	h.mu.Unlock()
}

// callbackAdd registers fn to run with (sb, error) once the
// transaction hosting h commits, "in the commit thread, with no locks
// held" per §4.5. This façade runs callbacks synchronously from stop()
// since there is no separate commit thread modeled here.
func (h *handle) callbackAdd(fn func(sb *superblock, err error)) {
	h.j.fs.locks.smdMu.Lock()
	h.callbacks = append(h.callbacks, fn)
	h.j.fs.locks.smdMu.Unlock()
}

func (h *handle) abortLocked(err error) {
	h.aborted = true
	h.j.mu.Lock()
	h.j.aborted = true
	h.j.mu.Unlock()
}

// stop commits every dirty buffer in the handle in block order and
// runs its post-commit callbacks. On the nojournal path this writes
// synchronously and surfaces IoError in place of journal replay.
func (h *handle) stop() error {
	h.mu.Lock()
	aborted := h.aborted
	buffers := h.buffers
	callbacks := h.callbacks
	h.mu.Unlock()

	var commitErr error
	if aborted {
		commitErr = errJournalAborted("transaction aborted before commit")
	} else {
		blocks := make([]uint64, 0, len(buffers))
		for blk := range buffers {
			blocks = append(blocks, blk)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

		for _, blk := range blocks {
			bs := buffers[blk]
			if !bs.dirty || bs.revoked {
				continue
			}
			if err := h.j.fs.writeBlock(h, bs.block, bs.data); err != nil {
				commitErr = err
				break
			}
		}
		if commitErr == nil {
			// nojournal's synchronous writes and a real journal's commit
			// record both need the barrier: §4.5 "synthesizing EIO on
			// syncs-that-failed" for the former, crash-ordering for the
			// latter.
			if err := h.j.fs.syncBarrier(); err != nil {
				commitErr = err
			}
		}
	}

	h.j.mu.Lock()
	if h.j.active == h {
		h.j.active = nil
	}
	h.j.seq++
	h.j.mu.Unlock()

	for _, fn := range callbacks {
		fn(h.j.fs.superblock, commitErr)
	}
	return commitErr
}
