package ldiskfs

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Lock ordering (§5): i_mutex → i_data_sem(write) → per-group lock →
// SB lock. Bitmap locks for different groups are never held
// simultaneously by the allocator. Callers in this package must
// acquire locks in that order; nothing here enforces it beyond this
// comment and consistent call-site discipline, the same way the
// kernel's lockdep annotations document but do not themselves prevent
// misordering.

// inodeLocks is the per-inode lock pair: i_data_sem guards the extent
// tree (read for lookup, write for mutation), i_mutex serializes
// writer/truncate at the caller's level. Locks are created lazily and
// kept for the filesystem's lifetime, mirroring how the kernel embeds
// them in struct inode rather than allocating per call.
type inodeLocks struct {
	iDataSem sync.RWMutex
	iMutex   sync.Mutex
}

// lockManager hands out the per-inode and per-group locking primitives
// a Filesystem needs, without requiring every inode's locks to exist
// up front (inode counts can be in the millions).
type lockManager struct {
	mu     sync.Mutex
	inodes map[uint32]*inodeLocks

	groupMu    []*sync.Mutex        // per-group spinlock equivalent
	groupSem   []*semaphore.Weighted // per-group alloc-semaphore (rw)
	groupCount uint32

	orphanMu sync.Mutex // serializes orphan enqueue/dequeue
	smdMu    sync.Mutex // s_md_lock: guards the handle-callback list
	sbMu     sync.Mutex // lock_super
}

// allocSemWeight is the semaphore.Weighted capacity used to model a
// readers-writer lock: readers acquire weight 1, the lazy-zeroing
// writer acquires the full weight to exclude all readers.
const allocSemWeight = 1 << 16

func newLockManager(groups uint32) *lockManager {
	lm := &lockManager{
		inodes:     make(map[uint32]*inodeLocks),
		groupMu:    make([]*sync.Mutex, groups),
		groupSem:   make([]*semaphore.Weighted, groups),
		groupCount: groups,
	}
	for i := range lm.groupSem {
		lm.groupMu[i] = &sync.Mutex{}
		lm.groupSem[i] = semaphore.NewWeighted(allocSemWeight)
	}
	return lm
}

func (lm *lockManager) inode(n uint32) *inodeLocks {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.inodes[n]
	if !ok {
		l = &inodeLocks{}
		lm.inodes[n] = l
	}
	return l
}

func (lm *lockManager) group(g uint32) *sync.Mutex {
	return lm.groupMu[g]
}

// acquireAllocRead takes the per-group alloc-semaphore for reading,
// used by the inode allocator's claim path so it cannot race with the
// lazy inode-table zeroing worker's exclusive pass.
func (lm *lockManager) acquireAllocRead(ctx context.Context, g uint32) error {
	return lm.groupSem[g].Acquire(ctx, 1)
}

func (lm *lockManager) releaseAllocRead(g uint32) {
	lm.groupSem[g].Release(1)
}

// acquireAllocWrite takes the per-group alloc-semaphore exclusively,
// used by the lazy inode-table zeroing worker while it zero-fills the
// group's unused inode table entries.
func (lm *lockManager) acquireAllocWrite(ctx context.Context, g uint32) error {
	return lm.groupSem[g].Acquire(ctx, allocSemWeight)
}

func (lm *lockManager) releaseAllocWrite(g uint32) {
	lm.groupSem[g].Release(allocSemWeight)
}
