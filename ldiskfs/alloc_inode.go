package ldiskfs

import (
	"context"
	"math/rand"

	"github.com/lustre-project/ldiskfs/util/bitmap"
)

// admitInode implements the inode half of §4.2's admission test: a
// plain free-count check, since inodes carry no reserved-pool carve-out
// distinct from blocks.
func (fs *Filesystem) admitInode() bool {
	fs.locks.sbMu.Lock()
	defer fs.locks.sbMu.Unlock()
	return fs.superblock.freeInodes > 0
}

func (fs *Filesystem) groupOfInode(n uint32) uint32 {
	return (n - 1) / fs.superblock.inodesPerGroup
}

// flexSize returns the number of block groups per flex group; a
// filesystem without FLEX_BG behaves as if every group were its own
// flex group of size 1.
func (fs *Filesystem) flexSize() uint32 {
	if !fs.superblock.features.hasFlexBG() || fs.superblock.logGroupsPerFlex == 0 {
		return 1
	}
	return 1 << fs.superblock.logGroupsPerFlex
}

func (fs *Filesystem) flexGroupOf(g uint32) uint32 { return g / fs.flexSize() }

func (fs *Filesystem) flexGroupRange(fg uint32) (uint32, uint32) {
	size := fs.flexSize()
	start := fg * size
	end := start + size
	if total := fs.superblock.groupCount(); end > total {
		end = total
	}
	return start, end
}

type flexStats struct {
	freeInodes uint64
	freeBlocks uint64
	usedDirs   uint64
	groups     uint32
}

func (fs *Filesystem) flexStatsFor(fg uint32) flexStats {
	start, end := fs.flexGroupRange(fg)
	var s flexStats
	for g := start; g < end; g++ {
		gd, err := fs.gdt.get(g)
		if err != nil {
			continue
		}
		s.freeInodes += uint64(gd.freeInodes)
		s.freeBlocks += uint64(gd.freeBlocks)
		s.usedDirs += uint64(gd.usedDirs)
		s.groups++
	}
	return s
}

func (fs *Filesystem) totalUsedDirs() uint64 {
	var total uint64
	for g := uint32(0); g < fs.superblock.groupCount(); g++ {
		gd, err := fs.gdt.get(g)
		if err != nil {
			continue
		}
		total += uint64(gd.usedDirs)
	}
	return total
}

func (fs *Filesystem) numFlexGroups() uint32 {
	groups := fs.superblock.groupCount()
	size := fs.flexSize()
	return (groups + size - 1) / size
}

// newInode implements §4.2.2: allocate an inode number for a new file
// or directory beneath parent, trying the explicit-goal, Orlov
// (directories), and Other (everything else) placement policies in
// that priority order, then scanning every group for a free bit.
func (fs *Filesystem) newInode(h *handle, parent *inode, isDir bool, goal uint32) (uint32, error) {
	if fs.isReadonly() {
		return 0, errReadonly("new_inode: filesystem is read-only")
	}
	if !fs.admitInode() {
		return 0, errNoSpace("new_inode: no free inodes")
	}

	var group uint32
	switch {
	case goal != 0:
		group = fs.groupOfInode(goal)
	case isDir:
		g, err := fs.orlovGroup()
		if err != nil {
			return 0, err
		}
		group = g
	default:
		g, err := fs.otherGroup(parent)
		if err != nil {
			return 0, err
		}
		group = g
	}

	groups := fs.superblock.groupCount()
	for i := uint32(0); i < groups; i++ {
		g := (group + i) % groups
		n, err := fs.claimInode(h, g, isDir)
		if err != nil {
			return 0, err
		}
		if n != 0 {
			if isDir {
				fs.flexHintMu.Lock()
				fs.flexHint[n] = fs.flexGroupOf(g)
				fs.flexHintMu.Unlock()
			}
			return n, nil
		}
	}
	return 0, errNoSpace("new_inode: no group has a free inode")
}

// orlovGroup implements the directory half of §4.2.2's Orlov policy:
// prefer a flex group with below-average directory density and
// above-average free inodes/blocks, falling back to looser bounds and
// finally to any group with a free inode.
func (fs *Filesystem) orlovGroup() (uint32, error) {
	numFlex := fs.numFlexGroups()
	if numFlex == 0 {
		return 0, errNoSpace("orlov: filesystem has no groups")
	}

	fs.locks.sbMu.Lock()
	avgInodes := uint64(fs.superblock.freeInodes) / uint64(numFlex)
	avgBlocks := fs.superblock.freeBlocks / uint64(numFlex)
	fs.locks.sbMu.Unlock()

	start := uint32(rand.Intn(int(numFlex)))
	best := int64(-1)
	var bestStats flexStats
	for i := uint32(0); i < numFlex; i++ {
		fg := (start + i) % numFlex
		s := fs.flexStatsFor(fg)
		if s.freeInodes == 0 {
			continue
		}
		if s.freeInodes < avgInodes || s.freeBlocks < avgBlocks {
			continue
		}
		if best < 0 || s.usedDirs < bestStats.usedDirs {
			best = int64(fg)
			bestStats = s
		}
	}
	if best >= 0 {
		fgStart, _ := fs.flexGroupRange(uint32(best))
		return fgStart, nil
	}

	ndirs := fs.totalUsedDirs()
	maxDirs := ndirs/uint64(numFlex) + uint64(fs.superblock.inodesPerGroup)/16
	for fg := uint32(0); fg < numFlex; fg++ {
		s := fs.flexStatsFor(fg)
		if s.freeInodes == 0 {
			continue
		}
		if s.usedDirs <= maxDirs {
			fgStart, _ := fs.flexGroupRange(fg)
			return fgStart, nil
		}
	}

	for g := uint32(0); g < fs.superblock.groupCount(); g++ {
		gd, err := fs.gdt.get(g)
		if err != nil {
			continue
		}
		if gd.freeInodes > 0 {
			return g, nil
		}
	}
	return 0, errNoSpace("orlov: no group with a free inode")
}

// otherGroup implements the non-directory half of §4.2.2: prefer
// parent's flex group (remembered via flexHint, else derived from
// parent's own group), picking a member group with both free inodes
// and free blocks when possible, else any member with a free inode,
// else falling back to Orlov's scan.
func (fs *Filesystem) otherGroup(parent *inode) (uint32, error) {
	fg := fs.flexGroupOf(fs.groupOfInode(parent.number))
	fs.flexHintMu.Lock()
	if hint, ok := fs.flexHint[parent.number]; ok {
		fg = hint
	}
	fs.flexHintMu.Unlock()

	start, end := fs.flexGroupRange(fg)
	var withBoth, withAny uint32
	foundBoth, foundAny := false, false
	for g := start; g < end; g++ {
		gd, err := fs.gdt.get(g)
		if err != nil {
			continue
		}
		if gd.freeInodes == 0 {
			continue
		}
		if !foundAny {
			withAny, foundAny = g, true
		}
		if gd.freeBlocks > 0 {
			withBoth, foundBoth = g, true
			break
		}
	}
	if foundBoth {
		return withBoth, nil
	}
	if foundAny {
		return withAny, nil
	}
	return fs.orlovGroup()
}

// fabricateInodeBitmap builds the in-memory inode bitmap for a group
// that has never been faulted in: trailing bits beyond inodesPerGroup
// are marked used to pad out to a full block's worth of bits.
func (fs *Filesystem) fabricateInodeBitmap() *bitmap.Bitmap {
	sb := fs.superblock
	totalBits := int(sb.blockSize) * 8
	bm := bitmap.NewBits(totalBits)
	for i := sb.inodesPerGroup; i < uint32(totalBits); i++ {
		bm.Set(int(i))
	}
	return bm
}

func (fs *Filesystem) loadOrInitInodeBitmap(h *handle, g uint32, gd *groupDescriptor) (*bitmap.Bitmap, error) {
	if gd.uninitInodes() {
		bm := fs.fabricateInodeBitmap()
		buf, err := h.getCreateAccess(gd.inodeBitmap)
		if err != nil {
			return nil, err
		}
		copy(buf.data, bm.ToBytes())
		h.dirtyMetadata(buf)
		return bm, nil
	}
	raw, err := fs.readBlock(gd.inodeBitmap)
	if err != nil {
		return nil, err
	}
	return bitmap.FromBytes(raw), nil
}

// claimInode finds and marks the first free bit in group g's inode
// bitmap, clearing INODE_UNINIT, updating free-inode/used-dirs
// counters, and recomputing itable_unused when the claim extends past
// the group's previous high-water mark. Returns 0 (no error) if the
// group has no free inode.
func (fs *Filesystem) claimInode(h *handle, g uint32, isDir bool) (uint32, error) {
	if err := fs.locks.acquireAllocRead(context.Background(), g); err != nil {
		return 0, err
	}
	defer fs.locks.releaseAllocRead(g)

	fs.locks.group(g).Lock()
	defer fs.locks.group(g).Unlock()

	gd, err := fs.gdt.get(g)
	if err != nil {
		return 0, err
	}
	if gd.freeInodes == 0 {
		return 0, nil
	}

	wasUninit := gd.uninitInodes()
	bm, err := fs.loadOrInitInodeBitmap(h, g, gd)
	if err != nil {
		return 0, err
	}

	idx := bm.FirstFree(0)
	if idx < 0 || uint32(idx) >= fs.superblock.inodesPerGroup {
		return 0, nil
	}
	bm.Set(idx)

	buf, err := h.getWriteAccess(gd.inodeBitmap)
	if err != nil {
		return 0, err
	}
	copy(buf.data, bm.ToBytes())
	h.dirtyMetadata(buf)

	gd.freeInodes--
	if isDir {
		gd.usedDirs++
	}
	if wasUninit {
		gd.flags &^= gdFlagInodeUninit
	}
	usedHighWater := fs.superblock.inodesPerGroup - gd.itableUnused
	if uint32(idx)+1 > usedHighWater {
		gd.itableUnused = fs.superblock.inodesPerGroup - (uint32(idx) + 1)
	}
	if err := fs.markGDDirty(h, g, gd); err != nil {
		return 0, err
	}

	fs.locks.sbMu.Lock()
	fs.superblock.freeInodes--
	fs.locks.sbMu.Unlock()

	return g*fs.superblock.inodesPerGroup + uint32(idx) + 1, nil
}

// freeInodeNumber clears i's bit in its group's inode bitmap and
// reverses claimInode's counter updates.
func (fs *Filesystem) freeInodeNumber(h *handle, i *inode, wasDir bool) error {
	g := fs.groupOfInode(i.number)
	within := (i.number - 1) % fs.superblock.inodesPerGroup

	fs.locks.group(g).Lock()
	defer fs.locks.group(g).Unlock()

	gd, err := fs.gdt.get(g)
	if err != nil {
		return err
	}
	bm, err := fs.loadOrInitInodeBitmap(h, g, gd)
	if err != nil {
		return err
	}
	bm.Clear(int(within))

	buf, err := h.getWriteAccess(gd.inodeBitmap)
	if err != nil {
		return err
	}
	copy(buf.data, bm.ToBytes())
	h.dirtyMetadata(buf)

	gd.freeInodes++
	if wasDir && gd.usedDirs > 0 {
		gd.usedDirs--
	}
	if err := fs.markGDDirty(h, g, gd); err != nil {
		return err
	}

	fs.locks.sbMu.Lock()
	fs.superblock.freeInodes++
	fs.locks.sbMu.Unlock()
	return nil
}
