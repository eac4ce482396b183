package ldiskfs

// truncateCredits is the starting credit reservation for an orphan-list
// operation's transaction; removeSpace extends or restarts the handle
// as it walks, so this only needs to cover the first few steps plus the
// final inode/orphan-list writes.
const truncateCredits = creditsPerRemoveStep*2 + 3

// recoverOrphans implements §4.6.3: walk the orphan chain left behind
// by an unclean shutdown, truncating every inode still linked into the
// directory tree (linkCount > 0, meaning a truncate was interrupted)
// down to its recorded size, and fully destroying every inode with no
// remaining links (an unlink or rmdir that never reached the final
// free_inode_number step). The chain itself is consumed as it is
// walked, so a crash partway through recovery simply resumes from
// whatever SB.last_orphan still points at.
func (fs *Filesystem) recoverOrphans() error {
	if fs.isReadonly() {
		return nil
	}
	fs.locks.sbMu.Lock()
	head := fs.superblock.lastOrphan
	present := fs.superblock.state&sbStateOrphansPresent != 0
	fs.locks.sbMu.Unlock()
	if !present || head == 0 {
		return nil
	}

	for head != 0 {
		i, err := fs.readInode(head)
		if err != nil {
			return err
		}
		next := i.dtime

		if i.isOrphaned() {
			if err := fs.destroyInode(i); err != nil {
				return err
			}
		} else {
			if err := fs.truncateInode(i, i.size); err != nil {
				return err
			}
		}
		head = next
	}

	fs.locks.sbMu.Lock()
	fs.superblock.lastOrphan = 0
	fs.superblock.state &^= sbStateOrphansPresent
	fs.locks.sbMu.Unlock()
	return fs.writeSuperblockAndGDT()
}

// isMetadataInode reports whether i's mode marks it a directory or
// symlink, the cases removeSpace's isMetadata BA accounting distinction
// applies to.
func isMetadataInode(i *inode) bool {
	const (
		typeMask = 0xf000
		typeDir  = 0x4000
		typeLink = 0xa000
	)
	t := i.mode & typeMask
	return t == typeDir || t == typeLink
}

// truncateInode frees every block backing i beyond size and removes i
// from the orphan chain, the recovery-time equivalent of a truncate()
// call that was interrupted mid-flight.
func (fs *Filesystem) truncateInode(i *inode, size uint64) error {
	fs.locks.inode(i.number).iMutex.Lock()
	defer fs.locks.inode(i.number).iMutex.Unlock()

	h, err := fs.journal.start(truncateCredits)
	if err != nil {
		return err
	}

	blockSize := uint64(fs.superblock.blockSize)
	startBlock := uint32((size + blockSize - 1) / blockSize)
	if err := fs.removeSpace(h, i, startBlock, ^uint32(0), isMetadataInode(i)); err != nil {
		h.stop()
		return err
	}

	i.size = size
	if err := fs.writeInode(h, i); err != nil {
		h.stop()
		return err
	}
	if err := fs.dequeueOrphan(h, i.number); err != nil {
		h.stop()
		return err
	}
	return h.stop()
}

// destroyInode frees every block backing i, releases its inode number,
// and removes it from the orphan chain, the recovery-time equivalent of
// an unlink/rmdir whose final free_inode_number step never committed.
func (fs *Filesystem) destroyInode(i *inode) error {
	fs.locks.inode(i.number).iMutex.Lock()
	defer fs.locks.inode(i.number).iMutex.Unlock()

	h, err := fs.journal.start(truncateCredits)
	if err != nil {
		return err
	}

	wasDir := i.mode&0xf000 == 0x4000
	if err := fs.removeSpace(h, i, 0, ^uint32(0), isMetadataInode(i)); err != nil {
		h.stop()
		return err
	}
	if err := fs.dequeueOrphan(h, i.number); err != nil {
		h.stop()
		return err
	}
	if err := fs.freeInodeNumber(h, i, wasDir); err != nil {
		h.stop()
		return err
	}
	return h.stop()
}
