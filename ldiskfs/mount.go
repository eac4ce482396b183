package ldiskfs

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/lustre-project/ldiskfs/backend"
	"github.com/lustre-project/ldiskfs/crc"
)

// Params configures filesystem creation, following the teacher's
// Params/FeatureOpt functional-option convention.
type Params struct {
	UUID                  *uuid.UUID
	BlockSize             uint32
	BlocksPerGroup        uint32
	InodeRatio            int64
	InodeSize             uint16
	ReservedBlocksPercent uint8
	Features              []FeatureOpt
	DefaultMountOpts      []MountOpt
	Logger                logrus.FieldLogger
}

// Filesystem is the handle returned by Mount/Create: the owned context
// threading every component together, per §9 ("encapsulate as an owned
// context handed to components rather than a process-wide singleton").
type Filesystem struct {
	backend backend.Storage
	start   int64
	size    int64

	superblock *superblock
	gdt        *groupDescriptorTable

	locks *lockManager

	journal *journal

	cfg    mountConfig
	logger logrus.FieldLogger

	errorAction ErrorAction
	readonly    atomic.Bool
	resvBlocks  atomic.Uint64

	// dirtyBlocks counts blocks reserved by delayed-allocation callers
	// (allocFlagDelallocReserve) that have not yet been converted into
	// a real bitmap claim; the admission test in allocateBlocks treats
	// them as already spoken for (§4.2.1).
	dirtyBlocks atomic.Uint64

	groupInitOnce singleflight.Group

	gapCache inodeGapCache

	flexHintMu sync.Mutex
	// flexHint remembers, per directory inode created by newInode, the
	// flex group that directory landed in; "Other" placement (§4.2.2)
	// looks up a new inode's parent here to start in the same flex
	// group without re-running the scan.
	flexHint map[uint32]uint32
}

func (fs *Filesystem) setReadonly(v bool) { fs.readonly.Store(v) }
func (fs *Filesystem) isReadonly() bool   { return fs.readonly.Load() || fs.cfg.readonly }

// Create initializes a new ldiskfs filesystem of size bytes starting at
// byte offset start within b, following the teacher's ext4.Create
// signature: it picks the geometry, builds the superblock and GDT,
// writes them, and sets up the journal façade. It creates no inodes;
// the root, journal and resize inodes are not populated here.
func Create(b backend.Storage, size, start int64, p *Params) (*Filesystem, error) {
	if p == nil {
		p = &Params{}
	}
	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}
	blocksPerGroup := p.BlocksPerGroup
	if blocksPerGroup == 0 {
		blocksPerGroup = blockSize * 8
	}
	inodeRatio := p.InodeRatio
	if inodeRatio == 0 {
		inodeRatio = 8192
	}
	inodeSize := p.InodeSize
	if inodeSize == 0 {
		inodeSize = 256
	}
	reservedPct := p.ReservedBlocksPercent
	if reservedPct == 0 {
		reservedPct = 5
	}

	totalBlocks := uint64(size) / uint64(blockSize)
	firstDataBlock := uint32(0)
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	id := uuid.New()
	if p.UUID != nil {
		id = *p.UUID
	}

	var ff featureFlags
	for _, opt := range p.Features {
		opt(&ff)
	}
	ff.incompat |= incompatExtents | incompatFiletype

	sb := &superblock{
		blockCount:        totalBlocks,
		firstDataBlock:    firstDataBlock,
		blocksPerGroup:    blocksPerGroup,
		inodesPerGroup:    uint32(uint64(blocksPerGroup) * uint64(blockSize) / uint64(inodeRatio)),
		inodeSize:         inodeSize,
		blockSize:         blockSize,
		reservedBlocks:    totalBlocks * uint64(reservedPct) / 100,
		uuid:              id,
		features:          ff,
		state:             sbStateValid,
		checksumType:      1,
		descriptorSize:    32,
		mountTime:         time.Now(),
		writeTime:         time.Now(),
		reservedGDTBlocks: 256,
	}
	if sb.features.has64Bit() {
		sb.descriptorSize = 64
	}
	sb.checksumSeed = crc.CRC32c(^uint32(0), idBytes(sb.uuid))
	sb.inodeCount = sb.inodesPerGroup * sb.groupCount()
	sb.freeBlocks = sb.blockCount - uint64(sb.firstDataBlock)
	sb.freeInodes = sb.inodeCount

	if err := sb.validateGeometry(); err != nil {
		return nil, err
	}

	groups := sb.groupCount()
	backups := calculateBackupSuperblockGroups(sb)
	gdt := &groupDescriptorTable{descriptors: make([]*groupDescriptor, groups)}

	// Lay out each group's bitmaps and inode table immediately after
	// its (optional) SB/GDT backup, mirroring the teacher's
	// initGroupDescriptorTables sequencing.
	gdtBlocks := (uint64(groups)*uint64(sb.descriptorSize) + uint64(sb.blockSize) - 1) / uint64(sb.blockSize)
	for g := uint32(0); g < groups; g++ {
		block := uint64(sb.firstDataBlock) + uint64(g)*uint64(blocksPerGroup)
		if backups[g] {
			block += 1 + gdtBlocks + uint64(sb.reservedGDTBlocks)
		}
		gd := &groupDescriptor{
			blockBitmap:  block,
			inodeBitmap:  block + 1,
			inodeTable:   block + 2,
			freeBlocks:   blocksPerGroup,
			freeInodes:   sb.inodesPerGroup,
			itableUnused: sb.inodesPerGroup,
			flags:        gdFlagBlockUninit | gdFlagInodeUninit,
		}
		gdt.descriptors[g] = gd
	}

	fs := newFilesystem(b, start, size, sb, gdt, p.DefaultMountOpts, p.Logger)
	if err := fs.writeSuperblockAndGDT(); err != nil {
		return nil, err
	}
	if sb.features.hasJournal() {
		j, err := createJournal(fs, defaultJournalBlocks(sb))
		if err != nil {
			return nil, err
		}
		fs.journal = j
	} else {
		fs.journal = newNoJournal(fs)
	}
	return fs, nil
}

// Mount opens an existing ldiskfs filesystem for use, performing §4.1's
// geometry validation and feature gating: mount fails with Unsupported
// on an unknown incompat bit and falls back to read-only on an unknown
// ro_compat bit.
func Mount(b backend.Storage, size, start int64, opts ...MountOpt) (*Filesystem, error) {
	cfg := defaultMountConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := lockDevice(b, cfg.readonly); err != nil {
		return nil, err
	}

	raw := make([]byte, sbSize)
	if _, err := b.ReadAt(raw, start+sbOffset); err != nil {
		return nil, errIO(err, "reading superblock")
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return nil, err
	}

	if u := sb.features.unknownIncompat(); u != 0 {
		return nil, errUnsupported("unknown incompat feature bits %#x", u)
	}
	if u := sb.features.unknownRoCompat(); u != 0 {
		cfg.readonly = true
	}

	groups := sb.groupCount()
	gdtBlocks := (uint64(groups)*uint64(sb.descriptorSize) + uint64(sb.blockSize) - 1) / uint64(sb.blockSize)
	gdtStartBlock := uint64(1)
	if sb.blockSize > 1024 {
		gdtStartBlock = 1
	} else {
		gdtStartBlock = 2
	}
	gdtBytes := make([]byte, gdtBlocks*uint64(sb.blockSize))
	if _, err := b.ReadAt(gdtBytes, start+int64(gdtStartBlock*uint64(sb.blockSize))); err != nil {
		return nil, errIO(err, "reading group descriptor table")
	}

	gdt := &groupDescriptorTable{descriptors: make([]*groupDescriptor, groups)}
	uuidBytes := idBytes(sb.uuid)
	for g := uint32(0); g < groups; g++ {
		off := uint64(g) * uint64(sb.descriptorSize)
		gd, err := groupDescriptorFromBytes(gdtBytes[off:off+uint64(sb.descriptorSize)], sb.descriptorSize, g, uuidBytes, sb.checksumSeed)
		if err != nil {
			return nil, err
		}
		gdt.descriptors[g] = gd
	}

	if cfg.resvBlocks >= sb.blockCount {
		return nil, errCorrupt("reserved block count %d not less than total block count %d", cfg.resvBlocks, sb.blockCount)
	}

	fs := newFilesystem(b, start, size, sb, gdt, nil, cfg.logger())
	fs.cfg = cfg
	fs.errorAction = cfg.errorAction
	fs.setReadonly(cfg.readonly)
	fs.resvBlocks.Store(cfg.resvBlocks)

	if sb.features.hasJournal() && !cfg.noJournal {
		j, err := openJournal(fs)
		if err != nil {
			return nil, err
		}
		fs.journal = j
		if sb.features.hasRecovery() && !cfg.readonly {
			if err := fs.recoverOrphans(); err != nil {
				return nil, err
			}
		}
	} else {
		fs.journal = newNoJournal(fs)
	}
	return fs, nil
}

// lockDevice takes a non-blocking advisory flock on the backing device,
// refusing a second concurrent mount of the same device with Busy
// (§7/§5: "concurrent resize, mount, or lock contention"). Backends with
// no OS file (the in-memory test backend, or any non-*os.File
// backend.Storage) report backend.ErrNotSuitable from Sys() and are
// exempt, since there is no shared fd to race over.
func lockDevice(b backend.Storage, readonly bool) error {
	f, err := b.Sys()
	if err != nil {
		if stderrors.Is(err, backend.ErrNotSuitable) {
			return nil
		}
		return errIO(err, "resolving device fd for mount lock")
	}
	how := unix.LOCK_EX | unix.LOCK_NB
	if readonly {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		if stderrors.Is(err, unix.EWOULDBLOCK) {
			return errBusy("device already mounted")
		}
		return errIO(err, "flock device for mount")
	}
	return nil
}

func (c mountConfig) logger() logrus.FieldLogger {
	l := logrus.New()
	return l.WithField("component", "ldiskfs")
}

func newFilesystem(b backend.Storage, start, size int64, sb *superblock, gdt *groupDescriptorTable, mountOpts []MountOpt, logger logrus.FieldLogger) *Filesystem {
	cfg := defaultMountConfig()
	for _, opt := range mountOpts {
		opt(&cfg)
	}
	if logger == nil {
		logger = logrus.New().WithField("component", "ldiskfs")
	}
	fs := &Filesystem{
		backend:     b,
		start:       start,
		size:        size,
		superblock:  sb,
		gdt:         gdt,
		locks:       newLockManager(sb.groupCount()),
		cfg:         cfg,
		logger:      logger,
		errorAction: cfg.errorAction,
		gapCache:    newInodeGapCache(),
		flexHint:    make(map[uint32]uint32),
	}
	return fs
}
