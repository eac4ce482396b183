package ldiskfs

// compatFeature, incompatFeature and roCompatFeature are the three
// independent feature bitmaps carried in the superblock. Unknown
// incompat bits fail mount outright; unknown ro_compat bits force a
// read-only mount; compat bits never gate mount at all.
type compatFeature uint32
type incompatFeature uint32
type roCompatFeature uint32

const (
	compatDirPrealloc    compatFeature = 0x1
	compatImagicInodes   compatFeature = 0x2
	compatHasJournal     compatFeature = 0x4
	compatExtAttr        compatFeature = 0x8
	compatResizeInode    compatFeature = 0x10
	compatDirIndex       compatFeature = 0x20
	compatLazyBG         compatFeature = 0x40
	compatSparseSuperV2  compatFeature = 0x200
)

const (
	incompatCompression incompatFeature = 0x1
	incompatFiletype     incompatFeature = 0x2
	incompatRecover      incompatFeature = 0x4
	incompatJournalDev   incompatFeature = 0x8
	incompatMetaBG       incompatFeature = 0x10
	incompatExtents      incompatFeature = 0x40
	incompat64Bit        incompatFeature = 0x80
	incompatMMP          incompatFeature = 0x100
	incompatFlexBG       incompatFeature = 0x200
	incompatEAInode      incompatFeature = 0x400
	incompatCSumSeed     incompatFeature = 0x2000
)

const (
	roCompatSparseSuper  roCompatFeature = 0x1
	roCompatLargeFile    roCompatFeature = 0x2
	roCompatHugeFile     roCompatFeature = 0x8
	roCompatGDTChecksum  roCompatFeature = 0x10
	roCompatDirNlink     roCompatFeature = 0x20
	roCompatExtraIsize   roCompatFeature = 0x40
	roCompatQuota        roCompatFeature = 0x100
	roCompatMetadataCsum roCompatFeature = 0x400
	roCompatReadonly     roCompatFeature = 0x1000
	roCompatProjectQuota roCompatFeature = 0x2000
)

// supportedIncompat and supportedRoCompat are the feature sets this
// implementation understands. mount() rejects any incompat bit outside
// supportedIncompat and downgrades to read-only for any ro_compat bit
// outside supportedRoCompat, per §4.1's feature gating rule.
const supportedIncompat = incompatFiletype | incompatRecover | incompatMetaBG |
	incompatExtents | incompat64Bit | incompatFlexBG | incompatEAInode | incompatCSumSeed

const supportedRoCompat = roCompatSparseSuper | roCompatLargeFile | roCompatHugeFile |
	roCompatGDTChecksum | roCompatDirNlink | roCompatExtraIsize | roCompatMetadataCsum |
	roCompatProjectQuota

// featureFlags holds the three raw feature bitmasks, with one query
// method per feature bit this package consults.
type featureFlags struct {
	compat   compatFeature
	incompat incompatFeature
	roCompat roCompatFeature
}

func (f featureFlags) hasJournal() bool    { return f.compat&compatHasJournal != 0 }
func (f featureFlags) hasExtents() bool    { return f.incompat&incompatExtents != 0 }
func (f featureFlags) has64Bit() bool      { return f.incompat&incompat64Bit != 0 }
func (f featureFlags) hasFlexBG() bool     { return f.incompat&incompatFlexBG != 0 }
func (f featureFlags) hasMetaBG() bool     { return f.incompat&incompatMetaBG != 0 }
func (f featureFlags) hasRecovery() bool   { return f.incompat&incompatRecover != 0 }
func (f featureFlags) hasGDTChecksum() bool {
	return f.roCompat&roCompatGDTChecksum != 0 || f.roCompat&roCompatMetadataCsum != 0
}
func (f featureFlags) hasMetadataChecksum() bool { return f.roCompat&roCompatMetadataCsum != 0 }
func (f featureFlags) hasSparseSuper() bool      { return f.roCompat&roCompatSparseSuper != 0 }

// unknownIncompat returns the incompat bits set on disk that this
// implementation does not understand.
func (f featureFlags) unknownIncompat() incompatFeature {
	return f.incompat &^ supportedIncompat
}

// unknownRoCompat returns the ro_compat bits set on disk that this
// implementation does not understand.
func (f featureFlags) unknownRoCompat() roCompatFeature {
	return f.roCompat &^ supportedRoCompat
}

// FeatureOpt mutates the feature bitmaps of a filesystem being created,
// following the teacher's functional-option convention for Params.Features.
type FeatureOpt func(*featureFlags)

// WithExtents enables the extent-tree inode format. This package only
// implements the extent variant (§9 "type erasure of indirect vs extent
// inodes"), so creation always applies it regardless of caller intent.
func WithExtents() FeatureOpt {
	return func(f *featureFlags) { f.incompat |= incompatExtents }
}

// WithFlexBG sets the flex block group feature bit. It takes no group
// count; the log2 groups-per-flex value lives separately on the
// superblock (LogGroupsPerFlex).
func WithFlexBG() FeatureOpt {
	return func(f *featureFlags) { f.incompat |= incompatFlexBG }
}

// With64Bit enables 64-bit group descriptors (64-bit bitmap/itable
// pointers and 32-bit counters instead of 32-bit and 16-bit).
func With64Bit() FeatureOpt {
	return func(f *featureFlags) { f.incompat |= incompat64Bit }
}

// WithMetadataChecksum sets METADATA_CSUM and implies GDT_CSUM. This
// package then writes a crc32c-based checksum into inode records; group
// descriptors keep their crc16 checksum, and the superblock and bitmaps
// carry no checksum.
func WithMetadataChecksum() FeatureOpt {
	return func(f *featureFlags) { f.roCompat |= roCompatMetadataCsum | roCompatGDTChecksum }
}

// WithSparseSuper restricts superblock/GDT backups to groups 0, 1, and
// powers of 3/5/7, per calculateBackupSuperblockGroups.
func WithSparseSuper() FeatureOpt {
	return func(f *featureFlags) { f.roCompat |= roCompatSparseSuper }
}

// WithJournal marks the filesystem as carrying an internal or external
// journal (compat HAS_JOURNAL).
func WithJournal() FeatureOpt {
	return func(f *featureFlags) { f.compat |= compatHasJournal }
}

// MountOption is a single bit of SB.default_mount_opts / runtime mount
// behavior not captured by feature flags.
type MountOption uint32

const (
	MountOptJournalDataMode MountOption = 0x20
	MountOptBarrier         MountOption = 0x100
	MountOptDiscard         MountOption = 0x400
	MountOptDelalloc        MountOption = 0x800
)

// MountOpt mutates the runtime mount configuration, following the same
// functional-option convention as FeatureOpt.
type MountOpt func(*mountConfig)

// DataMode selects how the journal orders file data relative to
// metadata commits (§4.5 "Data mode").
type DataMode int

const (
	DataOrdered DataMode = iota
	DataJournal
	DataWriteback
)

type mountConfig struct {
	readonly     bool
	dataMode     DataMode
	barriers     bool
	noJournal    bool
	errorAction  ErrorAction
	resvBlocks   uint64
}

func defaultMountConfig() mountConfig {
	return mountConfig{
		dataMode:    DataOrdered,
		barriers:    true,
		errorAction: ErrorContinue,
	}
}

// WithReadonly mounts the filesystem read-only.
func WithReadonly() MountOpt { return func(c *mountConfig) { c.readonly = true } }

// WithDataMode selects the journal's data-ordering mode.
func WithDataMode(m DataMode) MountOpt { return func(c *mountConfig) { c.dataMode = m } }

// WithBarriers toggles write barriers (enabled by default).
func WithBarriers(enabled bool) MountOpt { return func(c *mountConfig) { c.barriers = enabled } }

// WithNoJournal makes Mount use the nojournal façade (no journal
// superblock) even when HAS_JOURNAL is set. Handles behave as in
// journalled mode: dirty buffers are written in place when they stop.
func WithNoJournal() MountOpt { return func(c *mountConfig) { c.noJournal = true } }

// WithErrorAction selects the policy handleError applies on corruption.
func WithErrorAction(a ErrorAction) MountOpt { return func(c *mountConfig) { c.errorAction = a } }

// WithReservedBlocks sets the runtime resv_blocks counter (§5
// "Reservation counter"). The caller is responsible for keeping it
// below total-blocks; mount() rejects an out-of-range value.
func WithReservedBlocks(n uint64) MountOpt { return func(c *mountConfig) { c.resvBlocks = n } }
