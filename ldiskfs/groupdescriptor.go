package ldiskfs

import (
	"encoding/binary"

	"github.com/lustre-project/ldiskfs/crc"
)

type gdFlag uint16

const (
	gdFlagInodeUninit  gdFlag = 0x1
	gdFlagBlockUninit  gdFlag = 0x2
	gdFlagInodeZeroed  gdFlag = 0x4
)

// groupDescriptor is the per-group metadata record: bitmap/itable
// locations, free counters, and flags (§3 GD). 32 bytes legacy, 64
// bytes when 64BIT is enabled (high halves of the split fields live in
// the second half).
type groupDescriptor struct {
	blockBitmap uint64
	inodeBitmap uint64
	inodeTable  uint64

	freeBlocks    uint32
	freeInodes    uint32
	usedDirs      uint32
	itableUnused  uint32

	flags    gdFlag
	checksum uint16
}

func (gd *groupDescriptor) uninitBlocks() bool { return gd.flags&gdFlagBlockUninit != 0 }
func (gd *groupDescriptor) uninitInodes() bool { return gd.flags&gdFlagInodeUninit != 0 }
func (gd *groupDescriptor) zeroedInodes() bool { return gd.flags&gdFlagInodeZeroed != 0 }

// groupDescriptorFromBytes decodes one GD record. size is 32 or 64.
func groupDescriptorFromBytes(b []byte, size uint16, index uint32, uuid []byte, seed uint32) (*groupDescriptor, error) {
	if len(b) < int(size) {
		return nil, errCorrupt("group descriptor short read: %d bytes, want %d", len(b), size)
	}
	gd := &groupDescriptor{}
	gd.blockBitmap = uint64(binary.LittleEndian.Uint32(b[0x0:0x4]))
	gd.inodeBitmap = uint64(binary.LittleEndian.Uint32(b[0x4:0x8]))
	gd.inodeTable = uint64(binary.LittleEndian.Uint32(b[0x8:0xc]))
	gd.freeBlocks = uint32(binary.LittleEndian.Uint16(b[0xc:0xe]))
	gd.freeInodes = uint32(binary.LittleEndian.Uint16(b[0xe:0x10]))
	gd.usedDirs = uint32(binary.LittleEndian.Uint16(b[0x10:0x12]))
	gd.flags = gdFlag(binary.LittleEndian.Uint16(b[0x12:0x14]))
	gd.itableUnused = uint32(binary.LittleEndian.Uint16(b[0x1a:0x1c]))
	gd.checksum = binary.LittleEndian.Uint16(b[0x1e:0x20])

	if size >= 64 {
		gd.blockBitmap |= uint64(binary.LittleEndian.Uint32(b[0x20:0x24])) << 32
		gd.inodeBitmap |= uint64(binary.LittleEndian.Uint32(b[0x24:0x28])) << 32
		gd.inodeTable |= uint64(binary.LittleEndian.Uint32(b[0x28:0x2c])) << 32
		gd.freeBlocks |= uint32(binary.LittleEndian.Uint16(b[0x2c:0x2e])) << 16
		gd.freeInodes |= uint32(binary.LittleEndian.Uint16(b[0x2e:0x30])) << 16
		gd.usedDirs |= uint32(binary.LittleEndian.Uint16(b[0x30:0x32])) << 16
		gd.itableUnused |= uint32(binary.LittleEndian.Uint16(b[0x32:0x34])) << 16
	}

	want := gdChecksum(b, size, index, uuid, seed)
	if want != gd.checksum {
		return nil, errCorrupt("group %d descriptor checksum mismatch: have %#x want %#x", index, gd.checksum, want)
	}
	return gd, nil
}

// toBytes encodes the descriptor, recomputing the crc16 checksum over
// the descriptor with the checksum field zeroed, per §6.
func (gd *groupDescriptor) toBytes(size uint16, index uint32, uuid []byte, seed uint32) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0x0:0x4], uint32(gd.blockBitmap))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(gd.inodeBitmap))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(gd.inodeTable))
	binary.LittleEndian.PutUint16(b[0xc:0xe], uint16(gd.freeBlocks))
	binary.LittleEndian.PutUint16(b[0xe:0x10], uint16(gd.freeInodes))
	binary.LittleEndian.PutUint16(b[0x10:0x12], uint16(gd.usedDirs))
	binary.LittleEndian.PutUint16(b[0x12:0x14], uint16(gd.flags))
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], uint16(gd.itableUnused))

	if size >= 64 {
		binary.LittleEndian.PutUint32(b[0x20:0x24], uint32(gd.blockBitmap>>32))
		binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(gd.inodeBitmap>>32))
		binary.LittleEndian.PutUint32(b[0x28:0x2c], uint32(gd.inodeTable>>32))
		binary.LittleEndian.PutUint16(b[0x2c:0x2e], uint16(gd.freeBlocks>>16))
		binary.LittleEndian.PutUint16(b[0x2e:0x30], uint16(gd.freeInodes>>16))
		binary.LittleEndian.PutUint16(b[0x30:0x32], uint16(gd.usedDirs>>16))
		binary.LittleEndian.PutUint16(b[0x32:0x34], uint16(gd.itableUnused>>16))
	}

	gd.checksum = gdChecksum(b, size, index, uuid, seed)
	binary.LittleEndian.PutUint16(b[0x1e:0x20], gd.checksum)
	return b
}

// gdChecksum computes crc16(~0, uuid ∥ group_index_le32 ∥ descriptor
// with checksum field zeroed), per §6. The checksum bytes are zeroed in
// a private copy of b, so callers may pass either freshly decoded or
// freshly encoded bytes.
func gdChecksum(b []byte, size uint16, index uint32, uuid []byte, seed uint32) uint16 {
	_ = seed // reserved for the csum_seed incompat variant; GDT_CSUM uses the raw UUID
	idx := make([]byte, 4)
	binary.LittleEndian.PutUint32(idx, index)

	c := crc.CRC16(^uint16(0), uuid)
	c = crc.CRC16(c, idx)

	tmp := make([]byte, size)
	copy(tmp, b)
	tmp[0x1e] = 0
	tmp[0x1f] = 0
	return crc.CRC16(c, tmp)
}

// groupDescriptorTable is the in-memory mirror of the GDT, indexed by
// group number.
type groupDescriptorTable struct {
	descriptors []*groupDescriptor
}

func (t *groupDescriptorTable) get(group uint32) (*groupDescriptor, error) {
	if int(group) >= len(t.descriptors) {
		return nil, errCorrupt("group %d out of range (have %d groups)", group, len(t.descriptors))
	}
	return t.descriptors[group], nil
}
