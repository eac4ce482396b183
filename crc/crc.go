// Package crc implements the checksum variants used by the ldiskfs
// on-disk format: crc16 for group descriptors and crc32c for
// superblocks, inodes, bitmaps and journal metadata.
package crc

import "hash/crc32"

// crc16Table is the CCITT-derived table e2fsprogs uses for group
// descriptor checksums (ext2fs_crc16, poly 0xA001, reflected).
var crc16Table = func() [256]uint16 {
	const poly = 0xA001
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 computes the running crc16 of b starting from seed crc.
// Callers seed with ^uint16(0) per §6 ("GDT checksum: crc16 seeded
// with ~0").
func CRC16(crc uint16, b []byte) uint16 {
	for _, c := range b {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(c))&0xff]
	}
	return crc
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32c computes the Castagnoli crc32 of b starting from seed crc,
// matching e2fsprogs' ext2fs_crc32c_le. Used for superblock, inode,
// bitmap and journal-block checksums on metadata-checksum filesystems.
func CRC32c(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, castagnoli, b)
}
