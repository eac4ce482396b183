// Package ldiskfs implements the on-disk storage engine of ldiskfs: a
// journalled, extent-mapped, group-structured block-and-inode allocator
// with a B+tree-like extent index, modeled on the ext4 on-disk format.
//
// The package is organized around six cooperating components: the
// superblock and group descriptor table (SB/GDT), the bitmap allocator
// (BA), the inode table (IT), the extent tree (ET), the journal façade
// (JF), and online resize plus orphan-inode recovery (RO). Callers
// outside this package are expected to be a POSIX/VFS adapter, a quota
// subsystem, and a distributed object layer; none of those are
// implemented here.
package ldiskfs
