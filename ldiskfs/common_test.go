package ldiskfs

import (
	"io"
	"io/fs"
	"os"
	"testing"

	"github.com/lustre-project/ldiskfs/backend"
)

// memStorage is a minimal in-memory backend.Storage, used the same way
// the teacher's tests stand up a throwaway image file, except backed by
// a byte slice instead of testdata/dist/*.img so these tests need no
// fixture generation step.
type memStorage struct {
	data []byte
	pos  int64
}

func newMemStorage(size int64) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

func (m *memStorage) Stat() (fs.FileInfo, error)            { return nil, nil }
func (m *memStorage) Close() error                          { return nil }
func (m *memStorage) Sys() (*os.File, error)                { return nil, backend.ErrNotSuitable }
func (m *memStorage) Writable() (backend.WritableFile, error) { return m, nil }

func (m *memStorage) Read(b []byte) (int, error) {
	n, err := m.ReadAt(b, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStorage) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStorage) WriteAt(b []byte, off int64) (int, error) {
	end := off + int64(len(b))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], b), nil
}

func (m *memStorage) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

// newTestFilesystem creates a small, no-journal ldiskfs instance sized
// for exercising the allocator/extent-tree paths directly, mirroring
// the teacher's small fixed-geometry test images without needing an
// external mkfs run.
func newTestFilesystem(t *testing.T, groups uint32) *Filesystem {
	t.Helper()
	const blockSize = 1024
	const blocksPerGroup = 8192
	const firstDataBlock = 1
	totalBlocks := int64(firstDataBlock) + int64(blocksPerGroup)*int64(groups)
	size := totalBlocks * blockSize

	mem := newMemStorage(size)
	fs, err := Create(mem, size, 0, &Params{
		BlockSize:      blockSize,
		BlocksPerGroup: blocksPerGroup,
		InodeRatio:     16384,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fs
}

// newExtentInode builds an in-memory inode with an initialized, empty
// extent-tree root, the minimal state insertExtent/findPath need; it is
// never written through writeInode unless a test calls that itself.
func newExtentInode(number uint32) *inode {
	i := &inode{number: number, flags: inodeFlagExtents, linkCount: 1}
	root := &extentNode{header: extentHeader{max: extentCapacity(inodeBodySize)}}
	root.storeInInode(i)
	return i
}
