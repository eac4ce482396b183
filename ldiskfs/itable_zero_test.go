package ldiskfs

import (
	"context"
	"testing"
)

func TestNextUnzeroedGroupSkipsUninitAndZeroed(t *testing.T) {
	fs := newTestFilesystem(t, 2)
	if _, ok := fs.nextUnzeroedGroup(); ok {
		t.Fatal("a freshly created filesystem has no claimed group yet, nothing should be eligible")
	}

	gd0, _ := fs.gdt.get(0)
	gd0.flags &^= gdFlagInodeUninit

	g, ok := fs.nextUnzeroedGroup()
	if !ok || g != 0 {
		t.Fatalf("nextUnzeroedGroup = (%d, %v), want (0, true)", g, ok)
	}

	gd0.flags |= gdFlagInodeZeroed
	if _, ok := fs.nextUnzeroedGroup(); ok {
		t.Fatal("a zeroed group should no longer be eligible")
	}
}

func TestZeroInodeTableMarksGroupZeroed(t *testing.T) {
	fs := newTestFilesystem(t, 1)

	h, err := fs.journal.start(4)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	if _, err := fs.claimInode(h, 0, false); err != nil {
		t.Fatalf("claimInode: %v", err)
	}
	if err := h.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	gd, _ := fs.gdt.get(0)
	if gd.uninitInodes() {
		t.Fatal("claiming an inode should have cleared INODE_UNINIT")
	}

	if err := fs.zeroInodeTable(context.Background(), 0); err != nil {
		t.Fatalf("zeroInodeTable: %v", err)
	}
	if !gd.zeroedInodes() {
		t.Fatal("zeroInodeTable should have set INODE_ZEROED")
	}

	// Idempotent: a second pass over an already-zeroed group is a no-op.
	if err := fs.zeroInodeTable(context.Background(), 0); err != nil {
		t.Fatalf("zeroInodeTable (second pass): %v", err)
	}
}

func TestRunLazyInodeTableInitDrainsAllGroups(t *testing.T) {
	fs := newTestFilesystem(t, 2)

	h, err := fs.journal.start(4)
	if err != nil {
		t.Fatalf("journal.start: %v", err)
	}
	if _, err := fs.claimInode(h, 0, false); err != nil {
		t.Fatalf("claimInode group 0: %v", err)
	}
	if _, err := fs.claimInode(h, 1, false); err != nil {
		t.Fatalf("claimInode group 1: %v", err)
	}
	if err := h.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := fs.RunLazyInodeTableInit(context.Background()); err != nil {
		t.Fatalf("RunLazyInodeTableInit: %v", err)
	}

	for g := uint32(0); g < 2; g++ {
		gd, _ := fs.gdt.get(g)
		if !gd.zeroedInodes() {
			t.Fatalf("group %d was not zeroed by the worker", g)
		}
	}
}
