package bptdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func TestOpen_createsAndInitialises(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	m, err := Open(path, Options{NodeBits: 12, SegmentBits: 3})
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uid(RootStart), m.sb.root())
	require.Equal(t, uid(RootStart+1), m.sb.nextFree())
	require.Equal(t, uid(0), m.sb.freeHead())
	require.Equal(t, uint8(12), m.sb.nodeBits())

	// the file is sized to a segment boundary
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Size()%m.pool.segBytes())

	// a fresh manager has clean counters
	if diff := pretty.Compare(m.io.snapshot(), IOStat{}); diff != "" {
		t.Errorf("fresh iostat diff: (-got +want)\n%s", diff)
	}
}

func TestOpen_adoptsGeometryFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geom.db")
	m, err := Open(path, Options{NodeBits: 13, SegmentBits: 2, LatchCapacity: 32})
	require.NoError(t, err)
	wantCap := m.sb.latchCap
	m.Close()

	// an open with different options keeps the on-disk geometry
	m, err = Open(path, Options{NodeBits: 10, SegmentBits: 5})
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, uint8(13), m.nodeBits)
	require.Equal(t, uint8(2), m.sb.segBits())
	require.Equal(t, wantCap, m.sb.latchCap)
}

func TestOpen_rejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0666))

	_, err := Open(path, Options{})
	require.Error(t, err)
}

func TestLatchLayout_clampsToBlock(t *testing.T) {
	tests := []struct {
		blockSize uint32
		requested int
	}{
		{512, 1024},
		{4096, 1024},
		{4096, 8},
		{65536, 4096},
	}
	for _, tt := range tests {
		cap, off := latchLayout(tt.blockSize, tt.requested)
		require.GreaterOrEqual(t, cap, uint32(1))
		require.Zero(t, off%latchEntrySize)
		require.LessOrEqual(t, off+cap*latchEntrySize, tt.blockSize)
		if uint32(tt.requested) < cap {
			t.Errorf("latchLayout(%d, %d) grew the request to %d", tt.blockSize, tt.requested, cap)
		}
	}
}

func TestMgr_allocReusesFreedBlocks(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})

	img := make([]byte, m.blockSize)
	node(img).initNode(0)

	no1, e1, err := m.allocBlock(img)
	require.NoError(t, err)
	m.latches.unpin(e1)
	require.Equal(t, uid(3), no1)
	require.Equal(t, uid(4), m.sb.nextFree())

	// free it and allocate again: the free list must serve it back
	var ref nodeRef
	require.NoError(t, m.pinNode(&ref, no1, lockWrite))
	require.NoError(t, m.freeBlock(&ref))
	require.True(t, ref.n.free())
	m.release(&ref)
	require.Equal(t, no1, m.sb.freeHead())

	no2, e2, err := m.allocBlock(img)
	require.NoError(t, err)
	m.latches.unpin(e2)
	require.Equal(t, no1, no2)
	require.Equal(t, uid(0), m.sb.freeHead())
	require.Equal(t, uid(4), m.sb.nextFree())

	// the reused block is live again
	require.NoError(t, m.pinNode(&ref, no2, lockRead))
	require.False(t, ref.n.free())
	m.release(&ref)
}

func TestMgr_rootPointer(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})

	root, err := m.readRoot()
	require.NoError(t, err)
	require.Equal(t, uid(RootStart), root)

	require.NoError(t, m.setRoot(77))
	root, err = m.readRoot()
	require.NoError(t, err)
	require.Equal(t, uid(77), root)
	require.NoError(t, m.setRoot(RootStart))
}
