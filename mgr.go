package bptdb

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Options configure a manager at open time. Geometry options only take
// effect when the file is created; an existing file's geometry wins.
type Options struct {
	NodeBits      uint8 // log2 of block size, clamped to [9, 24]
	SegmentBits   uint8 // log2 of blocks per pool segment
	PoolSegments  int   // pool capacity in segments
	LatchCapacity int   // requested latch table entries, clamped to fit block 0
	Logger        *zap.Logger
}

func (o *Options) defaults() {
	if o.NodeBits == 0 {
		o.NodeBits = 12
	}
	if o.NodeBits < MinNodeBits {
		o.NodeBits = MinNodeBits
	}
	if o.NodeBits > MaxNodeBits {
		o.NodeBits = MaxNodeBits
	}
	if o.SegmentBits == 0 {
		o.SegmentBits = 3
	}
	if o.SegmentBits > 10 {
		o.SegmentBits = 10
	}
	if o.PoolSegments < 4 {
		o.PoolSegments = 4
	}
	if o.LatchCapacity == 0 {
		o.LatchCapacity = 128
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Mgr owns one process's view of a database file: the file descriptor,
// the buffer pool, and the mapping of the superblock with its embedded
// latch table. One manager per process; handles share it.
type Mgr struct {
	f         *os.File
	log       *zap.Logger
	nodeBits  uint8
	blockSize uint32

	sb      *superblock
	latches *latchTable
	pool    *pool
	io      iostat
}

// Open opens or creates a database file. An empty file is initialised
// with the superblock, the reserved block and an empty root leaf.
func Open(path string, opt Options) (*Mgr, error) {
	opt.defaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	m := &Mgr{f: f, log: opt.Logger}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if st.Size() == 0 {
		if err := m.create(opt); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		// adopt geometry from disk
		hdr := make([]byte, offHash)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("read superblock: %w", err)
		}
		bits := hdr[offNodeBits]
		if bits < MinNodeBits || bits > MaxNodeBits {
			f.Close()
			return nil, ErrBadMagic
		}
		opt.NodeBits = bits
		opt.SegmentBits = hdr[offSegBits]
	}

	m.nodeBits = opt.NodeBits
	m.blockSize = 1 << opt.NodeBits

	sbm, err := mmap.MapRegion(f, int(m.blockSize), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map superblock: %w", err)
	}
	sb, err := attachSuperblock(sbm)
	if err != nil {
		sbm.Unmap()
		f.Close()
		return nil, err
	}
	m.sb = sb
	m.latches = newLatchTable(sb, &m.io)
	m.pool = newPool(f, m.nodeBits, sb.segBits(), opt.PoolSegments, &m.io, m.log)

	m.log.Info("database open",
		zap.String("path", path),
		zap.Uint8("node_bits", m.nodeBits),
		zap.Uint8("segment_bits", sb.segBits()),
		zap.Uint32("latch_capacity", sb.latchCap),
		zap.Int("pool_segments", opt.PoolSegments))
	return m, nil
}

// create lays down blocks 0..2 of a fresh file and sizes it to a
// segment boundary.
func (m *Mgr) create(opt Options) error {
	blockSize := uint32(1) << opt.NodeBits
	latchCap, _ := latchLayout(blockSize, opt.LatchCapacity)
	if int(latchCap) < opt.LatchCapacity {
		m.log.Warn("latch capacity clamped to fit block 0",
			zap.Int("requested", opt.LatchCapacity),
			zap.Uint32("capacity", latchCap))
	}

	img := make([]byte, 3*blockSize)
	initSuperblock(img[:blockSize], opt.NodeBits, opt.SegmentBits, latchCap)

	// block 1 stays zero, reserved. Block 2 is the initial root: an
	// empty leaf holding only the sentinel slot.
	root := node(img[2*blockSize : 3*blockSize])
	root.initNode(0)
	root.appendSlot(nil, 0, slotSentinel)

	if _, err := m.f.WriteAt(img, 0); err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	segBytes := int64(1) << (uint(opt.SegmentBits) + uint(opt.NodeBits))
	size := (int64(3*blockSize) + segBytes - 1) / segBytes * segBytes
	if err := unix.Ftruncate(int(m.f.Fd()), size); err != nil {
		return fmt.Errorf("size database: %w", err)
	}
	return nil
}

// Close flushes and unmaps the pool and the superblock. The file is
// not removed.
func (m *Mgr) Close() {
	flushed := m.pool.close()
	if err := m.sb.m.Flush(); err != nil {
		m.log.Error("superblock flush failed", zap.Error(err))
	}
	if err := m.sb.m.Unmap(); err != nil {
		m.log.Error("superblock unmap failed", zap.Error(err))
	}
	if err := m.f.Close(); err != nil {
		m.log.Error("close database file failed", zap.Error(err))
	}
	m.log.Info("database closed", zap.Int("segments_flushed", flushed))
}

// nodeRef is a pinned, latched block in the pool.
type nodeRef struct {
	no   uid
	e    *latchEntry
	n    node
	mode lockMode
}

// pinNode pins the latch and the pool segment for a block and takes the
// requested lock.
func (m *Mgr) pinNode(ref *nodeRef, no uid, mode lockMode) error {
	e, err := m.latches.pin(no)
	if err != nil {
		return err
	}
	e.lock(mode)
	blk, err := m.pool.pin(no)
	if err != nil {
		e.unlock(mode)
		m.latches.unpin(e)
		return err
	}
	ref.no, ref.e, ref.n, ref.mode = no, e, node(blk), mode
	return nil
}

// release drops the lock, the latch pin and the pool pin of a ref.
func (m *Mgr) release(ref *nodeRef) {
	ref.e.unlock(ref.mode)
	m.latches.unpin(ref.e)
	m.pool.unpin(ref.no)
	ref.e = nil
}

// readRoot reads the root pointer under a read latch on block 0.
func (m *Mgr) readRoot() (uid, error) {
	e, err := m.latches.pin(SuperBlock)
	if err != nil {
		return 0, err
	}
	e.lock(lockRead)
	root := m.sb.root()
	e.unlock(lockRead)
	m.latches.unpin(e)
	return root, nil
}

// setRoot swings the root pointer under a write latch on block 0.
func (m *Mgr) setRoot(no uid) error {
	e, err := m.latches.pin(SuperBlock)
	if err != nil {
		return err
	}
	e.lock(lockWrite)
	m.sb.setRoot(no)
	e.unlock(lockWrite)
	m.latches.unpin(e)
	return nil
}

// loadNode descends from the root to the requested level and returns
// the slot for the key, leaving the node latched in the requested mode
// in ref. A nil key stands for +infinity and descends along the right
// edge. During the descent only one latch is held at a time: the parent
// is released before the child is locked. Free blocks and keys beyond
// a node's fence are handled by sliding right.
func (m *Mgr) loadNode(ref *nodeRef, key []byte, lvl uint8, mode lockMode) (uint32, error) {
	pageNo, err := m.readRoot()
	if err != nil {
		return 0, err
	}
	drill := uint8(0xff)

	for pageNo > 0 {
		want := lockRead
		if drill == lvl {
			want = mode
		}

		if ref.e != nil {
			m.release(ref)
		}
		if err := m.pinNode(ref, pageNo, want); err != nil {
			return 0, err
		}
		n := ref.n

		// a freed block still chains right for lagging readers
		if n.free() {
			pageNo = n.right()
			continue
		}

		if drill == 0xff {
			drill = n.lvl()
			if drill < lvl {
				m.release(ref)
				return 0, ErrTreeStruct
			}
			if drill == lvl && want != mode {
				// re-lock the root in the requested mode
				continue
			}
		} else if n.lvl() != drill {
			m.release(ref)
			return 0, ErrTreeStruct
		}

		slot := n.findSlot(key)
		if slot == 0 {
			// key is greater than everything here; slide right
			pageNo = n.right()
			continue
		}

		if drill == lvl {
			return slot, nil
		}

		// interior node: skip tombstoned slots before descending
		for n.tombstoned(slot) {
			if slot < n.cnt() {
				slot++
			} else {
				slot = 0
				break
			}
		}
		if slot == 0 {
			pageNo = n.right()
			continue
		}

		pageNo = n.value(slot)
		drill--
	}

	if ref.e != nil {
		m.release(ref)
	}
	return 0, ErrTreeStruct
}

// allocBlock takes a block from the free list, or extends the file, and
// installs the given image in it. The block's latch entry is returned
// still pinned so a caller can order fence posting before the block
// becomes reachable; the write lock is already released.
func (m *Mgr) allocBlock(img []byte) (uid, *latchEntry, error) {
	e0, err := m.latches.pin(SuperBlock)
	if err != nil {
		return 0, nil, err
	}
	e0.lock(lockWrite)

	var no uid
	var blk []byte
	if no = m.sb.freeHead(); no != 0 {
		blk, err = m.pool.pin(no)
		if err != nil {
			e0.unlock(lockWrite)
			m.latches.unpin(e0)
			return 0, nil, err
		}
		m.sb.setFreeHead(node(blk).freeNext())
	} else {
		no = m.sb.nextFree()
		m.sb.setNextFree(no + 1)
		if err := m.grow(no); err != nil {
			e0.unlock(lockWrite)
			m.latches.unpin(e0)
			return 0, nil, err
		}
		if blk, err = m.pool.pin(no); err != nil {
			e0.unlock(lockWrite)
			m.latches.unpin(e0)
			return 0, nil, err
		}
	}

	// initialise under the block's own write latch so lagging readers
	// sliding into a reused block never observe a half state
	e, err := m.latches.pin(no)
	if err != nil {
		m.pool.unpin(no)
		e0.unlock(lockWrite)
		m.latches.unpin(e0)
		return 0, nil, err
	}
	e.lock(lockWrite)
	e0.unlock(lockWrite)
	m.latches.unpin(e0)

	copy(blk, img)
	n := node(blk)
	n.setFree(false)
	n.setDirty(true)

	e.unlock(lockWrite)
	m.pool.unpin(no)
	return no, e, nil
}

// freeBlock pushes an empty block onto the free list. Called with the
// block write-latched; right is left intact so lagging readers can
// still slide off it.
func (m *Mgr) freeBlock(ref *nodeRef) error {
	e0, err := m.latches.pin(SuperBlock)
	if err != nil {
		return err
	}
	e0.lock(lockWrite)
	ref.n.setFreeNext(m.sb.freeHead())
	ref.n.setFree(true)
	ref.n.setDirty(true)
	m.sb.setFreeHead(ref.no)
	e0.unlock(lockWrite)
	m.latches.unpin(e0)
	return nil
}

// grow extends the file to the segment boundary covering a new block.
// Called with the block 0 write latch held, so the size only ever
// moves forward.
func (m *Mgr) grow(no uid) error {
	segBytes := m.pool.segBytes()
	need := (int64(no+1)*int64(m.blockSize) + segBytes - 1) / segBytes * segBytes
	st, err := m.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < need {
		if err := unix.Ftruncate(int(m.f.Fd()), need); err != nil {
			return fmt.Errorf("grow database: %w", err)
		}
	}
	return nil
}
