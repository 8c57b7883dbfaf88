package bptdb

import (
	"bytes"
)

/*
 *  Notes:
 *
 *  Keys and their 48-bit values are allocated from the high end of a
 *  block while the slot directory grows from the low end. When the two
 *  regions meet the block is compacted, and split if compaction does
 *  not recover enough room. The split point balances live payload
 *  bytes across the two halves.
 *
 *  Blocks on one level are linked with right sibling pointers to
 *  facilitate enumerators and to provide for concurrency: a reader that
 *  arrives during a split finds keys that moved right by sliding along
 *  the sibling chain.
 *
 *  The root moves. When the root fills, both halves stay where they
 *  are and a new root holding two pointers is allocated; the
 *  superblock's root pointer is swung under the block 0 latch.
 *
 *  Deleted keys are marked with a tombstone bit until compaction. A
 *  block whose active count reaches zero goes to the free list; its
 *  parent pointer is not repaired eagerly.
 *
 *  To achieve maximum concurrency one block is latched at a time while
 *  the tree is traversed to find the leaf key in question. The parent
 *  latch per block serialises fence posting after a split.
 */

// Handle is a single-threaded cursor over one manager. Many handles may
// share a manager; one handle must not be used from multiple
// goroutines at once.
type Handle struct {
	mgr      *Mgr
	cursor   []byte // cached block for iteration
	cursorNo uid    // current cursor block number
	found    bool   // last delete found the key
}

// NewHandle opens a handle on the manager.
func (m *Mgr) NewHandle() *Handle {
	return &Handle{
		mgr:    m,
		cursor: make([]byte, m.blockSize),
	}
}

// Close releases the handle. Handles hold no latches between
// operations, so this only drops its buffers.
func (h *Handle) Close() {
	h.cursor = nil
}

// IOStat snapshots the manager's counters.
func (h *Handle) IOStat() IOStat {
	return h.mgr.io.snapshot()
}

// Found reports whether the last DeleteKey removed a live key.
func (h *Handle) Found() bool {
	return h.found
}

// FindKey returns the value stored under the key, or 0 when the key is
// absent or tombstoned.
func (h *Handle) FindKey(key []byte) (uint64, error) {
	if len(key) > MaxKeyLen {
		return 0, ErrKeyTooLong
	}
	var ref nodeRef
	slot, err := h.mgr.loadNode(&ref, key, 0, lockRead)
	if err != nil {
		return 0, err
	}
	var v uid
	if !ref.n.sentinel(slot) && !ref.n.tombstoned(slot) && bytes.Equal(ref.n.key(slot), key) {
		v = ref.n.value(slot)
	}
	h.mgr.release(&ref)
	return uint64(v), nil
}

// InsertKey inserts a key at the given level with the value, a 48-bit
// number. Inserting an existing key overwrites its value at the leaf.
func (h *Handle) InsertKey(key []byte, lvl uint8, value uint64) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	return h.insert(key, lvl, uid(value), false)
}

// insert adds or updates one entry at the given level. A nil key with
// asSentinel set redirects the sentinel slot of the rightmost node at
// that level, which is how a split of a rightmost node repoints its
// parent.
func (h *Handle) insert(key []byte, lvl uint8, value uid, asSentinel bool) error {
	m := h.mgr
	var lookup []byte
	if !asSentinel {
		lookup = key
	}

	for {
		var ref nodeRef
		slot, err := m.loadNode(&ref, lookup, lvl, lockWrite)
		if err != nil {
			return err
		}
		n := ref.n

		if asSentinel {
			n.setValue(slot, value)
			n.setDirty(true)
			m.release(&ref)
			return nil
		}

		// if the key already exists, update the value and return
		if !n.sentinel(slot) && bytes.Equal(n.key(slot), key) {
			if n.tombstoned(slot) {
				n.setTombstoned(slot, false)
				n.setAct(n.act() + 1)
				if g := n.garbage(); g >= entryBytes(len(key)) {
					n.setGarbage(g - entryBytes(len(key)))
				} else {
					n.setGarbage(0)
				}
			}
			n.setValue(slot, value)
			n.setDirty(true)
			m.release(&ref)
			return nil
		}

		if !n.roomFor(len(key)) {
			if n.garbage() > 0 {
				n.compact(make([]byte, len(n)))
				slot = n.findSlot(key)
			}
			if !n.roomFor(len(key)) {
				if err := h.splitNode(&ref); err != nil {
					return err
				}
				continue
			}
		}

		n.insertSlot(slot, key, value, 0)
		m.release(&ref)
		return nil
	}
}

// splitNode splits the write-latched full node in ref and posts the new
// fences. Returns with every latch and pin released; the caller
// restarts its insert.
func (h *Handle) splitNode(ref *nodeRef) error {
	m := h.mgr
	n := ref.n
	lvl := n.lvl()
	bs := len(n)

	// compact first so the split point balances live bytes
	n.compact(make([]byte, bs))
	cnt := n.cnt()
	if cnt < 2 {
		m.release(ref)
		return ErrTreeStruct
	}

	var total uint32
	for i := uint32(1); i <= cnt; i++ {
		total += entryBytes(len(n.key(i)))
	}
	cut := uint32(2)
	var sum uint32
	for i := uint32(1); i < cnt; i++ {
		sum += entryBytes(len(n.key(i)))
		if sum*2 >= total {
			cut = i + 1
			break
		}
	}
	if cut > cnt {
		cut = cnt
	}

	// higher half of the keys, including the old fence, goes right
	rightImg := node(make([]byte, bs))
	rightImg.initNode(lvl)
	rightImg.setRight(n.right())
	for i := cut; i <= cnt; i++ {
		rightImg.appendSlot(n.key(i), n.value(i), n.slotFlags(i))
	}
	rightSent := rightImg.sentinel(rightImg.cnt())
	rightFence := append([]byte(nil), rightImg.key(rightImg.cnt())...)

	rightNo, re, err := m.allocBlock(rightImg)
	if err != nil {
		m.release(ref)
		return err
	}

	// serialise fence posting for the new block before it is reachable
	re.lock(lockParent)

	leftImg := node(make([]byte, bs))
	leftImg.initNode(lvl)
	leftImg.setRight(rightNo)
	for i := uint32(1); i < cut; i++ {
		leftImg.appendSlot(n.key(i), n.value(i), n.slotFlags(i))
	}
	leftFence := append([]byte(nil), leftImg.key(leftImg.cnt())...)

	copy(n, leftImg)
	n.setDirty(true)

	root, err := m.readRoot()
	if err != nil {
		re.unlock(lockParent)
		m.latches.unpin(re)
		m.release(ref)
		return err
	}
	if root == ref.no {
		err := h.splitRoot(ref, rightNo, leftFence)
		re.unlock(lockParent)
		m.latches.unpin(re)
		return err
	}

	// insert the new fences in the parent level. The write latch drops
	// first; the parent latch keeps a second split of this block from
	// posting out of order.
	e := ref.e
	e.lock(lockParent)
	e.unlock(lockWrite)
	m.pool.unpin(ref.no)

	// new fence for the reformulated left block of smaller keys
	postErr := h.insert(leftFence, lvl+1, ref.no, false)
	if postErr == nil {
		// switch the fence for the block of larger keys to the new block
		postErr = h.insert(rightFence, lvl+1, rightNo, rightSent)
	}

	e.unlock(lockParent)
	m.latches.unpin(e)
	ref.e = nil
	re.unlock(lockParent)
	m.latches.unpin(re)
	return postErr
}

// splitRoot allocates a new root above the two halves and swings the
// superblock's root pointer. Called with the old root write-latched.
func (h *Handle) splitRoot(ref *nodeRef, rightNo uid, leftFence []byte) error {
	m := h.mgr

	img := node(make([]byte, len(ref.n)))
	img.initNode(ref.n.lvl() + 1)
	img.appendSlot(leftFence, ref.no, 0)
	img.appendSlot(nil, rightNo, slotSentinel)

	rootNo, re, err := m.allocBlock(img)
	if err != nil {
		m.release(ref)
		return err
	}
	m.latches.unpin(re)

	err = m.setRoot(rootNo)
	m.release(ref)
	return err
}

// DeleteKey tombstones the key at the given level. A block whose last
// live key goes is pushed onto the free list; the parent's pointer to
// it is repaired lazily by the sibling-follow rule.
func (h *Handle) DeleteKey(key []byte, lvl uint8) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	m := h.mgr
	var ref nodeRef
	slot, err := m.loadNode(&ref, key, lvl, lockWrite)
	if err != nil {
		return err
	}
	n := ref.n

	h.found = !n.sentinel(slot) && !n.tombstoned(slot) && bytes.Equal(n.key(slot), key)
	if !h.found {
		m.release(&ref)
		return ErrNotFound
	}

	n.setTombstoned(slot, true)
	n.setAct(n.act() - 1)
	n.setGarbage(n.garbage() + entryBytes(len(key)))
	n.setDirty(true)

	if n.act() == 0 {
		if err := m.freeBlock(&ref); err != nil {
			m.release(&ref)
			return err
		}
	}
	m.release(&ref)
	return nil
}

// FirstKey positions the cursor at the smallest live leaf slot >= the
// prefix and returns its slot, or 0 when the tree holds nothing at or
// after the prefix.
func (h *Handle) FirstKey(prefix []byte) (uint32, error) {
	if len(prefix) > MaxKeyLen {
		return 0, ErrKeyTooLong
	}
	if prefix == nil {
		prefix = []byte{}
	}
	var ref nodeRef
	slot, err := h.mgr.loadNode(&ref, prefix, 0, lockRead)
	if err != nil {
		return 0, err
	}
	copy(h.cursor, ref.n)
	h.cursorNo = ref.no
	h.mgr.release(&ref)
	return h.advance(slot)
}

// NextKey advances the cursor past the given slot, following the right
// sibling chain on slot exhaustion. Returns 0 at the end of the tree.
func (h *Handle) NextKey(slot uint32) (uint32, error) {
	return h.advance(slot + 1)
}

func (h *Handle) advance(slot uint32) (uint32, error) {
	m := h.mgr
	for {
		c := node(h.cursor)
		for ; slot <= c.cnt(); slot++ {
			if c.tombstoned(slot) || c.sentinel(slot) {
				continue
			}
			return slot, nil
		}

		right := c.right()
		for {
			if right == 0 {
				return 0, nil
			}
			var ref nodeRef
			if err := m.pinNode(&ref, right, lockRead); err != nil {
				return 0, err
			}
			if ref.n.free() {
				right = ref.n.right()
				m.release(&ref)
				continue
			}
			copy(h.cursor, ref.n)
			h.cursorNo = right
			m.release(&ref)
			break
		}
		slot = 1
	}
}

// CursorKey returns a copy of the key at a cursor slot returned by
// FirstKey or NextKey.
func (h *Handle) CursorKey(slot uint32) []byte {
	c := node(h.cursor)
	return append([]byte(nil), c.key(slot)...)
}

// CursorValue returns the value at a cursor slot.
func (h *Handle) CursorValue(slot uint32) uint64 {
	return uint64(node(h.cursor).value(slot))
}
