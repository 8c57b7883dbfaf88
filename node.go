package bptdb

import (
	"bytes"
	"encoding/binary"
)

/*
 *  Node blocks hold a slot directory growing up from the header and the
 *  key/value payload growing down from the end of the block. When the two
 *  regions meet the node is full and must split.
 *
 *  A slot is (key offset, key length, flag byte); slots are kept in
 *  ascending key order and use 1 based indexing. The entry at a slot's
 *  offset is the key bytes immediately followed by a 48-bit block number:
 *  the stored value on a leaf, the child pointer on an interior node. The
 *  key of an interior slot is the fence key, the largest key reachable
 *  through that child.
 *
 *  Deleted keys are marked with a tombstone bit and remain in the
 *  directory until compaction. The last slot of a node is its fence and
 *  is kept even when tombstoned. The rightmost node at each level ends
 *  with a sentinel slot that the search never byte-compares: when a node
 *  has no right sibling its final slot stands for +infinity.
 */

const (
	nodeHeaderSize = 26
	slotSize       = 6

	nodeFree  = 0x1 // block is on the free chain
	nodeDirty = 0x2 // block modified since it was mapped

	slotTomb     = 0x1 // tombstoned
	slotSentinel = 0x2 // rightmost fence, never compared
)

// node is one block, operated on in place in its mapped segment.
type node []byte

func (n node) cnt() uint32        { return binary.LittleEndian.Uint32(n[0:]) }
func (n node) setCnt(v uint32)    { binary.LittleEndian.PutUint32(n[0:], v) }
func (n node) act() uint32        { return binary.LittleEndian.Uint32(n[4:]) }
func (n node) setAct(v uint32)    { binary.LittleEndian.PutUint32(n[4:], v) }
func (n node) min() uint32        { return binary.LittleEndian.Uint32(n[8:]) }
func (n node) setMin(v uint32)    { binary.LittleEndian.PutUint32(n[8:], v) }
func (n node) garbage() uint32    { return binary.LittleEndian.Uint32(n[12:]) }
func (n node) setGarbage(v uint32) { binary.LittleEndian.PutUint32(n[12:], v) }
func (n node) lvl() uint8         { return n[16] }
func (n node) setLvl(v uint8)     { n[16] = v }

func (n node) free() bool  { return n[17]&nodeFree != 0 }
func (n node) dirty() bool { return n[17]&nodeDirty != 0 }

func (n node) setFree(b bool) {
	if b {
		n[17] |= nodeFree
	} else {
		n[17] &^= nodeFree
	}
}

func (n node) setDirty(b bool) {
	if b {
		n[17] |= nodeDirty
	} else {
		n[17] &^= nodeDirty
	}
}

func (n node) right() uid       { return getBlockNo(n[20:]) }
func (n node) setRight(no uid)  { putBlockNo(n[20:], no) }

// freeNext threads the free list through a freed block, in the bytes
// right after the header where the first slot used to be. right is left
// intact so that lagging readers can still slide off the block.
func (n node) freeNext() uid      { return getBlockNo(n[nodeHeaderSize:]) }
func (n node) setFreeNext(no uid) { putBlockNo(n[nodeHeaderSize:], no) }

func (n node) slotBytes(slot uint32) []byte {
	off := nodeHeaderSize + slotSize*(slot-1)
	return n[off : off+slotSize]
}

func (n node) keyOff(slot uint32) uint32  { return binary.LittleEndian.Uint32(n.slotBytes(slot)) }
func (n node) keyLen(slot uint32) uint32  { return uint32(n.slotBytes(slot)[4]) }
func (n node) slotFlags(slot uint32) byte { return n.slotBytes(slot)[5] }

func (n node) setSlot(slot uint32, off uint32, keyLen uint8, flags byte) {
	s := n.slotBytes(slot)
	binary.LittleEndian.PutUint32(s, off)
	s[4] = keyLen
	s[5] = flags
}

func (n node) tombstoned(slot uint32) bool { return n.slotFlags(slot)&slotTomb != 0 }
func (n node) sentinel(slot uint32) bool   { return n.slotFlags(slot)&slotSentinel != 0 }

func (n node) setTombstoned(slot uint32, b bool) {
	s := n.slotBytes(slot)
	if b {
		s[5] |= slotTomb
	} else {
		s[5] &^= slotTomb
	}
}

// key returns a view of the slot's key bytes, valid while the block
// stays mapped and unmodified.
func (n node) key(slot uint32) []byte {
	off := n.keyOff(slot)
	return n[off : off+n.keyLen(slot)]
}

func (n node) value(slot uint32) uid {
	return getBlockNo(n[n.keyOff(slot)+n.keyLen(slot):])
}

func (n node) setValue(slot uint32, v uid) {
	putBlockNo(n[n.keyOff(slot)+n.keyLen(slot):], v)
}

// initNode resets the block to an empty node at the given level.
func (n node) initNode(lvl uint8) {
	for i := range n[:nodeHeaderSize] {
		n[i] = 0
	}
	n.setMin(uint32(len(n)))
	n.setLvl(lvl)
}

// roomFor reports whether a new entry of the given key length fits
// without compaction or a split.
func (n node) roomFor(keyLen int) bool {
	dir := uint32(nodeHeaderSize) + (n.cnt()+1)*slotSize
	return n.min() >= dir+uint32(keyLen)+BlockIDSize
}

// findSlot returns the slot whose key is the smallest key >= the given
// key, or 0 when the key is greater than every slot key and the search
// must slide right. A nil key stands for +infinity.
func (n node) findSlot(key []byte) uint32 {
	lo := uint32(1)
	hi := n.cnt()
	hit := false

	// A rightmost node's last slot answers for any key without a byte
	// comparison: nothing sorts after it. With a right sibling there is
	// no such backstop, so the search runs one past the end and only
	// lands if some slot actually tests >= the key.
	if n.right() == 0 {
		hit = true
	} else {
		hi++
	}

	for lo < hi {
		mid := lo + (hi-lo)>>1
		if key == nil || bytes.Compare(n.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
			hit = true
		}
	}

	if !hit {
		return 0
	}
	return hi
}

// insertSlot installs a new entry before the given slot. The node must
// already be checked for adequate space.
func (n node) insertSlot(slot uint32, key []byte, value uid, flags byte) {
	min := n.min() - uint32(len(key)) - BlockIDSize
	copy(n[min:], key)
	putBlockNo(n[min+uint32(len(key)):], value)
	n.setMin(min)

	cnt := n.cnt()
	for i := cnt; i >= slot; i-- {
		copy(n.slotBytes(i+1), n.slotBytes(i))
	}
	n.setCnt(cnt + 1)
	n.setSlot(slot, min, uint8(len(key)), flags)
	if flags&slotTomb == 0 {
		n.setAct(n.act() + 1)
	}
	n.setDirty(true)
}

// appendSlot adds an entry after the current last slot, for building
// node images in key order.
func (n node) appendSlot(key []byte, value uid, flags byte) {
	n.insertSlot(n.cnt()+1, key, value, flags)
}

// entryBytes is the payload cost of one live entry.
func entryBytes(keyLen int) uint32 {
	return uint32(keyLen) + BlockIDSize
}

// compact rewrites the payload dropping tombstoned slots and restores
// the back-growth invariant. The last slot is kept unconditionally: it
// is the fence, or the sentinel on a rightmost node.
func (n node) compact(scratch []byte) {
	frame := node(scratch[:len(n)])
	copy(frame, n)

	cnt := frame.cnt()
	for i := nodeHeaderSize; i < len(n); i++ {
		n[i] = 0
	}
	n.setCnt(0)
	n.setAct(0)
	n.setMin(uint32(len(n)))
	n.setGarbage(0)

	for i := uint32(1); i <= cnt; i++ {
		if i < cnt && frame.tombstoned(i) {
			continue
		}
		n.appendSlot(frame.key(i), frame.value(i), frame.slotFlags(i))
	}
	n.setDirty(true)
}
