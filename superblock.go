package bptdb

import (
	"encoding/binary"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

// Superblock layout, little-endian at fixed offsets. The latch table
// array follows the header and must fit inside block 0; the block is
// always mapped and never evicted.
const (
	sbMagic   = 0x42505434 // "4TPB" on disk
	sbVersion = 1

	offMagic     = 0  // uint32
	offVersion   = 4  // uint16
	offNodeBits  = 6  // uint8
	offSegBits   = 7  // uint8
	offLatchCap  = 8  // uint32
	offNextFree  = 12 // 48-bit block number
	offFreeHead  = 18 // 48-bit block number
	offRoot      = 24 // 48-bit block number
	offTableLock = 32 // uint32 spin word guarding table bookkeeping
	offLRUClock  = 36 // uint32 stamp source for latch eviction
	offDeployed  = 40 // uint32 latch entries in use
	offHash      = 64 // hash buckets, latchCap words
)

type superblock struct {
	m          mmap.MMap
	latchCap   uint32
	entriesOff uint32
}

// latchLayout clamps a requested latch capacity so the hash buckets and
// the 64-byte-aligned entry array fit inside one block.
func latchLayout(blockSize uint32, requested int) (cap, entriesOff uint32) {
	cap = uint32(requested)
	if cap < 1 {
		cap = 1
	}
	for cap > 1 {
		entriesOff = (offHash + 4*cap + latchEntrySize - 1) &^ (latchEntrySize - 1)
		if entriesOff+cap*latchEntrySize <= blockSize {
			break
		}
		cap--
	}
	entriesOff = (offHash + 4*cap + latchEntrySize - 1) &^ (latchEntrySize - 1)
	return cap, entriesOff
}

// initSuperblock writes a fresh superblock image into buf.
func initSuperblock(buf []byte, nodeBits, segBits uint8, latchCap uint32) {
	binary.LittleEndian.PutUint32(buf[offMagic:], sbMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:], sbVersion)
	buf[offNodeBits] = nodeBits
	buf[offSegBits] = segBits
	binary.LittleEndian.PutUint32(buf[offLatchCap:], latchCap)
	putBlockNo(buf[offNextFree:], RootStart+1)
	putBlockNo(buf[offFreeHead:], 0)
	putBlockNo(buf[offRoot:], RootStart)
}

// attachSuperblock validates a mapped block 0 and computes the embedded
// table geometry.
func attachSuperblock(m mmap.MMap) (*superblock, error) {
	if binary.LittleEndian.Uint32(m[offMagic:]) != sbMagic ||
		binary.LittleEndian.Uint16(m[offVersion:]) != sbVersion {
		return nil, ErrBadMagic
	}
	sb := &superblock{m: m}
	sb.latchCap = binary.LittleEndian.Uint32(m[offLatchCap:])
	sb.latchCap, sb.entriesOff = latchLayout(uint32(len(m)), int(sb.latchCap))
	return sb, nil
}

func (sb *superblock) word32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&sb.m[off]))
}

func (sb *superblock) nodeBits() uint8 { return sb.m[offNodeBits] }
func (sb *superblock) segBits() uint8  { return sb.m[offSegBits] }

// The allocator fields below are guarded by the write latch on block 0;
// the root pointer is read under at least a read latch on block 0.

func (sb *superblock) nextFree() uid      { return getBlockNo(sb.m[offNextFree:]) }
func (sb *superblock) setNextFree(no uid) { putBlockNo(sb.m[offNextFree:], no) }
func (sb *superblock) freeHead() uid      { return getBlockNo(sb.m[offFreeHead:]) }
func (sb *superblock) setFreeHead(no uid) { putBlockNo(sb.m[offFreeHead:], no) }
func (sb *superblock) root() uid          { return getBlockNo(sb.m[offRoot:]) }
func (sb *superblock) setRoot(no uid)     { putBlockNo(sb.m[offRoot:], no) }
