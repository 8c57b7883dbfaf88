package bptdb

import (
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// pool translates block numbers into stable addresses for the duration
// of a pin. Each mapped window covers one segment, a power-of-two run
// of contiguous blocks, so block_no >> segBits yields the segment key.
// Mappings are process-local; the file contents they expose are shared.
type pool struct {
	mu       sync.Mutex
	f        *os.File
	nodeBits uint8
	segBits  uint8
	capacity int

	segs   map[uid]*segment
	frames []*segment // clock order
	hand   int

	io  *iostat
	log *zap.Logger
}

type segment struct {
	key   uid // first block >> segBits
	m     mmap.MMap
	frame int
	pin   int
	ref   bool // clock reference bit
}

func newPool(f *os.File, nodeBits, segBits uint8, capacity int, io *iostat, log *zap.Logger) *pool {
	return &pool{
		f:        f,
		nodeBits: nodeBits,
		segBits:  segBits,
		capacity: capacity,
		segs:     make(map[uid]*segment, capacity),
		frames:   make([]*segment, capacity),
		io:       io,
		log:      log,
	}
}

func (p *pool) segBytes() int64 {
	return int64(1) << (uint(p.segBits) + uint(p.nodeBits))
}

func (p *pool) block(s *segment, no uid) []byte {
	bs := uint32(1) << p.nodeBits
	off := (uint32(no) & (uint32(1)<<p.segBits - 1)) * bs
	return s.m[off : off+bs]
}

// pin maps the segment containing the block if absent, possibly
// evicting an unpinned segment by a clock sweep, and returns the
// block's bytes. Fails with ErrPoolExhausted when every segment is
// pinned.
func (p *pool) pin(no uid) ([]byte, error) {
	key := no >> p.segBits

	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.segs[key]; s != nil {
		s.pin++
		s.ref = true
		return p.block(s, no), nil
	}

	frame := -1
	if len(p.segs) < p.capacity {
		for i, f := range p.frames {
			if f == nil {
				frame = i
				break
			}
		}
	} else {
		// clock sweep: first pass clears reference bits, second pass
		// takes the first unpinned segment
		for tries := 0; tries < 2*p.capacity; tries++ {
			s := p.frames[p.hand]
			p.hand = (p.hand + 1) % p.capacity
			if s == nil || s.pin > 0 {
				continue
			}
			if s.ref {
				s.ref = false
				continue
			}
			if err := p.evict(s); err != nil {
				return nil, err
			}
			frame = s.frame
			break
		}
		if frame < 0 {
			return nil, ErrPoolExhausted
		}
	}

	m, err := mmap.MapRegion(p.f, int(p.segBytes()), mmap.RDWR, 0, int64(key)*p.segBytes())
	if err != nil {
		return nil, err
	}
	p.io.poolMaps.Add(1)

	s := &segment{key: key, m: m, frame: frame, pin: 1, ref: true}
	p.segs[key] = s
	p.frames[frame] = s
	return p.block(s, no), nil
}

func (p *pool) unpin(no uid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.segs[no>>p.segBits]; s != nil {
		s.pin--
	}
}

func (p *pool) evict(s *segment) error {
	if err := s.m.Flush(); err != nil {
		p.log.Error("pool segment flush failed", zap.Uint64("segment", uint64(s.key)), zap.Error(err))
		return err
	}
	if err := s.m.Unmap(); err != nil {
		return err
	}
	p.io.poolUnmaps.Add(1)
	delete(p.segs, s.key)
	p.frames[s.frame] = nil
	return nil
}

// pinned counts segments with outstanding pins. Used by audits.
func (p *pool) pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.segs {
		if s.pin > 0 {
			n++
		}
	}
	return n
}

// close flushes and unmaps every segment.
func (p *pool) close() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.segs {
		if err := s.m.Flush(); err != nil {
			p.log.Error("pool segment flush failed", zap.Uint64("segment", uint64(s.key)), zap.Error(err))
		}
		_ = s.m.Unmap()
		p.io.poolUnmaps.Add(1)
		n++
	}
	p.segs = make(map[uid]*segment)
	p.frames = make([]*segment, p.capacity)
	return n
}
