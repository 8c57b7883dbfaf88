package bptdb

import "sync/atomic"

// IOStat is a snapshot of the manager's monotonic I/O counters.
type IOStat struct {
	PoolMaps    uint64 // pool segments mapped
	PoolUnmaps  uint64 // pool segments unmapped on eviction or close
	LatchHits   uint64 // latch pins that found a resident entry
	LatchEvicts uint64 // idle latch entries reclaimed for another block
}

// iostat is the live counter set. Counters only ever grow for the
// lifetime of one manager.
type iostat struct {
	poolMaps    atomic.Uint64
	poolUnmaps  atomic.Uint64
	latchHits   atomic.Uint64
	latchEvicts atomic.Uint64
}

func (s *iostat) snapshot() IOStat {
	return IOStat{
		PoolMaps:    s.poolMaps.Load(),
		PoolUnmaps:  s.poolUnmaps.Load(),
		LatchHits:   s.latchHits.Load(),
		LatchEvicts: s.latchEvicts.Load(),
	}
}
