// Package bench drives the storage engine under configurable
// multi-process, multi-thread workloads. All participants coordinate
// through one shared-memory object holding the key/value table, a
// process-shared mutex and condition, and an atomic dispatch index,
// plus a named counting semaphore signalled on worker exit.
package bench

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// Object names are fixed constants and must be unique on the host for
// concurrent benchmark runs.
const (
	ShmName = "bptbench_shm"
	SemName = "bptbench_sem"

	shmDir = "/dev/shm/"
)

// Region header layout. The key/value table follows at hdrSize.
//
//	0  mutex word       (futex: 0 free, 1 locked, 2 contended)
//	4  condition seq    (eventcount)
//	8  ready_threads
//	12 start flag
//	16 dispatch index   (uint64)
//	24 total entries    (uint64)
const (
	hdrSize = 64

	entryKeyCap = 64
	entrySize   = 80 // key[64], len, pad, value uint64 at offset 72
)

// Region is the mapped shared-memory table.
type Region struct {
	m mmap.MMap
	n int
}

func regionSize(n int) int {
	return hdrSize + n*entrySize
}

func createObject(name string, size int) (mmap.MMap, error) {
	f, err := os.OpenFile(shmDir+name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, err
	}
	return mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
}

func openObject(name string, size int) (mmap.MMap, error) {
	f, err := os.OpenFile(shmDir+name, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
}

// CreateRegion creates the shared table for n entries, zeroed.
func CreateRegion(n int) (*Region, error) {
	m, err := createObject(ShmName, regionSize(n))
	if err != nil {
		return nil, fmt.Errorf("create shared memory: %w", err)
	}
	r := &Region{m: m, n: n}
	atomic.StoreUint64(r.word64(24), uint64(n))
	return r, nil
}

// OpenRegion attaches to an existing shared table of n entries.
func OpenRegion(n int) (*Region, error) {
	m, err := openObject(ShmName, regionSize(n))
	if err != nil {
		return nil, fmt.Errorf("open shared memory: %w", err)
	}
	return &Region{m: m, n: n}, nil
}

func (r *Region) Close() {
	_ = r.m.Unmap()
}

// Unlink removes the shared object names from the host.
func Unlink() {
	_ = os.Remove(shmDir + ShmName)
	_ = os.Remove(shmDir + SemName)
}

func (r *Region) word32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.m[off]))
}

func (r *Region) word64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.m[off]))
}

// Mutex returns the process-shared mutex embedded in the region.
func (r *Region) Mutex() *Mutex { return &Mutex{w: r.word32(0)} }

// Cond returns the process-shared condition embedded in the region.
func (r *Region) Cond() *Cond { return &Cond{seq: r.word32(4)} }

// Ready is the shared ready_threads counter.
func (r *Region) Ready() *uint32 { return r.word32(8) }

// Start is the shared go flag set by the parent's broadcast.
func (r *Region) Start() *uint32 { return r.word32(12) }

// Index is the shared dispatch index.
func (r *Region) Index() *uint64 { return r.word64(16) }

// Len returns the number of table entries.
func (r *Region) Len() int { return r.n }

// Entry returns the key and value at index i.
func (r *Region) Entry(i int) ([]byte, uint64) {
	off := hdrSize + i*entrySize
	klen := int(r.m[off+entryKeyCap])
	key := r.m[off : off+klen]
	val := *(*uint64)(unsafe.Pointer(&r.m[off+72]))
	return key, val
}

// SetEntry fills the entry at index i.
func (r *Region) SetEntry(i int, key []byte, value uint64) {
	off := hdrSize + i*entrySize
	copy(r.m[off:off+entryKeyCap], key)
	r.m[off+entryKeyCap] = byte(len(key))
	*(*uint64)(unsafe.Pointer(&r.m[off+72])) = value
}

// Swap exchanges two entries, for random permutation of the key order.
func (r *Region) Swap(i, j int) {
	var tmp [entrySize]byte
	a := r.m[hdrSize+i*entrySize:]
	b := r.m[hdrSize+j*entrySize:]
	copy(tmp[:], a[:entrySize])
	copy(a[:entrySize], b[:entrySize])
	copy(b[:entrySize], tmp[:])
}

// FUTEX_WAIT and FUTEX_WAKE are the standard Linux futex(2) operation
// codes; golang.org/x/sys/unix does not export them.
const (
	futexOpWait = 0
	futexOpWake = 1
)

func futexWait(addr *uint32, val uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait), uintptr(val), 0, 0, 0)
}

func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake), uintptr(n), 0, 0, 0)
}

// Mutex is a futex-backed mutex on a shared word, usable across
// processes. The word protocol follows the runtime's futex lock:
// 0 unlocked, 1 locked, 2 locked with waiters.
type Mutex struct {
	w *uint32
}

func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.w, 0, 1) {
		return
	}
	for atomic.SwapUint32(m.w, 2) != 0 {
		futexWait(m.w, 2)
	}
}

func (m *Mutex) Unlock() {
	if atomic.SwapUint32(m.w, 0) == 2 {
		futexWake(m.w, 1)
	}
}

// Cond is an eventcount condition over a shared sequence word. Waiters
// may wake spuriously; callers loop on their predicate as with any
// condition variable.
type Cond struct {
	seq *uint32
}

func (c *Cond) Wait(m *Mutex) {
	s := atomic.LoadUint32(c.seq)
	m.Unlock()
	futexWait(c.seq, s)
	m.Lock()
}

func (c *Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1<<30)
}

// Semaphore is a named futex-backed counting semaphore living in its
// own shared object.
type Semaphore struct {
	m mmap.MMap
	v *uint32
}

func CreateSemaphore() (*Semaphore, error) {
	m, err := createObject(SemName, hdrSize)
	if err != nil {
		return nil, fmt.Errorf("create semaphore: %w", err)
	}
	return &Semaphore{m: m, v: (*uint32)(unsafe.Pointer(&m[0]))}, nil
}

func OpenSemaphore() (*Semaphore, error) {
	m, err := openObject(SemName, hdrSize)
	if err != nil {
		return nil, fmt.Errorf("open semaphore: %w", err)
	}
	return &Semaphore{m: m, v: (*uint32)(unsafe.Pointer(&m[0]))}, nil
}

func (s *Semaphore) Close() {
	_ = s.m.Unmap()
}

func (s *Semaphore) Post() {
	atomic.AddUint32(s.v, 1)
	futexWake(s.v, 1)
}

func (s *Semaphore) Wait() {
	for {
		v := atomic.LoadUint32(s.v)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.v, v, v-1) {
				return
			}
			continue
		}
		futexWait(s.v, 0)
	}
}
