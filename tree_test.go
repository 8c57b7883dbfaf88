package bptdb

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// auditLevel walks the sibling chain from the given node, skipping
// freed blocks, and returns the node numbers on that level.
func auditLevel(t *testing.T, m *Mgr, start uid) []uid {
	t.Helper()
	var nodes []uid
	no := start
	for no != 0 {
		var ref nodeRef
		require.NoError(t, m.pinNode(&ref, no, lockRead))
		next := ref.n.right()
		if !ref.n.free() {
			nodes = append(nodes, no)
		}
		m.release(&ref)
		no = next
	}
	return nodes
}

// auditTree checks P1 (slot ordering), P2 (fence correctness) and P3
// (sibling chain) and returns every live leaf key in chain order.
func auditTree(t *testing.T, m *Mgr) [][]byte {
	t.Helper()
	root, err := m.readRoot()
	require.NoError(t, err)

	// descend the left edge to find the head of each level's chain
	heads := []uid{root}
	for {
		var ref nodeRef
		require.NoError(t, m.pinNode(&ref, heads[len(heads)-1], lockRead))
		lvl := ref.n.lvl()
		var child uid
		if lvl > 0 {
			child = ref.n.value(1)
		}
		m.release(&ref)
		if lvl == 0 {
			break
		}
		heads = append(heads, child)
	}

	var leafKeys [][]byte
	for depth, head := range heads {
		var prev []byte
		first := true
		for _, no := range auditLevel(t, m, head) {
			var ref nodeRef
			require.NoError(t, m.pinNode(&ref, no, lockRead))
			n := ref.n
			require.Equal(t, len(heads)-1-depth, int(n.lvl()), "level mismatch in chain")

			for slot := uint32(1); slot <= n.cnt(); slot++ {
				if n.sentinel(slot) {
					require.Equal(t, n.cnt(), slot, "sentinel not last")
					require.Zero(t, n.right(), "sentinel on a node with a right sibling")
					continue
				}
				key := n.key(slot)
				// P1: strictly ascending within the node and, via prev,
				// across the chain (P3)
				if !first {
					require.Negative(t, bytes.Compare(prev, key),
						"keys out of order: %q !< %q", prev, key)
				}
				prev = append(prev[:0], key...)
				first = false

				if n.lvl() > 0 && !n.tombstoned(slot) {
					// P2: the child's largest key must not exceed the fence
					childMax := maxLiveKey(t, m, n.value(slot))
					if childMax != nil {
						require.LessOrEqual(t, bytes.Compare(childMax, key), 0,
							"fence %q below child max %q", key, childMax)
					}
				}
				if n.lvl() == 0 && !n.tombstoned(slot) {
					leafKeys = append(leafKeys, append([]byte(nil), key...))
				}
			}
			m.release(&ref)
		}
	}
	return leafKeys
}

func maxLiveKey(t *testing.T, m *Mgr, no uid) []byte {
	t.Helper()
	var ref nodeRef
	require.NoError(t, m.pinNode(&ref, no, lockRead))
	defer m.release(&ref)
	if ref.n.free() {
		return nil
	}
	for slot := ref.n.cnt(); slot >= 1; slot-- {
		if ref.n.sentinel(slot) {
			continue
		}
		return append([]byte(nil), ref.n.key(slot)...)
	}
	return nil
}

// auditBlocks checks P4: reachable tree blocks plus free-list blocks
// plus the three reserved blocks account for every allocated block.
func auditBlocks(t *testing.T, m *Mgr) {
	t.Helper()
	root, err := m.readRoot()
	require.NoError(t, err)

	reachable := make(map[uid]bool)
	visited := make(map[uid]bool)
	var walk func(no uid)
	walk = func(no uid) {
		if visited[no] {
			return
		}
		visited[no] = true
		var ref nodeRef
		require.NoError(t, m.pinNode(&ref, no, lockRead))
		var next []uid
		if !ref.n.free() {
			if no >= RootStart+1 {
				reachable[no] = true
			}
			if ref.n.lvl() > 0 {
				for slot := uint32(1); slot <= ref.n.cnt(); slot++ {
					if c := ref.n.value(slot); c != 0 {
						next = append(next, c)
					}
				}
			}
			if r := ref.n.right(); r != 0 {
				next = append(next, r)
			}
		}
		// release before descending so the walk holds one latch at a time
		m.release(&ref)
		for _, c := range next {
			walk(c)
		}
	}
	walk(root)

	// blocks 0..2 are covered by the reserved count even when the
	// initial root has since been freed
	freed := 0
	for no := m.sb.freeHead(); no != 0; {
		var ref nodeRef
		require.NoError(t, m.pinNode(&ref, no, lockRead))
		require.True(t, ref.n.free())
		next := ref.n.freeNext()
		m.release(&ref)
		if no >= RootStart+1 {
			freed++
		}
		no = next
	}

	require.Equal(t, int(m.sb.nextFree()), len(reachable)+freed+3,
		"blocks leaked: %d reachable, %d free", len(reachable), freed)
}

// auditRest checks P5: no latch held and no segment pinned between
// operations.
func auditRest(t *testing.T, m *Mgr) {
	t.Helper()
	require.Empty(t, m.latches.audit(), "latches held at rest")
	require.Zero(t, m.pool.pinned(), "pool segments pinned at rest")
}

func TestHandle_basicInsertAndFind(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	for _, kv := range []struct {
		key   string
		value uint64
	}{
		{"a", 1}, {"b", 2}, {"c", 3},
	} {
		require.NoError(t, h.InsertKey([]byte(kv.key), 0, kv.value))
	}

	v, err := h.FindKey([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	v, err = h.FindKey([]byte("missing"))
	require.NoError(t, err)
	require.Zero(t, v)

	auditRest(t, m)
}

func TestHandle_emptyTree(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	v, err := h.FindKey([]byte("anything"))
	require.NoError(t, err)
	require.Zero(t, v)

	require.ErrorIs(t, h.DeleteKey([]byte("anything"), 0), ErrNotFound)
	require.False(t, h.Found())

	slot, err := h.FirstKey(nil)
	require.NoError(t, err)
	require.Zero(t, slot)
	auditRest(t, m)
}

func TestHandle_singleKey(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	require.NoError(t, h.InsertKey([]byte("only"), 0, 9))
	v, err := h.FindKey([]byte("only"))
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)

	require.NoError(t, h.DeleteKey([]byte("only"), 0))
	require.True(t, h.Found())
	v, err = h.FindKey([]byte("only"))
	require.NoError(t, err)
	require.Zero(t, v)

	// delete idempotence: the second delete is a soft failure
	require.ErrorIs(t, h.DeleteKey([]byte("only"), 0), ErrNotFound)
	auditRest(t, m)
}

func TestHandle_overwriteAndResurrect(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	require.NoError(t, h.InsertKey([]byte("k"), 0, 1))
	require.NoError(t, h.InsertKey([]byte("k"), 0, 2))
	v, _ := h.FindKey([]byte("k"))
	require.Equal(t, uint64(2), v)

	require.NoError(t, h.DeleteKey([]byte("k"), 0))
	require.NoError(t, h.InsertKey([]byte("k"), 0, 3))
	v, _ = h.FindKey([]byte("k"))
	require.Equal(t, uint64(3), v)
	auditRest(t, m)
}

func TestHandle_boundaryKeyLengths(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	empty := []byte{}
	one := []byte{0x41}
	long := bytes.Repeat([]byte{0x7a}, MaxKeyLen)
	tooLong := bytes.Repeat([]byte{0x7a}, MaxKeyLen+1)

	require.NoError(t, h.InsertKey(empty, 0, 100))
	require.NoError(t, h.InsertKey(one, 0, 101))
	require.NoError(t, h.InsertKey(long, 0, 102))
	require.ErrorIs(t, h.InsertKey(tooLong, 0, 103), ErrKeyTooLong)

	for i, key := range [][]byte{empty, one, long} {
		v, err := h.FindKey(key)
		require.NoError(t, err)
		require.Equal(t, uint64(100+i), v)
	}
	auditRest(t, m)
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("benchmark_%08d", i))
}

func TestHandle_manyKeysWithSplits(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12, PoolSegments: 16})
	h := m.NewHandle()
	defer h.Close()

	const num = 10000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i)))
	}

	v, err := h.FindKey(benchKey(5000))
	require.NoError(t, err)
	require.Equal(t, uint64(5000), v)

	for i := 0; i < num; i++ {
		v, err := h.FindKey(benchKey(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), v, "key %d", i)
	}

	// split preservation: the chain holds exactly the inserted keys
	keys := auditTree(t, m)
	require.Len(t, keys, num)
	for i, key := range keys {
		require.Equal(t, benchKey(i), key)
	}
	auditBlocks(t, m)
	auditRest(t, m)
}

func TestHandle_deleteEvenKeys(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12, PoolSegments: 16})
	h := m.NewHandle()
	defer h.Close()

	const num = 10000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i)))
	}
	for i := 0; i < num; i += 2 {
		require.NoError(t, h.DeleteKey(benchKey(i), 0))
	}

	v, err := h.FindKey(benchKey(5000))
	require.NoError(t, err)
	require.Zero(t, v)

	v, err = h.FindKey(benchKey(4999))
	require.NoError(t, err)
	require.Equal(t, uint64(4999), v)

	keys := auditTree(t, m)
	require.Len(t, keys, num/2)
	auditBlocks(t, m)
	auditRest(t, m)
}

func TestHandle_reclaimsEmptiedBlocks(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	const num = 2000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i)))
	}
	for i := 0; i < num; i++ {
		require.NoError(t, h.DeleteKey(benchKey(i), 0))
	}

	require.NotZero(t, m.sb.freeHead(), "no block was reclaimed")
	for i := 0; i < num; i++ {
		v, err := h.FindKey(benchKey(i))
		require.NoError(t, err)
		require.Zero(t, v, "key %d survived delete", i)
	}
	auditBlocks(t, m)
	auditRest(t, m)
}

func TestHandle_threeLevels(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 10, PoolSegments: 16})
	h := m.NewHandle()
	defer h.Close()

	const num = 5000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i+1)))
	}

	root, err := m.readRoot()
	require.NoError(t, err)
	var ref nodeRef
	require.NoError(t, m.pinNode(&ref, root, lockRead))
	lvl := ref.n.lvl()
	m.release(&ref)
	require.GreaterOrEqual(t, lvl, uint8(2), "tree too shallow to test three levels")

	for i := 0; i < num; i++ {
		v, err := h.FindKey(benchKey(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), v)
	}
	require.Len(t, auditTree(t, m), num)
	auditBlocks(t, m)
	auditRest(t, m)
}

func TestHandle_iteration(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12})
	h := m.NewHandle()
	defer h.Close()

	for i, key := range []string{"k02", "k01", "k03"} {
		require.NoError(t, h.InsertKey([]byte(key), 0, uint64(i+1)))
	}

	slot, err := h.FirstKey([]byte("k"))
	require.NoError(t, err)
	var got []string
	for slot != 0 {
		got = append(got, string(h.CursorKey(slot)))
		slot, err = h.NextKey(slot)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"k01", "k02", "k03"}, got)

	// tombstoned keys are skipped
	require.NoError(t, h.DeleteKey([]byte("k02"), 0))
	slot, err = h.FirstKey([]byte("k"))
	require.NoError(t, err)
	got = got[:0]
	for slot != 0 {
		got = append(got, string(h.CursorKey(slot)))
		slot, err = h.NextKey(slot)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"k01", "k03"}, got)
	auditRest(t, m)
}

func TestHandle_iterationAcrossLeaves(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 10, PoolSegments: 16})
	h := m.NewHandle()
	defer h.Close()

	const num = 1000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i+1)))
	}

	slot, err := h.FirstKey([]byte("benchmark_"))
	require.NoError(t, err)
	count := 0
	for slot != 0 {
		require.Equal(t, benchKey(count), h.CursorKey(slot))
		require.Equal(t, uint64(count+1), h.CursorValue(slot))
		count++
		slot, err = h.NextKey(slot)
		require.NoError(t, err)
	}
	require.Equal(t, num, count)
	auditRest(t, m)
}

func TestHandle_concurrentDisjointInserts(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12, PoolSegments: 16})

	const perWorker = 1000
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h := m.NewHandle()
			defer h.Close()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("worker%d_%06d", w, i))
				if err := h.InsertKey(key, 0, uint64(w*perWorker+i+1)); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	h := m.NewHandle()
	defer h.Close()
	for w := 0; w < 2; w++ {
		for i := 0; i < perWorker; i++ {
			key := []byte(fmt.Sprintf("worker%d_%06d", w, i))
			v, err := h.FindKey(key)
			require.NoError(t, err)
			require.Equal(t, uint64(w*perWorker+i+1), v)
		}
	}
	require.Len(t, auditTree(t, m), 2*perWorker)
	auditRest(t, m)
}

func TestHandle_concurrentInsertAndFind(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12, PoolSegments: 16})

	const num = 3000
	var wg sync.WaitGroup
	wg.Add(2)
	var insertErr error
	go func() {
		defer wg.Done()
		h := m.NewHandle()
		defer h.Close()
		for i := 0; i < num; i++ {
			if err := h.InsertKey(benchKey(i), 0, uint64(i+1)); err != nil {
				insertErr = err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		h := m.NewHandle()
		defer h.Close()
		// lookups race the inserts; a key may not be inserted yet, so the
		// results are not checked here, only the final state below
		for i := 0; i < num; i++ {
			v, err := h.FindKey(benchKey(i))
			if err != nil || v == 0 {
				// possibly not inserted yet; look it up once more
				v, err = h.FindKey(benchKey(i))
				_ = v
				_ = err
			}
		}
	}()
	wg.Wait()
	require.NoError(t, insertErr)

	h := m.NewHandle()
	defer h.Close()
	for i := 0; i < num; i++ {
		v, err := h.FindKey(benchKey(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), v)
	}
	auditRest(t, m)
}

func TestHandle_persistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/persist.db"

	m, err := Open(path, Options{NodeBits: 12})
	require.NoError(t, err)
	h := m.NewHandle()
	const num = 500
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i+1)))
	}
	h.Close()
	m.Close()

	m, err = Open(path, Options{})
	require.NoError(t, err)
	defer m.Close()
	h = m.NewHandle()
	defer h.Close()
	for i := 0; i < num; i++ {
		v, err := h.FindKey(benchKey(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), v)
	}
}

func TestHandle_iostatCounts(t *testing.T) {
	m := newTestMgr(t, Options{NodeBits: 12, SegmentBits: 1, PoolSegments: 4})
	h := m.NewHandle()
	defer h.Close()

	const num = 4000
	for i := 0; i < num; i++ {
		require.NoError(t, h.InsertKey(benchKey(i), 0, uint64(i+1)))
	}

	stat := h.IOStat()
	require.NotZero(t, stat.PoolMaps)
	require.NotZero(t, stat.LatchHits)
	require.GreaterOrEqual(t, stat.PoolMaps, stat.PoolUnmaps)
	auditRest(t, m)
}
