package bench

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"bptdb"
)

// Op selects the benchmark operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpRW
)

func ParseOp(s string) (Op, error) {
	switch s {
	case "read":
		return OpRead, nil
	case "write":
		return OpWrite, nil
	case "rw":
		return OpRW, nil
	}
	return 0, fmt.Errorf("illegal operation: %s", s)
}

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRW:
		return "rw"
	}
	return "unknown"
}

// Config is the benchmark setup shared by the parent and the worker
// processes it re-executes.
type Config struct {
	Path      string
	PageBits  uint8
	Rounds    int
	Op        Op
	Random    bool
	CacheSegs int // buffer pool capacity in segments
	Threads   int // workers per process
	Procs     int // processes
	NoCleanup bool
}

// Summary is what the parent reports after the run.
type Summary struct {
	Config   Config
	Elapsed  time.Duration
	Ops      uint64
	Failures uint64
	Stat     bptdb.IOStat
}

func (s *Summary) Print() {
	fmt.Printf("Bench summary:\n")
	fmt.Printf("Page bits: %d\n", s.Config.PageBits)
	fmt.Printf("Number of keys: %d\n", s.Config.Rounds)
	fmt.Printf("Operation: %s\n", s.Config.Op)
	pattern := "sequential"
	if s.Config.Random {
		pattern = "random"
	}
	fmt.Printf("IO pattern: %s\n", pattern)
	fmt.Printf("Processes: %d, threads per process: %d\n", s.Config.Procs, s.Config.Threads)
	fmt.Printf("Elapsed time: %f seconds\n", s.Elapsed.Seconds())
	if s.Elapsed > 0 {
		fmt.Printf("Throughput: %.0f ops/sec\n", float64(s.Ops)/s.Elapsed.Seconds())
	}
	fmt.Printf("Failures: %d\n", s.Failures)
	fmt.Printf("iostat: pool_maps=%d pool_unmaps=%d latch_hits=%d latch_evicts=%d\n",
		s.Stat.PoolMaps, s.Stat.PoolUnmaps, s.Stat.LatchHits, s.Stat.LatchEvicts)
}

// fill generates the key/value table the way the original tool does:
// keys benchmark_%08d with value index+2.
func fill(r *Region, random bool) {
	for i := 0; i < r.Len(); i++ {
		r.SetEntry(i, []byte(fmt.Sprintf("benchmark_%08d", i)), uint64(i+2))
	}
	if random {
		rand.Shuffle(r.Len(), r.Swap)
	}
}

// worker runs one participant's share of the dispatch loop. It
// increments ready_threads, waits for the parent's broadcast, then
// claims indexes until the table is exhausted or an operation fails.
func worker(ctx context.Context, cfg Config, r *Region, h *bptdb.Handle, failures *atomic.Uint64, log *zap.Logger) {
	mu := r.Mutex()
	cond := r.Cond()

	mu.Lock()
	atomic.AddUint32(r.Ready(), 1)
	cond.Broadcast()
	for atomic.LoadUint32(r.Start()) == 0 {
		cond.Wait(mu)
	}
	mu.Unlock()

	runLoop(ctx, cfg, r, h, failures, log)
}

// runLoop is the dispatch loop proper; the parent calls it directly
// after broadcasting.
func runLoop(ctx context.Context, cfg Config, r *Region, h *bptdb.Handle, failures *atomic.Uint64, log *zap.Logger) {
	n := uint64(r.Len())
	for ctx.Err() == nil {
		idx := atomic.AddUint64(r.Index(), 1) - 1
		if idx >= n {
			return
		}
		key, val := r.Entry(int(idx))
		var err error
		switch cfg.Op {
		case OpWrite:
			err = h.InsertKey(key, 0, val)
		case OpRead:
			_, err = h.FindKey(key)
		case OpRW:
			// deterministic interleaving: even indexes insert, odd look up
			if idx%2 == 0 {
				err = h.InsertKey(key, 0, val)
			} else {
				_, err = h.FindKey(key)
			}
		}
		if err != nil {
			failures.Add(1)
			log.Error("operation failed, worker stopping",
				zap.ByteString("key", key), zap.Error(err))
			return
		}
	}
}

func (cfg Config) openMgr(log *zap.Logger) (*bptdb.Mgr, error) {
	return bptdb.Open(cfg.Path, bptdb.Options{
		NodeBits:     cfg.PageBits,
		PoolSegments: cfg.CacheSegs,
		Logger:       log,
	})
}

// Run orchestrates the whole benchmark from the parent process.
func Run(cfg Config, log *zap.Logger) (*Summary, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	region, err := CreateRegion(cfg.Rounds)
	if err != nil {
		return nil, err
	}
	defer region.Close()
	sem, err := CreateSemaphore()
	if err != nil {
		Unlink()
		return nil, err
	}
	defer sem.Close()
	if !cfg.NoCleanup {
		defer Unlink()
	}

	fill(region, cfg.Random)

	mgr, err := cfg.openMgr(log)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	// re-execute ourselves for the other processes; each opens its own
	// manager on the same file
	children, err := spawnChildren(cfg, log)
	if err != nil {
		return nil, err
	}

	var failures atomic.Uint64
	var g errgroup.Group
	for i := 0; i < cfg.Threads-1; i++ {
		g.Go(func() error {
			h := mgr.NewHandle()
			defer h.Close()
			worker(ctx, cfg, region, h, &failures, log)
			sem.Post()
			return nil
		})
	}

	// wait for every other participant to reach the rendezvous
	waitFor := uint32(cfg.Procs*cfg.Threads - 1)
	mu := region.Mutex()
	cond := region.Cond()
	mu.Lock()
	for atomic.LoadUint32(region.Ready()) < waitFor {
		cond.Wait(mu)
	}
	atomic.StoreUint32(region.Start(), 1)
	cond.Broadcast()
	mu.Unlock()

	start := time.Now()
	h := mgr.NewHandle()
	runLoop(ctx, cfg, region, h, &failures, log)

	for i := uint32(0); i < waitFor; i++ {
		sem.Wait()
	}
	elapsed := time.Since(start)

	_ = g.Wait()
	for _, c := range children {
		if err := c.Wait(); err != nil {
			log.Error("worker process failed", zap.Error(err))
			failures.Add(1)
		}
	}

	sum := &Summary{
		Config:   cfg,
		Elapsed:  elapsed,
		Ops:      uint64(cfg.Rounds),
		Failures: failures.Load(),
		Stat:     h.IOStat(),
	}
	h.Close()
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func spawnChildren(cfg Config, log *zap.Logger) ([]*exec.Cmd, error) {
	if cfg.Procs <= 1 {
		return nil, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{
		"--worker",
		"--db", cfg.Path,
		"-p", strconv.Itoa(int(cfg.PageBits)),
		"-n", strconv.Itoa(cfg.Rounds),
		"-o", cfg.Op.String(),
		"-c", strconv.Itoa(cfg.CacheSegs),
		"-t", strconv.Itoa(cfg.Threads),
	}
	var children []*exec.Cmd
	for i := 1; i < cfg.Procs; i++ {
		c := exec.Command(exe, args...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			for _, started := range children {
				_ = started.Process.Kill()
			}
			return nil, fmt.Errorf("spawn worker process: %w", err)
		}
		log.Info("worker process started", zap.Int("pid", c.Process.Pid))
		children = append(children, c)
	}
	return children, nil
}

// RunWorker is the entry point of a re-executed worker process. It
// attaches to the shared objects by name and contributes Threads
// worker goroutines; the process main only waits for them.
func RunWorker(cfg Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	region, err := OpenRegion(cfg.Rounds)
	if err != nil {
		return err
	}
	defer region.Close()
	sem, err := OpenSemaphore()
	if err != nil {
		return err
	}
	defer sem.Close()

	mgr, err := cfg.openMgr(log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var failures atomic.Uint64
	var g errgroup.Group
	for i := 0; i < cfg.Threads; i++ {
		g.Go(func() error {
			h := mgr.NewHandle()
			defer h.Close()
			worker(ctx, cfg, region, h, &failures, log)
			sem.Post()
			return nil
		})
	}
	return g.Wait()
}
