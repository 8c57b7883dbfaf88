package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bptdb/bench"
)

var opts struct {
	pageBits  int
	rounds    int
	op        string
	random    bool
	cache     int
	threads   int
	procs     int
	noCleanup bool
	db        string
	worker    bool
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bptbench",
		Short:         "benchmark the bptdb storage engine across processes and threads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := bench.ParseOp(opts.op)
			if err != nil {
				return err
			}
			cfg := bench.Config{
				Path:      opts.db,
				PageBits:  uint8(opts.pageBits),
				Rounds:    opts.rounds,
				Op:        op,
				Random:    opts.random,
				CacheSegs: opts.cache,
				Threads:   opts.threads,
				Procs:     opts.procs,
				NoCleanup: opts.noCleanup,
			}

			logCfg := zap.NewDevelopmentConfig()
			logCfg.OutputPaths = []string{"stderr"}
			log, err := logCfg.Build()
			if err != nil {
				return err
			}
			defer log.Sync()

			if opts.worker {
				return bench.RunWorker(cfg, log)
			}
			sum, err := bench.Run(cfg, log)
			if sum != nil {
				sum.Print()
			}
			return err
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.pageBits, "page-bits", "p", 12, "page size in bits")
	f.IntVarP(&opts.rounds, "rounds", "n", 50000, "number of keys")
	f.StringVarP(&opts.op, "op", "o", "read", "operation: read, write or rw")
	f.BoolVarP(&opts.random, "random", "r", false, "randomize the key order")
	f.IntVarP(&opts.cache, "cache", "c", 64, "buffer pool capacity in segments")
	f.IntVarP(&opts.threads, "threads", "t", 1, "workers per process")
	f.IntVarP(&opts.procs, "procs", "P", 1, "number of processes")
	f.BoolVarP(&opts.noCleanup, "no-cleanup", "C", false, "keep shared memory and semaphore objects")
	f.StringVar(&opts.db, "db", "bpt.dat", "database file")
	f.BoolVar(&opts.worker, "worker", false, "")
	_ = f.MarkHidden("worker")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
