// Command orizon-aflfuzz drives an external, already-instrumented target
// binary through a coverage-guided greybox fuzzing loop, in the flag-based
// CLI style of cmd/orizon-fuzz but targeting any executable via an argv
// template rather than an in-process Go callable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orizon-lang/grayfuzz/internal/fuzzloop"
	"github.com/orizon-lang/grayfuzz/internal/fuzzsched"
)

func main() {
	var (
		target             string
		argsStr            string
		seeds              string
		output             string
		duration           time.Duration
		timeout            time.Duration
		memLimit           int
		bitmapSize         int
		maxSeedSize        int
		havocIterations    int
		seedSortStrategy   string
		maxSeeds           int
		maxSeedsMemory     int64
		stderrMaxLen       int
		crashInfoMaxLen    int
		useSandbox         bool
		checkpointPath     string
		resumeFrom         string
		logInterval        time.Duration
		checkpointInterval time.Duration
		splicePeriod       int
		randSeed           uint64
	)

	flag.StringVar(&target, "target", "", "path to the instrumented target binary")
	flag.StringVar(&argsStr, "args", "", "space-separated argv template for the target; include @@ for file-mode input")
	flag.StringVar(&seeds, "seeds", "", "directory of initial seed inputs")
	flag.StringVar(&output, "output", "out", "output directory for queue/crashes/hangs/timeline")
	flag.DurationVar(&duration, "duration", 0, "fuzzing duration (0=unbounded, stop via SIGINT/SIGTERM)")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "per-execution wall-clock timeout")
	flag.IntVar(&memLimit, "mem_limit", 0, "per-process address-space limit in MB (0=unlimited, best-effort)")
	flag.IntVar(&bitmapSize, "bitmap_size", 65536, "shared coverage bitmap size in bytes")
	flag.IntVar(&maxSeedSize, "max_seed_size", 1<<20, "maximum accepted/produced input size")
	flag.IntVar(&havocIterations, "havoc_iterations", 16, "mutation rounds per havoc pass")
	flag.StringVar(&seedSortStrategy, "seed_sort_strategy", "energy", "seed scheduling strategy: energy|fifo")
	flag.IntVar(&maxSeeds, "max_seeds", 0, "maximum corpus size (0=unbounded)")
	flag.Int64Var(&maxSeedsMemory, "max_seeds_memory", 0, "maximum corpus byte total (0=unbounded)")
	flag.IntVar(&stderrMaxLen, "stderr_max_len", 8192, "captured stderr cap in bytes")
	flag.IntVar(&crashInfoMaxLen, "crash_info_max_len", 4096, "persisted .stderr sibling cap in bytes")
	flag.BoolVar(&useSandbox, "use_sandbox", false, "wrap execution in a bubblewrap sandbox when available")
	flag.StringVar(&checkpointPath, "checkpoint_path", "", "path to write periodic checkpoints (empty disables)")
	flag.StringVar(&resumeFrom, "resume_from", "", "checkpoint path to resume from, skipping the initial corpus dry run")
	flag.DurationVar(&logInterval, "log_interval", 5*time.Second, "timeline row interval")
	flag.DurationVar(&checkpointInterval, "checkpoint_interval", 30*time.Second, "checkpoint interval")
	flag.IntVar(&splicePeriod, "splice_period", 4, "every Nth iteration uses splice instead of havoc")
	flag.Uint64Var(&randSeed, "seed", 0, "mutator RNG seed (0=time-derived)")
	flag.Parse()

	if target == "" {
		fatal("missing required -target")
	}

	strategy := fuzzsched.Energy
	if strings.EqualFold(seedSortStrategy, "fifo") {
		strategy = fuzzsched.FIFO
	}

	l, err := fuzzloop.New(fuzzloop.Options{
		SeedsDir:           seeds,
		OutputDir:          output,
		Duration:           duration,
		Timeout:            timeout,
		MemLimitMB:         memLimit,
		BitmapSize:         bitmapSize,
		MaxSeedSize:        maxSeedSize,
		HavocIterations:    havocIterations,
		SchedulerStrategy:  strategy,
		MaxSeeds:           maxSeeds,
		MaxSeedsMemory:     maxSeedsMemory,
		StderrMaxLen:       stderrMaxLen,
		CrashInfoMaxLen:    crashInfoMaxLen,
		UseSandbox:         useSandbox,
		CheckpointPath:     checkpointPath,
		ResumeFrom:         resumeFrom,
		LogInterval:        logInterval,
		CheckpointInterval: checkpointInterval,
		SplicePeriod:       splicePeriod,
		RandSeed:           randSeed,
		Target:             target,
		TargetArgs:         splitArgs(argsStr),
	})
	if err != nil {
		fatal(err)
	}
	defer l.Cleanup()

	if resumeFrom != "" {
		if err := l.Resume(resumeFrom); err != nil {
			fatal(err)
		}
	} else {
		if seeds == "" {
			fatal("missing required -seeds (or pass -resume_from to skip the dry run)")
		}

		if err := l.LoadInitialCorpus(context.Background()); err != nil {
			fatal(err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	var shutdownSignal os.Signal

	go func() {
		shutdownSignal = <-sigCh
		cancel()
	}()

	if err := l.Run(ctx); err != nil {
		fatal(err)
	}

	if shutdownSignal == syscall.SIGINT || shutdownSignal == nil {
		if err := l.SaveCheckpoint(); err != nil {
			fmt.Fprintln(os.Stderr, "checkpoint save failed:", err)
		}
	}

	if err := l.WriteFinalReport(); err != nil {
		fmt.Fprintln(os.Stderr, "final report write failed:", err)
	}

	fmt.Println("fuzzing finished")
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	return strings.Fields(s)
}

func fatal(a ...any) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}
