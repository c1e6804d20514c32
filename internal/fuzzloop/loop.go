// Package fuzzloop implements the fuzz loop (L) from spec.md section 4.6:
// initial corpus load and dry run, the single-threaded main iteration that
// wires the scheduler, mutator, executor, and coverage monitor together,
// timeline recording, and checkpoint/signal handling per section 5.
package fuzzloop

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orizon-lang/grayfuzz/internal/fuzzbitmap"
	"github.com/orizon-lang/grayfuzz/internal/fuzzcheckpoint"
	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
	"github.com/orizon-lang/grayfuzz/internal/fuzzexec"
	"github.com/orizon-lang/grayfuzz/internal/fuzzlog"
	"github.com/orizon-lang/grayfuzz/internal/fuzzmonitor"
	"github.com/orizon-lang/grayfuzz/internal/fuzzmutate"
	"github.com/orizon-lang/grayfuzz/internal/fuzzsched"
)

// Options bundles every tunable named in spec.md section 4.6's CLI surface
// (minus the collaborator-owned CLI parsing itself).
type Options struct {
	SeedsDir           string
	OutputDir          string
	Duration           time.Duration
	Timeout            time.Duration
	MemLimitMB         int
	BitmapSize         int
	MaxSeedSize        int
	HavocIterations    int
	SchedulerStrategy  fuzzsched.Strategy
	MaxSeeds           int
	MaxSeedsMemory     int64
	StderrMaxLen       int
	CrashInfoMaxLen    int
	UseSandbox         bool
	CheckpointPath     string
	ResumeFrom         string
	LogInterval        time.Duration
	CheckpointInterval time.Duration
	SplicePeriod       int
	RandSeed           uint64
	Target             string
	TargetArgs         []string
}

// Loop owns every live component for one run.
type Loop struct {
	opts Options
	log  *fuzzlog.OnceLogger

	bitmap    *fuzzbitmap.Bitmap
	executor  *fuzzexec.Executor
	monitor   *fuzzmonitor.Monitor
	scheduler *fuzzsched.Scheduler
	rng       *fuzzmutate.Rand

	iteration      uint64
	startedAt      time.Time
	resumedElapsed time.Duration

	timelineFile *os.File
	timelineCSV  *csv.Writer
}

// New wires every component together following the construction order the
// teacher uses in cmd/orizon-fuzz/main.go: options first, then collaborators
// in their dependency order.
func New(opts Options) (*Loop, error) {
	if opts.Target == "" {
		return nil, fuzzerr.Configuration("loop target", fmt.Errorf("target must not be empty"))
	}

	if opts.BitmapSize <= 0 {
		opts.BitmapSize = fuzzbitmap.DefaultSize
	}

	log := fuzzlog.NewOnce(os.Stderr)

	bitmap, err := fuzzbitmap.Create(opts.BitmapSize)
	if err != nil {
		return nil, err
	}

	executor, err := fuzzexec.New(fuzzexec.Options{
		Target:       opts.Target,
		Args:         opts.TargetArgs,
		Timeout:      opts.Timeout,
		MemLimitMB:   opts.MemLimitMB,
		StderrMaxLen: opts.StderrMaxLen,
		UseSandbox:   opts.UseSandbox,
		BitmapID:     bitmap.ID(),
	}, log)
	if err != nil {
		bitmap.Destroy()

		return nil, err
	}

	monitor := fuzzmonitor.New(fuzzmonitor.Options{
		OutputDir:       opts.OutputDir,
		BitmapSize:      opts.BitmapSize,
		CrashInfoMaxLen: opts.CrashInfoMaxLen,
	}, log.Logger)

	scheduler := fuzzsched.New(fuzzsched.Options{
		Strategy:       opts.SchedulerStrategy,
		MaxSeeds:       opts.MaxSeeds,
		MaxSeedsMemory: opts.MaxSeedsMemory,
	})

	seed := opts.RandSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	l := &Loop{
		opts:      opts,
		log:       log,
		bitmap:    bitmap,
		executor:  executor,
		monitor:   monitor,
		scheduler: scheduler,
		rng:       fuzzmutate.NewRand(seed),
	}

	return l, nil
}

// Cleanup releases the shared memory segment. Idempotent, and safe to defer
// immediately after New succeeds regardless of exit path (spec.md section
// 4.2's cleanup invariant).
func (l *Loop) Cleanup() error {
	if l.timelineCSV != nil {
		l.timelineCSV.Flush()
	}

	if l.timelineFile != nil {
		l.timelineFile.Close()
	}

	if l.bitmap == nil {
		return nil
	}

	return l.bitmap.Destroy()
}

// LoadInitialCorpus feeds every seed file under opts.SeedsDir through the
// executor once to populate coverage_bits and exec_time_us before insertion
// into the scheduler (spec.md section 4.6). Seeds exceeding max_seed_size
// are rejected. This phase never writes a checkpoint.
func (l *Loop) LoadInitialCorpus(ctx context.Context) error {
	entries, err := os.ReadDir(l.opts.SeedsDir)
	if err != nil {
		return fuzzerr.Filesystem(l.opts.SeedsDir, err)
	}

	maxSize := l.opts.MaxSeedSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(l.opts.SeedsDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn("skipping unreadable seed %s: %s", path, err)

			continue
		}

		if len(data) > maxSize {
			l.log.Warn("skipping seed %s: %d bytes exceeds max_seed_size %d", path, len(data), maxSize)

			continue
		}

		l.bitmap.Clear()

		result, err := l.executor.Execute(ctx, data)
		if err != nil {
			return err
		}

		coverage := l.bitmap.Snapshot()
		classified := fuzzbitmap.ClassifyCounts(coverage)
		coverageBits := fuzzbitmap.Popcount(classified)

		l.scheduler.AddSeed(data, coverageBits, result.ExecTimeUs, uint64(time.Now().UnixNano()), true)
	}

	// spec.md section 9 Open Question (a) pins this: initial seeds are never
	// evicted, and if they themselves exceed capacity that is a configuration
	// error raised at startup, not a silently-over-capacity scheduler.
	if l.opts.MaxSeeds > 0 && l.scheduler.Len() > l.opts.MaxSeeds {
		return fuzzerr.Configuration("load initial corpus", fmt.Errorf(
			"initial corpus contains %d seeds, exceeding max_seeds=%d; initial seeds are never evicted",
			l.scheduler.Len(), l.opts.MaxSeeds))
	}

	return nil
}

// Resume loads a checkpoint and rehydrates every component from it,
// skipping the initial-seed dry run (spec.md section 6).
func (l *Loop) Resume(path string) error {
	cp, err := fuzzcheckpoint.Load(path)
	if err != nil {
		return err
	}

	bits, err := fuzzcheckpoint.DecodeBitmap(cp.VirginBits)
	if err != nil {
		return fuzzerr.Checkpoint("decode virgin_bits", err)
	}

	crash, err := fuzzcheckpoint.DecodeBitmap(cp.VirginCrash)
	if err != nil {
		return fuzzerr.Checkpoint("decode virgin_crash", err)
	}

	tmout, err := fuzzcheckpoint.DecodeBitmap(cp.VirginTmout)
	if err != nil {
		return fuzzerr.Checkpoint("decode virgin_tmout", err)
	}

	l.monitor.RestoreVirginBitmaps(bits, crash, tmout)
	l.monitor.RestoreStats(fuzzmonitor.Stats{
		TotalExecs:   cp.Stats.TotalExecs,
		TotalCrashes: cp.Stats.TotalCrashes,
		SavedCrashes: cp.Stats.SavedCrashes,
		TotalHangs:   cp.Stats.TotalHangs,
		SavedHangs:   cp.Stats.SavedHangs,
		CoverageBits: cp.Stats.CoverageBits,
	})
	l.monitor.RestoreQueueSeq(cp.NextQueueSeq)

	for _, sr := range cp.Seeds {
		data, err := fuzzcheckpoint.DecodeBitmap(sr.DataB64)
		if err != nil {
			l.log.Warn("dropping unparsable seed record during resume: %s", err)

			continue
		}

		seed := l.scheduler.AddSeed(data, sr.CoverageBits, sr.ExecTimeUs, sr.DiscoveredAtUs, true)
		seed.ExecCount = sr.ExecCount
		seed.Energy = sr.Energy
	}

	l.rng.Restore(cp.RngState)
	l.resumedElapsed = time.Duration(cp.ElapsedS * float64(time.Second))

	return nil
}

// Run executes the main iteration until ctx is cancelled or duration
// elapses, per spec.md section 4.6 and the cancellation semantics in
// section 5. It returns nil both on cancellation and on duration expiry; the
// caller, which knows which signal (if any) cancelled ctx, decides whether
// to write a final checkpoint (SIGINT) or skip it (SIGTERM).
func (l *Loop) Run(ctx context.Context) error {
	l.startedAt = time.Now()

	if err := l.openTimeline(); err != nil {
		return err
	}

	deadline := time.Now().Add(l.opts.Duration)
	lastLog := time.Now()
	lastCheckpoint := time.Now()

	mutateOpts := fuzzmutate.Options{MaxSeedSize: l.opts.MaxSeedSize, HavocIterations: l.opts.HavocIterations}
	splicePeriod := l.opts.SplicePeriod

	if splicePeriod <= 0 {
		splicePeriod = 4
	}

	for {
		select {
		case <-ctx.Done():
			return l.handleShutdown(ctx)
		default:
		}

		if l.opts.Duration > 0 && time.Now().After(deadline) {
			return nil
		}

		seed := l.scheduler.SelectNext()
		if seed == nil {
			return fuzzerr.Configuration("run", fmt.Errorf("no seeds available to fuzz"))
		}

		strategy := fuzzmutate.Havoc

		var partner []byte

		l.iteration++
		if splicePeriod > 0 && l.iteration%uint64(splicePeriod) == 0 && l.scheduler.Len() > 1 {
			strategy = fuzzmutate.Splice
			if other := l.scheduler.SeedAt(l.rng.Uint64()); other != nil {
				partner = other.Data
			}
		}

		variant := fuzzmutate.Mutate(l.rng, seed.Data, strategy, mutateOpts, partner)

		l.bitmap.Clear()

		result, err := l.executor.Execute(ctx, variant)
		if err != nil {
			if fe, ok := err.(*fuzzerr.FuzzError); ok && fe.Kind.Fatal() {
				return err
			}

			l.log.Error("execution error: %s", err)

			continue
		}

		coverage := l.bitmap.Snapshot()

		isNew := l.monitor.ProcessExecution(variant, fuzzmonitor.ExecutionResult{
			Crashed:  result.Crashed,
			Hanged:   result.Hanged,
			Coverage: coverage,
			Stderr:   result.Stderr,
		})

		if isNew {
			classified := fuzzbitmap.ClassifyCounts(coverage)
			coverageBits := fuzzbitmap.Popcount(classified)
			l.scheduler.AddSeed(variant, coverageBits, result.ExecTimeUs, uint64(time.Now().UnixNano()), false)
		}

		now := time.Now()

		if now.Sub(lastLog) >= l.logInterval() {
			l.writeTimelineRow(now)
			lastLog = now
		}

		if now.Sub(lastCheckpoint) >= l.checkpointInterval() {
			if err := l.saveCheckpoint(now); err != nil {
				l.log.Error("checkpoint save failed: %s", err)
			}

			lastCheckpoint = now
		}
	}
}

// handleShutdown does the part of spec.md section 5's SIGINT/SIGTERM
// contract that both signals share: it writes a final timeline row. It does
// not checkpoint; the caller calls SaveCheckpoint after Run returns for
// SIGINT and skips it for SIGTERM.
func (l *Loop) handleShutdown(ctx context.Context) error {
	l.writeTimelineRow(time.Now())

	return nil
}

func (l *Loop) logInterval() time.Duration {
	if l.opts.LogInterval <= 0 {
		return 5 * time.Second
	}

	return l.opts.LogInterval
}

func (l *Loop) checkpointInterval() time.Duration {
	if l.opts.CheckpointInterval <= 0 {
		return 30 * time.Second
	}

	return l.opts.CheckpointInterval
}

func (l *Loop) elapsed() time.Duration {
	return l.resumedElapsed + time.Since(l.startedAt)
}

func (l *Loop) openTimeline() error {
	if err := os.MkdirAll(l.opts.OutputDir, 0o755); err != nil {
		return fuzzerr.Filesystem(l.opts.OutputDir, err)
	}

	path := filepath.Join(l.opts.OutputDir, "timeline.csv")

	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fuzzerr.Filesystem(path, err)
	}

	l.timelineFile = f
	l.timelineCSV = csv.NewWriter(f)

	if !exists {
		_ = l.timelineCSV.Write([]string{"elapsed_s", "total_execs", "exec_rate", "total_crashes", "saved_crashes", "total_hangs", "saved_hangs", "coverage_bits"})
		l.timelineCSV.Flush()
	}

	return nil
}

func (l *Loop) writeTimelineRow(now time.Time) {
	if l.timelineCSV == nil {
		return
	}

	stats := l.monitor.Stats()
	elapsed := l.elapsed().Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(stats.TotalExecs) / elapsed
	}

	row := []string{
		fmt.Sprintf("%.3f", elapsed),
		fmt.Sprintf("%d", stats.TotalExecs),
		fmt.Sprintf("%.2f", rate),
		fmt.Sprintf("%d", stats.TotalCrashes),
		fmt.Sprintf("%d", stats.SavedCrashes),
		fmt.Sprintf("%d", stats.TotalHangs),
		fmt.Sprintf("%d", stats.SavedHangs),
		fmt.Sprintf("%d", l.monitor.CoverageBits()),
	}

	if err := l.timelineCSV.Write(row); err != nil {
		l.log.Error("failed to write timeline row: %s", err)

		return
	}

	l.timelineCSV.Flush()
}

// SaveCheckpoint persists a checkpoint to opts.CheckpointPath, used both
// on the checkpoint_interval tick and explicitly on SIGINT.
func (l *Loop) SaveCheckpoint() error {
	return l.saveCheckpoint(time.Now())
}

func (l *Loop) saveCheckpoint(now time.Time) error {
	if l.opts.CheckpointPath == "" {
		return nil
	}

	bits, crash, tmout := l.monitor.VirginBitmaps()
	stats := l.monitor.Stats()

	seeds := l.scheduler.Seeds()
	records := make([]fuzzcheckpoint.SeedRecord, len(seeds))

	for i, s := range seeds {
		records[i] = fuzzcheckpoint.SeedRecord{
			DataB64:        base64.StdEncoding.EncodeToString(s.Data),
			CoverageBits:   s.CoverageBits,
			ExecTimeUs:     s.ExecTimeUs,
			ExecCount:      s.ExecCount,
			Energy:         s.Energy,
			DiscoveredAtUs: s.DiscoveredAtUs,
		}
	}

	cp := fuzzcheckpoint.New(
		l.elapsed().Seconds(),
		fuzzcheckpoint.Stats{
			TotalExecs:   stats.TotalExecs,
			TotalCrashes: stats.TotalCrashes,
			SavedCrashes: stats.SavedCrashes,
			TotalHangs:   stats.TotalHangs,
			SavedHangs:   stats.SavedHangs,
			CoverageBits: l.monitor.CoverageBits(),
		},
		bits, crash, tmout,
		records,
		l.rng.State(),
		l.monitor.NextQueueSeq(),
	)

	return cp.Save(l.opts.CheckpointPath)
}

// WriteFinalReport writes final_report.json and stats.json, the two
// key/value snapshots named in spec.md section 6.
func (l *Loop) WriteFinalReport() error {
	stats := l.monitor.Stats()

	report := map[string]any{
		"elapsed_s":     l.elapsed().Seconds(),
		"total_execs":   stats.TotalExecs,
		"total_crashes": stats.TotalCrashes,
		"saved_crashes": stats.SavedCrashes,
		"total_hangs":   stats.TotalHangs,
		"saved_hangs":   stats.SavedHangs,
		"coverage_bits": l.monitor.CoverageBits(),
		"target":        l.opts.Target,
	}

	if err := writeJSON(filepath.Join(l.opts.OutputDir, "stats.json"), report); err != nil {
		return err
	}

	return writeJSON(filepath.Join(l.opts.OutputDir, "final_report.json"), report)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fuzzerr.Filesystem(path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fuzzerr.Filesystem(path, err)
	}

	return nil
}
