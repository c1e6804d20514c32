package fuzzloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
)

// writeFlipTarget builds a tiny shell target that consumes its stdin input
// and always exits 0, giving the loop something to run without needing
// real instrumentation. Coverage itself comes from
// the shared bitmap, which in this unit-test environment stays at its
// initial all-zero state (no instrumented binary writes to it), so this
// test exercises wiring and bookkeeping rather than actual edge discovery.
func writeFlipTarget(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "target.sh")
	body := "#!/bin/sh\ncat >/tmp/grayfuzz-loop-test-input 2>/dev/null\nexit 0\n"

	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write target: %s", err)
	}

	return path
}

func TestLoadInitialCorpusRejectsOversizedSeeds(t *testing.T) {
	seedsDir := t.TempDir()
	outDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(seedsDir, "small"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("write seed: %s", err)
	}

	if err := os.WriteFile(filepath.Join(seedsDir, "huge"), make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write seed: %s", err)
	}

	target := writeFlipTarget(t, t.TempDir())

	l, err := New(Options{
		SeedsDir:    seedsDir,
		OutputDir:   outDir,
		Target:      target,
		Timeout:     2 * time.Second,
		MaxSeedSize: 10,
		BitmapSize:  64,
	})
	if err != nil {
		t.Skipf("loop construction unavailable in this environment: %s", err)
	}
	defer l.Cleanup()

	if err := l.LoadInitialCorpus(context.Background()); err != nil {
		t.Fatalf("LoadInitialCorpus: %s", err)
	}

	if l.scheduler.Len() != 1 {
		t.Fatalf("scheduler.Len() = %d, want 1 (oversized seed must be rejected)", l.scheduler.Len())
	}
}

// TestLoadInitialCorpusFailsStartupWhenInitialSeedsExceedMaxSeeds covers
// spec.md section 9 Open Question (a) as pinned: initial seeds are never
// evicted, and if there are more of them than max_seeds allows, that is a
// configuration error raised at startup rather than a silently over-capacity
// corpus.
func TestLoadInitialCorpusFailsStartupWhenInitialSeedsExceedMaxSeeds(t *testing.T) {
	seedsDir := t.TempDir()
	outDir := t.TempDir()

	for _, name := range []string{"one", "two", "three"} {
		if err := os.WriteFile(filepath.Join(seedsDir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write seed: %s", err)
		}
	}

	target := writeFlipTarget(t, t.TempDir())

	l, err := New(Options{
		SeedsDir:    seedsDir,
		OutputDir:   outDir,
		Target:      target,
		Timeout:     2 * time.Second,
		MaxSeedSize: 4096,
		BitmapSize:  64,
		MaxSeeds:    2,
	})
	if err != nil {
		t.Skipf("loop construction unavailable in this environment: %s", err)
	}
	defer l.Cleanup()

	err = l.LoadInitialCorpus(context.Background())
	if err == nil {
		t.Fatalf("expected LoadInitialCorpus to fail when the initial corpus exceeds max_seeds")
	}

	fe, ok := err.(*fuzzerr.FuzzError)
	if !ok || fe.Kind != fuzzerr.KindConfiguration {
		t.Fatalf("expected a fuzzerr.Configuration error, got %T: %v", err, err)
	}
}

func TestRunStopsAtDeadlineAndWritesTimeline(t *testing.T) {
	seedsDir := t.TempDir()
	outDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(seedsDir, "seed"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write seed: %s", err)
	}

	target := writeFlipTarget(t, t.TempDir())

	l, err := New(Options{
		SeedsDir:        seedsDir,
		OutputDir:       outDir,
		Target:          target,
		Timeout:         500 * time.Millisecond,
		MaxSeedSize:     4096,
		HavocIterations: 4,
		BitmapSize:      64,
		Duration:        300 * time.Millisecond,
		LogInterval:     50 * time.Millisecond,
		RandSeed:        1,
	})
	if err != nil {
		t.Skipf("loop construction unavailable in this environment: %s", err)
	}
	defer l.Cleanup()

	if err := l.LoadInitialCorpus(context.Background()); err != nil {
		t.Fatalf("LoadInitialCorpus: %s", err)
	}

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %s", err)
	}

	if err := l.WriteFinalReport(); err != nil {
		t.Fatalf("WriteFinalReport: %s", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "timeline.csv")); err != nil {
		t.Fatalf("timeline.csv not written: %s", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "final_report.json")); err != nil {
		t.Fatalf("final_report.json not written: %s", err)
	}
}

func TestSaveAndResumeCheckpointRoundTrip(t *testing.T) {
	seedsDir := t.TempDir()
	outDir := t.TempDir()
	ckptPath := filepath.Join(t.TempDir(), "checkpoint.json")

	if err := os.WriteFile(filepath.Join(seedsDir, "seed"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write seed: %s", err)
	}

	target := writeFlipTarget(t, t.TempDir())

	opts := Options{
		SeedsDir:       seedsDir,
		OutputDir:      outDir,
		Target:         target,
		Timeout:        500 * time.Millisecond,
		MaxSeedSize:    4096,
		BitmapSize:     64,
		CheckpointPath: ckptPath,
		RandSeed:       42,
	}

	l, err := New(opts)
	if err != nil {
		t.Skipf("loop construction unavailable in this environment: %s", err)
	}

	if err := l.LoadInitialCorpus(context.Background()); err != nil {
		t.Fatalf("LoadInitialCorpus: %s", err)
	}

	_ = l.rng.Uint64()

	if err := l.SaveCheckpoint(); err != nil {
		t.Fatalf("SaveCheckpoint: %s", err)
	}

	l.Cleanup()

	l2, err := New(opts)
	if err != nil {
		t.Fatalf("second New: %s", err)
	}
	defer l2.Cleanup()

	if err := l2.Resume(ckptPath); err != nil {
		t.Fatalf("Resume: %s", err)
	}

	if l2.scheduler.Len() != 1 {
		t.Fatalf("resumed scheduler.Len() = %d, want 1", l2.scheduler.Len())
	}
}
