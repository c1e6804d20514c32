// Package fuzzmonitor implements the coverage monitor (C) from spec.md
// section 4.3: it owns the virgin-bits/virgin-crash/virgin-tmout global
// bitmaps, decides whether an execution discovered anything worth keeping,
// deduplicates crashes and hangs, and persists the resulting artifacts
// under the run's output directory.
package fuzzmonitor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orizon-lang/grayfuzz/internal/fuzzbitmap"
	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
	"github.com/orizon-lang/grayfuzz/internal/fuzzlog"
)

// ExecutionResult mirrors fuzzexec.ExecutionResult's fields the monitor
// actually consumes, so this package does not import fuzzexec back (the
// loop is the only component that needs both).
type ExecutionResult struct {
	Crashed  bool
	Hanged   bool
	Coverage []byte
	Stderr   []byte
}

// Stats is MonitorStats from spec.md section 4.1.
type Stats struct {
	TotalExecs    uint64
	TotalCrashes  uint64
	SavedCrashes  uint64
	TotalHangs    uint64
	SavedHangs    uint64
	CoverageBits  int
	LastSaveAtSeq uint64
}

// Options configures one Monitor.
type Options struct {
	OutputDir       string
	BitmapSize      int
	CrashInfoMaxLen int
}

// Monitor owns the three AFL-style virgin bitmaps and the queue sequence
// counter.
type Monitor struct {
	opts Options
	log  *fuzzlog.Logger

	virginBits  []byte
	virginCrash []byte
	virginTmout []byte

	stats Stats

	coverageCacheValid bool
	coverageCache      int

	nextQueueSeq uint64
}

// New allocates fresh all-ones virgin bitmaps (every bit undiscovered),
// matching AFL's convention and spec.md section 4.1.
func New(opts Options, log *fuzzlog.Logger) *Monitor {
	if opts.BitmapSize <= 0 {
		opts.BitmapSize = fuzzbitmap.DefaultSize
	}

	if log == nil {
		log = fuzzlog.Default
	}

	m := &Monitor{
		opts:        opts,
		log:         log,
		virginBits:  allOnes(opts.BitmapSize),
		virginCrash: allOnes(opts.BitmapSize),
		virginTmout: allOnes(opts.BitmapSize),
	}

	return m
}

func allOnes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}

	return b
}

// Stats returns a copy of the current counters.
func (m *Monitor) Stats() Stats { return m.stats }

// NextQueueSeq returns the sequence number that will be used for the next
// queue save, without consuming it.
func (m *Monitor) NextQueueSeq() uint64 { return m.nextQueueSeq }

// CoverageBits returns popcount(~virgin_bits), the lazily cached total of
// discovered edges-or-buckets (spec.md section 4.1 and 4.3).
func (m *Monitor) CoverageBits() int {
	if !m.coverageCacheValid {
		m.coverageCache = popcountComplement(m.virginBits)
		m.coverageCacheValid = true
	}

	return m.coverageCache
}

func popcountComplement(virgin []byte) int {
	inverted := make([]byte, len(virgin))
	for i, b := range virgin {
		inverted[i] = ^b
	}

	return fuzzbitmap.Popcount(inverted)
}

// ProcessExecution implements spec.md section 4.3's algorithm. It returns
// true iff the input produced strictly new coverage and should be added to
// the scheduler's corpus.
func (m *Monitor) ProcessExecution(input []byte, result ExecutionResult) bool {
	m.stats.TotalExecs++

	classified := fuzzbitmap.ClassifyCounts(result.Coverage)

	if result.Hanged {
		m.processHang(input, classified)

		return false
	}

	if result.Crashed {
		m.processCrash(input, result.Stderr, classified)

		return false
	}

	return m.processNormal(input, classified)
}

func hasNewBits(snapshot []byte, virgin []byte) bool {
	novel := false

	for i := range snapshot {
		if i >= len(virgin) {
			break
		}

		if snapshot[i]&virgin[i] != 0 {
			virgin[i] &^= snapshot[i]
			novel = true
		}
	}

	return novel
}

func (m *Monitor) processHang(input, classified []byte) {
	m.stats.TotalHangs++

	if !hasNewBits(classified, m.virginTmout) {
		return
	}

	key := fingerprint(nil, classified)
	if err := m.writeArtifact("hangs", key, input); err != nil {
		m.log.Error("failed to persist hang %s: %s", key, err)

		return
	}

	m.stats.SavedHangs++
}

func (m *Monitor) processCrash(input, stderr, classified []byte) {
	m.stats.TotalCrashes++

	if !hasNewBits(classified, m.virginCrash) {
		return
	}

	key := fingerprint(stderr, classified)
	if err := m.writeArtifact("crashes", key, input); err != nil {
		m.log.Error("failed to persist crash %s: %s", key, err)

		return
	}

	if err := m.writeCrashInfo(key, stderr); err != nil {
		m.log.Error("failed to persist crash info for %s: %s", key, err)
	}

	m.stats.SavedCrashes++
}

func (m *Monitor) processNormal(input, classified []byte) bool {
	if !hasNewBits(classified, m.virginBits) {
		return false
	}

	m.coverageCacheValid = false

	seq := m.nextQueueSeq
	m.nextQueueSeq++

	name := fmt.Sprintf("%08d", seq)
	if err := m.writeArtifact("queue", name, input); err != nil {
		m.log.Error("failed to persist queue entry %s: %s", name, err)

		return false
	}

	m.stats.LastSaveAtSeq = seq

	return true
}

// fingerprint is a 16-hex-char dedup key derived from trimmed stderr,
// falling back to the bucketized bitmap when stderr is empty (spec.md
// section 4.3).
func fingerprint(stderr, classified []byte) string {
	h := sha256.New()

	if trimmed := bytes.TrimSpace(stderr); len(trimmed) > 0 {
		h.Write(trimmed)
	} else {
		h.Write(classified)
	}

	sum := h.Sum(nil)

	return hex.EncodeToString(sum)[:16]
}

func (m *Monitor) writeArtifact(subdir, name string, data []byte) error {
	dir := filepath.Join(m.opts.OutputDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fuzzerr.Filesystem(dir, err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fuzzerr.Filesystem(path, err)
	}

	return nil
}

func (m *Monitor) writeCrashInfo(key string, stderr []byte) error {
	max := m.opts.CrashInfoMaxLen
	if max <= 0 {
		max = 4096
	}

	if len(stderr) > max {
		stderr = stderr[:max]
	}

	return m.writeArtifact("crashes", key+".stderr", stderr)
}

// RestoreVirginBitmaps replaces the monitor's three bitmaps, used when
// resuming from a checkpoint (spec.md section 6).
func (m *Monitor) RestoreVirginBitmaps(bits, crash, tmout []byte) {
	m.virginBits = bits
	m.virginCrash = crash
	m.virginTmout = tmout
	m.coverageCacheValid = false
}

// VirginBitmaps exposes the three bitmaps for checkpoint serialization.
func (m *Monitor) VirginBitmaps() (bits, crash, tmout []byte) {
	return m.virginBits, m.virginCrash, m.virginTmout
}

// RestoreStats and RestoreQueueSeq let the loop rehydrate counters from a
// checkpoint without the monitor needing to know the checkpoint format.
func (m *Monitor) RestoreStats(s Stats)        { m.stats = s }
func (m *Monitor) RestoreQueueSeq(next uint64) { m.nextQueueSeq = next }
