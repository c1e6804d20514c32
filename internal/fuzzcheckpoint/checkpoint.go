// Package fuzzcheckpoint implements the checkpoint schema from spec.md
// section 6: a JSON snapshot of the monitor's virgin bitmaps, its counters,
// the scheduler's corpus, and the mutator's RNG state, sufficient to resume
// a run exactly where it left off, skipping the initial-seed dry run.
//
// The schema's bare `version` field has no comparison rule of its own in
// spec.md, so this package borrows the teacher's dependency-resolution
// library (github.com/Masterminds/semver/v3, used elsewhere in the teacher
// for package version constraints) to gate resume on major-version
// compatibility: a checkpoint written by an incompatible major version is
// rejected rather than silently misread.
package fuzzcheckpoint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
)

// SchemaVersion is the current checkpoint format version written by this
// build. Bump the major component on breaking schema changes.
const SchemaVersion = "1.0.0"

// SeedRecord mirrors one fuzzsched.Seed, base64-encoding its raw bytes for
// JSON transport (spec.md section 6).
type SeedRecord struct {
	DataB64        string  `json:"data_b64"`
	CoverageBits   int     `json:"coverage_bits"`
	ExecTimeUs     uint64  `json:"exec_time_us"`
	ExecCount      int     `json:"exec_count"`
	Energy         float64 `json:"energy"`
	DiscoveredAtUs uint64  `json:"discovered_at_us"`
}

// Stats mirrors fuzzmonitor.Stats for JSON transport.
type Stats struct {
	TotalExecs   uint64 `json:"total_execs"`
	TotalCrashes uint64 `json:"total_crashes"`
	SavedCrashes uint64 `json:"saved_crashes"`
	TotalHangs   uint64 `json:"total_hangs"`
	SavedHangs   uint64 `json:"saved_hangs"`
	CoverageBits int    `json:"coverage_bits"`
}

// Checkpoint is the full schema from spec.md section 6.
type Checkpoint struct {
	Version      string       `json:"version"`
	ElapsedS     float64      `json:"elapsed_s"`
	Stats        Stats        `json:"stats"`
	VirginBits   string       `json:"virgin_bits"`
	VirginCrash  string       `json:"virgin_crash"`
	VirginTmout  string       `json:"virgin_tmout"`
	Seeds        []SeedRecord `json:"seeds"`
	RngState     uint64       `json:"rng_state"`
	NextQueueSeq uint64       `json:"next_queue_seq"`
}

// New builds a Checkpoint from raw component state. Callers pass already
// base64-ready byte slices; encoding happens here so component packages
// never need to import encoding/base64 themselves.
func New(elapsedS float64, stats Stats, virginBits, virginCrash, virginTmout []byte, seeds []SeedRecord, rngState uint64, nextQueueSeq uint64) *Checkpoint {
	return &Checkpoint{
		Version:      SchemaVersion,
		ElapsedS:     elapsedS,
		Stats:        stats,
		VirginBits:   base64.StdEncoding.EncodeToString(virginBits),
		VirginCrash:  base64.StdEncoding.EncodeToString(virginCrash),
		VirginTmout:  base64.StdEncoding.EncodeToString(virginTmout),
		Seeds:        seeds,
		RngState:     rngState,
		NextQueueSeq: nextQueueSeq,
	}
}

// Save writes the checkpoint to path atomically: it writes to a sibling
// temp file and renames over the destination, so a crash mid-write never
// leaves a truncated checkpoint behind.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fuzzerr.Checkpoint("save", err)
	}

	tmp := path + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fuzzerr.Checkpoint("save", err)
	}

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fuzzerr.Checkpoint("save", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fuzzerr.Checkpoint("save", err)
	}

	return nil
}

// Load reads and schema-gates a checkpoint from path. A checkpoint whose
// major version differs from SchemaVersion's is rejected: the resume path
// treats a version-read error as fatal (spec.md section 7).
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fuzzerr.Checkpoint("load", err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fuzzerr.Checkpoint("load", err)
	}

	if err := checkCompatible(c.Version); err != nil {
		return nil, fuzzerr.Checkpoint("load", err)
	}

	return &c, nil
}

func checkCompatible(checkpointVersion string) error {
	current, err := semver.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid build-time schema version %q: %w", SchemaVersion, err)
	}

	found, err := semver.NewVersion(checkpointVersion)
	if err != nil {
		return fmt.Errorf("unparsable checkpoint version %q: %w", checkpointVersion, err)
	}

	if found.Major() != current.Major() {
		return fmt.Errorf("checkpoint schema version %s is incompatible with current major version %d", found, current.Major())
	}

	return nil
}

// DecodeBitmap is the inverse of the base64 encoding New applies, used by
// the loop when restoring virgin bitmaps.
func DecodeBitmap(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
