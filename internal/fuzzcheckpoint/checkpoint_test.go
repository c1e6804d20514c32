package fuzzcheckpoint

import (
	"path/filepath"
	"testing"
)

// TestSaveLoadRoundTrip covers part of testable property 8 from spec.md
// section 8: a saved checkpoint loads back with the same rng_state,
// next_queue_seq, virgin_bits and seed records.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints", "checkpoint.json")

	virgin := []byte{0xFF, 0x00, 0x55}
	seeds := []SeedRecord{{DataB64: "aGVsbG8=", CoverageBits: 3, ExecTimeUs: 42, ExecCount: 1, Energy: 150, DiscoveredAtUs: 9}}

	cp := New(12.5, Stats{TotalExecs: 10, TotalCrashes: 1}, virgin, virgin, virgin, seeds, 0xDEADBEEF, 7)

	if err := cp.Save(path); err != nil {
		t.Fatalf("Save: %s", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	if loaded.RngState != 0xDEADBEEF {
		t.Fatalf("rng_state = %#x, want %#x", loaded.RngState, uint64(0xDEADBEEF))
	}

	if loaded.NextQueueSeq != 7 {
		t.Fatalf("next_queue_seq = %d, want 7", loaded.NextQueueSeq)
	}

	decoded, err := DecodeBitmap(loaded.VirginBits)
	if err != nil {
		t.Fatalf("DecodeBitmap: %s", err)
	}

	if string(decoded) != string(virgin) {
		t.Fatalf("virgin_bits round-trip mismatch: got %v want %v", decoded, virgin)
	}

	if len(loaded.Seeds) != 1 || loaded.Seeds[0].ExecCount != 1 {
		t.Fatalf("seeds did not round-trip: %+v", loaded.Seeds)
	}
}

func TestLoadRejectsIncompatibleMajorVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	cp := New(0, Stats{}, nil, nil, nil, nil, 0, 0)
	cp.Version = "99.0.0"

	if err := cp.Save(path); err != nil {
		t.Fatalf("Save: %s", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected incompatible major version to be rejected")
	}
}

func TestLoadMissingFileIsCheckpointError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatalf("expected error loading a nonexistent checkpoint")
	}
}
