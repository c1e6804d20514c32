package fuzzbitmap

import "testing"

func TestBitmapLifecycle(t *testing.T) {
	bm, err := Create(1024)
	if err != nil {
		t.Skipf("shared memory unavailable in this environment: %s", err)
	}
	defer bm.Destroy()

	if bm.Size() != 1024 {
		t.Fatalf("Size() = %d, want 1024", bm.Size())
	}

	snap := bm.Snapshot()
	for i, b := range snap {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after Create: %d", i, b)
		}
	}

	region := bm.backend.region()
	region[5] = 0x42

	snap = bm.Snapshot()
	if snap[5] != 0x42 {
		t.Fatalf("Snapshot did not observe live write")
	}

	// Snapshot must be independent of the live region (spec.md section 3).
	snap[5] = 0x00
	if bm.backend.region()[5] != 0x42 {
		t.Fatalf("mutating the snapshot mutated the live region")
	}

	bm.Clear()

	for i, b := range bm.Snapshot() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after Clear: %d", i, b)
		}
	}

	if err := bm.Destroy(); err != nil {
		t.Fatalf("Destroy: %s", err)
	}

	// Idempotent per spec.md section 3.
	if err := bm.Destroy(); err != nil {
		t.Fatalf("second Destroy must be a no-op, got: %s", err)
	}
}
