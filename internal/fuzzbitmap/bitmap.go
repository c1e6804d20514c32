// Package fuzzbitmap implements the shared-memory coverage channel and the
// AFL-style hit-count bucketization described in spec.md section 4.1.
package fuzzbitmap

// DefaultSize is the default coverage bitmap length (spec.md section 3).
const DefaultSize = 65536

// Bitmap is a fixed-size, shared-memory-backed coverage region. The live
// region is written by the instrumented target process and read by the
// parent after the target exits (spec.md section 5: no locks are needed
// because accesses never overlap).
type Bitmap struct {
	backend shmBackend
	size    int
}

// Create allocates a new shared-memory region of the given size and zeroes
// it. The returned Bitmap owns the region until Destroy is called.
func Create(size int) (*Bitmap, error) {
	if size <= 0 {
		size = DefaultSize
	}

	b, err := newShmBackend(size)
	if err != nil {
		return nil, err
	}

	bm := &Bitmap{backend: b, size: size}
	bm.Clear()

	return bm, nil
}

// ID returns the process-global shared-memory identifier, stringified into
// the target's environment as __AFL_SHM_ID (spec.md section 4.1/4.2).
func (b *Bitmap) ID() int { return b.backend.id() }

// Size returns the bitmap length in bytes.
func (b *Bitmap) Size() int { return b.size }

// Clear zeroes the live region. Called before every execute (spec.md
// section 4.1 protocol).
func (b *Bitmap) Clear() {
	region := b.backend.region()
	for i := range region {
		region[i] = 0
	}
}

// Snapshot copies the live region into an independent byte slice. The
// snapshot does not alias the shared region, matching the ExecutionResult
// contract in spec.md section 3 ("the snapshot is independent of the live
// shared region").
func (b *Bitmap) Snapshot() []byte {
	region := b.backend.region()
	out := make([]byte, len(region))
	copy(out, region)

	return out
}

// Destroy releases the shared-memory region. Idempotent: calling it more
// than once is a no-op, matching the invariant in spec.md section 3 that
// destruction must be idempotent and run on every exit path.
func (b *Bitmap) Destroy() error {
	return b.backend.destroy()
}

// shmBackend abstracts the OS-level shared-memory mechanism so that the
// System-V path (Linux and macOS) and a process-local byte-slice fallback
// (everything else) share the same Bitmap API.
type shmBackend interface {
	id() int
	region() []byte
	destroy() error
}
