//go:build !((darwin && !ios) || linux)

package fuzzbitmap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
)

// On platforms without System-V shared memory this module falls back to a
// process-local byte slice. The identifier is still a stable, process-wide
// integer stringified into __AFL_SHM_ID as spec.md section 4.1 requires,
// but the region lives only in this process's unexported table: a separate
// target process cannot attach to it, so its snapshots stay as this process
// last wrote them.
var (
	nextID  atomic.Int64
	tableMu sync.Mutex
	table   = map[int][]byte{}
)

type localShm struct {
	shmid int
}

func newShmBackend(size int) (shmBackend, error) {
	if size <= 0 {
		return nil, fuzzerr.ShmAlloc(size, fmt.Errorf("invalid size"))
	}

	id := int(nextID.Add(1))

	tableMu.Lock()
	table[id] = make([]byte, size)
	tableMu.Unlock()

	return &localShm{shmid: id}, nil
}

func (s *localShm) id() int { return s.shmid }

func (s *localShm) region() []byte {
	tableMu.Lock()
	defer tableMu.Unlock()

	return table[s.shmid]
}

func (s *localShm) destroy() error {
	tableMu.Lock()
	delete(table, s.shmid)
	tableMu.Unlock()

	return nil
}
