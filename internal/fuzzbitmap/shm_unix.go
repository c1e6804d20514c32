//go:build (darwin && !ios) || linux

package fuzzbitmap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
)

// sysvShm is the System-V shared memory backend used to wire the coverage
// bitmap into the target's environment as __AFL_SHM_ID (spec.md section
// 4.1). The target's own instrumentation runtime attaches the same segment
// by id; no data ever transits this process's address space except the
// post-exit read.
type sysvShm struct {
	shmid int
	data  []byte
}

func newShmBackend(size int) (shmBackend, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fuzzerr.ShmAlloc(size, fmt.Errorf("shmget: %w", err))
	}

	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)

		return nil, fuzzerr.ShmAlloc(size, fmt.Errorf("shmat: %w", err))
	}

	return &sysvShm{shmid: id, data: data}, nil
}

func (s *sysvShm) id() int        { return s.shmid }
func (s *sysvShm) region() []byte { return s.data }

func (s *sysvShm) destroy() error {
	if s.data == nil {
		return nil
	}

	err := unix.SysvShmDetach(s.data)
	s.data = nil

	if _, ctlErr := unix.SysvShmCtl(s.shmid, unix.IPC_RMID, nil); ctlErr != nil && err == nil {
		err = ctlErr
	}

	return err
}
