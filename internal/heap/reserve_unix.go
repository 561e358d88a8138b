//go:build unix

package heap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reservation is a raw anonymous mmap covering the whole heap up front.
// mokMemReserve/mokMemCommit split the heap into a reserve phase (address
// space only) and a commit phase (actually backed pages). Go's unix.Mmap
// always backs the pages it returns, so the distinction collapses to
// "reserve == commit" here: reserveHeap maps the whole heap in one call,
// and commitRange below is a no-op that nothing calls.
type reservation struct {
	mem []byte
}

func reserveHeap(sizeBytes uintptr) (*reservation, error) {
	mem, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("heap: mmap %d bytes: %w", sizeBytes, err)
	}
	return &reservation{mem: mem}, nil
}

func (r *reservation) bytes() []byte { return r.mem }

func (r *reservation) release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// commitRange is a no-op on unix: unix.Mmap already backs every page with
// zero-fill-on-demand physical memory, so there is nothing further to
// commit. It exists so callers don't need a build-tag switch of their own.
func (r *reservation) commitRange(uintptr, uintptr) error { return nil }
