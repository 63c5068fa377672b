//go:build linux

package vmm

import (
	"sync"
	"unsafe"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// RunState is a VCPU's mmaped run state, shared with the kernel. It begins
// with a kvm.RunData describing the most recent exit. Nothing in it is
// meaningful before the first successful Run, and it must not be written
// while the VCPU is running.
type RunState struct {
	vcpu *VCPU

	mu sync.Mutex
	mm []byte // nil once unmapped
}

// Len returns the size of the mapping, or 0 once it's unmapped.
func (s *RunState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.mm)
}

// Bytes returns the mapped memory itself. The slice is only valid until
// the RunState is unmapped.
func (s *RunState) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mm == nil {
		return nil, ErrUseAfterUnmap
	}

	return s.mm, nil
}

// Data returns the exit record at the start of the mapping. The pointer is
// only valid until the RunState is unmapped.
func (s *RunState) Data() (*kvm.RunData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mm == nil {
		return nil, ErrUseAfterUnmap
	}

	return (*kvm.RunData)(unsafe.Pointer(&s.mm[0])), nil
}

// ExitReason returns the reason the most recent Run returned.
func (s *RunState) ExitReason() (kvm.Exit, error) {
	rd, err := s.Data()
	if err != nil {
		return 0, err
	}

	return rd.ExitReason, nil
}

// Unmap releases the mapping. It fails with ErrBusy while the VCPU is
// running and with ErrUseAfterUnmap if the mapping is already gone. Closing
// the VCPU unmaps it too.
func (s *RunState) Unmap() error {
	c := s.vcpu

	// Run enters under c.mu, so it can't start until the mapping is gone.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running() {
		return ErrBusy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mm == nil {
		return ErrUseAfterUnmap
	}

	if c.state == s {
		c.state = nil
	}

	return s.unmapLocked()
}

// unmap releases the mapping if it's still there.
func (s *RunState) unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mm == nil {
		return nil
	}

	return s.unmapLocked()
}

func (s *RunState) unmapLocked() error {
	err := unix.Munmap(s.mm)
	s.mm = nil

	s.vcpu.log.Debug("unmapped run state")
	return err
}
