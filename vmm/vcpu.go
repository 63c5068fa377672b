//go:build linux

package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// VCPU is one virtual CPU of a Machine. A VCPU must be driven by one
// goroutine at a time; separate VCPUs may run in parallel.
type VCPU struct {
	id  int
	fd  *kvm.VCPU
	m   *Machine
	log *slog.Logger

	phase atomic.Int32 // entering PhaseRunning or PhaseClosed needs mu

	mu    sync.Mutex
	state *RunState // nil until MapRunState
}

// Phase is where a VCPU is in its run cycle.
type Phase int32

const (
	PhaseCreated Phase = iota // never run
	PhaseRunning              // inside Run
	PhaseExited               // returned from a successful Run
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseRunning:
		return "running"
	case PhaseExited:
		return "exited"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// ID returns the id the VCPU was created with.
func (c *VCPU) ID() int { return c.id }

// Fd returns the VCPU's descriptor number, for display.
func (c *VCPU) Fd() uintptr {
	if c == nil {
		return ^uintptr(0)
	}

	return c.fd.Fd()
}

// Phase returns the VCPU's current phase.
func (c *VCPU) Phase() Phase {
	return Phase(c.phase.Load())
}

// MapRunState maps size bytes of the VCPU's shared run state. size must be
// at least the device's VCPUMmapSize. A VCPU has at most one mapping at a
// time.
func (c *VCPU) MapRunState(size int) (*RunState, error) {
	if c == nil {
		return nil, ErrNoVCPU
	}

	need, err := c.m.dev.VCPUMmapSize()
	if err != nil {
		return nil, err
	}

	if size < need {
		return nil, fmt.Errorf("%w: size %d < VCPU mmap size %d: %w", ErrMap, size, need, unix.EINVAL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != nil {
		return nil, fmt.Errorf("%w: already mapped: %w", ErrMap, unix.EBUSY)
	}

	mm, err := unix.Mmap(int(c.fd.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	c.state = &RunState{vcpu: c, mm: mm}
	c.log.Debug("mapped run state", "size", size)

	return c.state, nil
}

// Run resumes the VCPU and blocks until the kernel hands control back. On
// success the exit record in the VCPU's RunState describes why.
//
// Run doesn't retry. If a signal interrupts the VCPU, Run returns an error
// wrapping unix.EINTR.
func (c *VCPU) Run() error {
	if c == nil {
		return ErrNoVCPU
	}

	// Holding mu while entering the run orders it against Unmap and Close.
	c.mu.Lock()
	prev := c.Phase()
	switch prev {
	case PhaseRunning:
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRun, unix.EBUSY)

	case PhaseClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRun, unix.EBADF)
	}

	c.phase.Store(int32(PhaseRunning))
	c.mu.Unlock()

	if err := kvm.Run(c.fd); err != nil {
		c.phase.Store(int32(prev))
		return fmt.Errorf("%w: %w", ErrRun, err)
	}

	c.phase.Store(int32(PhaseExited))
	return nil
}

// Close unmaps the VCPU's run state, if it's still mapped, and releases
// the VCPU handle. It fails with ErrBusy while the VCPU is running.
func (c *VCPU) Close() error {
	if c == nil {
		return ErrNoVCPU
	}

	c.mu.Lock()
	switch c.Phase() {
	case PhaseRunning:
		c.mu.Unlock()
		return ErrBusy

	case PhaseClosed:
		c.mu.Unlock()
		return fmt.Errorf("vmm: close VCPU %d: %w", c.id, unix.EBADF)
	}

	c.phase.Store(int32(PhaseClosed))
	state := c.state
	c.mu.Unlock()

	c.m.forget(c)

	var unmapErr error
	if state != nil {
		unmapErr = state.unmap()
	}

	c.log.Debug("closing VCPU")
	if err := c.fd.Close(); err != nil {
		return err
	}

	return unmapErr
}

// running reports whether a Run is outstanding.
func (c *VCPU) running() bool {
	return c.Phase() == PhaseRunning
}
