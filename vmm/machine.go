//go:build linux

package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// Machine is a KVM virtual machine. It keeps track of its VCPUs so that
// closing it closes them too.
type Machine struct {
	fd  *kvm.VM
	dev *Device
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	vcpus  map[*VCPU]struct{}
}

// Fd returns the VM's descriptor number, for display.
func (m *Machine) Fd() uintptr {
	if m == nil {
		return ^uintptr(0)
	}

	return m.fd.Fd()
}

// Close closes the VM's VCPUs and releases the VM handle. No VCPUs can be
// created once Close is called. If one of the VCPUs is running, Close fails
// with ErrBusy and can be called again once the run returns.
func (m *Machine) Close() error {
	if m == nil {
		return ErrNoMachine
	}

	m.mu.Lock()
	m.closed = true
	vcpus := make([]*VCPU, 0, len(m.vcpus))
	for c := range m.vcpus {
		vcpus = append(vcpus, c)
	}
	m.mu.Unlock()

	for _, c := range vcpus {
		if c.Phase() == PhaseClosed {
			continue
		}

		if err := c.Close(); err != nil {
			return err
		}
	}

	m.dev.forget(m)

	m.log.Debug("closing VM")
	return m.fd.Close()
}

// CheckExtension returns the value KVM reports for the extension c on this
// VM. It needs kvm.CapCheckExtensionVM.
func (m *Machine) CheckExtension(c kvm.Cap) (int, error) {
	if m == nil {
		return 0, ErrNoMachine
	}

	v, err := kvm.CheckExtension(m.fd, c)
	if err != nil {
		return 0, fmt.Errorf("%w: %v: %w", ErrQuery, c, err)
	}

	return v, nil
}

// CreateVCPU adds the VCPU with the given id (0 for the first) to the VM.
func (m *Machine) CreateVCPU(id int) (*VCPU, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: VCPU %d: %w", ErrCreate, id, ErrNoMachine)
	}

	if id < 0 {
		return nil, fmt.Errorf("%w: VCPU %d: %w", ErrCreate, id, unix.EINVAL)
	}

	fd, err := kvm.CreateVCPU(m.fd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: VCPU %d: %w", ErrCreate, id, err)
	}

	c := &VCPU{
		id:  id,
		fd:  fd,
		m:   m,
		log: m.log.With("vcpu", id, "fd", fd.Fd()),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		fd.Close()
		return nil, fmt.Errorf("%w: VCPU %d: %w", ErrCreate, id, unix.EBADF)
	}

	m.vcpus[c] = struct{}{}
	c.log.Debug("created VCPU")

	return c, nil
}

// forget drops c from the VCPUs closed with the machine.
func (m *Machine) forget(c *VCPU) {
	m.mu.Lock()
	delete(m.vcpus, c)
	m.mu.Unlock()
}

// SetUserMemoryRegion installs mem as guest physical memory at guestPhys in
// the given slot. The caller owns mem and must keep it mapped while the VM
// can touch it. An empty mem deletes the slot.
func (m *Machine) SetUserMemoryRegion(slot uint32, guestPhys uint64, mem []byte) error {
	if m == nil {
		return ErrNoMachine
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(mem)),
	}

	if len(mem) > 0 {
		region.UserspaceAddr = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}

	if err := kvm.SetUserMemoryRegion(m.fd, &region); err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrSetUserMemoryRegion, slot, err)
	}

	m.log.Debug("set user memory region", "slot", slot, "addr", guestPhys, "size", len(mem))
	return nil
}
