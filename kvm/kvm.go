//go:build linux

// Package kvm is a thin layer over the Linux KVM ioctl API. Each function
// issues exactly one ioctl and returns the raw errno on failure. Types with
// a C counterpart have the same layout as that counterpart.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath is where the KVM subsystem lives.
const DevicePath = "/dev/kvm"

// StableAPIVersion is the only KVM API version this package speaks.
const StableAPIVersion = 12

// System is an open handle to the KVM subsystem.
type System os.File

// VM is a handle to a virtual machine created by CreateVM.
type VM os.File

// VCPU is a handle to a virtual CPU created by CreateVCPU.
type VCPU os.File

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// RunData has the same layout as struct kvm_run, the record the kernel
// shares with userspace through the VCPU's mmaped region.
type RunData struct {
	RequestInterruptWindow     uint8 // in
	ImmediateExit              uint8 // in
	_                          [6]uint8
	ExitReason                 Exit
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	ValidRegs uint64
	DirtyRegs uint64
	_         [2048]uint8
}

// IOExitData is the "io" member of the exit union in struct kvm_run.
// Offset is relative to the start of the mmaped region.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the "mmio" member of the exit union in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// Open opens the KVM device at DevicePath.
func Open() (*System, error) {
	return OpenPath(DevicePath)
}

// OpenPath opens the KVM device at path for reading and writing.
// The returned error is the *os.PathError from the open call.
func OpenPath(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return (*System)(f), nil
}

// Fd returns the system file descriptor, or ^uintptr(0) if it's closed.
func (s *System) Fd() uintptr { return (*os.File)(s).Fd() }

// Close releases the handle. VMs created from it stay alive.
func (s *System) Close() error { return (*os.File)(s).Close() }

// Fd returns the VM file descriptor, or ^uintptr(0) if it's closed.
func (vm *VM) Fd() uintptr { return (*os.File)(vm).Fd() }

// Close releases the handle. The kernel destroys the VM once no VCPU
// or other resource refers to it.
func (vm *VM) Close() error { return (*os.File)(vm).Close() }

// Fd returns the VCPU file descriptor, or ^uintptr(0) if it's closed.
func (vcpu *VCPU) Fd() uintptr { return (*os.File)(vcpu).Fd() }

// Close releases the handle. Mappings of the VCPU's state keep the
// kernel object alive until they are unmapped.
func (vcpu *VCPU) Close() error { return (*os.File)(vcpu).Close() }

// GetAPIVersion returns the KVM API version. It should always be
// StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	v, err := ioctl(sys, kGetAPIVersion, 0)
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

// CheckExtension returns a value describing the given extension's availability.
// Most extensions return 0 if unsupported and 1 if supported, but some return
// other positive values. f may be a *System or, if CapCheckExtensionVM is
// available, a *VM.
func CheckExtension(f interface{ Fd() uintptr }, c Cap) (int, error) {
	v, err := ioctl(f, kCheckExtension, uintptr(c))
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

// GetVCPUMmapSize returns the size of the region that must be mmaped from
// each VCPU fd. It is a system request: it goes to the /dev/kvm handle, not
// to a VM or VCPU.
func GetVCPUMmapSize(sys *System) (int, error) {
	v, err := ioctl(sys, kGetVCPUMmapSize, 0)
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

// CreateVM creates a new VM with the default machine type.
func CreateVM(sys *System) (*VM, error) {
	fd, err := ioctl(sys, kCreateVM, 0)
	if err != nil {
		return nil, err
	}

	return (*VM)(newFile(fd, "kvm-vm")), nil
}

// CreateVCPU adds a VCPU with the given id to the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := ioctl(vm, kCreateVCPU, uintptr(id))
	if err != nil {
		return nil, err
	}

	return (*VCPU)(newFile(fd, "kvm-vcpu")), nil
}

// SetUserMemoryRegion creates, modifies, or deletes a guest physical memory slot.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), uintptr(kSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run runs the VCPU until it exits. The exit reason and exit data are in the
// VCPU's mmaped RunData.
func Run(vcpu *VCPU) error {
	_, err := ioctl(vcpu, kRun, 0)
	return err
}

// IOExitData returns data describing the present KVM_EXIT_IO exit.
// The result is meaningless if the exit reason is not ExitIO.
func (r *RunData) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&r.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO exit.
// The result is meaningless if the exit reason is not ExitMMIO.
func (r *RunData) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&r.exitData[0]))
}

// ExitData returns a copy of the raw exit union.
func (r *RunData) ExitData() [256]byte {
	return r.exitData
}

// newFile is the only place a raw fd returned by the kernel becomes an
// owned handle.
func newFile(fd uintptr, name string) *os.File {
	return os.NewFile(fd, name)
}
