//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// request is an encoded ioctl request number, laid out the way the kernel's
// _IOC macro lays it out: nr in bits 0-7, type in bits 8-15, payload size in
// bits 16-29 and direction in bits 30-31.
type request uintptr

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocSizeMask = 1<<14 - 1

	// kvmio is the ioctl type of every KVM request.
	kvmio = 0xae
)

// System, VM and VCPU requests. Requests that carry arch-specific register
// blocks are declared next to the register types.
var (
	kGetAPIVersion       = ioNone(0x00)
	kCreateVM            = ioNone(0x01)
	kCheckExtension      = ioNone(0x03)
	kGetVCPUMmapSize     = ioNone(0x04)
	kCreateVCPU          = ioNone(0x41)
	kSetUserMemoryRegion = ioWrite(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kRun                 = ioNone(0x80)
)

// requestNames is filled in by each file that declares requests.
var requestNames = map[request]string{
	kGetAPIVersion:       "KVM_GET_API_VERSION",
	kCreateVM:            "KVM_CREATE_VM",
	kCheckExtension:      "KVM_CHECK_EXTENSION",
	kGetVCPUMmapSize:     "KVM_GET_VCPU_MMAP_SIZE",
	kCreateVCPU:          "KVM_CREATE_VCPU",
	kSetUserMemoryRegion: "KVM_SET_USER_MEMORY_REGION",
	kRun:                 "KVM_RUN",
}

func ioc(dir, nr, size uintptr) request {
	if size > iocSizeMask {
		panic(fmt.Sprintf("kvm: ioctl %#x payload too large: %d", nr, size))
	}

	return request(dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNRShift)
}

func ioNone(nr uintptr) request        { return ioc(iocNone, nr, 0) }
func ioRead(nr, size uintptr) request  { return ioc(iocRead, nr, size) }
func ioWrite(nr, size uintptr) request { return ioc(iocWrite, nr, size) }

func (r request) dir() uintptr  { return uintptr(r) >> iocDirShift }
func (r request) typ() uintptr  { return uintptr(r) >> iocTypeShift & 0xff }
func (r request) nr() uintptr   { return uintptr(r) >> iocNRShift & 0xff }
func (r request) size() uintptr { return uintptr(r) >> iocSizeShift & iocSizeMask }

func (r request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}

	return fmt.Sprintf("request(%#x)", uintptr(r))
}

// ioctl issues a request whose argument is an integer, not a pointer.
// Requests that pass a pointer call unix.Syscall directly so the pointer
// conversion happens in the call expression.
func ioctl(f interface{ Fd() uintptr }, req request, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}

	return r1, nil
}
