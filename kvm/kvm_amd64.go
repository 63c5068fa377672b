//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// nrInterrupts is KVM_NR_INTERRUPTS on x86.
const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

var (
	kGetRegs  = ioRead(0x81, unsafe.Sizeof(Regs{}))
	kSetRegs  = ioWrite(0x82, unsafe.Sizeof(Regs{}))
	kGetSregs = ioRead(0x83, unsafe.Sizeof(Sregs{}))
	kSetSregs = ioWrite(0x84, unsafe.Sizeof(Sregs{}))
)

func init() {
	requestNames[kGetRegs] = "KVM_GET_REGS"
	requestNames[kSetRegs] = "KVM_SET_REGS"
	requestNames[kGetSregs] = "KVM_GET_SREGS"
	requestNames[kSetSregs] = "KVM_SET_SREGS"
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), uintptr(kGetRegs), uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetRegs writes the vcpu's general-purpose registers.
// The kernel only reads regs.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), uintptr(kSetRegs), uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), uintptr(kGetSregs), uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetSregs writes the vcpu's special registers.
// The kernel only reads sregs.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), uintptr(kSetSregs), uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}
