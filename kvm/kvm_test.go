//go:build linux

package kvm_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// openSystem opens /dev/kvm or skips the test if KVM isn't usable here.
func openSystem(t *testing.T) *kvm.System {
	t.Helper()

	sys, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}

	t.Cleanup(func() { sys.Close() })
	return sys
}

func TestGetAPIVersion(t *testing.T) {
	sys := openSystem(t)

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		t.Fatal(err)
	}

	if version != kvm.StableAPIVersion {
		t.Fatalf("API version %d != %d", version, kvm.StableAPIVersion)
	}
}

func TestOpenDistinctFds(t *testing.T) {
	a := openSystem(t)
	b := openSystem(t)

	if a.Fd() == b.Fd() {
		t.Fatalf("two open handles share fd %d", a.Fd())
	}
}

func TestOpenPathMissing(t *testing.T) {
	if _, err := kvm.OpenPath("/nonexistent/kvm"); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("%v != ENOENT", err)
	}
}

func TestCreateVM(t *testing.T) {
	sys := openSystem(t)

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()
}

func TestCheckExtension(t *testing.T) {
	sys := openSystem(t)

	if _, err := kvm.CheckExtension(sys, 0); err != nil {
		t.Fatal(err)
	}

	hlt, err := kvm.CheckExtension(sys, kvm.CapHLT)
	if err != nil {
		t.Fatal(err)
	}

	if hlt != 1 {
		t.Fatalf("hlt extension value %d != 1", hlt)
	}
}

func TestCheckExtensionVM(t *testing.T) {
	sys := openSystem(t)

	ext, err := kvm.CheckExtension(sys, kvm.CapCheckExtensionVM)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapCheckExtensionVM, ext)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if _, err := kvm.CheckExtension(vm, 0); err != nil {
		t.Fatal(err)
	}
}

func TestGetVCPUMmapSize(t *testing.T) {
	sys := openSystem(t)

	sz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		t.Fatal(err)
	}

	if sz <= 0 {
		t.Fatalf("vcpu mmap size %d <= 0", sz)
	}

	if min := int(unsafe.Sizeof(kvm.RunData{})); sz < min {
		t.Fatalf("vcpu mmap size %#x < sizeof(RunData) %#x", sz, min)
	}

	again, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		t.Fatal(err)
	}

	if again != sz {
		t.Fatalf("vcpu mmap size changed: %#x != %#x", again, sz)
	}
}

func TestCreateVCPU(t *testing.T) {
	sys := openSystem(t)

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	maxVCPUs, err := kvm.CheckExtension(sys, kvm.CapMaxVCPUs)
	if err != nil {
		t.Fatal(err)
	}

	if maxVCPUs < 1 {
		t.Fatalf("maxVCPUs %d < 1", maxVCPUs)
	}

	// creating every possible vcpu is slow on big hosts
	n := min(maxVCPUs, 4)
	vcpus := make([]*kvm.VCPU, n)

	for i := range vcpus {
		if vcpus[i], err = kvm.CreateVCPU(vm, i); err != nil {
			t.Fatalf("create vcpu %d: %v", i, err)
		}
	}

	if _, err := kvm.CreateVCPU(vm, 0); !errors.Is(err, unix.EEXIST) {
		t.Errorf("unexpected error creating a duplicate vcpu: %v", err)
	}

	for i, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			t.Fatalf("close vcpu %d: %v", i, err)
		}
	}
}

func TestMmapRunData(t *testing.T) {
	sys := openSystem(t)

	mmapSz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	state, err := unix.Mmap(int(vcpu.Fd()), 0, mmapSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(state)

	if len(state) != mmapSz {
		t.Fatalf("mmaped size %d != %d", len(state), mmapSz)
	}
}

func TestSetUserMemoryRegion(t *testing.T) {
	sys := openSystem(t)

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(mem)

	region := &kvm.UserspaceMemoryRegion{
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vm, region); err != nil {
		t.Fatalf("unexpected error setting user memory region: %v", err)
	}
}

func TestDeviceClosed(t *testing.T) {
	devFn := map[string]func(*kvm.System) error{
		"GetAPIVersion":   func(sys *kvm.System) error { _, err := kvm.GetAPIVersion(sys); return err },
		"CreateVM":        func(sys *kvm.System) error { _, err := kvm.CreateVM(sys); return err },
		"CheckExtension":  func(sys *kvm.System) error { _, err := kvm.CheckExtension(sys, 0); return err },
		"GetVCPUMmapSize": func(sys *kvm.System) error { _, err := kvm.GetVCPUMmapSize(sys); return err },
	}

	sys := openSystem(t)
	if err := sys.Close(); err != nil {
		t.Fatal(err)
	}

	for name, fn := range devFn {
		if err := fn(sys); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}

func TestVMClosed(t *testing.T) {
	sys := openSystem(t)

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	if err := vm.Close(); err != nil {
		t.Fatal(err)
	}

	vmFn := map[string]func(*kvm.VM) error{
		"CheckExtension":      func(vm *kvm.VM) error { _, err := kvm.CheckExtension(vm, 0); return err },
		"CreateVCPU":          func(vm *kvm.VM) error { _, err := kvm.CreateVCPU(vm, 0); return err },
		"SetUserMemoryRegion": func(vm *kvm.VM) error { return kvm.SetUserMemoryRegion(vm, nil) },
	}

	for name, fn := range vmFn {
		if err := fn(vm); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}

func TestVCPUClosed(t *testing.T) {
	sys := openSystem(t)

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := vcpu.Close(); err != nil {
		t.Fatal(err)
	}

	vcpuFn := map[string]func(vcpu *kvm.VCPU) error{
		"Run": kvm.Run,
	}

	for name, fn := range vcpuFn {
		if err := fn(vcpu); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}

func TestRunDataLayout(t *testing.T) {
	var rd kvm.RunData

	if off := unsafe.Offsetof(rd.ExitReason); off != 8 {
		t.Errorf("exit_reason offset %d != 8", off)
	}

	if off := unsafe.Offsetof(rd.ValidRegs); off != 288 {
		t.Errorf("kvm_valid_regs offset %d != 288", off)
	}

	if sz := unsafe.Sizeof(rd); sz != 2352 {
		t.Errorf("sizeof(kvm_run) %d != 2352", sz)
	}

	if sz := unsafe.Sizeof(kvm.IOExitData{}); sz != 16 {
		t.Errorf("sizeof(io exit) %d != 16", sz)
	}

	if sz := unsafe.Sizeof(kvm.MMIOExitData{}); sz != 24 {
		t.Errorf("sizeof(mmio exit) %d != 24", sz)
	}

	if sz := unsafe.Sizeof(kvm.UserspaceMemoryRegion{}); sz != 32 {
		t.Errorf("sizeof(kvm_userspace_memory_region) %d != 32", sz)
	}
}

func TestExitData(t *testing.T) {
	buf := make([]byte, unsafe.Sizeof(kvm.RunData{}))
	rd := (*kvm.RunData)(unsafe.Pointer(&buf[0]))

	// io exit union starts at offset 32
	buf[32] = 1
	buf[33] = 2
	buf[34], buf[35] = 0xf8, 0x03

	io := rd.IOExitData()
	if !io.IsOut || io.Size != 2 || io.Port != 0x3f8 {
		t.Fatalf("unexpected io exit data: %+v", *io)
	}

	if raw := rd.ExitData(); raw[2] != 0xf8 {
		t.Fatalf("raw exit data[2] %#x != 0xf8", raw[2])
	}
}

func TestCapString(t *testing.T) {
	for _, c := range kvm.AllCaps() {
		unknown := fmt.Sprintf("Cap(%d)", c)
		if c.String() == unknown {
			t.Error(c)
		}
	}

	if s := kvm.CapHLT.String(); s != "KVM_CAP_HLT" {
		t.Errorf("cap string %s != KVM_CAP_HLT", s)
	}

	if s := kvm.Cap(9999).String(); s != "Cap(9999)" {
		t.Errorf("unexpected string for an unknown cap: %s", s)
	}
}

func TestAllCapsSorted(t *testing.T) {
	caps := kvm.AllCaps()
	for i := 1; i < len(caps); i++ {
		if caps[i-1] >= caps[i] {
			t.Fatalf("caps out of order at %d: %v >= %v", i, caps[i-1], caps[i])
		}
	}
}

func TestExitString(t *testing.T) {
	for e := 0; e < 1000; e++ {
		s := kvm.Exit(e).String()
		if !strings.HasPrefix(s, "KVM_") && !strings.HasPrefix(s, "Exit(") {
			t.Errorf("malformed exit string for Exit(%d): %s", e, s)
		}
	}

	if s := kvm.ExitShutdown.String(); s != "KVM_EXIT_SHUTDOWN" {
		t.Errorf("%s != KVM_EXIT_SHUTDOWN", s)
	}
}
