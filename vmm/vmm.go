//go:build linux

// Package vmm drives a single KVM virtual CPU: it owns the device, VM and
// VCPU handles, maps the VCPU's shared run state, and steps the VCPU one
// run at a time. It never interprets why a run exited.
package vmm

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// Config describes how to open the KVM device.
type Config struct {

	// DevicePath is the KVM device node.
	// If DevicePath is empty, kvm.DevicePath is used.
	DevicePath string

	// RequiredCaps lists extensions that must be available.
	// Open fails with ErrCompat if any of them is missing.
	RequiredCaps []kvm.Cap

	// Logger receives debug events about handle lifetimes.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

var (
	ErrDeviceUnavailable   = errors.New("vmm: KVM device is not available")
	ErrPermissionDenied    = errors.New("vmm: KVM device permission denied")
	ErrCompat              = errors.New("vmm: incompatible KVM")
	ErrConfig              = errors.New("vmm: invalid config")
	ErrCreate              = errors.New("vmm: create failed")
	ErrQuery               = errors.New("vmm: query failed")
	ErrMap                 = errors.New("vmm: VCPU mmap failed")
	ErrUseAfterUnmap       = errors.New("vmm: run state is unmapped")
	ErrRegisterAccess      = errors.New("vmm: register access failed")
	ErrRun                 = errors.New("vmm: run failed")
	ErrSetUserMemoryRegion = errors.New("vmm: set user memory region failed")
	ErrBusy                = errors.New("vmm: VCPU is running")
	ErrNoDevice            = errors.New("vmm: no device")
	ErrNoMachine           = errors.New("vmm: no machine")
	ErrNoVCPU              = errors.New("vmm: no VCPU")
)

// Device is an open KVM device. It is the source of every Machine.
type Device struct {
	sys  *kvm.System
	path string
	log  *slog.Logger

	mu       sync.Mutex
	mmsz     int // 0 until the first successful query
	closed   bool
	machines map[*Machine]struct{}
}

// getVCPUMmapSize is replaced in tests.
var getVCPUMmapSize = kvm.GetVCPUMmapSize

// Open opens the KVM device described by cfg and checks that it speaks
// the stable API and has the required extensions.
func Open(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sys, err := kvm.OpenPath(cfg.DevicePath)
	if err != nil {
		return nil, openError(err)
	}

	if err := validateKVM(sys, cfg.RequiredCaps); err != nil {
		sys.Close()
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	d := &Device{
		sys:      sys,
		path:     cfg.DevicePath,
		log:      cfg.Logger,
		machines: make(map[*Machine]struct{}),
	}

	d.log.Debug("opened KVM device", "path", d.path, "fd", d.sys.Fd())
	return d, nil
}

// Fd returns the device's descriptor number. It's for display; the
// descriptor is owned by the Device.
func (d *Device) Fd() uintptr {
	if d == nil {
		return ^uintptr(0)
	}

	return d.sys.Fd()
}

// Close releases the device and closes every Machine created from it,
// along with their VCPUs. It stops at the first VCPU that is still running.
func (d *Device) Close() error {
	if d == nil {
		return ErrNoDevice
	}

	d.mu.Lock()
	d.closed = true
	machines := make([]*Machine, 0, len(d.machines))
	for m := range d.machines {
		machines = append(machines, m)
	}
	d.mu.Unlock()

	for _, m := range machines {
		if err := m.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}

	d.log.Debug("closing KVM device", "path", d.path, "fd", d.sys.Fd())
	return d.sys.Close()
}

// APIVersion returns the KVM API version.
func (d *Device) APIVersion() (int, error) {
	if d == nil {
		return 0, ErrNoDevice
	}

	v, err := kvm.GetAPIVersion(d.sys)
	if err != nil {
		return 0, fmt.Errorf("%w: API version: %w", ErrQuery, err)
	}

	return v, nil
}

// CheckExtension returns the value KVM reports for the extension c.
func (d *Device) CheckExtension(c kvm.Cap) (int, error) {
	if d == nil {
		return 0, ErrNoDevice
	}

	v, err := kvm.CheckExtension(d.sys, c)
	if err != nil {
		return 0, fmt.Errorf("%w: %v: %w", ErrQuery, c, err)
	}

	return v, nil
}

// VCPUMmapSize returns the size in bytes of the run state every VCPU must
// map. The kernel answers this on the device handle only. The first
// successful answer is cached for the life of the Device.
//
// VCPUMmapSize panics if the kernel reports success with a size that isn't
// positive, since that breaks the KVM contract.
func (d *Device) VCPUMmapSize() (int, error) {
	if d == nil {
		return 0, ErrNoDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mmsz > 0 {
		return d.mmsz, nil
	}

	sz, err := getVCPUMmapSize(d.sys)
	if err != nil {
		return 0, fmt.Errorf("%w: VCPU mmap size: %w", ErrQuery, err)
	}

	if sz <= 0 {
		panic(fmt.Sprintf("vmm: KVM reported VCPU mmap size %d", sz))
	}

	d.mmsz = sz
	d.log.Debug("queried VCPU mmap size", "size", sz)

	return sz, nil
}

// CreateMachine creates a VM. The VM is closed along with the Device.
func (d *Device) CreateMachine() (*Machine, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: VM: %w", ErrCreate, ErrNoDevice)
	}

	vm, err := kvm.CreateVM(d.sys)
	if err != nil {
		return nil, fmt.Errorf("%w: VM: %w", ErrCreate, err)
	}

	m := &Machine{
		fd:    vm,
		dev:   d,
		log:   d.log.With("vm", vm.Fd()),
		vcpus: make(map[*VCPU]struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		vm.Close()
		return nil, fmt.Errorf("%w: VM: %w", ErrCreate, unix.EBADF)
	}

	d.machines[m] = struct{}{}
	m.log.Debug("created VM")

	return m, nil
}

// forget drops m from the machines closed with the device.
func (d *Device) forget(m *Machine) {
	d.mu.Lock()
	delete(d.machines, m)
	d.mu.Unlock()
}

// validateKVM returns an error if KVM isn't the stable API or lacks one of
// the required extensions.
func validateKVM(sys *kvm.System, required []kvm.Cap) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	var missing []string
	for _, c := range required {
		val, err := kvm.CheckExtension(sys, c)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, c.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ","))
	}

	return nil
}

// openError classifies a failure to open the device node.
func openError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

func (cfg Config) validate() error {
	for _, c := range cfg.RequiredCaps {
		if c < 0 {
			return fmt.Errorf("bad required extension: %v", c)
		}
	}

	if strings.ContainsRune(cfg.DevicePath, 0) {
		return errors.New("device path contains a NUL byte")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.DevicePath == "" {
		cfg.DevicePath = kvm.DevicePath
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
