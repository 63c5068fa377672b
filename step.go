//go:build linux && amd64

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/c35s/kvmstep/kvm"
	"github.com/c35s/kvmstep/vmm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// stepResult is what one VCPU looked like after its run.
type stepResult struct {
	ID    int       `json:"id"`
	Fd    uintptr   `json:"fd"`
	Exit  string    `json:"exit"`
	Regs  kvm.Regs  `json:"regs"`
	Sregs kvm.Sregs `json:"sregs"`
}

type stepReport struct {
	DeviceFd     uintptr      `json:"deviceFd"`
	VMFd         uintptr      `json:"vmFd"`
	VCPUMmapSize int          `json:"vcpuMmapSize"`
	VCPUs        []stepResult `json:"vcpus"`
}

func runStep(cmd *cobra.Command, opts *options) error {
	log := newLogger(opts.verbose)

	var prof Profile
	if opts.profile != "" {
		var err error
		if prof, err = loadProfile(opts.profile); err != nil {
			return err
		}
	}

	devicePath := opts.device
	if prof.Device != "" && !cmd.Flags().Changed("device") {
		devicePath = prof.Device
	}

	n := opts.vcpus
	if prof.VCPUs > 0 && !cmd.Flags().Changed("vcpus") {
		n = prof.VCPUs
	}

	if n < 1 {
		return fmt.Errorf("need at least one VCPU, have %d", n)
	}

	dev, err := vmm.Open(vmm.Config{DevicePath: devicePath, Logger: log})
	if err != nil {
		return err
	}

	defer dev.Close()

	m, err := dev.CreateMachine()
	if err != nil {
		return err
	}

	defer m.Close()

	if prof.Memory != nil {
		mem, err := loadGuestMemory(m, prof.Memory)
		if err != nil {
			return err
		}

		defer unix.Munmap(mem)
	}

	mmsz, err := dev.VCPUMmapSize()
	if err != nil {
		return err
	}

	report := stepReport{
		DeviceFd:     dev.Fd(),
		VMFd:         m.Fd(),
		VCPUMmapSize: mmsz,
		VCPUs:        make([]stepResult, n),
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			res, err := stepVCPU(m, id, mmsz, prof)
			if err != nil {
				return err
			}

			report.VCPUs[id] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(cmd.OutOrStdout(), report)
	return nil
}

// stepVCPU creates VCPU id, sets it up from prof and runs it once. The
// VCPU lives on one OS thread from creation to close.
func stepVCPU(m *vmm.Machine, id, mmsz int, prof Profile) (stepResult, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := m.CreateVCPU(id)
	if err != nil {
		return stepResult{}, err
	}

	defer c.Close()

	s, err := c.MapRunState(mmsz)
	if err != nil {
		return stepResult{}, err
	}

	if err := setupVCPU(c, prof); err != nil {
		return stepResult{}, err
	}

	if err := runOnce(c); err != nil {
		return stepResult{}, fmt.Errorf("VCPU %d: %w", id, err)
	}

	exit, err := s.ExitReason()
	if err != nil {
		return stepResult{}, err
	}

	regs, err := c.GetRegs()
	if err != nil {
		return stepResult{}, err
	}

	sregs, err := c.GetSregs()
	if err != nil {
		return stepResult{}, err
	}

	return stepResult{
		ID:    id,
		Fd:    c.Fd(),
		Exit:  exit.String(),
		Regs:  regs,
		Sregs: sregs,
	}, nil
}

// setupVCPU applies the profile's register values on top of the VCPU's
// reset state.
func setupVCPU(c *vmm.VCPU, prof Profile) error {
	if len(prof.Regs) > 0 {
		regs, err := c.GetRegs()
		if err != nil {
			return err
		}

		if err := applyRegs(&regs, prof.Regs); err != nil {
			return err
		}

		if err := c.SetRegs(regs); err != nil {
			return err
		}
	}

	if len(prof.Sregs) > 0 {
		sregs, err := c.GetSregs()
		if err != nil {
			return err
		}

		if err := applySregs(&sregs, prof.Sregs); err != nil {
			return err
		}

		if err := c.SetSregs(sregs); err != nil {
			return err
		}
	}

	return nil
}

// runOnce runs c, retrying when a signal for the Go runtime interrupts it
// before the guest gets anywhere.
func runOnce(c *vmm.VCPU) error {
	for {
		err := c.Run()
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}

// loadGuestMemory maps anonymous memory for mem, copies its code in and
// installs it in slot 0. The caller unmaps it once the VM is done.
func loadGuestMemory(m *vmm.Machine, mem *Memory) ([]byte, error) {
	code, err := mem.code()
	if err != nil {
		return nil, err
	}

	buf, err := unix.Mmap(-1, 0, mem.Size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("map guest memory: %w", err)
	}

	copy(buf, code)

	if err := m.SetUserMemoryRegion(0, mem.GuestAddr, buf); err != nil {
		unix.Munmap(buf)
		return nil, err
	}

	return buf, nil
}

func printReport(w io.Writer, r stepReport) {
	fmt.Fprintf(w, "device fd: %d\n", r.DeviceFd)
	fmt.Fprintf(w, "vm fd: %d\n", r.VMFd)

	for _, c := range r.VCPUs {
		fmt.Fprintf(w, "vcpu %d fd: %d\n", c.ID, c.Fd)
	}

	fmt.Fprintf(w, "vcpu mmap size: %#x\n", r.VCPUMmapSize)

	for _, c := range r.VCPUs {
		fmt.Fprintf(w, "vcpu %d exit: %s\n", c.ID, c.Exit)
	}

	fmt.Fprintln(w, "Success!")
}
