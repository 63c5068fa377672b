//go:build linux

package vmm

import (
	"fmt"

	"github.com/c35s/kvmstep/kvm"
	"golang.org/x/sys/unix"
)

// GetRegs reads the VCPU's general-purpose registers from the kernel.
func (c *VCPU) GetRegs() (kvm.Regs, error) {
	var regs kvm.Regs
	if err := c.checkRegisterAccess(); err != nil {
		return regs, err
	}

	if err := kvm.GetRegs(c.fd, &regs); err != nil {
		return regs, fmt.Errorf("%w: get regs: %w", ErrRegisterAccess, err)
	}

	return regs, nil
}

// SetRegs writes the VCPU's general-purpose registers.
func (c *VCPU) SetRegs(regs kvm.Regs) error {
	if err := c.checkRegisterAccess(); err != nil {
		return err
	}

	if err := kvm.SetRegs(c.fd, &regs); err != nil {
		return fmt.Errorf("%w: set regs: %w", ErrRegisterAccess, err)
	}

	return nil
}

// GetSregs reads the VCPU's special registers from the kernel.
func (c *VCPU) GetSregs() (kvm.Sregs, error) {
	var sregs kvm.Sregs
	if err := c.checkRegisterAccess(); err != nil {
		return sregs, err
	}

	if err := kvm.GetSregs(c.fd, &sregs); err != nil {
		return sregs, fmt.Errorf("%w: get sregs: %w", ErrRegisterAccess, err)
	}

	return sregs, nil
}

// SetSregs writes the VCPU's special registers.
func (c *VCPU) SetSregs(sregs kvm.Sregs) error {
	if err := c.checkRegisterAccess(); err != nil {
		return err
	}

	if err := kvm.SetSregs(c.fd, &sregs); err != nil {
		return fmt.Errorf("%w: set sregs: %w", ErrRegisterAccess, err)
	}

	return nil
}

func (c *VCPU) checkRegisterAccess() error {
	if c == nil {
		return ErrNoVCPU
	}

	if c.running() {
		return fmt.Errorf("%w: %w", ErrRegisterAccess, unix.EBUSY)
	}

	return nil
}
