//go:build linux && amd64

package main

import (
	"fmt"

	"github.com/c35s/kvmstep/kvm"
	"github.com/c35s/kvmstep/vmm"
	"github.com/spf13/cobra"
)

func newProbeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Print the KVM API version, VCPU mmap size and extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := vmm.Open(vmm.Config{
				DevicePath: opts.device,
				Logger:     newLogger(opts.verbose),
			})

			if err != nil {
				return err
			}

			defer dev.Close()

			out := cmd.OutOrStdout()

			version, err := dev.APIVersion()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "KVM API version: %d\n", version)

			mmsz, err := dev.VCPUMmapSize()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "VCPU mmap size: %#x\n", mmsz)

			fmt.Fprintln(out, "\n# extensions")
			for _, c := range kvm.AllCaps() {
				v, err := dev.CheckExtension(c)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%v: %v\n", c, v)
			}

			return nil
		},
	}
}
