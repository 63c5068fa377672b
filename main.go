//go:build linux && amd64

// kvmstep opens the KVM device, creates a VM with one or more VCPUs, maps
// each VCPU's run state and runs every VCPU exactly once.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/kvmstep/kvm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type options struct {
	device  string
	vcpus   int
	profile string
	verbose bool
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kvmstep: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := new(options)

	root := &cobra.Command{
		Use:   "kvmstep",
		Short: "Run KVM VCPUs exactly once",
		Long: `Open the KVM device, create a VM and its VCPUs, map each VCPU's run
state and run every VCPU once. Without a profile the VCPUs start at their
reset state with no memory, so the exit KVM reports is usually a shutdown
or an internal error.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.device, "device", "d", kvm.DevicePath, "KVM device node")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log handle lifetimes")

	root.Flags().IntVarP(&opts.vcpus, "vcpus", "n", 1, "number of VCPUs to run")
	root.Flags().StringVarP(&opts.profile, "profile", "p", "", "YAML launch profile")
	root.Flags().BoolVar(&opts.json, "json", false, "print the result as JSON")

	root.AddCommand(newProbeCmd(opts))
	return root
}

// newLogger logs to stderr, as text for a person and as JSON otherwise.
func newLogger(verbose bool) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		hopts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, hopts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
}
