//go:build linux && amd64

package main

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c35s/kvmstep/kvm"
	"github.com/google/go-cmp/cmp"
)

func TestParseProfile(t *testing.T) {
	src := `
device: /dev/kvm-test
vcpus: 2
memory:
  size: 0x1000
  guestAddr: 0x0
  code: "b8 2a 00 f4"
regs:
  rip: 0x0
  RAX: 7
sregs:
  cs.base: 0x0
  cs.selector: 0x0
  cr0: 0x60000010
`

	got, err := parseProfile([]byte(src))
	if err != nil {
		t.Fatal(err)
	}

	want := Profile{
		Device: "/dev/kvm-test",
		VCPUs:  2,
		Memory: &Memory{
			Size:      0x1000,
			GuestAddr: 0,
			Code:      "b8 2a 00 f4",
		},
		Regs:  map[string]uint64{"rip": 0, "RAX": 7},
		Sregs: map[string]uint64{"cs.base": 0, "cs.selector": 0, "cr0": 0x60000010},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("profile differs: %s", diff)
	}

	code, err := got.Memory.code()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0xb8, 0x2a, 0x00, 0xf4}, code); diff != "" {
		t.Fatalf("code differs: %s", diff)
	}
}

func TestParseEmptyProfile(t *testing.T) {
	p, err := parseProfile(nil)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Profile{}, p); diff != "" {
		t.Fatalf("empty profile isn't zero: %s", diff)
	}
}

func TestParseBadProfile(t *testing.T) {
	bad := map[string]string{
		"unknown field":        "kernel: bzImage\n",
		"negative vcpus":       "vcpus: -1\n",
		"unaligned size":       "memory:\n  size: 100\n",
		"zero size":            "memory:\n  size: 0\n",
		"unaligned addr":       "memory:\n  size: 0x1000\n  guestAddr: 0x10\n",
		"bad hex":              "memory:\n  size: 0x1000\n  code: f4z\n",
		"unknown reg":          "regs:\n  xmm0: 1\n",
		"unknown sreg":         "sregs:\n  cr1: 1\n",
		"unknown segment":      "sregs:\n  zs.base: 1\n",
		"unknown seg field":    "sregs:\n  cs.color: 1\n",
		"unknown dt field":     "sregs:\n  gdt.selector: 1\n",
		"wide dt limit":        "sregs:\n  gdt.limit: 0x10000\n",
		"wide seg limit":       "sregs:\n  ds.limit: 0x100000000\n",
		"wide selector":        "sregs:\n  cs.selector: 0x10000\n",
		"wide segment type":    "sregs:\n  cs.type: 0x1ff\n",
		"wide segment present": "sregs:\n  ss.present: 0x100\n",
	}

	for name, src := range bad {
		if _, err := parseProfile([]byte(src)); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestParseProfileOutOfRange(t *testing.T) {
	_, err := parseProfile([]byte("sregs:\n  gdt.limit: 0x10000\n"))
	if err == nil {
		t.Fatal("no error")
	}

	if want := "sregs: gdt.limit: value 0x10000 out of range"; err.Error() != want {
		t.Fatalf("%q != %q", err, want)
	}
}

func TestApplySregsWidths(t *testing.T) {
	var sregs kvm.Sregs

	err := applySregs(&sregs, map[string]uint64{
		"cs.limit":    math.MaxUint32,
		"cs.selector": math.MaxUint16,
		"cs.type":     math.MaxUint8,
		"idt.limit":   math.MaxUint16,
	})

	if err != nil {
		t.Fatal(err)
	}

	var want kvm.Sregs
	want.CS.Limit = math.MaxUint32
	want.CS.Selector = math.MaxUint16
	want.CS.Type = math.MaxUint8
	want.IDT.Limit = math.MaxUint16

	if diff := cmp.Diff(want, sregs); diff != "" {
		t.Fatalf("sregs differ: %s", diff)
	}
}

func TestParseProfileCodeTooLong(t *testing.T) {
	src := "memory:\n  size: 0x1000\n  code: \"" + strings.Repeat("90", os.Getpagesize()+1) + "\"\n"
	if _, err := parseProfile([]byte(src)); err == nil {
		t.Fatal("no error")
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("vcpus: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := loadProfile(path)
	if err != nil {
		t.Fatal(err)
	}

	if p.VCPUs != 3 {
		t.Fatalf("vcpus %d != 3", p.VCPUs)
	}

	if _, err := loadProfile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing profile: %v", err)
	}
}

func TestApplyRegs(t *testing.T) {
	regs := kvm.Regs{RBX: 5, RFlags: 2}

	err := applyRegs(&regs, map[string]uint64{
		"rip":    0x1000,
		"RSP":    0x8000,
		"r15":    0xff,
		"rflags": 0x202,
	})

	if err != nil {
		t.Fatal(err)
	}

	want := kvm.Regs{RBX: 5, RIP: 0x1000, RSP: 0x8000, R15: 0xff, RFlags: 0x202}
	if diff := cmp.Diff(want, regs); diff != "" {
		t.Fatalf("regs differ: %s", diff)
	}
}

func TestApplySregs(t *testing.T) {
	var sregs kvm.Sregs

	err := applySregs(&sregs, map[string]uint64{
		"cs.base":     0x10000,
		"cs.selector": 0x1000,
		"cs.l":        1,
		"ss.dpl":      3,
		"gdt.base":    0x500,
		"gdt.limit":   0x1f,
		"cr3":         0x2000,
		"efer":        0x500,
		"apic_base":   0xfee00900,
	})

	if err != nil {
		t.Fatal(err)
	}

	var want kvm.Sregs
	want.CS.Base = 0x10000
	want.CS.Selector = 0x1000
	want.CS.L = 1
	want.SS.DPL = 3
	want.GDT.Base = 0x500
	want.GDT.Limit = 0x1f
	want.CR3 = 0x2000
	want.EFER = 0x500
	want.APICBase = 0xfee00900

	if diff := cmp.Diff(want, sregs); diff != "" {
		t.Fatalf("sregs differ: %s", diff)
	}
}
