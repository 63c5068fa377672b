//go:build linux && amd64

package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/c35s/kvmstep/kvm"
	"gopkg.in/yaml.v3"
)

// Profile is a launch profile. Everything in it is optional; flags given
// on the command line win over the profile.
//
//	device: /dev/kvm
//	vcpus: 2
//	memory:
//	  size: 0x1000
//	  guestAddr: 0x0
//	  code: f4 # hlt
//	regs:
//	  rip: 0x0
//	sregs:
//	  cs.base: 0x0
//	  cs.selector: 0x0
type Profile struct {
	Device string            `yaml:"device,omitempty"`
	VCPUs  int               `yaml:"vcpus,omitempty"`
	Memory *Memory           `yaml:"memory,omitempty"`
	Regs   map[string]uint64 `yaml:"regs,omitempty"`
	Sregs  map[string]uint64 `yaml:"sregs,omitempty"`
}

// Memory is a single page-aligned slot of guest memory with optional code
// copied to its start.
type Memory struct {
	Size      int    `yaml:"size"`
	GuestAddr uint64 `yaml:"guestAddr"`

	// Code is hex-encoded machine code. Whitespace is ignored.
	Code string `yaml:"code,omitempty"`
}

// loadProfile reads and checks the profile at path.
func loadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	p, err := parseProfile(data)
	if err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}

	return p, nil
}

func parseProfile(data []byte) (Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, err
	}

	if err := p.validate(); err != nil {
		return Profile{}, err
	}

	return p, nil
}

func (p Profile) validate() error {
	if p.VCPUs < 0 {
		return fmt.Errorf("vcpus: %d < 0", p.VCPUs)
	}

	if p.Memory != nil {
		if err := p.Memory.validate(); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}

	// applying to zero values catches unknown names early
	if err := applyRegs(&kvm.Regs{}, p.Regs); err != nil {
		return err
	}

	if err := applySregs(&kvm.Sregs{}, p.Sregs); err != nil {
		return err
	}

	return nil
}

func (m *Memory) validate() error {
	page := os.Getpagesize()
	if m.Size <= 0 || m.Size%page != 0 {
		return fmt.Errorf("size %#x is not a positive multiple of the page size %#x", m.Size, page)
	}

	if m.GuestAddr%uint64(page) != 0 {
		return fmt.Errorf("guestAddr %#x is not page-aligned", m.GuestAddr)
	}

	code, err := m.code()
	if err != nil {
		return err
	}

	if len(code) > m.Size {
		return fmt.Errorf("code is %d bytes, memory is %d", len(code), m.Size)
	}

	return nil
}

// code decodes Code.
func (m *Memory) code() ([]byte, error) {
	s := strings.Join(strings.Fields(m.Code), "")

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}

	return b, nil
}

// applyRegs sets the named general-purpose registers in regs.
func applyRegs(regs *kvm.Regs, vals map[string]uint64) error {
	for _, name := range sortedKeys(vals) {
		v := vals[name]

		switch strings.ToLower(name) {
		case "rax":
			regs.RAX = v
		case "rbx":
			regs.RBX = v
		case "rcx":
			regs.RCX = v
		case "rdx":
			regs.RDX = v
		case "rsi":
			regs.RSI = v
		case "rdi":
			regs.RDI = v
		case "rsp":
			regs.RSP = v
		case "rbp":
			regs.RBP = v
		case "r8":
			regs.R8 = v
		case "r9":
			regs.R9 = v
		case "r10":
			regs.R10 = v
		case "r11":
			regs.R11 = v
		case "r12":
			regs.R12 = v
		case "r13":
			regs.R13 = v
		case "r14":
			regs.R14 = v
		case "r15":
			regs.R15 = v
		case "rip":
			regs.RIP = v
		case "rflags":
			regs.RFlags = v
		default:
			return fmt.Errorf("regs: unknown register %q", name)
		}
	}

	return nil
}

// applySregs sets the named special registers in sregs. Segment and
// descriptor table fields are named like "cs.base" or "gdt.limit".
func applySregs(sregs *kvm.Sregs, vals map[string]uint64) error {
	segs := map[string]*kvm.Segment{
		"cs": &sregs.CS, "ds": &sregs.DS, "es": &sregs.ES,
		"fs": &sregs.FS, "gs": &sregs.GS, "ss": &sregs.SS,
		"tr": &sregs.TR, "ldt": &sregs.LDT,
	}

	tables := map[string]*kvm.Dtable{
		"gdt": &sregs.GDT,
		"idt": &sregs.IDT,
	}

	for _, name := range sortedKeys(vals) {
		v := vals[name]
		lower := strings.ToLower(name)

		reg, field, ok := strings.Cut(lower, ".")
		if !ok {
			switch reg {
			case "cr0":
				sregs.CR0 = v
			case "cr2":
				sregs.CR2 = v
			case "cr3":
				sregs.CR3 = v
			case "cr4":
				sregs.CR4 = v
			case "cr8":
				sregs.CR8 = v
			case "efer":
				sregs.EFER = v
			case "apic_base":
				sregs.APICBase = v
			default:
				return fmt.Errorf("sregs: unknown register %q", name)
			}

			continue
		}

		if seg, ok := segs[reg]; ok {
			if err := setSegmentField(seg, field, v); err != nil {
				return fmt.Errorf("sregs: %s: %w", name, err)
			}

			continue
		}

		if dt, ok := tables[reg]; ok {
			switch field {
			case "base":
				dt.Base = v
			case "limit":
				if v > math.MaxUint16 {
					return fmt.Errorf("sregs: %s: %w", name, outOfRange(v))
				}

				dt.Limit = uint16(v)
			default:
				return fmt.Errorf("sregs: %s: unknown field %q", name, field)
			}

			continue
		}

		return fmt.Errorf("sregs: unknown register %q", name)
	}

	return nil
}

func setSegmentField(seg *kvm.Segment, field string, v uint64) error {
	switch field {
	case "base":
		seg.Base = v
		return nil

	case "limit":
		if v > math.MaxUint32 {
			return outOfRange(v)
		}

		seg.Limit = uint32(v)
		return nil

	case "selector":
		if v > math.MaxUint16 {
			return outOfRange(v)
		}

		seg.Selector = uint16(v)
		return nil
	}

	var flag *uint8
	switch field {
	case "type":
		flag = &seg.Type
	case "present":
		flag = &seg.Present
	case "dpl":
		flag = &seg.DPL
	case "db":
		flag = &seg.DB
	case "s":
		flag = &seg.S
	case "l":
		flag = &seg.L
	case "g":
		flag = &seg.G
	case "avl":
		flag = &seg.Avl
	case "unusable":
		flag = &seg.Unusable
	default:
		return fmt.Errorf("unknown field %q", field)
	}

	if v > math.MaxUint8 {
		return outOfRange(v)
	}

	*flag = uint8(v)
	return nil
}

func outOfRange(v uint64) error {
	return fmt.Errorf("value %#x out of range", v)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}
