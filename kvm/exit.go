//go:build linux

package kvm

import "fmt"

// Exit is the reason a VCPU returned from Run.
type Exit uint32

const (
	ExitUnknown        Exit = 0
	ExitException      Exit = 1
	ExitIO             Exit = 2
	ExitHypercall      Exit = 3
	ExitDebug          Exit = 4
	ExitHLT            Exit = 5
	ExitMMIO           Exit = 6
	ExitIRQWindowOpen  Exit = 7
	ExitShutdown       Exit = 8
	ExitFailEntry      Exit = 9
	ExitIntr           Exit = 10
	ExitSetTPR         Exit = 11
	ExitTPRAccess      Exit = 12
	ExitS390SIEIC      Exit = 13
	ExitS390Reset      Exit = 14
	ExitDCR            Exit = 15
	ExitNMI            Exit = 16
	ExitInternalError  Exit = 17
	ExitOSI            Exit = 18
	ExitPAPRHcall      Exit = 19
	ExitS390UControl   Exit = 20
	ExitWatchdog       Exit = 21
	ExitS390TSCH       Exit = 22
	ExitEPR            Exit = 23
	ExitSystemEvent    Exit = 24
	ExitS390STSI       Exit = 25
	ExitIOAPICEOI      Exit = 26
	ExitHyperV         Exit = 27
	ExitARMNISV        Exit = 28
	ExitX86RDMSR       Exit = 29
	ExitX86WRMSR       Exit = 30
	ExitDirtyRingFull  Exit = 31
	ExitAPResetHold    Exit = 32
	ExitX86BusLock     Exit = 33
	ExitXen            Exit = 34
	ExitRISCVSBI       Exit = 35
	ExitRISCVCSR       Exit = 36
	ExitNotify         Exit = 37
	ExitLoongArchIOCSR Exit = 38
	ExitMemoryFault    Exit = 39
)

var exitNames = [...]string{
	ExitUnknown:        "KVM_EXIT_UNKNOWN",
	ExitException:      "KVM_EXIT_EXCEPTION",
	ExitIO:             "KVM_EXIT_IO",
	ExitHypercall:      "KVM_EXIT_HYPERCALL",
	ExitDebug:          "KVM_EXIT_DEBUG",
	ExitHLT:            "KVM_EXIT_HLT",
	ExitMMIO:           "KVM_EXIT_MMIO",
	ExitIRQWindowOpen:  "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:       "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:      "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:           "KVM_EXIT_INTR",
	ExitSetTPR:         "KVM_EXIT_SET_TPR",
	ExitTPRAccess:      "KVM_EXIT_TPR_ACCESS",
	ExitS390SIEIC:      "KVM_EXIT_S390_SIEIC",
	ExitS390Reset:      "KVM_EXIT_S390_RESET",
	ExitDCR:            "KVM_EXIT_DCR",
	ExitNMI:            "KVM_EXIT_NMI",
	ExitInternalError:  "KVM_EXIT_INTERNAL_ERROR",
	ExitOSI:            "KVM_EXIT_OSI",
	ExitPAPRHcall:      "KVM_EXIT_PAPR_HCALL",
	ExitS390UControl:   "KVM_EXIT_S390_UCONTROL",
	ExitWatchdog:       "KVM_EXIT_WATCHDOG",
	ExitS390TSCH:       "KVM_EXIT_S390_TSCH",
	ExitEPR:            "KVM_EXIT_EPR",
	ExitSystemEvent:    "KVM_EXIT_SYSTEM_EVENT",
	ExitS390STSI:       "KVM_EXIT_S390_STSI",
	ExitIOAPICEOI:      "KVM_EXIT_IOAPIC_EOI",
	ExitHyperV:         "KVM_EXIT_HYPERV",
	ExitARMNISV:        "KVM_EXIT_ARM_NISV",
	ExitX86RDMSR:       "KVM_EXIT_X86_RDMSR",
	ExitX86WRMSR:       "KVM_EXIT_X86_WRMSR",
	ExitDirtyRingFull:  "KVM_EXIT_DIRTY_RING_FULL",
	ExitAPResetHold:    "KVM_EXIT_AP_RESET_HOLD",
	ExitX86BusLock:     "KVM_EXIT_X86_BUS_LOCK",
	ExitXen:            "KVM_EXIT_XEN",
	ExitRISCVSBI:       "KVM_EXIT_RISCV_SBI",
	ExitRISCVCSR:       "KVM_EXIT_RISCV_CSR",
	ExitNotify:         "KVM_EXIT_NOTIFY",
	ExitLoongArchIOCSR: "KVM_EXIT_LOONGARCH_IOCSR",
	ExitMemoryFault:    "KVM_EXIT_MEMORY_FAULT",
}

func (e Exit) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}

	return fmt.Sprintf("Exit(%d)", e)
}
