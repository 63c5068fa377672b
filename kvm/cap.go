//go:build linux

package kvm

import "fmt"

// Cap is a KVM extension that can be queried with CheckExtension.
type Cap int

const (
	CapIRQChip                  Cap = 0
	CapHLT                      Cap = 1
	CapMMUShadowCacheControl    Cap = 2
	CapUserMemory               Cap = 3
	CapSetTSSAddr               Cap = 4
	CapVAPIC                    Cap = 6
	CapExtCPUID                 Cap = 7
	CapClockSource              Cap = 8
	CapNrVCPUs                  Cap = 9
	CapNrMemslots               Cap = 10
	CapPIT                      Cap = 11
	CapNopIODelay               Cap = 12
	CapPVMMU                    Cap = 13
	CapMPState                  Cap = 14
	CapCoalescedMMIO            Cap = 15
	CapSyncMMU                  Cap = 16
	CapIOMMU                    Cap = 18
	CapDestroyMemoryRegionWorks Cap = 21
	CapUserNMI                  Cap = 22
	CapSetGuestDebug            Cap = 23
	CapReinjectControl          Cap = 24
	CapIRQRouting               Cap = 25
	CapIRQInjectStatus          Cap = 26
	CapAssignDevIRQ             Cap = 29
	CapJoinMemoryRegionsWorks   Cap = 30
	CapMCE                      Cap = 31
	CapIRQFD                    Cap = 32
	CapPIT2                     Cap = 33
	CapSetBootCPUID             Cap = 34
	CapPITState2                Cap = 35
	CapIOEventFD                Cap = 36
	CapSetIdentityMapAddr       Cap = 37
	CapXenHVM                   Cap = 38
	CapAdjustClock              Cap = 39
	CapInternalErrorData        Cap = 40
	CapVCPUEvents               Cap = 41
	CapMaxVCPUs                 Cap = 66
	CapCheckExtensionVM         Cap = 105
	CapSplitIRQChip             Cap = 121
	CapImmediateExit            Cap = 136
	CapGetMSRFeatures           Cap = 153
)

var capNames = map[Cap]string{
	CapIRQChip:                  "KVM_CAP_IRQCHIP",
	CapHLT:                      "KVM_CAP_HLT",
	CapMMUShadowCacheControl:    "KVM_CAP_MMU_SHADOW_CACHE_CONTROL",
	CapUserMemory:               "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:               "KVM_CAP_SET_TSS_ADDR",
	CapVAPIC:                    "KVM_CAP_VAPIC",
	CapExtCPUID:                 "KVM_CAP_EXT_CPUID",
	CapClockSource:              "KVM_CAP_CLOCKSOURCE",
	CapNrVCPUs:                  "KVM_CAP_NR_VCPUS",
	CapNrMemslots:               "KVM_CAP_NR_MEMSLOTS",
	CapPIT:                      "KVM_CAP_PIT",
	CapNopIODelay:               "KVM_CAP_NOP_IO_DELAY",
	CapPVMMU:                    "KVM_CAP_PV_MMU",
	CapMPState:                  "KVM_CAP_MP_STATE",
	CapCoalescedMMIO:            "KVM_CAP_COALESCED_MMIO",
	CapSyncMMU:                  "KVM_CAP_SYNC_MMU",
	CapIOMMU:                    "KVM_CAP_IOMMU",
	CapDestroyMemoryRegionWorks: "KVM_CAP_DESTROY_MEMORY_REGION_WORKS",
	CapUserNMI:                  "KVM_CAP_USER_NMI",
	CapSetGuestDebug:            "KVM_CAP_SET_GUEST_DEBUG",
	CapReinjectControl:          "KVM_CAP_REINJECT_CONTROL",
	CapIRQRouting:               "KVM_CAP_IRQ_ROUTING",
	CapIRQInjectStatus:          "KVM_CAP_IRQ_INJECT_STATUS",
	CapAssignDevIRQ:             "KVM_CAP_ASSIGN_DEV_IRQ",
	CapJoinMemoryRegionsWorks:   "KVM_CAP_JOIN_MEMORY_REGIONS_WORKS",
	CapMCE:                      "KVM_CAP_MCE",
	CapIRQFD:                    "KVM_CAP_IRQFD",
	CapPIT2:                     "KVM_CAP_PIT2",
	CapSetBootCPUID:             "KVM_CAP_SET_BOOT_CPU_ID",
	CapPITState2:                "KVM_CAP_PIT_STATE2",
	CapIOEventFD:                "KVM_CAP_IOEVENTFD",
	CapSetIdentityMapAddr:       "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapXenHVM:                   "KVM_CAP_XEN_HVM",
	CapAdjustClock:              "KVM_CAP_ADJUST_CLOCK",
	CapInternalErrorData:        "KVM_CAP_INTERNAL_ERROR_DATA",
	CapVCPUEvents:               "KVM_CAP_VCPU_EVENTS",
	CapMaxVCPUs:                 "KVM_CAP_MAX_VCPUS",
	CapCheckExtensionVM:         "KVM_CAP_CHECK_EXTENSION_VM",
	CapSplitIRQChip:             "KVM_CAP_SPLIT_IRQCHIP",
	CapImmediateExit:            "KVM_CAP_IMMEDIATE_EXIT",
	CapGetMSRFeatures:           "KVM_CAP_GET_MSR_FEATURES",
}

// AllCaps returns every Cap this package knows about, in numeric order.
func AllCaps() []Cap {
	caps := make([]Cap, 0, len(capNames))
	for c := Cap(0); len(caps) < len(capNames); c++ {
		if _, ok := capNames[c]; ok {
			caps = append(caps, c)
		}
	}

	return caps
}

func (c Cap) String() string {
	if name, ok := capNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}
