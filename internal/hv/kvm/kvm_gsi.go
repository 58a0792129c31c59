//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM irq routing structures adapted from asm/kvm.h.
const (
	kvmIRQRoutingIrqchip = 1
)

type kvmIrqRoutingIrqchip struct {
	IRQChip uint32
	Pin     uint32
}

type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	u     kvmIrqRoutingIrqchip
	_     [8]byte // pad to the kernel's union size
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// initGSIRouting installs the identity routing table for GSIs [0,numGSIs):
// each GSI maps to the in-kernel IOAPIC pin of the same number, and the ISA
// range additionally to the PIC, mirroring what QEMU programs for an
// in-kernel irqchip.
func initGSIRouting(vmFd int, numGSIs int) error {
	if numGSIs <= 0 {
		return nil
	}

	var entries []kvmIrqRoutingEntry
	for gsi := 0; gsi < numGSIs; gsi++ {
		if gsi < 16 && gsi != 2 {
			chip := uint32(irqChipPICMaster)
			pin := uint32(gsi)
			if gsi >= 8 {
				chip = irqChipPICSlave
				pin = uint32(gsi - 8)
			}
			entries = append(entries, kvmIrqRoutingEntry{
				GSI:  uint32(gsi),
				Type: kvmIRQRoutingIrqchip,
				u:    kvmIrqRoutingIrqchip{IRQChip: chip, Pin: pin},
			})
		}
		entries = append(entries, kvmIrqRoutingEntry{
			GSI:  uint32(gsi),
			Type: kvmIRQRoutingIrqchip,
			u:    kvmIrqRoutingIrqchip{IRQChip: irqChipIOAPIC, Pin: uint32(gsi)},
		})
	}

	// KVM_SET_GSI_ROUTING expects the entries inline after the header.
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = ent
	}

	if _, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), uintptr(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0]))); e != 0 {
		return fmt.Errorf("set GSI routing: %w", e)
	}
	return nil
}
