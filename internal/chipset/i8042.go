package chipset

import (
	"github.com/ph-hv/ph/internal/hv"
)

// I8042 emulates just enough of the keyboard controller for the guest kernel
// to probe it and to request a CPU reset on poweroff. A reset request is
// surfaced to the host as a shutdown, not a reboot.
type I8042 struct {
	// RequestShutdown is invoked on the vCPU thread when the guest pulses the
	// reset line. It must not block.
	RequestShutdown func()
}

// Init implements hv.Device.
func (d *I8042) Init(vm hv.VirtualMachine) error { return nil }

// IOPortRanges implements hv.X86IOPortDevice. Ports 0x60 (data) through 0x64
// (command/status).
func (d *I8042) IOPortRanges() []hv.PortRange {
	return []hv.PortRange{{Base: 0x60, Count: 5}}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (d *I8042) ReadIOPort(offset uint16, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	if offset == 4 && len(data) == 1 {
		// Status: input buffer empty, output buffer empty, self-test passed.
		data[0] = 0x1c
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (d *I8042) WriteIOPort(offset uint16, data []byte) error {
	if offset == 4 && len(data) == 1 && data[0] == 0xfe {
		if d.RequestShutdown != nil {
			d.RequestShutdown()
		}
	}
	return nil
}

var (
	_ hv.Device          = &I8042{}
	_ hv.X86IOPortDevice = &I8042{}
)
