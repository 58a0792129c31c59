package chipset

import (
	"sync"

	"github.com/ph-hv/ph/internal/hv"
)

const resetControlPort = 0xcf9

// ResetControlPort emulates the PCI reset control register at I/O port
// 0xCF9. Guests without working ACPI fall back to it on reboot and poweroff;
// pH turns any reset request into a clean shutdown.
type ResetControlPort struct {
	mu   sync.Mutex
	last byte

	// RequestShutdown is invoked on the vCPU thread when the guest pulses
	// the reset bit. It must not block.
	RequestShutdown func()
}

func NewResetControlPort(requestShutdown func()) *ResetControlPort {
	return &ResetControlPort{RequestShutdown: requestShutdown}
}

// Init implements hv.Device.
func (p *ResetControlPort) Init(vm hv.VirtualMachine) error {
	return nil
}

// IOPortRanges implements hv.X86IOPortDevice.
func (p *ResetControlPort) IOPortRanges() []hv.PortRange {
	return []hv.PortRange{{Base: resetControlPort, Count: 1}}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (p *ResetControlPort) ReadIOPort(offset uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *ResetControlPort) WriteIOPort(offset uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Keep the last written byte so reads have a defined value, even though
	// guests typically never sample it after requesting a reset.
	p.last = data[len(data)-1]

	// Bit 2 is the reset trigger; bit 1 only selects the reset type.
	if data[0]&0x04 == 0 {
		return nil
	}

	if p.RequestShutdown != nil {
		p.RequestShutdown()
	}
	return nil
}

var (
	_ hv.Device          = (*ResetControlPort)(nil)
	_ hv.X86IOPortDevice = (*ResetControlPort)(nil)
)
