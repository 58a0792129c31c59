package chipset

import (
	"fmt"
	"io"
	"sync"

	"github.com/ph-hv/ph/internal/hv"
)

// COM1 on the ISA bus.
const (
	SerialCOM1Base uint16 = 0x3f8
	SerialCOM1IRQ  uint32 = 4
)

const (
	serialRegData    = 0 // RBR/THR, or DLL with DLAB
	serialRegIER     = 1 // or DLM with DLAB
	serialRegIIR     = 2 // FCR on write
	serialRegLCR     = 3
	serialRegMCR     = 4
	serialRegLSR     = 5
	serialRegMSR     = 6
	serialRegScratch = 7

	serialLCRDLAB = 1 << 7

	serialIERRxReady = 1 << 0
	serialIERTxEmpty = 1 << 1

	serialIIRNone    = 0x01
	serialIIRTxEmpty = 0x02
	serialIIRRxReady = 0x04

	serialLSRDataReady = 1 << 0
	serialLSRTHRE      = 1 << 5
	serialLSRTEMT      = 1 << 6

	serialMSRCTS = 1 << 4
	serialMSRDSR = 1 << 5
	serialMSRDCD = 1 << 7
)

// Serial is a 16550-style UART on the PIO bus, used for early kernel output
// before the virtio console comes up. Output goes straight to out; input is
// pushed by the reactor via QueueInput.
type Serial struct {
	mu sync.Mutex

	base uint16
	irq  LineInterrupt
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	lcr byte
	mcr byte
	scr byte

	rx []byte
}

// NewSerial creates a UART at base whose receive interrupt is driven on irq.
func NewSerial(base uint16, irq LineInterrupt, out io.Writer) *Serial {
	if irq == nil {
		irq = LineInterruptDetached()
	}
	return &Serial{base: base, irq: irq, out: out}
}

// Init implements hv.Device.
func (s *Serial) Init(vm hv.VirtualMachine) error { return nil }

// IOPortRanges implements hv.X86IOPortDevice.
func (s *Serial) IOPortRanges() []hv.PortRange {
	return []hv.PortRange{{Base: s.base, Count: 8}}
}

// QueueInput appends host bytes to the receive buffer and raises the receive
// interrupt if the guest enabled it.
func (s *Serial) QueueInput(data []byte) {
	s.mu.Lock()
	s.rx = append(s.rx, data...)
	raise := len(s.rx) > 0 && s.ier&serialIERRxReady != 0
	s.mu.Unlock()

	if raise {
		s.irq.SetLevel(true)
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (s *Serial) ReadIOPort(offset uint16, data []byte) error {
	if len(data) != 1 {
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case serialRegData:
		if s.lcr&serialLCRDLAB != 0 {
			data[0] = s.dll
			break
		}
		if len(s.rx) > 0 {
			data[0] = s.rx[0]
			s.rx = s.rx[1:]
		} else {
			data[0] = 0
		}
		if len(s.rx) == 0 {
			defer s.irq.SetLevel(false)
		}
	case serialRegIER:
		if s.lcr&serialLCRDLAB != 0 {
			data[0] = s.dlm
			break
		}
		data[0] = s.ier
	case serialRegIIR:
		switch {
		case len(s.rx) > 0 && s.ier&serialIERRxReady != 0:
			data[0] = serialIIRRxReady
		case s.ier&serialIERTxEmpty != 0:
			data[0] = serialIIRTxEmpty
		default:
			data[0] = serialIIRNone
		}
	case serialRegLCR:
		data[0] = s.lcr
	case serialRegMCR:
		data[0] = s.mcr
	case serialRegLSR:
		data[0] = serialLSRTHRE | serialLSRTEMT
		if len(s.rx) > 0 {
			data[0] |= serialLSRDataReady
		}
	case serialRegMSR:
		data[0] = serialMSRCTS | serialMSRDSR | serialMSRDCD
	case serialRegScratch:
		data[0] = s.scr
	default:
		data[0] = 0
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (s *Serial) WriteIOPort(offset uint16, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case serialRegData:
		if s.lcr&serialLCRDLAB != 0 {
			s.dll = data[0]
			break
		}
		if s.out != nil {
			if _, err := s.out.Write(data[:1]); err != nil {
				return fmt.Errorf("serial: write output: %w", err)
			}
		}
	case serialRegIER:
		if s.lcr&serialLCRDLAB != 0 {
			s.dlm = data[0]
			break
		}
		s.ier = data[0] & 0x0f
	case serialRegIIR:
		// FCR; FIFOs are always on, nothing to latch.
	case serialRegLCR:
		s.lcr = data[0]
	case serialRegMCR:
		s.mcr = data[0]
	case serialRegScratch:
		s.scr = data[0]
	}
	return nil
}

var (
	_ hv.Device          = &Serial{}
	_ hv.X86IOPortDevice = &Serial{}
)
