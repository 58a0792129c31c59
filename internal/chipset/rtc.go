package chipset

import (
	"sync"
	"time"

	"github.com/ph-hv/ph/internal/hv"
)

const (
	rtcSeconds    = 0x00
	rtcMinutes    = 0x02
	rtcHours      = 0x04
	rtcDayOfWeek  = 0x06
	rtcDayOfMonth = 0x07
	rtcMonth      = 0x08
	rtcYear       = 0x09
	rtcStatusA    = 0x0a
	rtcStatusB    = 0x0b
	rtcStatusC    = 0x0c
	rtcStatusD    = 0x0d
	rtcCentury    = 0x32
)

// 24-hour mode, binary format.
const rtcStatusBValue = 0x02 | 0x04

// RTC is a read-only CMOS wallclock on ports 0x70/0x71. The guest reads the
// host's UTC time at boot; alarms and periodic interrupts are not emulated.
type RTC struct {
	mu    sync.Mutex
	index byte

	// now is swappable for tests.
	now func() time.Time
}

func NewRTC() *RTC {
	return &RTC{now: time.Now}
}

// Init implements hv.Device.
func (r *RTC) Init(vm hv.VirtualMachine) error { return nil }

// IOPortRanges implements hv.X86IOPortDevice.
func (r *RTC) IOPortRanges() []hv.PortRange {
	return []hv.PortRange{{Base: 0x70, Count: 2}}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (r *RTC) ReadIOPort(offset uint16, data []byte) error {
	if len(data) != 1 {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	if offset == 0 {
		data[0] = 0
		return nil
	}

	r.mu.Lock()
	index := r.index
	r.mu.Unlock()

	t := r.now().UTC()
	switch index {
	case rtcSeconds:
		data[0] = byte(t.Second())
	case rtcMinutes:
		data[0] = byte(t.Minute())
	case rtcHours:
		data[0] = byte(t.Hour())
	case rtcDayOfWeek:
		data[0] = byte(t.Weekday() + 1)
	case rtcDayOfMonth:
		data[0] = byte(t.Day())
	case rtcMonth:
		data[0] = byte(t.Month())
	case rtcYear:
		data[0] = byte(t.Year() % 100)
	case rtcCentury:
		data[0] = byte(t.Year() / 100)
	case rtcStatusA:
		data[0] = 0 // never mid-update
	case rtcStatusB:
		data[0] = rtcStatusBValue
	case rtcStatusC, rtcStatusD:
		data[0] = 0
	default:
		data[0] = 0
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (r *RTC) WriteIOPort(offset uint16, data []byte) error {
	if len(data) != 1 {
		return nil
	}
	if offset == 0 {
		r.mu.Lock()
		r.index = data[0] & 0x7f
		r.mu.Unlock()
	}
	// Writes to the data port are discarded; the clock is read-only.
	return nil
}

var (
	_ hv.Device          = &RTC{}
	_ hv.X86IOPortDevice = &RTC{}
)
