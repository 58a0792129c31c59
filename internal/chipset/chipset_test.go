package chipset

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ph-hv/ph/internal/hv"
)

// recordingDevice remembers the last access it served.
type recordingDevice struct {
	regions []hv.MMIORegion
	ports   []hv.PortRange

	lastOffset uint64
	lastWrite  bool
	fill       byte
}

func (d *recordingDevice) Init(vm hv.VirtualMachine) error { return nil }
func (d *recordingDevice) MMIORegions() []hv.MMIORegion    { return d.regions }
func (d *recordingDevice) IOPortRanges() []hv.PortRange    { return d.ports }

func (d *recordingDevice) ReadMMIO(offset uint64, data []byte) error {
	d.lastOffset = offset
	d.lastWrite = false
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(offset uint64, data []byte) error {
	d.lastOffset = offset
	d.lastWrite = true
	return nil
}

func (d *recordingDevice) ReadIOPort(offset uint16, data []byte) error {
	d.lastOffset = uint64(offset)
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) WriteIOPort(offset uint16, data []byte) error {
	d.lastOffset = uint64(offset)
	d.lastWrite = true
	return nil
}

func buildChipset(t *testing.T, devs map[string]hv.Device) *Chipset {
	t.Helper()
	b := NewBuilder()
	for name, dev := range devs {
		if err := b.RegisterDevice(name, dev); err != nil {
			t.Fatalf("RegisterDevice %q: %v", name, err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cs
}

func TestMMIODispatchFindsCoveringRegion(t *testing.T) {
	low := &recordingDevice{regions: []hv.MMIORegion{{Address: 0xc000_0000, Size: 0x200}}, fill: 0x11}
	mid := &recordingDevice{regions: []hv.MMIORegion{{Address: 0xc000_1000, Size: 0x200}}, fill: 0x22}
	high := &recordingDevice{regions: []hv.MMIORegion{{Address: 0xc000_2000, Size: 0x200}}, fill: 0x33}
	cs := buildChipset(t, map[string]hv.Device{"low": low, "mid": mid, "high": high})

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0xc000_1070, buf, false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if buf[0] != 0x22 {
		t.Fatalf("dispatch hit the wrong device: fill %#x", buf[0])
	}
	if mid.lastOffset != 0x70 {
		t.Fatalf("handler saw offset %#x, want region-relative 0x70", mid.lastOffset)
	}

	if err := cs.HandleMMIO(0xc000_2004, buf, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	if !high.lastWrite || high.lastOffset != 4 {
		t.Fatalf("write dispatch: write=%v offset=%#x", high.lastWrite, high.lastOffset)
	}
}

func TestMMIOMissReadsZeroAndDiscardsWrites(t *testing.T) {
	dev := &recordingDevice{regions: []hv.MMIORegion{{Address: 0xc000_0000, Size: 0x200}}, fill: 0xFF}
	cs := buildChipset(t, map[string]hv.Device{"dev": dev})

	buf := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := cs.HandleMMIO(0xd000_0000, buf, false); err != nil {
		t.Fatalf("HandleMMIO miss read: %v", err)
	}
	if binary.LittleEndian.Uint32(buf) != 0 {
		t.Fatalf("miss read = %x, want zeros", buf)
	}

	if err := cs.HandleMMIO(0xd000_0000, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("HandleMMIO miss write: %v", err)
	}
	if dev.lastWrite {
		t.Fatal("miss write reached a device")
	}

	// An access straddling the end of a region is also a miss.
	if err := cs.HandleMMIO(0xc000_01fe, buf, false); err != nil {
		t.Fatalf("straddling read: %v", err)
	}
}

func TestOverlapReturnsBusConflict(t *testing.T) {
	b := NewBuilder()
	a := &recordingDevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x1000}}}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("RegisterDevice a: %v", err)
	}

	overlapping := &recordingDevice{regions: []hv.MMIORegion{{Address: 0x1800, Size: 0x1000}}}
	err := b.RegisterDevice("b", overlapping)
	if !errors.Is(err, hv.ErrBusConflict) {
		t.Fatalf("overlapping registration: got %v, want ErrBusConflict", err)
	}

	pioA := &recordingDevice{ports: []hv.PortRange{{Base: 0x3f8, Count: 8}}}
	if err := b.RegisterDevice("pioA", pioA); err != nil {
		t.Fatalf("RegisterDevice pioA: %v", err)
	}
	pioB := &recordingDevice{ports: []hv.PortRange{{Base: 0x3ff, Count: 2}}}
	if err := b.RegisterDevice("pioB", pioB); !errors.Is(err, hv.ErrBusConflict) {
		t.Fatalf("overlapping port registration: got %v, want ErrBusConflict", err)
	}
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	b := NewBuilder()
	dev := &recordingDevice{
		regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x1000}},
		ports:   []hv.PortRange{{Base: 0x70, Count: 2}},
	}
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	b.UnregisterDevice("dev")
	b.UnregisterDevice("dev") // idempotent

	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cs.MMIORegionCount() != 0 || cs.PortRangeCount() != 0 {
		t.Fatalf("bus not empty after unregister: %d mmio, %d pio",
			cs.MMIORegionCount(), cs.PortRangeCount())
	}

	// The freed ranges can be claimed again.
	if err := b.RegisterDevice("dev2", dev); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestPIODispatchByRange(t *testing.T) {
	uart := &recordingDevice{ports: []hv.PortRange{{Base: 0x3f8, Count: 8}}, fill: 0x60}
	rtc := &recordingDevice{ports: []hv.PortRange{{Base: 0x70, Count: 2}}, fill: 0x61}
	cs := buildChipset(t, map[string]hv.Device{"uart": uart, "rtc": rtc})

	buf := make([]byte, 1)
	if err := cs.HandlePIO(0x3fd, buf, false); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if buf[0] != 0x60 || uart.lastOffset != 5 {
		t.Fatalf("uart dispatch: fill %#x offset %#x", buf[0], uart.lastOffset)
	}

	// Miss on the 16-bit port space reads zero.
	if err := cs.HandlePIO(0x80, buf, false); err != nil {
		t.Fatalf("HandlePIO miss: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("miss read = %#x, want 0", buf[0])
	}
}
