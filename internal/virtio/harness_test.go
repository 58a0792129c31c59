//go:build linux

package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/memory"
)

// Ring layout used by the tests, inside a single 1 MiB slot.
const (
	testRAMSize  = 1 << 20
	testDescGPA  = 0x1000
	testAvailGPA = 0x2000
	testUsedGPA  = 0x3000
	testDataGPA  = 0x10000
)

// stubVM satisfies hv.VirtualMachine over plain guest RAM. The hypervisor
// fast paths are reported unavailable so the transport exercises its
// fallbacks; interrupt pulses are counted instead of injected.
type stubVM struct {
	ram    *memory.GuestRAM
	space  *hv.AddressSpace
	pulses atomic.Int64
}

func newStubVM(t testing.TB) *stubVM {
	t.Helper()
	v := &stubVM{
		ram:   memory.NewGuestRAM(nil),
		space: hv.NewAddressSpace(0),
	}
	if _, err := v.ram.AddSlot("ram", 0, testRAMSize); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	t.Cleanup(func() { v.ram.Close() })
	return v
}

func (v *stubVM) ReadAt(p []byte, off int64) (int, error)  { return v.ram.ReadAt(p, off) }
func (v *stubVM) WriteAt(p []byte, off int64) (int, error) { return v.ram.WriteAt(p, off) }
func (v *stubVM) Close() error                             { return nil }
func (v *stubVM) Hypervisor() hv.Hypervisor                { return nil }
func (v *stubVM) Memory() *memory.GuestRAM                 { return v.ram }

func (v *stubVM) AddMemorySlot(name string, gpa, size uint64) (*memory.Slot, error) {
	return v.ram.AddSlot(name, gpa, size)
}

func (v *stubVM) RemoveMemorySlot(slot *memory.Slot) error {
	return v.ram.RemoveSlot(slot)
}

func (v *stubVM) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return v.space.Allocate(req)
}

func (v *stubVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }
func (v *stubVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return errors.New("no vcpus")
}
func (v *stubVM) AddDevice(dev hv.Device) error { return dev.Init(v) }

func (v *stubVM) PulseIRQ(line uint32) error {
	v.pulses.Add(1)
	return nil
}
func (v *stubVM) SetIRQ(line uint32, level bool) error { return nil }

func (v *stubVM) RegisterIRQFD(fd int, line uint32) error   { return errors.New("unavailable") }
func (v *stubVM) UnregisterIRQFD(fd int, line uint32) error { return nil }
func (v *stubVM) RegisterIOEventFD(ev hv.NotifyEventFD) error {
	return errors.New("unavailable")
}
func (v *stubVM) UnregisterIOEventFD(ev hv.NotifyEventFD) error { return nil }

var _ hv.VirtualMachine = (*stubVM)(nil)

func newTestReactor(t testing.TB) *event.Reactor {
	t.Helper()
	r, err := event.NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// testRing drives one virtqueue the way a guest driver would.
type testRing struct {
	t   testing.TB
	ram *memory.GuestRAM
	q   *VirtQueue

	size     uint16
	availIdx uint16

	descGPA  uint64
	availGPA uint64
	usedGPA  uint64
}

func newTestRing(t testing.TB, ram *memory.GuestRAM, size uint16) *testRing {
	t.Helper()
	q := NewVirtQueue(0, size, ram)
	return attachTestRing(t, ram, q, size, false)
}

func attachTestRing(t testing.TB, ram *memory.GuestRAM, q *VirtQueue, size uint16, eventIdx bool) *testRing {
	t.Helper()
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if err := q.SetAddresses(testDescGPA, testAvailGPA, testUsedGPA); err != nil {
		t.Fatalf("SetAddresses: %v", err)
	}
	if err := q.Activate(eventIdx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return &testRing{
		t: t, ram: ram, q: q, size: size,
		descGPA: testDescGPA, availGPA: testAvailGPA, usedGPA: testUsedGPA,
	}
}

func (r *testRing) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if err := r.ram.Write(r.descGPA+uint64(idx)*16, buf[:]); err != nil {
		r.t.Fatalf("write descriptor %d: %v", idx, err)
	}
}

// writeIndirectDesc writes one entry of an indirect table at tableGPA.
func (r *testRing) writeIndirectDesc(tableGPA uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if err := r.ram.Write(tableGPA+uint64(idx)*16, buf[:]); err != nil {
		r.t.Fatalf("write indirect descriptor %d: %v", idx, err)
	}
}

// pushAvail places head on the available ring and bumps avail.idx.
func (r *testRing) pushAvail(head uint16) {
	slot := r.availIdx % r.size
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], head)
	if err := r.ram.Write(r.availGPA+4+uint64(slot)*2, buf[:]); err != nil {
		r.t.Fatalf("write avail entry: %v", err)
	}
	r.availIdx++
	binary.LittleEndian.PutUint16(buf[:], r.availIdx)
	if err := r.ram.Write(r.availGPA+2, buf[:]); err != nil {
		r.t.Fatalf("write avail idx: %v", err)
	}
}

func (r *testRing) setAvailFlags(flags uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], flags)
	if err := r.ram.Write(r.availGPA, buf[:]); err != nil {
		r.t.Fatalf("write avail flags: %v", err)
	}
}

func (r *testRing) setUsedEvent(value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	if err := r.ram.Write(r.availGPA+4+uint64(r.size)*2, buf[:]); err != nil {
		r.t.Fatalf("write used_event: %v", err)
	}
}

func (r *testRing) usedIdx() uint16 {
	var buf [2]byte
	if err := r.ram.Read(r.usedGPA+2, buf[:]); err != nil {
		r.t.Fatalf("read used idx: %v", err)
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *testRing) usedEntry(i uint16) (head uint32, written uint32) {
	slot := i % r.size
	var buf [8]byte
	if err := r.ram.Read(r.usedGPA+4+uint64(slot)*8, buf[:]); err != nil {
		r.t.Fatalf("read used entry: %v", err)
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

func (r *testRing) writeData(gpa uint64, data []byte) {
	if err := r.ram.Write(gpa, data); err != nil {
		r.t.Fatalf("write data: %v", err)
	}
}

func (r *testRing) readData(gpa uint64, n int) []byte {
	buf := make([]byte, n)
	if err := r.ram.Read(gpa, buf); err != nil {
		r.t.Fatalf("read data: %v", err)
	}
	return buf
}

func newTestLineSet(v *stubVM) *chipset.LineSet {
	return chipset.NewLineSet(v)
}

// driveRing wraps a queue the transport has already activated, for tests
// that play the guest driver against a whole device. The ring GPAs follow
// the per-queue layout the handshake helper programs.
func driveRing(t testing.TB, ram *memory.GuestRAM, q *VirtQueue) *testRing {
	t.Helper()
	off := uint64(q.Index) * 0x100
	return &testRing{
		t: t, ram: ram, q: q, size: q.Size(),
		descGPA: testDescGPA + off, availGPA: testAvailGPA + off, usedGPA: testUsedGPA + off,
	}
}
