//go:build linux

// Package memory manages the guest physical address space: a small set of
// non-overlapping slots, each backed by an exclusively owned anonymous host
// mapping that is registered with the hypervisor as guest RAM.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrOutOfBounds = errors.New("guest physical address outside all memory slots")

// Slot is a contiguous guest physical range backed by a host mapping. Slots
// are never resized; they live until the VM is torn down or, for dynamically
// added slots, until the guest releases them.
type Slot struct {
	Name string
	GPA  uint64

	id  uint32
	mem []byte
}

func (s *Slot) Size() uint64  { return uint64(len(s.mem)) }
func (s *Slot) ID() uint32    { return s.id }
func (s *Slot) Bytes() []byte { return s.mem }

func (s *Slot) contains(gpa uint64) bool {
	return gpa >= s.GPA && gpa < s.GPA+uint64(len(s.mem))
}

// Registrar is notified when slots come and go, so the hypervisor can mirror
// the slot table into its own memory map.
type Registrar interface {
	RegisterSlot(slot uint32, gpa uint64, mem []byte) error
	UnregisterSlot(slot uint32, gpa uint64, mem []byte) error
}

// GuestRAM is the guest physical address space. Lookup is read-mostly: the
// slot table only changes when a device shares new host memory into the guest.
type GuestRAM struct {
	mu        sync.RWMutex
	slots     []*Slot // sorted by GPA
	nextID    uint32
	registrar Registrar
}

func NewGuestRAM(registrar Registrar) *GuestRAM {
	return &GuestRAM{registrar: registrar}
}

// AddSlot maps size bytes of fresh anonymous host memory at gpa and registers
// the slot with the hypervisor. The mapping is zero-filled and page-aligned.
func (g *GuestRAM) AddSlot(name string, gpa, size uint64) (*Slot, error) {
	if size == 0 || size%uint64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("memory: slot %q size %#x is not a multiple of the page size", name, size)
	}

	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("memory: slot %q size %#x exceeds host address limit", name, size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap slot %q: %w", name, err)
	}

	slot, err := g.addMapped(name, gpa, mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return slot, nil
}

// AddSlotFromMapping registers an existing host mapping as a slot. The slot
// takes ownership of the mapping. Used by devices that expose shared memory or
// DMA buffers into the guest.
func (g *GuestRAM) AddSlotFromMapping(name string, gpa uint64, mem []byte) (*Slot, error) {
	return g.addMapped(name, gpa, mem)
}

func (g *GuestRAM) addMapped(name string, gpa uint64, mem []byte) (*Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	end := gpa + uint64(len(mem))
	if end < gpa {
		return nil, fmt.Errorf("memory: slot %q wraps the address space", name)
	}
	for _, s := range g.slots {
		if gpa < s.GPA+s.Size() && end > s.GPA {
			return nil, fmt.Errorf("memory: slot %q [%#x, %#x) overlaps slot %q [%#x, %#x)",
				name, gpa, end, s.Name, s.GPA, s.GPA+s.Size())
		}
	}

	slot := &Slot{Name: name, GPA: gpa, id: g.nextID, mem: mem}
	g.nextID++

	if g.registrar != nil {
		if err := g.registrar.RegisterSlot(slot.id, gpa, mem); err != nil {
			return nil, fmt.Errorf("memory: register slot %q: %w", name, err)
		}
	}

	g.slots = append(g.slots, slot)
	sort.Slice(g.slots, func(i, j int) bool { return g.slots[i].GPA < g.slots[j].GPA })
	return slot, nil
}

// RemoveSlot unregisters the slot from the hypervisor and unmaps its backing.
// Callers must ensure the guest no longer references the range.
func (g *GuestRAM) RemoveSlot(slot *Slot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i, s := range g.slots {
		if s == slot {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("memory: slot %q is not registered", slot.Name)
	}

	if g.registrar != nil {
		if err := g.registrar.UnregisterSlot(slot.id, slot.GPA, slot.mem); err != nil {
			return fmt.Errorf("memory: unregister slot %q: %w", slot.Name, err)
		}
	}

	g.slots = append(g.slots[:idx], g.slots[idx+1:]...)
	mem := slot.mem
	slot.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("memory: munmap slot %q: %w", slot.Name, err)
	}
	return nil
}

// Close unmaps every slot. The VM must be torn down first.
func (g *GuestRAM) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, s := range g.slots {
		if s.mem == nil {
			continue
		}
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("memory: munmap slot %q: %w", s.Name, err)
		}
		s.mem = nil
	}
	g.slots = nil
	return firstErr
}

// Region describes one slot's place in the guest physical space.
type Region struct {
	Name string
	GPA  uint64
	Size uint64
}

// Regions returns the slot layout sorted by GPA.
func (g *GuestRAM) Regions() []Region {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Region, 0, len(g.slots))
	for _, s := range g.slots {
		out = append(out, Region{Name: s.Name, GPA: s.GPA, Size: s.Size()})
	}
	return out
}

// SlotCount returns the number of registered slots.
func (g *GuestRAM) SlotCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.slots)
}

// find returns the slot covering gpa, or nil. Caller holds at least g.mu.R.
func (g *GuestRAM) find(gpa uint64) *Slot {
	i := sort.Search(len(g.slots), func(i int) bool {
		s := g.slots[i]
		return gpa < s.GPA+s.Size()
	})
	if i < len(g.slots) && g.slots[i].contains(gpa) {
		return g.slots[i]
	}
	return nil
}

// Read copies len(buf) bytes at gpa into buf. The access either lies entirely
// within registered slots or fails with ErrOutOfBounds before any byte is
// copied.
func (g *GuestRAM) Read(gpa uint64, buf []byte) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	iov, err := g.iovec(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}
	off := 0
	for _, chunk := range iov {
		off += copy(buf[off:], chunk)
	}
	return nil
}

// Write copies buf into guest memory at gpa. All-or-nothing like Read.
func (g *GuestRAM) Write(gpa uint64, buf []byte) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	iov, err := g.iovec(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}
	off := 0
	for _, chunk := range iov {
		off += copy(chunk, buf[off:])
	}
	return nil
}

// Slice returns the host bytes backing [gpa, gpa+length) when the range lies
// in a single slot. Callers may hold the slice only while the virtqueue
// discipline guarantees the guest is not mutating the range.
func (g *GuestRAM) Slice(gpa, length uint64) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := g.find(gpa)
	if s == nil {
		return nil, fmt.Errorf("memory: %#x: %w", gpa, ErrOutOfBounds)
	}
	off := gpa - s.GPA
	if off+length > s.Size() || off+length < off {
		return nil, fmt.Errorf("memory: [%#x, %#x): %w", gpa, gpa+length, ErrOutOfBounds)
	}
	return s.mem[off : off+length], nil
}

// IOVec produces host slices covering [gpa, gpa+length), split at slot
// boundaries. A zero length yields an empty vector.
func (g *GuestRAM) IOVec(gpa, length uint64) ([][]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.iovec(gpa, length)
}

func (g *GuestRAM) iovec(gpa, length uint64) ([][]byte, error) {
	if length == 0 {
		return nil, nil
	}
	var iov [][]byte
	for length > 0 {
		s := g.find(gpa)
		if s == nil {
			return nil, fmt.Errorf("memory: %#x: %w", gpa, ErrOutOfBounds)
		}
		off := gpa - s.GPA
		avail := s.Size() - off
		take := length
		if take > avail {
			take = avail
		}
		iov = append(iov, s.mem[off:off+take])
		gpa += take
		length -= take
	}
	return iov, nil
}

// ReadAt implements io.ReaderAt with the offset interpreted as a GPA.
func (g *GuestRAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory: negative offset %d", off)
	}
	if err := g.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt with the offset interpreted as a GPA.
func (g *GuestRAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory: negative offset %d", off)
	}
	if err := g.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
