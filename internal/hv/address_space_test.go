package hv

import (
	"errors"
	"testing"
)

func TestAllocateAboveHole(t *testing.T) {
	a := NewAddressSpace(0)

	first, err := a.Allocate(MMIOAllocationRequest{Name: "dev0", Size: 0x200})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first.Base < MMIORegionBase {
		t.Fatalf("MMIO allocation at %#x is below the PCI hole", first.Base)
	}
	if first.Base%0x1000 != 0 {
		t.Fatalf("allocation %#x not 4K aligned", first.Base)
	}

	second, err := a.Allocate(MMIOAllocationRequest{Name: "dev1", Size: 0x200})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second.Base < first.Base+first.Size {
		t.Fatalf("allocations overlap: %#x vs %#x+%#x", second.Base, first.Base, first.Size)
	}
}

func TestAllocateCustomAlignment(t *testing.T) {
	a := NewAddressSpace(0)

	alloc, err := a.Allocate(MMIOAllocationRequest{Name: "big", Size: 0x10000, Alignment: 0x100000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.Base%0x100000 != 0 {
		t.Fatalf("allocation %#x not aligned to %#x", alloc.Base, 0x100000)
	}

	if _, err := a.Allocate(MMIOAllocationRequest{Name: "odd", Size: 0x1000, Alignment: 0x300}); err == nil {
		t.Fatal("non power-of-2 alignment accepted")
	}
	if _, err := a.Allocate(MMIOAllocationRequest{Name: "empty"}); err == nil {
		t.Fatal("zero-size allocation accepted")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := NewAddressSpace(0)

	if _, err := a.Allocate(MMIOAllocationRequest{Name: "all", Size: MMIORegionTop - MMIORegionBase}); err != nil {
		t.Fatalf("Allocate whole window: %v", err)
	}
	_, err := a.Allocate(MMIOAllocationRequest{Name: "more", Size: 0x1000})
	if !errors.Is(err, ErrNoAddressSpace) {
		t.Fatalf("exhausted allocation: got %v, want ErrNoAddressSpace", err)
	}
}

func TestAllocateRAMStaysBelowHole(t *testing.T) {
	a := NewAddressSpace(0)

	ram, err := a.AllocateRAM("ram", 1<<20)
	if err != nil {
		t.Fatalf("AllocateRAM: %v", err)
	}
	if ram.Base+ram.Size > MMIORegionBase {
		t.Fatalf("RAM allocation reaches %#x, above the PCI hole", ram.Base+ram.Size)
	}

	_, err = a.AllocateRAM("huge", MMIORegionBase)
	if !errors.Is(err, ErrNoAddressSpace) {
		t.Fatalf("oversize RAM: got %v, want ErrNoAddressSpace", err)
	}

	if got := len(a.Allocations()); got != 1 {
		t.Fatalf("Allocations = %d, want 1", got)
	}
}
