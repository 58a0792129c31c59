package chipset

import (
	"fmt"
	"sort"

	"github.com/ph-hv/ph/internal/hv"
)

type mmioBinding struct {
	region  hv.MMIORegion
	owner   string
	handler MmioHandler
}

type pioBinding struct {
	rng     hv.PortRange
	owner   string
	handler PortIOHandler
}

// Builder collects devices and their intercepts before the dispatch tables
// are frozen. All registration happens before the first vCPU runs.
type Builder struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	pio     []pioBinding
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a device and wires up its intercepts. Devices that only
// implement the hv I/O interfaces are adapted in place.
func (b *Builder) RegisterDevice(name string, dev hv.Device) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	cdev, ok := dev.(ChipsetDevice)
	if !ok {
		cdev = adaptDevice(dev)
		if cdev == nil {
			// No I/O surface; nothing to dispatch to.
			return nil
		}
	}

	if intercept := cdev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port ranges with nil handler", name)
		}
		for _, rng := range intercept.Ranges {
			if err := b.withPortRange(name, rng, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := cdev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = cdev
	return nil
}

// UnregisterDevice removes a device and every range it registered. Used on
// teardown; unregistering an unknown device is a no-op.
func (b *Builder) UnregisterDevice(name string) {
	if _, ok := b.devices[name]; !ok {
		return
	}
	delete(b.devices, name)

	mmio := b.mmio[:0]
	for _, binding := range b.mmio {
		if binding.owner != name {
			mmio = append(mmio, binding)
		}
	}
	b.mmio = mmio

	pio := b.pio[:0]
	for _, binding := range b.pio {
		if binding.owner != name {
			pio = append(pio, binding)
		}
	}
	b.pio = pio
}

// DeviceCount returns the number of registered devices.
func (b *Builder) DeviceCount() int { return len(b.devices) }

func (b *Builder) withMmioRegion(owner string, region hv.MMIORegion, handler MmioHandler) error {
	if region.Size == 0 {
		return fmt.Errorf("MMIO region at %#x has zero size", region.Address)
	}
	if region.Address+region.Size < region.Address {
		return fmt.Errorf("MMIO region at %#x with size %#x overflows", region.Address, region.Size)
	}
	for _, existing := range b.mmio {
		if rangesOverlap(region.Address, region.Size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf("MMIO region [%#x, %#x) overlaps %q [%#x, %#x): %w",
				region.Address, region.Address+region.Size,
				existing.owner, existing.region.Address, existing.region.Address+existing.region.Size,
				hv.ErrBusConflict)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{region: region, owner: owner, handler: handler})
	return nil
}

func (b *Builder) withPortRange(owner string, rng hv.PortRange, handler PortIOHandler) error {
	if rng.Count == 0 {
		return fmt.Errorf("port range at %#x has zero count", rng.Base)
	}
	end := uint32(rng.Base) + uint32(rng.Count)
	if end > 0x10000 {
		return fmt.Errorf("port range [%#x, %#x) exceeds the 16-bit port space", rng.Base, end)
	}
	for _, existing := range b.pio {
		if rangesOverlap(uint64(rng.Base), uint64(rng.Count), uint64(existing.rng.Base), uint64(existing.rng.Count)) {
			return fmt.Errorf("port range [%#x, %#x) overlaps %q [%#x, %#x): %w",
				rng.Base, end,
				existing.owner, existing.rng.Base, uint32(existing.rng.Base)+uint32(existing.rng.Count),
				hv.ErrBusConflict)
		}
	}

	b.pio = append(b.pio, pioBinding{rng: rng, owner: owner, handler: handler})
	return nil
}

// Build freezes the dispatch tables, sorted by base for binary search.
func (b *Builder) Build() (*Chipset, error) {
	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)
	sort.Slice(mmio, func(i, j int) bool {
		return mmio[i].region.Address < mmio[j].region.Address
	})

	pio := make([]pioBinding, len(b.pio))
	copy(pio, b.pio)
	sort.Slice(pio, func(i, j int) bool {
		return pio[i].rng.Base < pio[j].rng.Base
	})

	return &Chipset{
		devices: devices,
		mmio:    mmio,
		pio:     pio,
	}, nil
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// adaptDevice bridges the plain hv device interfaces into the chipset.
func adaptDevice(dev hv.Device) ChipsetDevice {
	var mmioDev hv.MemoryMappedIODevice
	if d, ok := dev.(hv.MemoryMappedIODevice); ok {
		mmioDev = d
	}

	var ioDev hv.X86IOPortDevice
	if d, ok := dev.(hv.X86IOPortDevice); ok {
		ioDev = d
	}

	if mmioDev == nil && ioDev == nil {
		return nil
	}

	return &legacyAdapter{device: dev, mmio: mmioDev, io: ioDev}
}

type legacyAdapter struct {
	device hv.Device
	mmio   hv.MemoryMappedIODevice
	io     hv.X86IOPortDevice
}

func (a *legacyAdapter) Init(vm hv.VirtualMachine) error { return nil }
func (a *legacyAdapter) Start() error                    { return nil }
func (a *legacyAdapter) Stop() error                     { return nil }
func (a *legacyAdapter) Reset() error                    { return nil }

func (a *legacyAdapter) SupportsMmio() *MmioIntercept {
	if a.mmio == nil {
		return nil
	}
	return &MmioIntercept{Regions: a.mmio.MMIORegions(), Handler: a.mmio}
}

func (a *legacyAdapter) SupportsPortIO() *PortIOIntercept {
	if a.io == nil {
		return nil
	}
	return &PortIOIntercept{Ranges: a.io.IOPortRanges(), Handler: a.io}
}
