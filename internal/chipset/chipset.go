package chipset

import (
	"fmt"
	"sort"
)

// Chipset holds the frozen dispatch tables. Lookup is by binary search over
// the sorted range tables; the tables never change once built.
type Chipset struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	pio     []pioBinding
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO routes an MMIO access to the covering region's handler. A miss
// reads zero and discards writes; real hardware behaves the same way for
// unpopulated regions, and guests probe speculatively.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	i := sort.Search(len(c.mmio), func(i int) bool {
		r := c.mmio[i].region
		return addr < r.Address+r.Size
	})
	if i < len(c.mmio) {
		r := c.mmio[i].region
		if addr >= r.Address && accessEnd <= r.Address+r.Size {
			offset := addr - r.Address
			if isWrite {
				return c.mmio[i].handler.WriteMMIO(offset, data)
			}
			return c.mmio[i].handler.ReadMMIO(offset, data)
		}
	}

	if !isWrite {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// HandlePIO routes a port access to the covering range's handler. Misses
// behave like MMIO misses on a 16-bit port space.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	i := sort.Search(len(c.pio), func(i int) bool {
		r := c.pio[i].rng
		return uint32(port) < uint32(r.Base)+uint32(r.Count)
	})
	if i < len(c.pio) {
		r := c.pio[i].rng
		if port >= r.Base && uint32(port)+uint32(len(data)) <= uint32(r.Base)+uint32(r.Count) {
			offset := port - r.Base
			if isWrite {
				return c.pio[i].handler.WriteIOPort(offset, data)
			}
			return c.pio[i].handler.ReadIOPort(offset, data)
		}
	}

	if !isWrite {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// MMIORegionCount returns the number of registered MMIO ranges.
func (c *Chipset) MMIORegionCount() int { return len(c.mmio) }

// PortRangeCount returns the number of registered port ranges.
func (c *Chipset) PortRangeCount() int { return len(c.pio) }

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
