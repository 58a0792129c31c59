package boot

import (
	"errors"
	"fmt"
	"math"

	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/memory"
)

// BootOptions parameterise how the kernel is placed into guest RAM.
type BootOptions struct {
	// Cmdline is the kernel command line, without trailing NUL.
	Cmdline string
	// Initrd holds the initramfs image to copy into guest RAM.
	Initrd []byte
	// ZeroPageGPA is where the boot_params page is written. Default 0x90000.
	ZeroPageGPA uint64
	// CmdlineGPA is where the NUL-terminated command line goes. Default:
	// just after the zero page.
	CmdlineGPA uint64
	// PagingBase is scratch space for the identity-mapped paging structures.
	// Default 0x20000.
	PagingBase uint64
	// AddressSpaceGiB controls how much of the guest physical space is
	// identity mapped. Default 4.
	AddressSpaceGiB int
}

func (o BootOptions) withDefaults() BootOptions {
	if o.ZeroPageGPA == 0 {
		o.ZeroPageGPA = 0x00090000
	}
	if o.CmdlineGPA == 0 {
		o.CmdlineGPA = o.ZeroPageGPA + zeroPageSize
	}
	if o.PagingBase == 0 {
		o.PagingBase = 0x00020000
	}
	if o.AddressSpaceGiB == 0 {
		o.AddressSpaceGiB = 4
	}
	return o
}

const stackGuardBytes = 0x1000

// BootPlan holds the derived addresses needed to hand control to the kernel.
type BootPlan struct {
	LoadAddr        uint64
	EntryGPA        uint64
	ZeroPageGPA     uint64
	CmdlineGPA      uint64
	StackTopGPA     uint64
	PagingBase      uint64
	AddressSpaceGiB int
}

// ramBounds returns the bottom and top of the low RAM region (below the PCI
// hole), which is where the kernel, boot params and initrd must live.
func ramBounds(ram *memory.GuestRAM) (uint64, uint64, error) {
	for _, r := range ram.Regions() {
		if r.GPA < hv.MMIORegionBase {
			return r.GPA, r.GPA + r.Size, nil
		}
	}
	return 0, 0, errors.New("no RAM registered below the PCI hole")
}

// BuildE820 derives the BIOS memory map from the registered RAM slots: the
// ISA and BIOS windows are carved out of low memory, everything else is
// usable RAM.
func BuildE820(ram *memory.GuestRAM) []E820Entry {
	const (
		pageSize        = 0x1000
		isaMemEnd       = 0x0009f000
		biosRegionStart = 0x000f0000
		biosRegionEnd   = 0x00100000
	)

	var entries []E820Entry
	for _, r := range ram.Regions() {
		if r.Name == "virtio-wl-shm" {
			// Dynamic device memory is not BIOS-reported RAM.
			continue
		}
		start, end := r.GPA, r.GPA+r.Size

		if start >= biosRegionEnd {
			entries = append(entries, E820Entry{Addr: start, Size: end - start, Type: e820TypeRAM})
			continue
		}

		// Low region: usable up to the ISA hole, reserved through the BIOS
		// window, usable above 1 MiB.
		if low := min(end, isaMemEnd); low > start {
			entries = append(entries, E820Entry{Addr: start, Size: low - start, Type: e820TypeRAM})
		}
		if end > isaMemEnd {
			resEnd := min(end, biosRegionEnd)
			entries = append(entries, E820Entry{Addr: isaMemEnd, Size: resEnd - isaMemEnd, Type: e820TypeReserved})
		}
		if end > biosRegionEnd {
			entries = append(entries, E820Entry{Addr: biosRegionEnd, Size: end - biosRegionEnd, Type: e820TypeRAM})
		}
	}
	return entries
}

// LoadIntoMemory copies the kernel payload into guest RAM at loadAddr. The
// covered range is cleared first to satisfy the kernel's expectation of
// zeroed memory.
func (k *KernelImage) LoadIntoMemory(mem Memory, ram *memory.GuestRAM, loadAddr uint64) error {
	if k.format == kernelFormatELF {
		return k.loadELFSegments(mem)
	}

	memStart, memEnd, err := ramBounds(ram)
	if err != nil {
		return err
	}

	payload := k.Payload()
	clearLen := len(payload)
	if init := int(k.Header.InitSize); init > clearLen {
		clearLen = init
	}
	if loadAddr < memStart || loadAddr+uint64(clearLen) > memEnd {
		return fmt.Errorf("kernel requires %#x bytes at %#x but low RAM is [%#x, %#x)", clearLen, loadAddr, memStart, memEnd)
	}
	if loadAddr > math.MaxInt64 {
		return fmt.Errorf("load address %#x out of host range", loadAddr)
	}

	clear := make([]byte, clearLen)
	if _, err := mem.WriteAt(clear, int64(loadAddr)); err != nil {
		return fmt.Errorf("clear kernel memory: %w", err)
	}
	if _, err := mem.WriteAt(payload, int64(loadAddr)); err != nil {
		return fmt.Errorf("write kernel payload: %w", err)
	}
	return nil
}

func (k *KernelImage) loadELFSegments(mem Memory) error {
	for _, seg := range k.elfSegments {
		if seg.memSize == 0 {
			continue
		}
		zero := make([]byte, int(seg.memSize))
		if _, err := mem.WriteAt(zero, int64(seg.physAddr)); err != nil {
			return fmt.Errorf("zero ELF segment at %#x: %w", seg.physAddr, err)
		}
		if seg.fileSize > 0 {
			if _, err := mem.WriteAt(seg.data[:seg.fileSize], int64(seg.physAddr)); err != nil {
				return fmt.Errorf("write ELF segment at %#x: %w", seg.physAddr, err)
			}
		}
	}
	return nil
}

// Prepare loads the kernel and initrd, builds the zero page and returns the
// boot plan. Synchronous; must complete before any vCPU starts.
func (k *KernelImage) Prepare(mem Memory, ram *memory.GuestRAM, opts BootOptions) (*BootPlan, error) {
	opts = opts.withDefaults()

	memStart, memEnd, err := ramBounds(ram)
	if err != nil {
		return nil, err
	}

	loadAddr := k.DefaultLoadAddress()
	if k.format != kernelFormatELF {
		if k.Header.RelocatableKernel != 0 {
			align := uint64(k.Header.KernelAlignment)
			if align == 0 {
				align = 0x200000
			}
			loadAddr = alignUp(loadAddr, align)
		}
	}

	if err := k.LoadIntoMemory(mem, ram, loadAddr); err != nil {
		return nil, err
	}

	// The initrd is placed as high as low RAM allows, aligned down to a page.
	var initrdAddr, initrdSize uint64
	if len(opts.Initrd) > 0 {
		if uint64(len(opts.Initrd)) > uint64(^uint32(0)) {
			return nil, fmt.Errorf("initrd too large (%d bytes)", len(opts.Initrd))
		}
		initrdSize = uint64(len(opts.Initrd))
		if memEnd <= memStart+initrdSize {
			return nil, fmt.Errorf("not enough RAM for initrd (%d bytes)", len(opts.Initrd))
		}
		initrdAddr = alignDown(memEnd-initrdSize, 0x1000)
		if max := uint64(k.Header.InitrdAddrMax); max != 0 && initrdAddr+initrdSize-1 > max {
			initrdAddr = alignDown(max+1-initrdSize, 0x1000)
		}
		if initrdAddr < memStart {
			return nil, fmt.Errorf("initrd range [%#x, %#x) outside low RAM", initrdAddr, initrdAddr+initrdSize)
		}
		if _, err := mem.WriteAt(opts.Initrd, int64(initrdAddr)); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
	}

	if err := k.BuildZeroPage(mem, opts.ZeroPageGPA, loadAddr, opts.Cmdline, opts.CmdlineGPA, initrdAddr, uint32(initrdSize), BuildE820(ram)); err != nil {
		return nil, err
	}

	// Initial stack below the initrd (or the top of low RAM).
	top := memEnd
	if initrdSize > 0 {
		top = initrdAddr
	}
	if top <= memStart+stackGuardBytes*2 {
		return nil, fmt.Errorf("not enough space to place stack below %#x", top)
	}
	stack := alignDown(top-stackGuardBytes, 0x10)

	return &BootPlan{
		LoadAddr:        loadAddr,
		EntryGPA:        k.EntryPoint(loadAddr),
		ZeroPageGPA:     opts.ZeroPageGPA,
		CmdlineGPA:      opts.CmdlineGPA,
		StackTopGPA:     stack,
		PagingBase:      opts.PagingBase,
		AddressSpaceGiB: opts.AddressSpaceGiB,
	}, nil
}

// ConfigureVCPU programs the vCPU for the 64-bit Linux handoff: long mode
// with identity paging, RIP at the entry point, RSI pointing at boot_params.
func (p *BootPlan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if vcpu == nil {
		return errors.New("vcpu is nil")
	}

	if err := vcpu.SetLongMode(p.PagingBase, p.AddressSpaceGiB); err != nil {
		return fmt.Errorf("setup long mode: %w", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]uint64{
		hv.RegisterRip:    p.EntryGPA,
		hv.RegisterRsi:    p.ZeroPageGPA,
		hv.RegisterRsp:    p.StackTopGPA,
		hv.RegisterRax:    0,
		hv.RegisterRbx:    0,
		hv.RegisterRcx:    0,
		hv.RegisterRdx:    0,
		hv.RegisterRdi:    0,
		hv.RegisterRbp:    0,
		hv.RegisterRflags: 0x2, // reserved bit
	}); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}

	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
