package boot

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	defaultELFCmdlineSize = 4096
	defaultELFInitrdMax   = 0x37ffffff
	defaultELFKernelAlign = 0x200000
)

// loadELFKernel handles uncompressed vmlinux images, useful for development
// kernels where the bzImage wrapper is skipped.
func loadELFKernel(kernel io.ReaderAt) (*KernelImage, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %d (want x86_64)", f.Machine)
	}

	var segments []elfSegment
	var minPhys, maxPhys, maxAlign uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("ELF segment mem size %#x exceeds host limits", prog.Memsz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, elfSegment{
			physAddr: prog.Paddr,
			fileSize: prog.Filesz,
			memSize:  prog.Memsz,
			data:     data,
		})
		if minPhys == 0 || prog.Paddr < minPhys {
			minPhys = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; end > maxPhys {
			maxPhys = end
		}
		if prog.Align > maxAlign {
			maxAlign = prog.Align
		}
	}

	if len(segments) == 0 {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if minPhys == 0 {
		// Linux kernels are linked away from zero; refuse to guess a
		// relocation scheme.
		return nil, errors.New("ELF kernel min physical address is zero")
	}
	span := maxPhys - minPhys
	if span > math.MaxUint32 {
		return nil, fmt.Errorf("ELF kernel span %#x exceeds 4GiB limit", span)
	}

	entry := f.Entry
	if entry < minPhys || entry >= maxPhys {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x)", entry, minPhys, maxPhys)
	}

	align := maxAlign
	if align == 0 || align > math.MaxUint32 {
		align = defaultELFKernelAlign
	}

	header := SetupHeader{
		ProtocolVersion: 0x020b,
		LoadFlags:       loadedHigh,
		InitrdAddrMax:   defaultELFInitrdMax,
		KernelAlignment: uint32(align),
		XLoadFlags:      xlfKernel64,
		CmdlineSize:     defaultELFCmdlineSize,
		PrefAddress:     minPhys,
		InitSize:        uint32(span),
	}
	if f.Type == elf.ET_DYN {
		header.RelocatableKernel = 1
	}

	return &KernelImage{
		format:      kernelFormatELF,
		Header:      header,
		elfSegments: segments,
		elfEntry:    entry,
		elfMinPhys:  minPhys,
		elfMaxPhys:  maxPhys,
	}, nil
}
