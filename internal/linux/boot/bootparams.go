package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	e820EntrySize  = 20
	e820MaxEntries = 128

	e820TypeRAM      = 1
	e820TypeReserved = 2
)

// E820Entry describes a single BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Memory is the guest physical space the loader writes into; offsets are
// GPAs.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// BuildZeroPage populates boot_params and the command line in guest memory
// per the Linux x86_64 boot protocol.
func (k *KernelImage) BuildZeroPage(mem Memory, zeroPageGPA, loadAddr uint64, cmdline string, cmdlineGPA uint64, initrdGPA uint64, initrdSize uint32, e820 []E820Entry) error {
	if mem == nil {
		return errors.New("guest memory is nil")
	}

	zp := make([]byte, zeroPageSize)

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return errors.New("setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	at := func(off int) []byte { return zp[setupHeaderOffset+off:] }

	binary.LittleEndian.PutUint16(at(hdrBootFlag), 0xaa55)
	copy(at(hdrHeader), headerMagic)
	binary.LittleEndian.PutUint16(at(hdrVersion), k.Header.ProtocolVersion)
	at(hdrLoadFlags)[0] = k.Header.LoadFlags | canUseHeap
	binary.LittleEndian.PutUint32(at(hdrKernelAlignment), k.Header.KernelAlignment)
	at(hdrRelocatableKernel)[0] = k.Header.RelocatableKernel
	at(hdrMinAlignment)[0] = k.Header.MinAlignment
	binary.LittleEndian.PutUint16(at(hdrXLoadFlags), k.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(at(hdrCmdlineSize), k.Header.CmdlineSize)
	binary.LittleEndian.PutUint32(at(hdrInitrdAddrMax), k.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(at(hdrPrefAddress), k.Header.PrefAddress)
	binary.LittleEndian.PutUint32(at(hdrInitSize), k.Header.InitSize)
	at(hdrTypeOfLoader)[0] = typeOfLoaderUnknown

	heapEnd := uint16(0x9800)
	if k.Header.LoadFlags&loadedHigh != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(at(hdrHeapEndPtr), heapEnd-0x200)

	if loadAddr > 0xffffffff {
		return fmt.Errorf("load address %#x exceeds 32-bit range", loadAddr)
	}
	binary.LittleEndian.PutUint32(at(hdrCode32Start), uint32(loadAddr))

	// Command line pointer: 32-bit low half plus the ext pointer for >=4G.
	binary.LittleEndian.PutUint32(at(hdrCmdLinePtr), uint32(cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdlineGPA>>32))

	if initrdSize > 0 {
		if initrdGPA == 0 {
			return errors.New("non-zero initrd size but GPA is zero")
		}
		binary.LittleEndian.PutUint32(at(hdrRamdiskImage), uint32(initrdGPA))
		binary.LittleEndian.PutUint32(at(hdrRamdiskSize), initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(initrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], 0)
	}

	if k.Header.CmdlineSize != 0 && len(cmdline) > int(k.Header.CmdlineSize) {
		return fmt.Errorf("command line length %d exceeds kernel limit %d", len(cmdline), k.Header.CmdlineSize)
	}
	cmdlineBytes := append([]byte(cmdline), 0)
	if _, err := mem.WriteAt(cmdlineBytes, int64(cmdlineGPA)); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}

	if len(e820) == 0 {
		return errors.New("e820 map must contain at least one entry")
	}
	if len(e820) > e820MaxEntries {
		return fmt.Errorf("too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if _, err := mem.WriteAt(zp, int64(zeroPageGPA)); err != nil {
		return fmt.Errorf("write zero page: %w", err)
	}
	return nil
}
