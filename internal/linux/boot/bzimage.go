package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Offsets inside the boot_params page, from Documentation/arch/x86/boot.rst.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 0x1f1

	zeroPageExtRamDiskImage = 0x0c0
	zeroPageExtRamDiskSize  = 0x0c4
	zeroPageExtCmdLinePtr   = 0x0c8
	zeroPageE820Entries     = 0x1e8
	zeroPageE820Table       = 0x2d0

	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201
)

// setup_header field offsets relative to setupHeaderOffset.
const (
	hdrSetupSects        = 0
	hdrBootFlag          = 13
	hdrHeader            = 17
	hdrVersion           = 21
	hdrTypeOfLoader      = 31
	hdrLoadFlags         = 32
	hdrCode32Start       = 35
	hdrRamdiskImage      = 39
	hdrRamdiskSize       = 43
	hdrHeapEndPtr        = 51
	hdrCmdLinePtr        = 55
	hdrInitrdAddrMax     = 59
	hdrKernelAlignment   = 63
	hdrRelocatableKernel = 67
	hdrMinAlignment      = 68
	hdrXLoadFlags        = 69
	hdrCmdlineSize       = 71
	hdrPrefAddress       = 103
	hdrInitSize          = 111
)

const (
	xlfKernel64         = 1 << 0
	loadedHigh          = 1 << 0
	canUseHeap          = 1 << 7
	typeOfLoaderUnknown = 0xff
)

// SetupHeader is the subset of the kernel's setup_header pH consumes.
type SetupHeader struct {
	SetupSectors      uint8
	ProtocolVersion   uint16
	LoadFlags         uint8
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// LoadBzImage validates the Linux/x86 setup header and returns the parsed
// image. The raw header bytes are preserved to be replayed into the zero
// page.
func LoadBzImage(kernel io.ReaderAt, kernelSize int64) (*KernelImage, error) {
	data, err := io.ReadAll(io.NewSectionReader(kernel, 0, kernelSize))
	if err != nil {
		return nil, fmt.Errorf("read bzImage kernel: %w", err)
	}

	img := &KernelImage{
		format: kernelFormatBzImage,
		Data:   data,
	}
	if err := img.parseHeader(); err != nil {
		return nil, err
	}
	return img, nil
}

func (k *KernelImage) parseHeader() error {
	data := k.Data
	if len(data) < headerMagicOffset+4 {
		return errors.New("kernel image too small")
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return errors.New("missing HdrS signature; not a Linux bzImage")
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) || headerEnd <= setupHeaderOffset {
		return errors.New("malformed setup header length")
	}
	k.HeaderBytes = append([]byte(nil), data[setupHeaderOffset:headerEnd]...)

	at := func(off int) []byte { return data[setupHeaderOffset+off:] }

	var hdr SetupHeader
	hdr.SetupSectors = at(hdrSetupSects)[0]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(at(hdrVersion))
	hdr.LoadFlags = at(hdrLoadFlags)[0]
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(at(hdrInitrdAddrMax))
	hdr.KernelAlignment = binary.LittleEndian.Uint32(at(hdrKernelAlignment))
	hdr.RelocatableKernel = at(hdrRelocatableKernel)[0]
	hdr.MinAlignment = at(hdrMinAlignment)[0]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(at(hdrXLoadFlags))
	hdr.CmdlineSize = binary.LittleEndian.Uint32(at(hdrCmdlineSize))
	hdr.PrefAddress = binary.LittleEndian.Uint64(at(hdrPrefAddress))
	hdr.InitSize = binary.LittleEndian.Uint32(at(hdrInitSize))
	k.Header = hdr

	payloadOffset := 512 * (1 + int(hdr.SetupSectors))
	if payloadOffset > len(data) {
		return fmt.Errorf("payload offset %d exceeds image size %d", payloadOffset, len(data))
	}
	k.PayloadOffset = payloadOffset

	if hdr.XLoadFlags&xlfKernel64 == 0 {
		return errors.New("kernel does not advertise 64-bit entry (XLF_KERNEL_64)")
	}
	return nil
}

// Payload returns the protected-mode payload of the bzImage.
func (k *KernelImage) Payload() []byte {
	if k.format != kernelFormatBzImage {
		return nil
	}
	return k.Data[k.PayloadOffset:]
}

// DefaultLoadAddress picks where the payload lands: the preferred address
// when declared, else the conventional high/low load spots.
func (k *KernelImage) DefaultLoadAddress() uint64 {
	if k.format == kernelFormatELF {
		if k.Header.PrefAddress != 0 {
			return k.Header.PrefAddress
		}
		return k.elfMinPhys
	}
	if k.Header.PrefAddress != 0 {
		return k.Header.PrefAddress
	}
	if k.Header.LoadFlags&loadedHigh != 0 {
		return 0x00100000
	}
	return 0x00010000
}

// EntryPoint returns the 64-bit entry GPA for a payload loaded at loadAddr.
// The boot protocol places the 64-bit entry at load+0x200.
func (k *KernelImage) EntryPoint(loadAddr uint64) uint64 {
	if k.format == kernelFormatELF {
		return k.elfEntry
	}
	return loadAddr + 0x200
}
