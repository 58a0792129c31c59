//go:build linux

package boot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ph-hv/ph/internal/memory"
)

const testRAMSize = 64 << 20

// fakeBzImage builds the smallest image LoadBzImage accepts: one setup
// sector, a valid HdrS header and a recognizable payload.
func fakeBzImage(t *testing.T) []byte {
	t.Helper()

	const setupSects = 1
	img := make([]byte, 512*(1+setupSects)+8192)

	img[setupHeaderOffset+hdrSetupSects] = setupSects
	binary.LittleEndian.PutUint16(img[setupHeaderOffset+hdrBootFlag:], 0xaa55)
	copy(img[headerMagicOffset:], headerMagic)
	img[headerLengthOffset] = 0x7f
	binary.LittleEndian.PutUint16(img[setupHeaderOffset+hdrVersion:], 0x020f)
	img[setupHeaderOffset+hdrLoadFlags] = loadedHigh
	binary.LittleEndian.PutUint32(img[setupHeaderOffset+hdrInitrdAddrMax:], 0x37ffffff)
	binary.LittleEndian.PutUint32(img[setupHeaderOffset+hdrKernelAlignment:], 0x200000)
	img[setupHeaderOffset+hdrRelocatableKernel] = 1
	binary.LittleEndian.PutUint16(img[setupHeaderOffset+hdrXLoadFlags:], xlfKernel64)
	binary.LittleEndian.PutUint32(img[setupHeaderOffset+hdrCmdlineSize:], 2048)
	binary.LittleEndian.PutUint32(img[setupHeaderOffset+hdrInitSize:], 16384)

	copy(img[512*(1+setupSects):], "PAYLOAD-MARKER")
	return img
}

func newBootRAM(t *testing.T) *memory.GuestRAM {
	t.Helper()
	ram := memory.NewGuestRAM(nil)
	if _, err := ram.AddSlot("ram", 0, testRAMSize); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	return ram
}

func TestLoadBzImageParsesHeader(t *testing.T) {
	img := fakeBzImage(t)
	k, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if k.Header.ProtocolVersion != 0x020f {
		t.Fatalf("protocol version = %#x", k.Header.ProtocolVersion)
	}
	if k.PayloadOffset != 1024 {
		t.Fatalf("payload offset = %d, want 1024", k.PayloadOffset)
	}
	if !bytes.HasPrefix(k.Payload(), []byte("PAYLOAD-MARKER")) {
		t.Fatal("payload does not start at the declared offset")
	}
	if got := k.DefaultLoadAddress(); got != 0x100000 {
		t.Fatalf("default load address = %#x, want 1 MiB (LOADED_HIGH)", got)
	}
}

func TestLoadBzImageRejectsJunk(t *testing.T) {
	junk := make([]byte, 8192)
	if _, err := LoadKernel(bytes.NewReader(junk), int64(len(junk))); err == nil {
		t.Fatal("junk image accepted")
	}

	// A header without the 64-bit entry flag is useless to pH.
	img := fakeBzImage(t)
	binary.LittleEndian.PutUint16(img[setupHeaderOffset+hdrXLoadFlags:], 0)
	if _, err := LoadKernel(bytes.NewReader(img), int64(len(img))); err == nil {
		t.Fatal("image without XLF_KERNEL_64 accepted")
	}
}

func TestPreparePlacesEverything(t *testing.T) {
	img := fakeBzImage(t)
	k, err := LoadKernel(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	ram := newBootRAM(t)
	initrd := bytes.Repeat([]byte{0xDD}, 8192)
	cmdline := "console=hvc0 root=/dev/vda rw"

	plan, err := k.Prepare(ram, ram, BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Relocatable kernel lands on its 2 MiB alignment.
	if plan.LoadAddr%0x200000 != 0 {
		t.Fatalf("load address %#x not aligned", plan.LoadAddr)
	}
	if plan.EntryGPA != plan.LoadAddr+0x200 {
		t.Fatalf("entry %#x, want load+0x200", plan.EntryGPA)
	}

	payload := make([]byte, 14)
	if err := ram.Read(plan.LoadAddr, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(payload, []byte("PAYLOAD-MARKER")) {
		t.Fatalf("payload at load address = %q", payload)
	}

	// Command line: NUL-terminated at CmdlineGPA, referenced from the zero
	// page.
	got := make([]byte, len(cmdline)+1)
	if err := ram.Read(plan.CmdlineGPA, got); err != nil {
		t.Fatalf("read cmdline: %v", err)
	}
	if string(got[:len(cmdline)]) != cmdline || got[len(cmdline)] != 0 {
		t.Fatalf("cmdline in memory = %q", got)
	}

	zp := make([]byte, zeroPageSize)
	if err := ram.Read(plan.ZeroPageGPA, zp); err != nil {
		t.Fatalf("read zero page: %v", err)
	}
	if ptr := binary.LittleEndian.Uint32(zp[setupHeaderOffset+hdrCmdLinePtr:]); uint64(ptr) != plan.CmdlineGPA {
		t.Fatalf("cmd_line_ptr = %#x, want %#x", ptr, plan.CmdlineGPA)
	}

	// Initrd recorded and actually copied.
	initrdGPA := uint64(binary.LittleEndian.Uint32(zp[setupHeaderOffset+hdrRamdiskImage:]))
	initrdSize := binary.LittleEndian.Uint32(zp[setupHeaderOffset+hdrRamdiskSize:])
	if initrdSize != uint32(len(initrd)) {
		t.Fatalf("ramdisk_size = %d", initrdSize)
	}
	gotInitrd := make([]byte, len(initrd))
	if err := ram.Read(initrdGPA, gotInitrd); err != nil {
		t.Fatalf("read initrd: %v", err)
	}
	if !bytes.Equal(gotInitrd, initrd) {
		t.Fatal("initrd contents mismatch")
	}

	// Stack sits below the initrd, inside RAM.
	if plan.StackTopGPA >= initrdGPA {
		t.Fatalf("stack %#x above initrd %#x", plan.StackTopGPA, initrdGPA)
	}

	// The e820 map must have at least usable low RAM and the reserved BIOS
	// window.
	entries := int(zp[zeroPageE820Entries])
	if entries < 2 {
		t.Fatalf("e820 entries = %d", entries)
	}
	first := E820Entry{
		Addr: binary.LittleEndian.Uint64(zp[zeroPageE820Table:]),
		Size: binary.LittleEndian.Uint64(zp[zeroPageE820Table+8:]),
		Type: binary.LittleEndian.Uint32(zp[zeroPageE820Table+16:]),
	}
	if first.Type != e820TypeRAM || first.Addr != 0 {
		t.Fatalf("e820[0] = %+v", first)
	}
}

func TestBuildE820SplitLayout(t *testing.T) {
	ram := newBootRAM(t)

	entries := BuildE820(ram)
	var sawReserved, sawHighUsable bool
	var total uint64
	for _, e := range entries {
		if e.Type == e820TypeReserved {
			sawReserved = true
		}
		if e.Type == e820TypeRAM && e.Addr >= 0x100000 {
			sawHighUsable = true
		}
		total += e.Size
	}
	if !sawReserved {
		t.Fatal("BIOS window not reserved")
	}
	if !sawHighUsable {
		t.Fatal("no usable RAM above 1 MiB")
	}
	if total != testRAMSize {
		t.Fatalf("e820 covers %#x bytes, want %#x", total, testRAMSize)
	}
}
