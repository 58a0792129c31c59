package hv

import (
	"context"
	"errors"
	"io"

	"github.com/ph-hv/ph/internal/memory"
)

var (
	ErrVMHalted        = errors.New("virtual machine halted")
	ErrUnsupportedHost = errors.New("host is missing a required virtualization capability")
	ErrBusConflict     = errors.New("bus registration overlaps an existing range")
	ErrNoAddressSpace  = errors.New("guest physical address space exhausted")
	ErrDriverViolation = errors.New("guest driver violated the device contract")
)

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags
	RegisterCr3
)

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]uint64) error
	GetRegisters(regs map[Register]uint64) error

	// SetLongMode programs 64-bit mode with identity-mapped paging rooted at
	// pagingBase. Must be called before the first Run.
	SetLongMode(pagingBase uint64, addrSpaceSize int) error

	// Run drives the vCPU until the guest halts, the context is cancelled or
	// an error occurs. Must only be called from the vCPU's owning thread (via
	// VirtualMachine.Run or VirtualCPUCall).
	Run(ctx context.Context) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// PortRange is a contiguous run of I/O ports owned by one device.
type PortRange struct {
	Base  uint16
	Count uint16
}

// MemoryMappedIODevice handlers see the access offset within their region,
// never the absolute guest physical address.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(offset uint64, data []byte) error
	WriteMMIO(offset uint64, data []byte) error
}

// X86IOPortDevice handlers see the port offset within their range.
type X86IOPortDevice interface {
	Device

	IOPortRanges() []PortRange

	ReadIOPort(offset uint16, data []byte) error
	WriteIOPort(offset uint16, data []byte) error
}

// NotifyEventFD is implemented by devices that want a kernel-side eventfd bound
// to a guest write of a specific value at a specific MMIO address, bypassing
// the MMIO dispatch path entirely.
type NotifyEventFD struct {
	Addr  uint64
	Value uint32
	FD    int
}

type IOEventFDRegistrar interface {
	// RegisterIOEventFD arranges for writes of ev.Value at ev.Addr to signal
	// ev.FD without a vCPU exit reaching userspace dispatch.
	RegisterIOEventFD(ev NotifyEventFD) error
	UnregisterIOEventFD(ev NotifyEventFD) error
}

type IRQLineSink interface {
	// PulseIRQ edge-triggers the given GSI.
	PulseIRQ(line uint32) error
	// SetIRQ drives a level-triggered GSI high or low.
	SetIRQ(line uint32, level bool) error
	// RegisterIRQFD binds an eventfd to a GSI so a write to the fd injects the
	// interrupt from any host thread.
	RegisterIRQFD(fd int, line uint32) error
	UnregisterIRQFD(fd int, line uint32) error
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	IOEventFDRegistrar
	IRQLineSink

	Hypervisor() Hypervisor

	// Memory exposes the guest physical address space.
	Memory() *memory.GuestRAM

	// AddMemorySlot maps size bytes of fresh anonymous host memory at gpa and
	// registers it with the hypervisor. Used by devices that share host
	// resources into the guest after boot.
	AddMemorySlot(name string, gpa, size uint64) (*memory.Slot, error)
	RemoveMemorySlot(slot *memory.Slot) error

	// AllocateMMIO reserves a guest physical range for a device register
	// window, above RAM.
	AllocateMMIO(req MMIOAllocationRequest) (MMIOAllocation, error)

	Run(ctx context.Context, cfg RunConfig) error
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMConfig interface {
	// Dumb getters; may be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader
}

func (c SimpleVMConfig) CPUCount() int      { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64 { return c.MemBase }
func (c SimpleVMConfig) Loader() VMLoader   { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
