//go:build linux

// Package kvm drives the in-kernel virtualization facility: VM and vCPU
// lifecycle, the memory slot table, the in-kernel interrupt chip, and the
// per-vCPU run loop.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/memory"
	"golang.org/x/sys/unix"
)

// vcpuExitSignal interrupts a vCPU blocked in the run ioctl. The handler does
// nothing; delivery alone forces the ioctl to return once immediate_exit is
// set.
const vcpuExitSignal = unix.SIGUSR1

var signalSetupOnce sync.Once

func setupExitSignal() {
	signalSetupOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, vcpuExitSignal)
	})
}

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	done     chan struct{}
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	for fn := range v.runQueue {
		fn()
	}
}

// RequestImmediateExit forces the vCPU out of the run ioctl. Safe to call from
// any thread.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit so a restarted ioctl returns immediately
	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, vcpuExitSignal); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	ram          *memory.GuestRAM
	addressSpace *hv.AddressSpace

	vcpus   map[int]*virtualCPU
	devices []hv.Device

	chipsetMu sync.Mutex
	chipset   *chipset.Chipset
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Memory() *memory.GuestRAM  { return v.ram }

// RegisterSlot implements memory.Registrar.
func (v *virtualMachine) RegisterSlot(slot uint32, gpa uint64, mem []byte) error {
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         0,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fmt.Errorf("set user memory region: %w", err)
	}
	return nil
}

// UnregisterSlot implements memory.Registrar.
func (v *virtualMachine) UnregisterSlot(slot uint32, gpa uint64, mem []byte) error {
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    0,
	}); err != nil {
		return fmt.Errorf("clear user memory region: %w", err)
	}
	return nil
}

// AddMemorySlot implements hv.VirtualMachine.
func (v *virtualMachine) AddMemorySlot(name string, gpa, size uint64) (*memory.Slot, error) {
	return v.ram.AddSlot(name, gpa, size)
}

// RemoveMemorySlot implements hv.VirtualMachine.
func (v *virtualMachine) RemoveMemorySlot(slot *memory.Slot) error {
	return v.ram.RemoveSlot(slot)
}

// AllocateMMIO implements hv.VirtualMachine.
func (v *virtualMachine) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	if v.addressSpace == nil {
		return hv.MMIOAllocation{}, fmt.Errorf("kvm: address space not initialized")
	}
	return v.addressSpace.Allocate(req)
}

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.devices = append(v.devices, dev)

	v.chipsetMu.Lock()
	v.chipset = nil
	v.chipsetMu.Unlock()

	return dev.Init(v)
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	return v.ram.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	return v.ram.WriteAt(p, off)
}

// SetIRQ implements hv.IRQLineSink.
func (v *virtualMachine) SetIRQ(irqLine uint32, level bool) error {
	if err := irqLevel(v.vmFd, irqLine, level); err != nil {
		return fmt.Errorf("kvm: setting IRQ line %d: %w", irqLine, err)
	}
	return nil
}

// PulseIRQ implements hv.IRQLineSink.
func (v *virtualMachine) PulseIRQ(irqLine uint32) error {
	if err := v.SetIRQ(irqLine, true); err != nil {
		return err
	}
	return v.SetIRQ(irqLine, false)
}

// RegisterIRQFD implements hv.IRQLineSink.
func (v *virtualMachine) RegisterIRQFD(fd int, line uint32) error {
	if err := assignIrqfd(v.vmFd, fd, line, false); err != nil {
		return fmt.Errorf("kvm: assign irqfd for GSI %d: %w", line, err)
	}
	return nil
}

// UnregisterIRQFD implements hv.IRQLineSink.
func (v *virtualMachine) UnregisterIRQFD(fd int, line uint32) error {
	if err := assignIrqfd(v.vmFd, fd, line, true); err != nil {
		return fmt.Errorf("kvm: deassign irqfd for GSI %d: %w", line, err)
	}
	return nil
}

// RegisterIOEventFD implements hv.IOEventFDRegistrar.
func (v *virtualMachine) RegisterIOEventFD(ev hv.NotifyEventFD) error {
	if err := assignIoeventfd(v.vmFd, ev.FD, ev.Addr, ev.Value, false); err != nil {
		return fmt.Errorf("kvm: assign ioeventfd at %#x: %w", ev.Addr, err)
	}
	return nil
}

// UnregisterIOEventFD implements hv.IOEventFDRegistrar.
func (v *virtualMachine) UnregisterIOEventFD(ev hv.NotifyEventFD) error {
	if err := assignIoeventfd(v.vmFd, ev.FD, ev.Addr, ev.Value, true); err != nil {
		return fmt.Errorf("kvm: deassign ioeventfd at %#x: %w", ev.Addr, err)
	}
	return nil
}

// ensureChipset builds the dispatch tables from registered devices on demand.
// The tables are immutable once the first vCPU exit is dispatched.
func (v *virtualMachine) ensureChipset() (*chipset.Chipset, error) {
	v.chipsetMu.Lock()
	defer v.chipsetMu.Unlock()

	if v.chipset != nil {
		return v.chipset, nil
	}

	builder := chipset.NewBuilder()
	for idx, dev := range v.devices {
		name := fmt.Sprintf("%T#%d", dev, idx)
		if err := builder.RegisterDevice(name, dev); err != nil {
			return nil, fmt.Errorf("register device %q: %w", name, err)
		}
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build chipset: %w", err)
	}
	v.chipset = cs
	return cs, nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, ok := v.vcpus[0]
	if !ok {
		return fmt.Errorf("kvm: no vCPU 0 found")
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	return <-done
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

// Close implements hv.VirtualMachine. Every vCPU thread is joined and every
// memory slot unmapped before Close returns.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}
	for _, vcpu := range vcpus {
		<-vcpu.done
	}

	for _, vcpu := range vcpus {
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	if v.ram != nil {
		if err := v.ram.Close(); err != nil {
			slog.Error("kvm: unmap guest memory", "error", err)
		}
		v.ram = nil
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
		v.vmFd = -1
	}

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
	_ memory.Registrar  = &virtualMachine{}
)

type hypervisor struct {
	fd int

	maxSlots int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// requiredCaps must all be present on the host or VM construction is refused.
var requiredCaps = []struct {
	cap  int
	name string
}{
	{kvmCapIrqchip, "KVM_CAP_IRQCHIP"},
	{kvmCapHlt, "KVM_CAP_HLT"},
	{kvmCapUserMemory, "KVM_CAP_USER_MEMORY"},
	{kvmCapSetTssAddr, "KVM_CAP_SET_TSS_ADDR"},
	{kvmCapCoalescedMmio, "KVM_CAP_COALESCED_MMIO"},
	{kvmCapIrqRouting, "KVM_CAP_IRQ_ROUTING"},
	{kvmCapIrqfd, "KVM_CAP_IRQFD"},
	{kvmCapIoeventfd, "KVM_CAP_IOEVENTFD"},
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	vm := &virtualMachine{
		hv:    h,
		vmFd:  -1,
		vcpus: make(map[int]*virtualCPU),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm.vmFd = vmFd

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	vm.ram = memory.NewGuestRAM(vm)
	vm.addressSpace = hv.NewAddressSpace(config.MemoryBase())

	if err := vm.addGuestRAM(config.MemoryBase(), config.MemorySize()); err != nil {
		unix.Close(vmFd)
		vm.ram.Close()
		return nil, err
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		vm.ram.Close()
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			unix.Close(vmFd)
			vm.ram.Close()
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			vm.ram.Close()
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
			done:     make(chan struct{}),
		}
		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vcpuFd); err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			vm.ram.Close()
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}

		go vcpu.start()
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

// addGuestRAM registers the boot-time RAM slots. Memory extending past the
// PCI hole is split into a low slot below 3GB and a high slot at 4GB.
func (v *virtualMachine) addGuestRAM(base, size uint64) error {
	memEnd := base + size
	if memEnd <= hv.MMIORegionBase {
		if _, err := v.ram.AddSlot("ram", base, size); err != nil {
			return err
		}
		return nil
	}

	lowSize := hv.MMIORegionBase - base
	if _, err := v.ram.AddSlot("ram-low", base, lowSize); err != nil {
		return err
	}
	const highMemoryStart = 0x100000000 // 4GB
	if _, err := v.ram.AddSlot("ram-high", highMemoryStart, size-lowSize); err != nil {
		return err
	}
	return nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open opens the hypervisor control device and probes every capability pH
// depends on. A missing capability fails with hv.ErrUnsupportedHost.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: API version %d, want %d: %w", version, kvmApiVersion, hv.ErrUnsupportedHost)
	}

	for _, c := range requiredCaps {
		ret, err := checkExtension(fd, c.cap)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("kvm: probe %s: %w", c.name, err)
		}
		if ret == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("kvm: missing %s: %w", c.name, hv.ErrUnsupportedHost)
		}
	}

	maxSlots, err := checkExtension(fd, kvmCapNrMemslots)
	if err != nil || maxSlots <= 0 {
		maxSlots = 32
	}

	setupExitSignal()

	return &hypervisor{fd: fd, maxSlots: maxSlots}, nil
}
