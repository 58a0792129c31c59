//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/ph-hv/ph/internal/hv"
	"golang.org/x/sys/unix"
)

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	if err := createIRQChip(vm.vmFd); err != nil {
		return fmt.Errorf("creating IRQ chip: %w", err)
	}

	if err := createPIT(vm.vmFd); err != nil {
		return fmt.Errorf("creating PIT: %w", err)
	}

	if err := initGSIRouting(vm.vmFd, 24); err != nil {
		return fmt.Errorf("programming GSI routing: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	return nil
}

var regFields = map[hv.Register]func(*kvmRegs) *uint64{
	hv.RegisterRax:    func(r *kvmRegs) *uint64 { return &r.Rax },
	hv.RegisterRbx:    func(r *kvmRegs) *uint64 { return &r.Rbx },
	hv.RegisterRcx:    func(r *kvmRegs) *uint64 { return &r.Rcx },
	hv.RegisterRdx:    func(r *kvmRegs) *uint64 { return &r.Rdx },
	hv.RegisterRsi:    func(r *kvmRegs) *uint64 { return &r.Rsi },
	hv.RegisterRdi:    func(r *kvmRegs) *uint64 { return &r.Rdi },
	hv.RegisterRsp:    func(r *kvmRegs) *uint64 { return &r.Rsp },
	hv.RegisterRbp:    func(r *kvmRegs) *uint64 { return &r.Rbp },
	hv.RegisterR8:     func(r *kvmRegs) *uint64 { return &r.R8 },
	hv.RegisterR9:     func(r *kvmRegs) *uint64 { return &r.R9 },
	hv.RegisterR10:    func(r *kvmRegs) *uint64 { return &r.R10 },
	hv.RegisterR11:    func(r *kvmRegs) *uint64 { return &r.R11 },
	hv.RegisterR12:    func(r *kvmRegs) *uint64 { return &r.R12 },
	hv.RegisterR13:    func(r *kvmRegs) *uint64 { return &r.R13 },
	hv.RegisterR14:    func(r *kvmRegs) *uint64 { return &r.R14 },
	hv.RegisterR15:    func(r *kvmRegs) *uint64 { return &r.R15 },
	hv.RegisterRip:    func(r *kvmRegs) *uint64 { return &r.Rip },
	hv.RegisterRflags: func(r *kvmRegs) *uint64 { return &r.Rflags },
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]uint64) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if _, ok := regFields[reg]; ok {
			hasRegular = true
		} else if reg == hv.RegisterCr3 {
			hasSpecial = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v", reg)
		}
	}

	if hasRegular {
		cur, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
		for reg, val := range regs {
			if field, ok := regFields[reg]; ok {
				*field(&cur) = val
			}
		}
		if err := setRegisters(v.fd, &cur); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecial {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		sregs.Cr3 = regs[hv.RegisterCr3]
		if err := setSRegs(v.fd, &sregs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]uint64) error {
	cur, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}
	var sregs kvmSRegs
	haveSRegs := false

	for reg := range regs {
		if field, ok := regFields[reg]; ok {
			regs[reg] = *field(&cur)
			continue
		}
		if reg == hv.RegisterCr3 {
			if !haveSRegs {
				sregs, err = getSRegs(v.fd)
				if err != nil {
					return fmt.Errorf("kvm: get special registers: %w", err)
				}
				haveSRegs = true
			}
			regs[reg] = sregs.Cr3
			continue
		}
		return fmt.Errorf("kvm: unsupported register %v", reg)
	}
	return nil
}

// Run drives the vCPU until the guest halts, the context is cancelled or an
// error occurs. I/O and MMIO exits are dispatched and HLT and INTR are
// absorbed here without returning to the caller.
func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case a previous cancellation set it
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if usingContext && ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		reason := kvmExitReason(run.exit_reason)

		switch reason {
		case kvmExitIo:
			ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
			if err := v.handleIO(ioData); err != nil {
				return err
			}
		case kvmExitMmio:
			mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
			if err := v.handleMMIO(mmioData); err != nil {
				return err
			}
		case kvmExitHlt:
			// With the in-kernel interrupt chip the kernel parks a halted
			// vCPU itself; an explicit HLT exit just means nothing is
			// pending. Re-enter and let the kernel wait.
			continue
		case kvmExitIntr:
			// Signal-driven exit used for cancellation.
			if usingContext && ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		case kvmExitShutdown, kvmExitSystemEvent:
			if reason == kvmExitSystemEvent {
				system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
				if system.typ != uint32(kvmSystemEventShutdown) {
					return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
				}
			}
			return hv.ErrVMHalted
		case kvmExitInternalError:
			ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
			ndata := ie.Ndata
			if ndata > uint32(len(ie.Data)) {
				ndata = uint32(len(ie.Data))
			}
			slog.Error("kvm: internal error",
				"vcpu", v.id,
				"suberror", ie.Suberror,
				"data", ie.Data[:ndata])
			return fmt.Errorf("kvm: vCPU %d exited with internal error %d", v.id, ie.Suberror)
		case kvmExitFailEntry:
			return fmt.Errorf("kvm: vCPU %d failed VM entry", v.id)
		default:
			return fmt.Errorf("kvm: vCPU %d exited with unhandled reason %s", v.id, reason)
		}
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	cs, err := v.vm.ensureChipset()
	if err != nil {
		return err
	}

	isWrite := ioData.direction != 0
	size := uint64(ioData.size)
	for i := uint64(0); i < uint64(ioData.count); i++ {
		off := ioData.dataOffset + i*size
		data := v.run[off : off+size]
		if err := cs.HandlePIO(ioData.port, data, isWrite); err != nil {
			return fmt.Errorf("I/O port 0x%04x: %w", ioData.port, err)
		}
	}
	return nil
}

func (v *virtualCPU) handleMMIO(mmioData *kvmExitMMIOData) error {
	cs, err := v.vm.ensureChipset()
	if err != nil {
		return err
	}

	data := mmioData.data[:mmioData.len]
	if err := cs.HandleMMIO(mmioData.physAddr, data, mmioData.isWrite != 0); err != nil {
		return fmt.Errorf("MMIO at 0x%016x: %w", mmioData.physAddr, err)
	}
	return nil
}

// SetLongMode programs 64-bit mode with identity-mapped paging rooted at
// pagingBase (a GPA inside low RAM). addrSpaceGiB GiB are mapped with 2MiB
// pages.
func (v *virtualCPU) SetLongMode(pagingBase uint64, addrSpaceGiB int) error {
	if addrSpaceGiB <= 0 || addrSpaceGiB > 4 {
		return fmt.Errorf("kvm: cannot identity map %d GiB", addrSpaceGiB)
	}

	ram := v.vm.ram

	// Paging structures must be 4KiB aligned GPAs: PML4, PDPT, then one PD
	// per mapped GiB.
	pml4Addr := pagingBase &^ 0xFFF
	pdptAddr := pml4Addr + 0x1000
	pdBase := pml4Addr + 0x2000

	tableBytes, err := ram.Slice(pml4Addr, uint64(0x2000+addrSpaceGiB*0x1000))
	if err != nil {
		return fmt.Errorf("kvm: paging scratch at %#x: %w", pml4Addr, err)
	}
	for i := range tableBytes {
		tableBytes[i] = 0
	}

	pml4 := (*[512]uint64)(unsafe.Pointer(&tableBytes[0]))[:]
	pdpt := (*[512]uint64)(unsafe.Pointer(&tableBytes[0x1000]))[:]

	pml4[0] = (pdptAddr &^ 0xFFF) | pteP | pteRW | pteUS

	for giB := 0; giB < addrSpaceGiB; giB++ {
		pdAddr := pdBase + uint64(giB)*0x1000
		pd := (*[512]uint64)(unsafe.Pointer(&tableBytes[0x2000+giB*0x1000]))[:]

		pdpt[giB] = (pdAddr &^ 0xFFF) | pteP | pteRW | pteUS

		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21) // 2MiB step
			pd[i] = (phys &^ 0x1FFFFF) | pteP | pteRW | pteUS | ptePS
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	// 64-bit code segment (CS.L=1, D=0), flat data segments.
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 0x10,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1 // 4 GiB flat segment as the boot protocol requires
	data.Selector = 0x18
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return err
	}

	return nil
}
