//go:build linux && amd64

package kvm

import (
	"bytes"
	"testing"

	"github.com/ph-hv/ph/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hyp, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hyp.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	if err := hyp.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer hyp.Close()

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if got := vm.Memory().SlotCount(); got != 1 {
		t.Errorf("slot count = %d, want 1 for a small guest", got)
	}

	// Guest memory is readable and writable by GPA from the host side.
	want := []byte("slot zero")
	if err := vm.Memory().Write(0x1000, want); err != nil {
		t.Fatalf("Write guest memory: %v", err)
	}
	got := make([]byte, len(want))
	if err := vm.Memory().Read(0x1000, got); err != nil {
		t.Fatalf("Read guest memory: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("guest memory round trip: %q != %q", got, want)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestVirtualCPUCall(t *testing.T) {
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer hyp.Close()

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if vcpu.ID() != 0 {
			t.Errorf("vCPU ID = %d", vcpu.ID())
		}
		regs := map[hv.Register]uint64{hv.RegisterRip: 0}
		return vcpu.GetRegisters(regs)
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}

	if err := vm.VirtualCPUCall(1, func(vcpu hv.VirtualCPU) error { return nil }); err == nil {
		t.Fatal("call to a nonexistent vCPU succeeded")
	}
}

func TestDynamicMemorySlots(t *testing.T) {
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer hyp.Close()

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{Name: "shm", Size: 0x4000})
	if err != nil {
		t.Fatalf("AllocateMMIO: %v", err)
	}

	slot, err := vm.AddMemorySlot("shm", alloc.Base, 0x4000)
	if err != nil {
		t.Fatalf("AddMemorySlot: %v", err)
	}
	if err := vm.Memory().Write(alloc.Base+0x100, []byte("dynamic")); err != nil {
		t.Fatalf("Write dynamic slot: %v", err)
	}

	if err := vm.RemoveMemorySlot(slot); err != nil {
		t.Fatalf("RemoveMemorySlot: %v", err)
	}
	if err := vm.Memory().Write(alloc.Base+0x100, []byte("gone")); err == nil {
		t.Fatal("write into a removed slot succeeded")
	}
}
