//go:build linux

// Package vm assembles a pH virtual machine: hypervisor handle, guest
// memory, boot loader, reactor, and the virtio device family, and drives the
// run loop until the guest shuts down.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/hv/kvm"
	"github.com/ph-hv/ph/internal/linux/boot"
	"github.com/ph-hv/ph/internal/netstack"
	"github.com/ph-hv/ph/internal/p9srv"
	"github.com/ph-hv/ph/internal/virtio"
	"golang.org/x/sys/unix"
)

// NetMode selects the virtio-net back-end.
type NetMode string

const (
	NetNone NetMode = "none"
	NetUser NetMode = "user"
	NetTap  NetMode = "tap"
)

// Options describe one VM invocation.
type Options struct {
	KernelPath string
	InitrdPath string

	// RootImage is the raw ext4 root filesystem image.
	RootImage string
	// RootReadonly mounts the block device read-only.
	RootReadonly bool

	// HomeDir is exported to the guest over 9p as the home tree.
	HomeDir string

	// CompositorSocket enables the wayland device when non-empty.
	CompositorSocket string

	// RootLogin asks the guest init to log in as root.
	RootLogin bool

	MemoryMiB uint64

	NetMode NetMode
	TapName string

	// ExtraCmdline is appended after the generated parameters.
	ExtraCmdline []string

	// ConsoleOut receives guest console output.
	ConsoleOut io.Writer
	// ConsoleIn, when non-nil, is watched for guest console input.
	ConsoleIn *os.File
}

// Machine is a constructed VM plus its host-side machinery.
type Machine struct {
	hyp     hv.Hypervisor
	vm      hv.VirtualMachine
	reactor *event.Reactor
	plan    *boot.BootPlan

	console *virtio.Console
	serial  *chipset.Serial

	p9       *p9srv.Server
	ns       *netstack.NetStack
	stoppers []interface{ Stop() error }

	cancelRun    context.CancelFunc
	shutdownOnce sync.Once

	// GuestError is set when the VM died from a hypervisor-reported guest
	// fault rather than a clean shutdown.
	GuestError error
}

// Console returns the console device, for test taps and input injection.
func (m *Machine) Console() *virtio.Console { return m.console }

// loader implements hv.VMLoader: it builds the device family and loads the
// kernel once guest memory exists.
type loader struct {
	opts    Options
	reactor *event.Reactor
	m       *Machine
}

// Load implements hv.VMLoader.
func (l *loader) Load(vm hv.VirtualMachine) error {
	opts := l.opts
	m := l.m
	lines := chipset.NewLineSet(vm)

	var params []string
	params = append(params,
		"reboot=k", "panic=-1", "i8042.direct", "i8042.dumbkbd",
		"console=hvc0", "root=/dev/vda",
	)
	if opts.RootReadonly {
		params = append(params, "ro")
	} else {
		params = append(params, "rw")
	}

	// Legacy devices: early console, wallclock, reset line.
	m.serial = chipset.NewSerial(chipset.SerialCOM1Base, lines.FixedLine(chipset.SerialCOM1IRQ), opts.ConsoleOut)
	if err := vm.AddDevice(m.serial); err != nil {
		return fmt.Errorf("add serial: %w", err)
	}
	if err := vm.AddDevice(chipset.NewRTC()); err != nil {
		return fmt.Errorf("add rtc: %w", err)
	}
	if err := vm.AddDevice(&chipset.I8042{RequestShutdown: func() { m.Shutdown() }}); err != nil {
		return fmt.Errorf("add i8042: %w", err)
	}
	if err := vm.AddDevice(chipset.NewResetControlPort(func() { m.Shutdown() })); err != nil {
		return fmt.Errorf("add reset control port: %w", err)
	}

	// Console.
	console, err := virtio.NewConsole(vm, l.reactor, lines, opts.ConsoleOut)
	if err != nil {
		return err
	}
	m.console = console
	m.stoppers = append(m.stoppers, console)
	if err := vm.AddDevice(console.Device()); err != nil {
		return err
	}
	params = append(params, console.Device().CmdlineParam())

	// Entropy.
	rng, err := virtio.NewRng(vm, l.reactor, lines)
	if err != nil {
		return err
	}
	m.stoppers = append(m.stoppers, rng)
	if err := vm.AddDevice(rng.Device()); err != nil {
		return err
	}
	params = append(params, rng.Device().CmdlineParam())

	// Root block device.
	if opts.RootImage != "" {
		flags := os.O_RDWR
		if opts.RootReadonly {
			flags = os.O_RDONLY
		}
		img, err := os.OpenFile(opts.RootImage, flags, 0)
		if err != nil {
			return fmt.Errorf("open root image: %w", err)
		}
		blk, err := virtio.NewBlk(vm, l.reactor, lines, img, opts.RootReadonly)
		if err != nil {
			return err
		}
		m.stoppers = append(m.stoppers, blk)
		if err := vm.AddDevice(blk.Device()); err != nil {
			return err
		}
		params = append(params, blk.Device().CmdlineParam())
	}

	// Home filesystem over 9p.
	if opts.HomeDir != "" {
		srv, err := p9srv.Serve(opts.HomeDir, false)
		if err != nil {
			return err
		}
		m.p9 = srv
		p9dev, err := virtio.NewP9(vm, l.reactor, lines, srv.ClientFD(), "home")
		if err != nil {
			return err
		}
		m.stoppers = append(m.stoppers, p9dev)
		if err := vm.AddDevice(p9dev.Device()); err != nil {
			return err
		}
		params = append(params, p9dev.Device().CmdlineParam())
	}

	// Network.
	switch opts.NetMode {
	case NetUser:
		ns, err := netstack.New(slog.Default())
		if err != nil {
			return err
		}
		m.ns = ns
		netdev, err := virtio.NewNet(vm, l.reactor, lines, ns, guestMAC())
		if err != nil {
			return err
		}
		m.stoppers = append(m.stoppers, netdev)
		if err := vm.AddDevice(netdev.Device()); err != nil {
			return err
		}
		params = append(params, netdev.Device().CmdlineParam())
		params = append(params, ns.CmdlineParams()...)
		params = append(params, fmt.Sprintf("ph.dns=%s", netstack.ResolverIP))
	case NetTap:
		tap, err := virtio.NewTapBackend(l.reactor, opts.TapName)
		if err != nil {
			return err
		}
		netdev, err := virtio.NewNet(vm, l.reactor, lines, tap, guestMAC())
		if err != nil {
			return err
		}
		m.stoppers = append(m.stoppers, netdev)
		if err := vm.AddDevice(netdev.Device()); err != nil {
			return err
		}
		params = append(params, netdev.Device().CmdlineParam())
	}

	// Wayland passthrough.
	if opts.CompositorSocket != "" {
		wl, err := virtio.NewWl(vm, l.reactor, lines, opts.CompositorSocket)
		if err != nil {
			return err
		}
		m.stoppers = append(m.stoppers, wl)
		if err := vm.AddDevice(wl.Device()); err != nil {
			return err
		}
		params = append(params, wl.Device().CmdlineParam())
	}

	if opts.RootLogin {
		params = append(params, "ph.user=root")
	}
	params = append(params, opts.ExtraCmdline...)

	// Load the kernel and program the boot plan.
	kernelFile, err := os.Open(opts.KernelPath)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer kernelFile.Close()
	fi, err := kernelFile.Stat()
	if err != nil {
		return fmt.Errorf("stat kernel: %w", err)
	}
	kernel, err := boot.LoadKernel(kernelFile, fi.Size())
	if err != nil {
		return fmt.Errorf("parse kernel: %w", err)
	}

	var initrd []byte
	if opts.InitrdPath != "" {
		initrd, err = os.ReadFile(opts.InitrdPath)
		if err != nil {
			return fmt.Errorf("read initrd: %w", err)
		}
	}

	plan, err := kernel.Prepare(vm, vm.Memory(), boot.BootOptions{
		Cmdline: strings.Join(params, " "),
		Initrd:  initrd,
	})
	if err != nil {
		return fmt.Errorf("prepare boot: %w", err)
	}
	m.plan = plan
	return nil
}

func guestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x50, 0x48, 0x00, 0x00, 0x01}
}

// Build constructs the VM. Nothing runs yet; call Run.
func Build(opts Options) (*Machine, error) {
	if opts.MemoryMiB == 0 {
		opts.MemoryMiB = 1024
	}
	if opts.NetMode == "" {
		opts.NetMode = NetNone
	}

	hyp, err := kvm.Open()
	if err != nil {
		return nil, err
	}

	reactor, err := event.NewReactor()
	if err != nil {
		hyp.Close()
		return nil, err
	}

	m := &Machine{hyp: hyp, reactor: reactor}
	l := &loader{opts: opts, reactor: reactor, m: m}

	vmHandle, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  opts.MemoryMiB << 20,
		MemBase:  0,
		VMLoader: l,
	})
	if err != nil {
		reactor.Close()
		hyp.Close()
		return nil, err
	}
	m.vm = vmHandle

	// Feed host terminal input to the console device.
	if opts.ConsoleIn != nil {
		fd := int(opts.ConsoleIn.Fd())
		if err := reactor.AddReadFD(fd, func() {
			buf := make([]byte, 4096)
			n, err := unix.Read(fd, buf)
			if n > 0 {
				m.console.QueueInput(buf[:n])
			}
			if err != nil && err != unix.EAGAIN {
				slog.Debug("vm: console input", "error", err)
			}
		}); err != nil {
			slog.Warn("vm: watch console input", "error", err)
		}
	}

	return m, nil
}

// runConfig drives one vCPU until the guest halts or the context ends.
type runConfig struct {
	plan *boot.BootPlan
}

// Run implements hv.RunConfig.
func (r *runConfig) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if err := r.plan.ConfigureVCPU(vcpu); err != nil {
		return fmt.Errorf("configure vCPU: %w", err)
	}

	for {
		err := vcpu.Run(ctx)
		if err == nil {
			continue
		}
		return err
	}
}

// Run boots the guest and blocks until it shuts down or fails. A clean guest
// shutdown returns nil.
func (m *Machine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	defer cancel()

	reactorErr := make(chan error, 1)
	go func() {
		reactorErr <- m.reactor.Run()
	}()

	err := m.vm.Run(runCtx, &runConfig{plan: m.plan})

	// However the guest went down, the host side drains the same way.
	m.Shutdown()
	if rerr := <-reactorErr; rerr != nil {
		slog.Error("vm: reactor", "error", rerr)
	}

	switch {
	case err == nil || errors.Is(err, hv.ErrVMHalted):
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		m.GuestError = err
		return err
	}
}

// Shutdown initiates an orderly teardown: the reactor drains, workers finish
// their current chain, the vCPU is signalled out of the run ioctl. Calling
// it twice escalates to a hard kill inside the reactor.
func (m *Machine) Shutdown() {
	m.reactor.RequestShutdown()
	m.shutdownOnce.Do(func() {
		if m.cancelRun != nil {
			m.cancelRun()
		}
	})
}

// Close releases every host resource. After Close, all threads are joined
// and all memory slots unmapped.
func (m *Machine) Close() error {
	for _, s := range m.stoppers {
		if err := s.Stop(); err != nil {
			slog.Error("vm: stop device", "error", err)
		}
	}
	if m.p9 != nil {
		m.p9.Close()
	}
	if m.ns != nil {
		m.ns.Close()
	}
	var firstErr error
	if err := m.vm.Close(); err != nil {
		firstErr = err
	}
	if err := m.reactor.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.hyp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
