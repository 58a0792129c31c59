//go:build linux

// Command ph boots a single paravirtualized Linux guest around one desktop
// application realm: its root image on virtio-blk, its home tree over
// virtio-9p, and its compositor link over virtio-wl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/creack/pty"
	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/realm"
	"github.com/ph-hv/ph/internal/vm"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	exitOK         = 0
	exitHostError  = 1
	exitGuestError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		realmName  = flag.String("realm", "", "realm to boot (default: the configured default realm)")
		homePath   = flag.String("home", "", "override the guest home directory mount source")
		rootLogin  = flag.Bool("root", false, "log in the guest as root")
		kernelPath = flag.String("kernel", "", "override the kernel image location")
		initrdPath = flag.String("initrd", "", "override the initramfs location")
		configPath = flag.String("config", "", "realm configuration file")
		netMode    = flag.String("net", "user", "network mode: user, tap:<name> or none")
		memoryMiB  = flag.Uint64("memory", 0, "guest RAM in MiB")
		detach     = flag.Bool("detach", false, "allocate a pty for the console instead of using this terminal")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := *configPath
	if cfgPath == "" {
		var err error
		cfgPath, err = realm.DefaultConfigPath()
		if err != nil {
			slog.Error("locate config", "error", err)
			return exitHostError
		}
	}
	cfg, err := realm.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		return exitHostError
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd())) && !*detach
	r, err := cfg.Resolve(*realmName, interactive)
	if err != nil {
		slog.Error("resolve realm", "error", err)
		return exitHostError
	}

	opts := vm.Options{
		KernelPath: cfg.Kernel,
		InitrdPath: cfg.Initrd,
		RootImage:  r.RootFS,
		HomeDir:    r.Home,
		RootLogin:  *rootLogin,
		MemoryMiB:  cfg.MemoryMiB,
	}
	if *kernelPath != "" {
		opts.KernelPath = *kernelPath
	}
	if *initrdPath != "" {
		opts.InitrdPath = *initrdPath
	}
	if *homePath != "" {
		opts.HomeDir = *homePath
	}
	if *memoryMiB != 0 {
		opts.MemoryMiB = *memoryMiB
	}
	if opts.KernelPath == "" {
		slog.Error("no kernel image configured; pass --kernel or set kernel: in the config")
		return exitHostError
	}

	switch {
	case *netMode == "user":
		opts.NetMode = vm.NetUser
	case *netMode == "none":
		opts.NetMode = vm.NetNone
	case len(*netMode) > 4 && (*netMode)[:4] == "tap:":
		opts.NetMode = vm.NetTap
		opts.TapName = (*netMode)[4:]
	default:
		slog.Error("unknown network mode", "mode", *netMode)
		return exitHostError
	}

	// The compositor link: the front-end only resolves the socket; the
	// SOMMELIER_* display settings belong to the bridge process itself.
	if sock := compositorSocket(); sock != "" {
		opts.CompositorSocket = sock
	}

	// Console plumbing: this terminal in raw mode, or a fresh pty when
	// detached.
	var restoreTerm func()
	if *detach || !term.IsTerminal(int(os.Stdin.Fd())) {
		ptmx, pts, err := pty.Open()
		if err != nil {
			slog.Error("allocate console pty", "error", err)
			return exitHostError
		}
		defer ptmx.Close()
		fmt.Fprintf(os.Stderr, "console on %s\n", pts.Name())
		opts.ConsoleOut = ptmx
		opts.ConsoleIn = ptmx
	} else {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			slog.Error("set raw terminal", "error", err)
			return exitHostError
		}
		restoreTerm = func() { term.Restore(int(os.Stdin.Fd()), oldState) }
		defer restoreTerm()
		unix.SetNonblock(int(os.Stdin.Fd()), true)
		opts.ConsoleOut = os.Stdout
		opts.ConsoleIn = os.Stdin
	}

	machine, err := vm.Build(opts)
	if err != nil {
		if restoreTerm != nil {
			restoreTerm()
		}
		if errors.Is(err, hv.ErrUnsupportedHost) {
			slog.Error("host cannot run pH", "error", err)
		} else {
			slog.Error("construct VM", "error", err)
		}
		return exitHostError
	}
	defer machine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := machine.Run(ctx); err != nil {
		if restoreTerm != nil {
			restoreTerm()
			restoreTerm = nil
		}
		slog.Error("guest failed", "error", err)
		return exitGuestError
	}
	return exitOK
}

// compositorSocket finds the wayland socket pH should proxy into the guest.
// The sommelier bridge, when running, publishes its own socket path.
func compositorSocket() string {
	if sock := os.Getenv("PH_WAYLAND_SOCKET"); sock != "" {
		return sock
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return ""
	}
	display := os.Getenv("SOMMELIER_DISPLAY")
	if display == "" {
		display = os.Getenv("WAYLAND_DISPLAY")
	}
	if display == "" {
		return ""
	}
	if filepath.IsAbs(display) {
		return display
	}
	return filepath.Join(runtimeDir, display)
}
