package virtio

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"unsafe"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	netQueueReceive  = 0
	netQueueTransmit = 1
	netQueueNumMax   = 256

	// virtio-net header prepended to every frame; with VERSION_1 the
	// num_buffers field is always present.
	netHdrSize = 12

	netFeatureMAC = uint64(1) << 5
)

// NetBackend moves ethernet frames between the device and the host network.
type NetBackend interface {
	// Transmit sends one guest frame (without the virtio header).
	Transmit(frame []byte) error
	// SetReceive registers the sink for inbound frames. The sink copies the
	// frame before returning.
	SetReceive(fn func(frame []byte))
	Close() error
}

// Net is a virtio network device with a pluggable host back-end: a TAP
// device or the user-mode stack, whichever the caller passes in.
type Net struct {
	dev     *Device
	backend NetBackend
	mac     net.HardwareAddr

	mu      sync.Mutex
	pending [][]byte

	work     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewNet creates a virtio-net device with the given guest MAC.
func NewNet(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, backend NetBackend, mac net.HardwareAddr) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio-net: MAC must be 6 bytes, got %d", len(mac))
	}

	n := &Net{
		backend: backend,
		mac:     mac,
		work:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-net",
		DeviceID:     DeviceIDNet,
		QueueCount:   2,
		QueueMaxSize: netQueueNumMax,
		Features:     netFeatureMAC,
	}, n)
	if err != nil {
		return nil, err
	}
	n.dev = dev

	backend.SetReceive(n.receiveFrame)
	go n.worker()
	return n, nil
}

// Device returns the underlying transport.
func (n *Net) Device() *Device { return n.dev }

// OnQueueNotify implements Handler.
func (n *Net) OnQueueNotify(q int) error {
	switch q {
	case netQueueTransmit:
		select {
		case n.work <- struct{}{}:
		default:
		}
	case netQueueReceive:
		return n.fillReceiveQueue()
	}
	return nil
}

// OnDriverOK implements Handler.
func (n *Net) OnDriverOK(features uint64) {}

// OnReset implements Handler.
func (n *Net) OnReset() {
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
}

// ReadConfig implements Handler: the MAC, then link status (always up).
func (n *Net) ReadConfig(offset uint64) uint32 {
	var cfg [8]byte
	copy(cfg[0:6], n.mac)
	cfg[6] = 1 // VIRTIO_NET_S_LINK_UP
	if offset+4 > uint64(len(cfg)) {
		return 0
	}
	return uint32(cfg[offset]) | uint32(cfg[offset+1])<<8 | uint32(cfg[offset+2])<<16 | uint32(cfg[offset+3])<<24
}

// WriteConfig implements Handler.
func (n *Net) WriteConfig(offset uint64, value uint32) {}

func (n *Net) worker() {
	defer close(n.done)
	for range n.work {
		if n.dev.reactor.HardKillRequested() {
			// Hard kill: join without draining.
			return
		}
		q := n.dev.Queue(netQueueTransmit)
		if err := n.dev.ProcessQueue(q, n.transmit); err != nil {
			slog.Error("virtio-net: process transmit queue", "error", err)
			n.dev.SetNeedsReset()
		}
	}
}

func (n *Net) transmit(chain *Chain) error {
	frame := make([]byte, chain.ReadableLen())
	if _, err := io.ReadFull(chain, frame); err != nil {
		return nil
	}
	if len(frame) <= netHdrSize {
		return nil
	}
	if err := n.backend.Transmit(frame[netHdrSize:]); err != nil {
		slog.Debug("virtio-net: transmit", "error", err)
	}
	return nil
}

// receiveFrame queues one host frame for the guest and fills receive chains.
// Called from the back-end's own goroutine.
func (n *Net) receiveFrame(frame []byte) {
	buf := make([]byte, netHdrSize+len(frame))
	buf[10] = 1 // num_buffers
	copy(buf[netHdrSize:], frame)

	n.mu.Lock()
	n.pending = append(n.pending, buf)
	n.mu.Unlock()

	if err := n.fillReceiveQueue(); err != nil {
		slog.Error("virtio-net: fill receive queue", "error", err)
	}
}

func (n *Net) fillReceiveQueue() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := n.dev.Queue(netQueueReceive)
	if q == nil || !q.Ready() {
		return nil
	}

	oldUsed := q.UsedIdx()
	published := false
	for len(n.pending) > 0 {
		chain, err := q.PopChain()
		if err != nil {
			return err
		}
		if chain == nil {
			break
		}
		if chain.Violation() == nil {
			chain.Write(n.pending[0])
			n.pending = n.pending[1:]
		}
		if err := q.Publish(chain); err != nil {
			return err
		}
		published = true
	}

	if err := q.SetAvailEvent(q.LastAvailIdx()); err != nil {
		return err
	}
	if published && q.ShouldInterrupt(oldUsed) {
		n.dev.RaiseInterrupt()
	}
	return nil
}

// Stop shuts the worker down, joins it and closes the back-end.
// Idempotent.
func (n *Net) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.work)
		<-n.done
		n.backend.Close()
		err = n.dev.Close()
	})
	return err
}

var _ Handler = (*Net)(nil)

// TapBackend drives a host TAP interface. It needs CAP_NET_ADMIN or a
// preconfigured persistent tap.
type TapBackend struct {
	file    int
	name    string
	receive func(frame []byte)
	mu      sync.Mutex
	closed  bool
}

type ifReq struct {
	Name  [16]byte
	Flags uint16
	pad   [22]byte
}

// NewTapBackend opens /dev/net/tun and attaches to (or creates) the named
// tap interface. The reactor is used to watch for inbound frames.
func NewTapBackend(reactor *event.Reactor, name string) (*TapBackend, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-net: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:15], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio-net: TUNSETIFF %q: %w", name, errno)
	}

	t := &TapBackend{file: fd, name: name}

	if err := reactor.AddReadFD(fd, t.readFrame); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *TapBackend) readFrame() {
	buf := make([]byte, 64*1024)
	n, err := unix.Read(t.file, buf)
	if err != nil || n <= 0 {
		return
	}
	t.mu.Lock()
	receive := t.receive
	t.mu.Unlock()
	if receive != nil {
		receive(buf[:n])
	}
}

// Transmit implements NetBackend.
func (t *TapBackend) Transmit(frame []byte) error {
	return writeFull(t.file, frame)
}

// SetReceive implements NetBackend.
func (t *TapBackend) SetReceive(fn func(frame []byte)) {
	t.mu.Lock()
	t.receive = fn
	t.mu.Unlock()
}

// Close implements NetBackend.
func (t *TapBackend) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.file)
}

var _ NetBackend = (*TapBackend)(nil)
