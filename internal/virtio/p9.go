package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	p9QueueRequest = 0
	p9QueueNumMax  = 128

	// Largest 9P message the transport will relay, matching the msize the
	// server advertises.
	p9MaxMessageSize = 1 << 20

	p9FeatureMountTag = uint64(1) << 0
)

// P9 is a pure byte transport between the guest's 9P client and a host-local
// server socket. Each chain is one read-only request descriptor followed by
// one write-only response descriptor; pH frames messages by their 4-byte
// length prefix and never parses further.
type P9 struct {
	dev *Device

	sockFD   int
	mountTag string

	work     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewP9 creates a virtio-9p transport connected to the server on sockFD (a
// unix stream socket). mountTag is what the guest uses in its mount source.
func NewP9(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, sockFD int, mountTag string) (*P9, error) {
	if mountTag == "" {
		return nil, fmt.Errorf("virtio-9p: empty mount tag")
	}

	p := &P9{
		sockFD:   sockFD,
		mountTag: mountTag,
		work:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-9p",
		DeviceID:     DeviceID9P,
		QueueCount:   1,
		QueueMaxSize: p9QueueNumMax,
		Features:     p9FeatureMountTag,
	}, p)
	if err != nil {
		return nil, err
	}
	p.dev = dev

	go p.worker()
	return p, nil
}

// Device returns the underlying transport.
func (p *P9) Device() *Device { return p.dev }

// OnQueueNotify implements Handler; it only pokes the worker.
func (p *P9) OnQueueNotify(q int) error {
	if q != p9QueueRequest {
		return nil
	}
	select {
	case p.work <- struct{}{}:
	default:
	}
	return nil
}

// OnDriverOK implements Handler.
func (p *P9) OnDriverOK(features uint64) {}

// OnReset implements Handler.
func (p *P9) OnReset() {}

// ReadConfig implements Handler: mount tag length followed by the tag bytes.
func (p *P9) ReadConfig(offset uint64) uint32 {
	tag := []byte(p.mountTag)
	cfg := make([]byte, 2+len(tag)+4)
	binary.LittleEndian.PutUint16(cfg[0:2], uint16(len(tag)))
	copy(cfg[2:], tag)

	if offset+4 > uint64(len(cfg)) {
		return 0
	}
	return binary.LittleEndian.Uint32(cfg[offset : offset+4])
}

// WriteConfig implements Handler.
func (p *P9) WriteConfig(offset uint64, value uint32) {}

func (p *P9) worker() {
	defer close(p.done)
	for range p.work {
		if p.dev.reactor.HardKillRequested() {
			// Hard kill: join without draining.
			return
		}
		q := p.dev.Queue(p9QueueRequest)
		if err := p.dev.ProcessQueue(q, p.processRequest); err != nil {
			slog.Error("virtio-9p: process queue", "error", err)
			p.dev.SetNeedsReset()
		}
	}
}

// processRequest relays one request to the server and its reply back. A
// server failure is surfaced to the guest as a transport error by publishing
// the chain with nothing written; the 9P client times the tag out.
func (p *P9) processRequest(chain *Chain) error {
	req := make([]byte, chain.ReadableLen())
	if _, err := io.ReadFull(chain, req); err != nil {
		return fmt.Errorf("virtio-9p: gather request: %w", err)
	}
	if len(req) < 7 {
		slog.Error("virtio-9p: runt request", "len", len(req))
		return nil
	}

	if err := writeFull(p.sockFD, req); err != nil {
		slog.Error("virtio-9p: forward request", "error", err)
		return nil
	}

	var sizeBuf [4]byte
	if err := readFull(p.sockFD, sizeBuf[:]); err != nil {
		slog.Error("virtio-9p: read reply size", "error", err)
		return nil
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 7 || size > p9MaxMessageSize {
		slog.Error("virtio-9p: reply size out of range", "size", size)
		return nil
	}

	reply := make([]byte, size)
	copy(reply, sizeBuf[:])
	if err := readFull(p.sockFD, reply[4:]); err != nil {
		slog.Error("virtio-9p: read reply", "error", err)
		return nil
	}

	if _, err := chain.Write(reply); err != nil {
		slog.Error("virtio-9p: reply exceeds response descriptor", "size", size)
	}
	return nil
}

// Stop shuts the worker down, joins it and closes the server socket.
// Idempotent.
func (p *P9) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.work)
		<-p.done
		unix.Close(p.sockFD)
		err = p.dev.Close()
	})
	return err
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// readFull reads exactly len(buf) bytes. Ancillary file descriptors the
// server may attach are received and closed; they cannot cross into the
// guest.
func readFull(fd int, buf []byte) error {
	oob := make([]byte, unix.CmsgSpace(4*4))
	for len(buf) > 0 {
		n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		if oobn > 0 {
			closeControlFDs(oob[:oobn])
		}
		buf = buf[n:]
	}
	return nil
}

func closeControlFDs(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.Close(fd)
		}
	}
}

var _ Handler = (*P9)(nil)
