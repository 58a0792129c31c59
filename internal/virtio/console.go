package virtio

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
)

const (
	consoleQueueReceive  = 0
	consoleQueueTransmit = 1
	consoleQueueNumMax   = 256
)

// Console bridges the guest console to a host terminal or pty. Receive
// chains are write-only, filled from buffered host input; transmit chains are
// read-only, drained to the host writer. Both directions are short work and
// run on the reactor thread.
type Console struct {
	dev *Device

	out io.Writer

	mu      sync.Mutex
	pending []byte

	// TransmitTap, when set, observes every byte the guest transmits. Used
	// by boot progress detection.
	TransmitTap func([]byte)
}

// NewConsole creates a virtio console writing guest output to out. Host
// input arrives via QueueInput, typically pushed by the reactor watching the
// terminal fd.
func NewConsole(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, out io.Writer) (*Console, error) {
	c := &Console{out: out}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-console",
		DeviceID:     DeviceIDConsole,
		QueueCount:   2,
		QueueMaxSize: consoleQueueNumMax,
	}, c)
	if err != nil {
		return nil, err
	}
	c.dev = dev
	return c, nil
}

// Device returns the underlying transport.
func (c *Console) Device() *Device { return c.dev }

// QueueInput buffers host bytes and pushes them into waiting receive chains.
func (c *Console) QueueInput(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	c.mu.Unlock()

	if err := c.fillReceiveQueue(); err != nil {
		slog.Error("virtio-console: fill receive queue", "error", err)
	}
}

// OnQueueNotify implements Handler.
func (c *Console) OnQueueNotify(q int) error {
	switch q {
	case consoleQueueTransmit:
		return c.drainTransmitQueue()
	case consoleQueueReceive:
		return c.fillReceiveQueue()
	default:
		return nil
	}
}

func (c *Console) drainTransmitQueue() error {
	return c.dev.ProcessQueue(c.dev.Queue(consoleQueueTransmit), func(chain *Chain) error {
		for _, buf := range chain.Readable() {
			if len(buf) == 0 {
				continue
			}
			if c.TransmitTap != nil {
				c.TransmitTap(buf)
			}
			if c.out != nil {
				if _, err := c.out.Write(buf); err != nil {
					return fmt.Errorf("virtio-console: write output: %w", err)
				}
			}
		}
		return nil
	})
}

func (c *Console) fillReceiveQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	q := c.dev.Queue(consoleQueueReceive)
	if q == nil || !q.Ready() {
		return nil
	}

	// Pop only as many chains as the pending input can fill; untouched
	// chains stay available for the next batch.
	oldUsed := q.UsedIdx()
	published := false
	for len(c.pending) > 0 {
		chain, err := q.PopChain()
		if err != nil {
			return err
		}
		if chain == nil {
			break
		}
		if chain.Violation() == nil {
			n, err := chain.Write(c.pending)
			if err != nil && err != io.ErrShortWrite {
				return err
			}
			c.pending = c.pending[n:]
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
		c.dev.RaiseInterrupt()
	}
	return nil
}

// OnDriverOK implements Handler.
func (c *Console) OnDriverOK(features uint64) {}

// OnReset implements Handler.
func (c *Console) OnReset() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// ReadConfig implements Handler; no size negotiation, no multiport.
func (c *Console) ReadConfig(offset uint64) uint32 { return 0 }

// WriteConfig implements Handler.
func (c *Console) WriteConfig(offset uint64, value uint32) {}

// Stop releases the transport.
func (c *Console) Stop() error { return c.dev.Close() }

var _ Handler = (*Console)(nil)
