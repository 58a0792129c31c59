package virtio

import (
	"crypto/rand"
	"log/slog"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
)

const rngQueueNumMax = 64

// Rng feeds the guest's entropy pool from the host's entropy source. Each
// chain is a single write-only descriptor; the work is short enough to run on
// the reactor thread.
type Rng struct {
	dev *Device
}

// NewRng creates a virtio entropy device.
func NewRng(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet) (*Rng, error) {
	r := &Rng{}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-rng",
		DeviceID:     DeviceIDRng,
		QueueCount:   1,
		QueueMaxSize: rngQueueNumMax,
	}, r)
	if err != nil {
		return nil, err
	}
	r.dev = dev
	return r, nil
}

// Device returns the underlying transport.
func (r *Rng) Device() *Device { return r.dev }

// OnQueueNotify implements Handler, filling chains inline.
func (r *Rng) OnQueueNotify(q int) error {
	return r.dev.ProcessQueue(r.dev.Queue(q), func(chain *Chain) error {
		for _, buf := range chain.Writable() {
			if len(buf) == 0 {
				continue
			}
			if _, err := rand.Read(buf); err != nil {
				slog.Error("virtio-rng: host entropy source", "error", err)
				return err
			}
			chain.MarkWritten(uint32(len(buf)))
		}
		return nil
	})
}

// OnDriverOK implements Handler.
func (r *Rng) OnDriverOK(features uint64) {}

// OnReset implements Handler.
func (r *Rng) OnReset() {}

// ReadConfig implements Handler; the entropy device has no config space.
func (r *Rng) ReadConfig(offset uint64) uint32 { return 0 }

// WriteConfig implements Handler.
func (r *Rng) WriteConfig(offset uint64, value uint32) {}

// Stop releases the transport.
func (r *Rng) Stop() error { return r.dev.Close() }

var _ Handler = (*Rng)(nil)
