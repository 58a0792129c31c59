package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
)

const (
	blkQueueRequest = 0
	blkQueueNumMax  = 128
	blkSectorSize   = 512
)

// Request types.
const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8
)

// Status codes, written into the chain's final status byte.
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Feature bits.
const (
	blkFReadOnly = uint64(1) << 5
	blkFBlkSize  = uint64(1) << 6
	blkFFlush    = uint64(1) << 9
)

// Blk serves a raw disk image over a single request queue. Host file I/O runs
// on a dedicated worker so a slow disk never stalls the reactor.
type Blk struct {
	dev *Device

	mu       sync.Mutex
	file     *os.File
	readonly bool
	capacity uint64 // 512-byte sectors

	work     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBlk creates a virtio-blk device backed by file.
func NewBlk(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, file *os.File, readonly bool) (*Blk, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: stat image: %w", err)
	}

	b := &Blk{
		file:     file,
		readonly: readonly,
		capacity: uint64(fi.Size()) / blkSectorSize,
		work:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	features := blkFBlkSize | blkFFlush
	if readonly {
		features |= blkFReadOnly
	}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-blk",
		DeviceID:     DeviceIDBlock,
		QueueCount:   1,
		QueueMaxSize: blkQueueNumMax,
		Features:     features,
	}, b)
	if err != nil {
		return nil, err
	}
	b.dev = dev

	go b.worker()
	return b, nil
}

// Device returns the underlying transport.
func (b *Blk) Device() *Device { return b.dev }

// OnQueueNotify implements Handler; it only pokes the worker.
func (b *Blk) OnQueueNotify(q int) error {
	if q != blkQueueRequest {
		return nil
	}
	select {
	case b.work <- struct{}{}:
	default:
	}
	return nil
}

// OnDriverOK implements Handler.
func (b *Blk) OnDriverOK(features uint64) {}

// OnReset implements Handler.
func (b *Blk) OnReset() {}

// ReadConfig implements Handler: capacity, then block size at offset 20.
func (b *Blk) ReadConfig(offset uint64) uint32 {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	var cfg [24]byte
	binary.LittleEndian.PutUint64(cfg[0:8], capacity)
	binary.LittleEndian.PutUint32(cfg[20:24], blkSectorSize)

	if offset+4 > uint64(len(cfg)) {
		return 0
	}
	return binary.LittleEndian.Uint32(cfg[offset : offset+4])
}

// WriteConfig implements Handler; the config window is read-only.
func (b *Blk) WriteConfig(offset uint64, value uint32) {}

func (b *Blk) worker() {
	defer close(b.done)
	for range b.work {
		if b.dev.reactor.HardKillRequested() {
			// Hard kill: join without draining.
			return
		}
		q := b.dev.Queue(blkQueueRequest)
		if err := b.dev.ProcessQueue(q, b.processRequest); err != nil {
			slog.Error("virtio-blk: process queue", "error", err)
			b.dev.SetNeedsReset()
		}
	}
}

// Stop shuts the worker down and joins it. In-flight requests complete
// first unless a hard kill is in progress. Idempotent.
func (b *Blk) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.work)
		<-b.done
		err = b.dev.Close()
	})
	return err
}

// processRequest handles one chain: a 16-byte read-only header, data
// descriptors, and a one-byte write-only status tail.
func (b *Blk) processRequest(chain *Chain) error {
	writable := chain.Writable()
	if len(writable) == 0 {
		return fmt.Errorf("virtio-blk: request without status descriptor: %w", hv.ErrDriverViolation)
	}
	statusBuf := writable[len(writable)-1]
	if len(statusBuf) != 1 {
		// The status byte may share its descriptor with data; it is always
		// the final writable byte.
		statusBuf = statusBuf[len(statusBuf)-1:]
	}

	var hdr [16]byte
	if _, err := io.ReadFull(chain, hdr[:]); err != nil {
		statusBuf[0] = blkSIOErr
		chain.MarkWritten(1)
		return nil
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	status, dataBytes := b.execute(chain, reqType, sector, writable)

	statusBuf[0] = status
	chain.MarkWritten(dataBytes + 1)
	return nil
}

func (b *Blk) execute(chain *Chain, reqType uint32, sector uint64, writable [][]byte) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return blkSIOErr, 0
	}

	offset := int64(sector) * blkSectorSize

	switch reqType {
	case blkTIn:
		// Fill every writable iovec except the trailing status byte.
		var written uint32
		for i, buf := range writable {
			if i == len(writable)-1 {
				if len(buf) > 1 {
					buf = buf[:len(buf)-1]
				} else {
					break
				}
			}
			n, err := b.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				// A failed read publishes the status byte alone, no matter
				// how much was filled before the failing segment.
				slog.Error("virtio-blk: read", "sector", sector, "error", err)
				return blkSIOErr, 0
			}
			written += uint32(n)
			offset += int64(n)
			if n < len(buf) {
				break
			}
		}
		return blkSOK, written

	case blkTOut:
		if b.readonly {
			return blkSIOErr, 0
		}
		// The header was already consumed from the read cursor; what remains
		// is the payload.
		buf := make([]byte, 64*1024)
		for {
			n, err := chain.Read(buf)
			if n == 0 || err != nil {
				break
			}
			if _, err := b.file.WriteAt(buf[:n], offset); err != nil {
				slog.Error("virtio-blk: write", "sector", sector, "error", err)
				return blkSIOErr, 0
			}
			offset += int64(n)
		}
		return blkSOK, 0

	case blkTFlush:
		if err := b.file.Sync(); err != nil {
			slog.Error("virtio-blk: flush", "error", err)
			return blkSIOErr, 0
		}
		return blkSOK, 0

	case blkTGetID:
		id := make([]byte, 20)
		copy(id, "ph-blk")
		// The write cursor tallies the ID bytes itself.
		chain.Write(id)
		return blkSOK, 0

	default:
		return blkSUnsupp, 0
	}
}

var _ Handler = (*Blk)(nil)
