package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// Modern (version 2) virtio-mmio register layout.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	magicValue = 0x74726976  // "virt"
	mmioVendor = 0x0050_4856 // "PHV"

	// MMIODeviceSize is the register window each device occupies.
	MMIODeviceSize = 0x200
)

// Device status bits.
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusDriverOK    = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusNeedsReset  = 1 << 6
	statusFailed      = 1 << 7
)

// Interrupt status bits.
const (
	interruptVring  = 1 << 0
	interruptConfig = 1 << 1
)

// Transport-level feature bits.
const (
	FeatureEventIdx = uint64(1) << 29
	FeatureVersion1 = uint64(1) << 32
)

// Virtio device type identifiers.
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
	DeviceIDRng     = 4
	DeviceID9P      = 9
	DeviceIDWayland = 63
)

// Handler is the device-specific half of a virtio device. The transport calls
// OnQueueNotify with a given queue index from at most one goroutine at a time.
type Handler interface {
	// OnQueueNotify is invoked on the reactor thread when the guest kicks
	// queue q. Devices with slow back-ends hand the work to their own worker
	// and return.
	OnQueueNotify(q int) error

	// OnDriverOK is invoked once the handshake completes and every ready
	// queue is activated.
	OnDriverOK(features uint64)

	// OnReset tears down device state; all queues are already reset.
	OnReset()

	// ReadConfig returns a 32-bit window into the device configuration space.
	ReadConfig(offset uint64) uint32

	// WriteConfig stores into the device configuration space.
	WriteConfig(offset uint64, value uint32)
}

// DeviceConfig describes the fixed identity of a virtio device.
type DeviceConfig struct {
	Name         string
	DeviceID     uint32
	QueueCount   int
	QueueMaxSize uint16
	Features     uint64 // device-specific bits; VERSION_1 and EVENT_IDX are implied
}

// Device is the MMIO-discovered virtio transport. One per device instance; it
// owns the register file, the handshake state machine, the queue table, the
// notify eventfds and the interrupt line.
type Device struct {
	vm      hv.VirtualMachine
	reactor *event.Reactor
	line    chipset.LineInterrupt
	handler Handler
	cfg     DeviceConfig

	base uint64
	size uint64

	mu sync.Mutex

	deviceStatus     uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	configGeneration uint32
	queueSel         uint32
	started          bool

	queues []*VirtQueue

	interruptStatus atomic.Uint32

	// notify[q] is signalled by a guest write to the queue notify register,
	// via the kernel ioeventfd fast path when available.
	notify      []eventfd.Eventfd
	ioeventfdOK bool

	// irqFD, when registered with the hypervisor, injects the edge interrupt
	// from any host thread.
	irqFD   eventfd.Eventfd
	irqFDOK bool
}

// NewDevice creates a virtio device transport. The MMIO window is allocated
// from the VM's address space and the interrupt line from lines.
func NewDevice(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, cfg DeviceConfig, handler Handler) (*Device, error) {
	if handler == nil {
		return nil, fmt.Errorf("virtio: %s requires a handler", cfg.Name)
	}
	if cfg.QueueCount <= 0 || cfg.QueueMaxSize == 0 {
		return nil, fmt.Errorf("virtio: %s has no queues", cfg.Name)
	}

	alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{
		Name: cfg.Name,
		Size: MMIODeviceSize,
	})
	if err != nil {
		return nil, fmt.Errorf("virtio: %s: allocate MMIO: %w", cfg.Name, err)
	}

	line, err := lines.AllocateLine()
	if err != nil {
		return nil, fmt.Errorf("virtio: %s: allocate interrupt line: %w", cfg.Name, err)
	}

	d := &Device{
		vm:      vm,
		reactor: reactor,
		line:    line,
		handler: handler,
		cfg:     cfg,
		base:    alloc.Base,
		size:    alloc.Size,
	}

	d.queues = make([]*VirtQueue, cfg.QueueCount)
	for i := range d.queues {
		d.queues[i] = NewVirtQueue(i, cfg.QueueMaxSize, vm.Memory())
	}

	if err := d.setupEventFDs(); err != nil {
		return nil, err
	}

	return d, nil
}

// setupEventFDs creates the per-queue notify eventfds and the interrupt
// eventfd, and binds them to the hypervisor fast paths when available.
func (d *Device) setupEventFDs() error {
	irqFD, err := eventfd.Create()
	if err != nil {
		return fmt.Errorf("virtio: %s: create irq eventfd: %w", d.cfg.Name, err)
	}
	d.irqFD = irqFD
	if err := d.vm.RegisterIRQFD(irqFD.FD(), d.line.GSI()); err != nil {
		// Fall back to injecting from the calling thread.
		slog.Debug("virtio: irqfd unavailable, using direct injection", "device", d.cfg.Name, "error", err)
		irqFD.Close()
	} else {
		d.irqFDOK = true
	}

	d.notify = make([]eventfd.Eventfd, d.cfg.QueueCount)
	allRegistered := true
	for q := range d.notify {
		ev, err := eventfd.Create()
		if err != nil {
			return fmt.Errorf("virtio: %s: create notify eventfd: %w", d.cfg.Name, err)
		}
		d.notify[q] = ev

		if err := d.vm.RegisterIOEventFD(hv.NotifyEventFD{
			Addr:  d.base + regQueueNotify,
			Value: uint32(q),
			FD:    ev.FD(),
		}); err != nil {
			slog.Debug("virtio: ioeventfd unavailable, notifies take the slow path", "device", d.cfg.Name, "error", err)
			allRegistered = false
		}

		queue := q
		if err := d.reactor.AddEventFD(ev, func() {
			if err := d.handler.OnQueueNotify(queue); err != nil {
				slog.Error("virtio: queue notify", "device", d.cfg.Name, "queue", queue, "error", err)
				d.SetNeedsReset()
			}
		}); err != nil {
			return fmt.Errorf("virtio: %s: register notify eventfd: %w", d.cfg.Name, err)
		}
	}
	d.ioeventfdOK = allRegistered
	return nil
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

// Base returns the allocated MMIO base address.
func (d *Device) Base() uint64 { return d.base }

// GSI returns the allocated interrupt line number.
func (d *Device) GSI() uint32 { return d.line.GSI() }

// Name returns the device name used in logs and allocation records.
func (d *Device) Name() string { return d.cfg.Name }

// CmdlineParam returns the kernel parameter that makes the guest discover
// this device without a device tree.
func (d *Device) CmdlineParam() string {
	return fmt.Sprintf("virtio_mmio.device=4k@0x%x:%d", d.base, d.line.GSI())
}

// selectedQueue returns the queue the driver selected via QueueSel. Caller
// holds d.mu.
func (d *Device) selectedQueue() *VirtQueue {
	idx := int(d.queueSel)
	if idx < 0 || idx >= len(d.queues) {
		return nil
	}
	return d.queues[idx]
}

// Queue returns queue q, or nil when out of range.
func (d *Device) Queue(q int) *VirtQueue {
	if q < 0 || q >= len(d.queues) {
		return nil
	}
	return d.queues[q]
}

// Started reports whether the device reached DRIVER_OK.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// deviceFeatures is the full advertised feature vector.
func (d *Device) deviceFeatures() uint64 {
	return d.cfg.Features | FeatureVersion1 | FeatureEventIdx
}

// DriverFeatures returns the accepted feature subset after FEATURES_OK.
func (d *Device) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeatures
}

// ReadMMIO implements hv.MemoryMappedIODevice; offset is relative to the
// device window.
func (d *Device) ReadMMIO(offset uint64, data []byte) error {
	switch len(data) {
	case 1, 2, 4, 8:
	default:
		// Unaccepted widths read zero.
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	value := d.readRegister(offset)
	storeLittleEndian(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice; offset is relative to the
// device window.
func (d *Device) WriteMMIO(offset uint64, data []byte) error {
	switch len(data) {
	case 1, 2, 4, 8:
	default:
		// Unaccepted widths are discarded.
		return nil
	}
	return d.writeRegister(offset, littleEndianValue(data))
}

func (d *Device) readRegister(offset uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regMagicValue:
		return magicValue
	case regVersion:
		return 2
	case regDeviceID:
		return d.cfg.DeviceID
	case regVendorID:
		return mmioVendor
	case regDeviceFeatures:
		features := d.deviceFeatures()
		if d.deviceFeatureSel == 0 {
			return uint32(features)
		}
		if d.deviceFeatureSel == 1 {
			return uint32(features >> 32)
		}
		return 0
	case regDeviceFeaturesSel:
		return d.deviceFeatureSel
	case regDriverFeaturesSel:
		return d.driverFeatureSel
	case regQueueSel:
		return d.queueSel
	case regQueueNumMax:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.MaxSize)
		}
		return 0
	case regQueueNum:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.Size())
		}
		return 0
	case regQueueReady:
		if q := d.selectedQueue(); q != nil && q.Ready() {
			return 1
		}
		return 0
	case regQueueDescLow:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.descAddr)
		}
		return 0
	case regQueueDescHigh:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.descAddr >> 32)
		}
		return 0
	case regQueueAvailLow:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.availAddr)
		}
		return 0
	case regQueueAvailHigh:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.availAddr >> 32)
		}
		return 0
	case regQueueUsedLow:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.usedAddr)
		}
		return 0
	case regQueueUsedHigh:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.usedAddr >> 32)
		}
		return 0
	case regInterruptStatus:
		return d.interruptStatus.Load()
	case regStatus:
		return d.deviceStatus
	case regConfigGeneration:
		return d.configGeneration
	default:
		if offset >= regConfig {
			return d.handler.ReadConfig(offset - regConfig)
		}
		return 0
	}
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeatureSel = value
	case regDriverFeaturesSel:
		d.driverFeatureSel = value
	case regDriverFeatures:
		switch d.driverFeatureSel {
		case 0:
			d.driverFeatures = (d.driverFeatures &^ 0xffffffff) | uint64(value)
		case 1:
			d.driverFeatures = (d.driverFeatures & 0xffffffff) | uint64(value)<<32
		}
	case regQueueSel:
		d.queueSel = value
	case regQueueNum:
		if q := d.selectedQueue(); q != nil && value != 0 {
			if err := q.SetSize(uint16(value)); err != nil {
				slog.Error("virtio: invalid queue size", "device", d.cfg.Name, "queue", d.queueSel, "size", value)
				return err
			}
		}
	case regQueueReady:
		q := d.selectedQueue()
		if q == nil {
			return nil
		}
		if value&1 == 0 {
			q.Reset()
			return nil
		}
		if err := q.Activate(d.driverFeatures&FeatureEventIdx != 0); err != nil {
			return err
		}
	case regQueueDescLow:
		d.setQueueAddr(func(q *VirtQueue) { q.descAddr = (q.descAddr &^ 0xffffffff) | uint64(value) })
	case regQueueDescHigh:
		d.setQueueAddr(func(q *VirtQueue) { q.descAddr = (q.descAddr & 0xffffffff) | uint64(value)<<32 })
	case regQueueAvailLow:
		d.setQueueAddr(func(q *VirtQueue) { q.availAddr = (q.availAddr &^ 0xffffffff) | uint64(value) })
	case regQueueAvailHigh:
		d.setQueueAddr(func(q *VirtQueue) { q.availAddr = (q.availAddr & 0xffffffff) | uint64(value)<<32 })
	case regQueueUsedLow:
		d.setQueueAddr(func(q *VirtQueue) { q.usedAddr = (q.usedAddr &^ 0xffffffff) | uint64(value) })
	case regQueueUsedHigh:
		d.setQueueAddr(func(q *VirtQueue) { q.usedAddr = (q.usedAddr & 0xffffffff) | uint64(value)<<32 })
	case regQueueNotify:
		// The ioeventfd fast path normally swallows these; this is the slow
		// path for setups without it. A notify for an unready queue is
		// ignored without error.
		d.notifyQueueLocked(int(value))
	case regInterruptAck:
		for {
			prev := d.interruptStatus.Load()
			if d.interruptStatus.CompareAndSwap(prev, prev&^value) {
				break
			}
		}
	case regStatus:
		return d.writeStatusLocked(value)
	default:
		if offset >= regConfig {
			d.handler.WriteConfig(offset-regConfig, value)
			d.configGeneration++
		}
	}
	return nil
}

func (d *Device) setQueueAddr(set func(q *VirtQueue)) {
	q := d.selectedQueue()
	if q == nil {
		return
	}
	if q.Ready() {
		// Ring addresses are frozen once the queue is ready.
		slog.Error("virtio: ring address write on ready queue", "device", d.cfg.Name, "queue", d.queueSel)
		return
	}
	set(q)
}

// writeStatusLocked drives the handshake state machine. Transitions are
// cumulative except the full reset on zero.
func (d *Device) writeStatusLocked(value uint32) error {
	if value == 0 {
		d.resetLocked()
		return nil
	}

	// FEATURES_OK: validate the driver's subset before latching the bit.
	if value&statusFeaturesOK != 0 && d.deviceStatus&statusFeaturesOK == 0 {
		if !d.validateFeaturesLocked() {
			value &^= statusFeaturesOK
		}
	}

	// FAILED and NEEDS_RESET are device-owned; a driver status write never
	// clears them short of a full reset.
	value |= d.deviceStatus & (statusFailed | statusNeedsReset)

	if value&statusDriverOK != 0 && d.deviceStatus&statusDriverOK == 0 {
		if value&statusFeaturesOK == 0 || d.deviceStatus&statusFeaturesOK == 0 {
			// DRIVER_OK without a completed feature handshake.
			d.deviceStatus = value | statusFailed
			return fmt.Errorf("virtio: %s: DRIVER_OK before FEATURES_OK: %w", d.cfg.Name, hv.ErrDriverViolation)
		}
		d.deviceStatus = value
		d.started = true
		d.mu.Unlock()
		d.handler.OnDriverOK(d.DriverFeatures())
		d.mu.Lock()
		return nil
	}

	d.deviceStatus = value
	return nil
}

// validateFeaturesLocked accepts any subset of the advertised vector that
// still contains VERSION_1. On an invalid subset the device refuses
// FEATURES_OK; a driver that proceeds anyway lands in FAILED.
func (d *Device) validateFeaturesLocked() bool {
	if d.driverFeatures&^d.deviceFeatures() != 0 {
		slog.Error("virtio: driver selected unoffered features",
			"device", d.cfg.Name,
			"driver", fmt.Sprintf("%#x", d.driverFeatures),
			"device_features", fmt.Sprintf("%#x", d.deviceFeatures()))
		return false
	}
	if d.driverFeatures&FeatureVersion1 == 0 {
		slog.Error("virtio: driver rejected VIRTIO_F_VERSION_1", "device", d.cfg.Name)
		d.deviceStatus |= statusFailed
		return false
	}
	return true
}

func (d *Device) resetLocked() {
	wasStarted := d.started
	d.deviceStatus = 0
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.configGeneration = 0
	d.started = false
	d.interruptStatus.Store(0)
	for _, q := range d.queues {
		q.Reset()
	}
	if wasStarted {
		d.mu.Unlock()
		d.handler.OnReset()
		d.mu.Lock()
	}
}

// notifyQueueLocked wakes the worker for queue q via its eventfd.
func (d *Device) notifyQueueLocked(q int) {
	if q < 0 || q >= len(d.queues) {
		return
	}
	if !d.queues[q].Ready() {
		return
	}
	if err := d.notify[q].Notify(); err != nil {
		slog.Error("virtio: notify eventfd write", "device", d.cfg.Name, "queue", q, "error", err)
	}
}

// RaiseInterrupt latches the used-buffer bit and edge-triggers the line.
// Callers must have published the chain first.
func (d *Device) RaiseInterrupt() {
	d.raise(interruptVring)
}

// RaiseConfigInterrupt latches the configuration-change bit and edge-triggers
// the line.
func (d *Device) RaiseConfigInterrupt() {
	d.mu.Lock()
	d.configGeneration++
	d.mu.Unlock()
	d.raise(interruptConfig)
}

func (d *Device) raise(bit uint32) {
	d.interruptStatus.Or(bit)
	if d.irqFDOK {
		if err := d.irqFD.Notify(); err != nil {
			slog.Error("virtio: irq eventfd write", "device", d.cfg.Name, "error", err)
		}
		return
	}
	if err := d.line.Pulse(); err != nil {
		slog.Error("virtio: pulse irq", "device", d.cfg.Name, "gsi", d.line.GSI(), "error", err)
	}
}

// SetNeedsReset flags a fatal device error to the guest. Processing stops
// until the driver resets the device.
func (d *Device) SetNeedsReset() {
	d.mu.Lock()
	d.deviceStatus |= statusNeedsReset
	d.started = false
	d.mu.Unlock()
	d.raise(interruptConfig)
}

// Close releases the eventfds and hypervisor bindings.
func (d *Device) Close() error {
	for q, ev := range d.notify {
		d.reactor.RemoveFD(ev.FD())
		if d.ioeventfdOK {
			d.vm.UnregisterIOEventFD(hv.NotifyEventFD{
				Addr:  d.base + regQueueNotify,
				Value: uint32(q),
				FD:    ev.FD(),
			})
		}
		ev.Close()
	}
	d.notify = nil

	if d.irqFDOK {
		d.vm.UnregisterIRQFD(d.irqFD.FD(), d.line.GSI())
		d.irqFD.Close()
		d.irqFDOK = false
	}
	return nil
}

// ProcessQueue pops every pending chain on q, hands it to process, publishes
// the result and raises the interrupt when the suppression rules allow.
// Chains carrying a driver violation are published untouched with zero bytes
// written. process must not retain chain memory past its return.
func (d *Device) ProcessQueue(q *VirtQueue, process func(*Chain) error) error {
	if q == nil || !q.Ready() {
		return nil
	}

	oldUsed := q.UsedIdx()
	processed := false

	for {
		// A shutdown in progress lets the current chain finish but starts no
		// new one.
		if d.reactor.ShutdownRequested() {
			break
		}

		chain, err := q.PopChain()
		if err != nil {
			return err
		}
		if chain == nil {
			break
		}

		if chain.Violation() == nil {
			if err := process(chain); err != nil {
				return err
			}
		} else {
			slog.Error("virtio: driver violation", "device", d.cfg.Name, "queue", q.Index, "error", chain.Violation())
		}

		if err := q.Publish(chain); err != nil {
			return err
		}
		processed = true
	}

	if err := q.SetAvailEvent(q.LastAvailIdx()); err != nil {
		return err
	}

	if processed && q.ShouldInterrupt(oldUsed) {
		d.RaiseInterrupt()
	}
	return nil
}

var (
	_ hv.Device               = &Device{}
	_ hv.MemoryMappedIODevice = &Device{}
)

func littleEndianValue(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}

func storeLittleEndian(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}
