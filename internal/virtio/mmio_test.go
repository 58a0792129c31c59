//go:build linux

package virtio

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
)

// testHandler is a minimal device half for transport tests.
type testHandler struct {
	notifies atomic.Int64
	resets   atomic.Int64
	driverOK atomic.Int64
}

func (h *testHandler) OnQueueNotify(q int) error             { h.notifies.Add(1); return nil }
func (h *testHandler) OnDriverOK(features uint64)            { h.driverOK.Add(1) }
func (h *testHandler) OnReset()                              { h.resets.Add(1) }
func (h *testHandler) ReadConfig(offset uint64) uint32       { return 0x1234 }
func (h *testHandler) WriteConfig(offset uint64, val uint32) {}

func newTestDevice(t *testing.T, queues int) (*Device, *testHandler, *stubVM) {
	t.Helper()
	vm := newStubVM(t)
	reactor := newTestReactor(t)
	lines := newTestLineSet(vm)

	h := &testHandler{}
	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-test",
		DeviceID:     DeviceIDRng,
		QueueCount:   queues,
		QueueMaxSize: 64,
	}, h)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, h, vm
}

func (d *Device) readReg(t *testing.T, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := d.ReadMMIO(offset, buf[:]); err != nil {
		t.Fatalf("ReadMMIO %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (d *Device) writeReg(t *testing.T, offset uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := d.WriteMMIO(offset, buf[:]); err != nil {
		t.Fatalf("WriteMMIO %#x=%#x: %v", offset, value, err)
	}
}

// handshake walks the device to DRIVER_OK the way a well-behaved driver does.
func handshake(t *testing.T, d *Device, acceptEventIdx bool) {
	t.Helper()

	if got := d.readReg(t, regMagicValue); got != magicValue {
		t.Fatalf("magic = %#x", got)
	}
	if got := d.readReg(t, regVersion); got != 2 {
		t.Fatalf("version = %d, want 2 (modern)", got)
	}

	d.writeReg(t, regStatus, statusAcknowledge)
	d.writeReg(t, regStatus, statusAcknowledge|statusDriver)

	low := uint32(0)
	if acceptEventIdx {
		low = uint32(FeatureEventIdx)
	}
	d.writeReg(t, regDriverFeaturesSel, 0)
	d.writeReg(t, regDriverFeatures, low)
	d.writeReg(t, regDriverFeaturesSel, 1)
	d.writeReg(t, regDriverFeatures, uint32(FeatureVersion1>>32))

	d.writeReg(t, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if got := d.readReg(t, regStatus); got&statusFeaturesOK == 0 {
		t.Fatalf("FEATURES_OK not latched, status = %#x", got)
	}

	for q := 0; q < len(d.queues); q++ {
		d.writeReg(t, regQueueSel, uint32(q))
		if max := d.readReg(t, regQueueNumMax); max != uint32(d.cfg.QueueMaxSize) {
			t.Fatalf("queue %d max = %d, want %d", q, max, d.cfg.QueueMaxSize)
		}
		d.writeReg(t, regQueueNum, 8)
		d.writeReg(t, regQueueDescLow, testDescGPA+uint32(q)*0x100)
		d.writeReg(t, regQueueDescHigh, 0)
		d.writeReg(t, regQueueAvailLow, testAvailGPA+uint32(q)*0x100)
		d.writeReg(t, regQueueAvailHigh, 0)
		d.writeReg(t, regQueueUsedLow, testUsedGPA+uint32(q)*0x100)
		d.writeReg(t, regQueueUsedHigh, 0)
		d.writeReg(t, regQueueReady, 1)
	}

	d.writeReg(t, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

func TestHandshakeReachesDriverOK(t *testing.T) {
	dev, h, _ := newTestDevice(t, 2)
	handshake(t, dev, true)

	if !dev.Started() {
		t.Fatal("device not started after DRIVER_OK")
	}
	if h.driverOK.Load() != 1 {
		t.Fatalf("OnDriverOK calls = %d", h.driverOK.Load())
	}
	for q := 0; q < 2; q++ {
		if !dev.Queue(q).Ready() {
			t.Fatalf("queue %d not ready", q)
		}
	}
	if got := dev.DriverFeatures(); got&FeatureVersion1 == 0 || got&FeatureEventIdx == 0 {
		t.Fatalf("negotiated features = %#x", got)
	}
}

func TestUnofferedFeaturesRefused(t *testing.T) {
	dev, _, _ := newTestDevice(t, 1)

	dev.writeReg(t, regStatus, statusAcknowledge)
	dev.writeReg(t, regStatus, statusAcknowledge|statusDriver)

	// Select a feature bit the device never advertised.
	dev.writeReg(t, regDriverFeaturesSel, 0)
	dev.writeReg(t, regDriverFeatures, 1<<7)
	dev.writeReg(t, regDriverFeaturesSel, 1)
	dev.writeReg(t, regDriverFeatures, uint32(FeatureVersion1>>32))

	dev.writeReg(t, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if got := dev.readReg(t, regStatus); got&statusFeaturesOK != 0 {
		t.Fatalf("FEATURES_OK latched for an unoffered subset, status = %#x", got)
	}
}

func TestMissingVersion1Fails(t *testing.T) {
	dev, _, _ := newTestDevice(t, 1)

	dev.writeReg(t, regStatus, statusAcknowledge)
	dev.writeReg(t, regStatus, statusAcknowledge|statusDriver)

	// A legacy driver that never acknowledges VIRTIO_F_VERSION_1.
	dev.writeReg(t, regDriverFeaturesSel, 0)
	dev.writeReg(t, regDriverFeatures, 0)
	dev.writeReg(t, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	if got := dev.readReg(t, regStatus); got&statusFailed == 0 {
		t.Fatalf("device did not fail without VERSION_1, status = %#x", got)
	}
}

func TestStatusZeroResetsEverything(t *testing.T) {
	dev, h, _ := newTestDevice(t, 2)
	handshake(t, dev, true)

	dev.writeReg(t, regStatus, 0)

	if dev.Started() {
		t.Fatal("device still started after reset")
	}
	if h.resets.Load() != 1 {
		t.Fatalf("OnReset calls = %d", h.resets.Load())
	}
	for q := 0; q < 2; q++ {
		queue := dev.Queue(q)
		if queue.Ready() {
			t.Fatalf("queue %d still ready after reset", q)
		}
		if queue.LastAvailIdx() != 0 || queue.UsedIdx() != 0 {
			t.Fatalf("queue %d cursors not reset", q)
		}
	}
	if got := dev.readReg(t, regStatus); got != 0 {
		t.Fatalf("status after reset = %#x", got)
	}
	if got := dev.readReg(t, regDriverFeatures); got != 0 {
		t.Fatalf("driver features after reset = %#x", got)
	}

	// A status write of 0 followed by a full handshake yields a device
	// functionally identical to a fresh one.
	handshake(t, dev, true)
	if !dev.Started() {
		t.Fatal("re-handshake after reset did not start the device")
	}
}

func TestNotifyUnreadyQueueIgnored(t *testing.T) {
	dev, _, _ := newTestDevice(t, 1)

	// No handshake: the queue is not ready; the write must be swallowed.
	dev.writeReg(t, regQueueNotify, 0)
	dev.writeReg(t, regQueueNotify, 99) // out of range too
}

func TestUnacceptedWidths(t *testing.T) {
	dev, _, _ := newTestDevice(t, 1)

	buf := []byte{0xff, 0xff, 0xff}
	if err := dev.ReadMMIO(regMagicValue, buf); err != nil {
		t.Fatalf("3-byte read: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	if err := dev.WriteMMIO(regStatus, []byte{1, 2, 3}); err != nil {
		t.Fatalf("3-byte write: %v", err)
	}
	if got := dev.readReg(t, regStatus); got != 0 {
		t.Fatalf("3-byte write modified status: %#x", got)
	}
}

func TestInterruptStatusAck(t *testing.T) {
	dev, _, vm := newTestDevice(t, 1)

	dev.RaiseInterrupt()
	if got := dev.readReg(t, regInterruptStatus); got&interruptVring == 0 {
		t.Fatalf("interrupt status = %#x", got)
	}
	if vm.pulses.Load() == 0 {
		t.Fatal("no interrupt pulse reached the line")
	}

	dev.writeReg(t, regInterruptAck, interruptVring)
	if got := dev.readReg(t, regInterruptStatus); got != 0 {
		t.Fatalf("interrupt status after ack = %#x", got)
	}
}
