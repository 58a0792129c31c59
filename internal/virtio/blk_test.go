//go:build linux

package virtio

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"time"
)

const (
	testHdrGPA    = testDataGPA
	testBufGPA    = testDataGPA + 0x1000
	testStatusGPA = testDataGPA + 0x2000
)

func newTestBlk(t *testing.T, contents []byte, readonly bool) (*Blk, *testRing) {
	t.Helper()

	img, err := os.CreateTemp(t.TempDir(), "blk-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := img.Write(contents); err != nil {
		t.Fatalf("write image: %v", err)
	}

	vm := newStubVM(t)
	reactor := newTestReactor(t)
	blk, err := NewBlk(vm, reactor, newTestLineSet(vm), img, readonly)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	t.Cleanup(func() { blk.Stop() })

	handshake(t, blk.Device(), false)
	return blk, driveRing(t, vm.ram, blk.Device().Queue(blkQueueRequest))
}

// submit builds a request chain, kicks the device and waits for publication.
func (r *testRing) submit(t *testing.T, blk *Blk, reqType uint32, sector uint64, dataLen uint32, dataWritable bool) (uint32, uint32) {
	t.Helper()

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	r.writeData(testHdrGPA, hdr[:])

	dataFlags := uint16(virtqDescFNext)
	if dataWritable {
		dataFlags |= virtqDescFWrite
	}
	r.writeDesc(0, testHdrGPA, 16, virtqDescFNext, 1)
	if dataLen > 0 {
		r.writeDesc(1, testBufGPA, dataLen, dataFlags, 2)
		r.writeDesc(2, testStatusGPA, 1, virtqDescFWrite, 0)
	} else {
		r.writeDesc(1, testStatusGPA, 1, virtqDescFWrite, 0)
	}

	before := r.usedIdx()
	r.pushAvail(0)
	if err := blk.OnQueueNotify(blkQueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.usedIdx() == before {
		if time.Now().After(deadline) {
			t.Fatal("request never published")
		}
		time.Sleep(time.Millisecond)
	}
	return r.usedEntry(before)
}

func TestBlkReadRoundTrip(t *testing.T) {
	disk := make([]byte, 4*blkSectorSize)
	for i := range disk {
		disk[i] = byte(i % 251)
	}
	blk, ring := newTestBlk(t, disk, false)

	head, written := ring.submit(t, blk, blkTIn, 0, blkSectorSize, true)
	if head != 0 {
		t.Fatalf("used head = %d", head)
	}
	// Data plus the trailing status byte.
	if written != blkSectorSize+1 {
		t.Fatalf("bytes_written = %d, want %d", written, blkSectorSize+1)
	}
	if status := ring.readData(testStatusGPA, 1)[0]; status != blkSOK {
		t.Fatalf("status byte = %d", status)
	}
	if got := ring.readData(testBufGPA, blkSectorSize); !bytes.Equal(got, disk[:blkSectorSize]) {
		t.Fatal("read data does not match the backing file's first sector")
	}
}

func TestBlkWriteAndFlush(t *testing.T) {
	blk, ring := newTestBlk(t, make([]byte, 4*blkSectorSize), false)

	payload := bytes.Repeat([]byte{0xCD}, blkSectorSize)
	ring.writeData(testBufGPA, payload)

	if _, written := ring.submit(t, blk, blkTOut, 2, blkSectorSize, false); written != 1 {
		t.Fatalf("write bytes_written = %d, want 1 (status only)", written)
	}
	if status := ring.readData(testStatusGPA, 1)[0]; status != blkSOK {
		t.Fatalf("write status = %d", status)
	}

	got := make([]byte, blkSectorSize)
	if _, err := blk.file.ReadAt(got, 2*blkSectorSize); err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("sector 2 does not hold the written payload")
	}

	if _, written := ring.submit(t, blk, blkTFlush, 0, 0, false); written != 1 {
		t.Fatalf("flush bytes_written = %d", written)
	}
}

func TestBlkReadonlyRefusesWrites(t *testing.T) {
	blk, ring := newTestBlk(t, make([]byte, 4*blkSectorSize), true)

	ring.writeData(testBufGPA, bytes.Repeat([]byte{1}, blkSectorSize))
	ring.submit(t, blk, blkTOut, 0, blkSectorSize, false)
	if status := ring.readData(testStatusGPA, 1)[0]; status != blkSIOErr {
		t.Fatalf("readonly write status = %d, want IOERR", status)
	}
}

func TestBlkUnsupportedRequest(t *testing.T) {
	blk, ring := newTestBlk(t, make([]byte, 4*blkSectorSize), false)

	ring.submit(t, blk, 0x99, 0, 0, false)
	if status := ring.readData(testStatusGPA, 1)[0]; status != blkSUnsupp {
		t.Fatalf("status = %d, want UNSUPP", status)
	}
}

func TestBlkHardKillSkipsDraining(t *testing.T) {
	blk, ring := newTestBlk(t, make([]byte, 4*blkSectorSize), false)

	// Escalate to a hard kill before the worker sees any work.
	blk.dev.reactor.RequestShutdown()
	blk.dev.reactor.RequestShutdown()

	var hdr [16]byte
	ring.writeData(testHdrGPA, hdr[:])
	ring.writeDesc(0, testHdrGPA, 16, virtqDescFNext, 1)
	ring.writeDesc(1, testStatusGPA, 1, virtqDescFWrite, 0)
	ring.pushAvail(0)
	if err := blk.OnQueueNotify(blkQueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	// Stop joins the worker; the pending chain must never be published.
	if err := blk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ring.usedIdx(); got != 0 {
		t.Fatalf("used.idx = %d after hard kill, want 0 (no draining)", got)
	}
}

func TestBlkMalformedChainLeavesDeviceRunning(t *testing.T) {
	blk, ring := newTestBlk(t, make([]byte, 4*blkSectorSize), false)

	// A chain whose descriptor points outside every memory slot.
	ring.writeDesc(0, testRAMSize+0x10000, 64, virtqDescFWrite, 0)
	before := ring.usedIdx()
	ring.pushAvail(0)
	if err := blk.OnQueueNotify(blkQueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ring.usedIdx() == before {
		if time.Now().After(deadline) {
			t.Fatal("violating chain never published")
		}
		time.Sleep(time.Millisecond)
	}

	if _, written := ring.usedEntry(before); written != 0 {
		t.Fatalf("violating chain published with %d bytes", written)
	}
	if !blk.Device().Started() {
		t.Fatal("device left DRIVER_OK after an isolated driver violation")
	}

	// The device keeps serving well-formed requests.
	head, written := ring.submit(t, blk, blkTIn, 0, blkSectorSize, true)
	_ = head
	if written != blkSectorSize+1 {
		t.Fatalf("follow-up read published %d bytes", written)
	}
}
