//go:build linux

package virtio

import (
	"encoding/binary"
	"testing"
	"time"
)

func newTestWl(t *testing.T) (*Wl, *stubVM, *testRing, *testRing) {
	t.Helper()
	vm := newStubVM(t)
	reactor := newTestReactor(t)
	wl, err := NewWl(vm, reactor, newTestLineSet(vm), "/nonexistent/compositor.sock")
	if err != nil {
		t.Fatalf("NewWl: %v", err)
	}
	t.Cleanup(func() { wl.Stop() })

	handshake(t, wl.Device(), false)
	in := driveRing(t, vm.ram, wl.Device().Queue(wlQueueIn))
	out := driveRing(t, vm.ram, wl.Device().Queue(wlQueueOut))
	return wl, vm, in, out
}

// command submits one control message on the out queue and returns the
// response bytes.
func (r *testRing) command(t *testing.T, wl *Wl, msg []byte, respLen int) []byte {
	t.Helper()

	reqGPA := uint64(testDataGPA + 0x4000)
	respGPA := uint64(testDataGPA + 0x5000)
	r.writeData(reqGPA, msg)
	r.writeDesc(0, reqGPA, uint32(len(msg)), virtqDescFNext, 1)
	r.writeDesc(1, respGPA, uint32(respLen), virtqDescFWrite, 0)

	before := r.usedIdx()
	r.pushAvail(0)
	if err := wl.OnQueueNotify(wlQueueOut); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.usedIdx() == before {
		if time.Now().After(deadline) {
			t.Fatal("command never completed")
		}
		time.Sleep(time.Millisecond)
	}
	return r.readData(respGPA, respLen)
}

func TestWlShmLifecycle(t *testing.T) {
	wl, vm, _, out := newTestWl(t)

	slotsBefore := vm.ram.SlotCount()

	// NEW: type, flags, id, flags, pfn, size
	msg := make([]byte, 28)
	binary.LittleEndian.PutUint32(msg[0:4], wlCmdVFDNew)
	binary.LittleEndian.PutUint32(msg[8:12], 7) // vfd id
	binary.LittleEndian.PutUint32(msg[24:28], 12345)

	resp := out.command(t, wl, msg, 28)
	if got := binary.LittleEndian.Uint32(resp[0:4]); got != wlRespVFDNew {
		t.Fatalf("response type = %d, want RESP_VFD_NEW", got)
	}
	if id := binary.LittleEndian.Uint32(resp[8:12]); id != 7 {
		t.Fatalf("response id = %d", id)
	}
	pfn := binary.LittleEndian.Uint64(resp[16:24])
	size := binary.LittleEndian.Uint32(resp[24:28])
	if pfn == 0 {
		t.Fatal("pfn is zero")
	}
	if size%4096 != 0 || size < 12345 {
		t.Fatalf("size = %d, want page-rounded >= request", size)
	}

	// The shared memory is a real guest slot now.
	if got := vm.ram.SlotCount(); got != slotsBefore+1 {
		t.Fatalf("slot count = %d, want %d", got, slotsBefore+1)
	}
	gpa := pfn * 4096
	if err := vm.ram.Write(gpa, []byte("shared")); err != nil {
		t.Fatalf("write into shared slot: %v", err)
	}

	// CLOSE releases the vfd; the slot disappears only on this guest ack.
	closeMsg := make([]byte, 12)
	binary.LittleEndian.PutUint32(closeMsg[0:4], wlCmdVFDClose)
	binary.LittleEndian.PutUint32(closeMsg[8:12], 7)
	resp = out.command(t, wl, closeMsg, 8)
	if got := binary.LittleEndian.Uint32(resp[0:4]); got != wlRespOK {
		t.Fatalf("close response = %d", got)
	}
	if got := vm.ram.SlotCount(); got != slotsBefore {
		t.Fatalf("slot count after close = %d, want %d", got, slotsBefore)
	}
}

func TestWlUnknownCommandRejected(t *testing.T) {
	wl, _, _, out := newTestWl(t)

	msg := make([]byte, 8)
	binary.LittleEndian.PutUint32(msg[0:4], 9999)
	resp := out.command(t, wl, msg, 8)
	if got := binary.LittleEndian.Uint32(resp[0:4]); got != wlRespInvalidCmd {
		t.Fatalf("response = %d, want RESP_INVALID_CMD", got)
	}
}

func TestWlCloseUnknownID(t *testing.T) {
	wl, _, _, out := newTestWl(t)

	msg := make([]byte, 12)
	binary.LittleEndian.PutUint32(msg[0:4], wlCmdVFDClose)
	binary.LittleEndian.PutUint32(msg[8:12], 42)
	resp := out.command(t, wl, msg, 8)
	if got := binary.LittleEndian.Uint32(resp[0:4]); got != wlRespInvalidID {
		t.Fatalf("response = %d, want RESP_INVALID_ID", got)
	}
}
