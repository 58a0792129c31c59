//go:build linux

package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestP9RequestResponseFraming(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFD := fds[0]
	defer unix.Close(serverFD)

	vm := newStubVM(t)
	reactor := newTestReactor(t)
	p9dev, err := NewP9(vm, reactor, newTestLineSet(vm), fds[1], "home")
	if err != nil {
		t.Fatalf("NewP9: %v", err)
	}
	t.Cleanup(func() { p9dev.Stop() })

	handshake(t, p9dev.Device(), false)
	ring := driveRing(t, vm.ram, p9dev.Device().Queue(p9QueueRequest))

	// A server that frames exactly like 9P: 4-byte little-endian size
	// including itself, then type and tag.
	serverDone := make(chan []byte, 1)
	go func() {
		req := make([]byte, 64)
		n, _ := unix.Read(serverFD, req)
		serverDone <- append([]byte(nil), req[:n]...)

		resp := make([]byte, 11)
		binary.LittleEndian.PutUint32(resp[0:4], 11)
		resp[4] = 101 // Rversion
		binary.LittleEndian.PutUint16(resp[5:7], 0xffff)
		copy(resp[7:], "okay")
		unix.Write(serverFD, resp)
	}()

	// Tversion request from the guest: one read-only descriptor, one
	// write-only response descriptor.
	req := make([]byte, 13)
	binary.LittleEndian.PutUint32(req[0:4], 13)
	req[4] = 100 // Tversion
	binary.LittleEndian.PutUint16(req[5:7], 0xffff)

	reqGPA := uint64(testDataGPA)
	respGPA := uint64(testDataGPA + 0x1000)
	ring.writeData(reqGPA, req)
	ring.writeDesc(0, reqGPA, uint32(len(req)), virtqDescFNext, 1)
	ring.writeDesc(1, respGPA, 256, virtqDescFWrite, 0)
	ring.pushAvail(0)

	if err := p9dev.OnQueueNotify(p9QueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ring.usedIdx() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("response never published")
		}
		time.Sleep(time.Millisecond)
	}

	if got := <-serverDone; !bytes.Equal(got, req) {
		t.Fatalf("server saw %x, want %x", got, req)
	}

	_, written := ring.usedEntry(0)
	if written != 11 {
		t.Fatalf("bytes_written = %d, want the framed reply size", written)
	}
	resp := ring.readData(respGPA, 11)
	if binary.LittleEndian.Uint32(resp[0:4]) != 11 || resp[4] != 101 {
		t.Fatalf("reply = %x", resp)
	}
}

func TestP9MountTagConfig(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])

	vm := newStubVM(t)
	reactor := newTestReactor(t)
	p9dev, err := NewP9(vm, reactor, newTestLineSet(vm), fds[1], "home")
	if err != nil {
		t.Fatalf("NewP9: %v", err)
	}
	t.Cleanup(func() { p9dev.Stop() })

	word := p9dev.ReadConfig(0)
	if tagLen := uint16(word); tagLen != 4 {
		t.Fatalf("tag length = %d, want 4", tagLen)
	}
	// The first two tag bytes ride in the same word.
	if byte(word>>16) != 'h' || byte(word>>24) != 'o' {
		t.Fatalf("config word = %#x", word)
	}
}
