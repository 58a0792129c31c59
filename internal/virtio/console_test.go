//go:build linux

package virtio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func newTestConsole(t *testing.T, out *bytes.Buffer) (*Console, *testRing, *testRing) {
	t.Helper()
	vm := newStubVM(t)
	reactor := newTestReactor(t)
	console, err := NewConsole(vm, reactor, newTestLineSet(vm), out)
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}
	t.Cleanup(func() { console.Stop() })

	handshake(t, console.Device(), false)

	rx := driveRing(t, vm.ram, console.Device().Queue(consoleQueueReceive))
	tx := driveRing(t, vm.ram, console.Device().Queue(consoleQueueTransmit))
	return console, rx, tx
}

func TestConsoleTransmitReachesHost(t *testing.T) {
	var out bytes.Buffer
	console, _, tx := newTestConsole(t, &out)

	// The shell prompt as the guest writes it, wrapped in the usual
	// coloring escapes.
	prompt := "\x1b[1;32muser@realm\x1b[0m:~$ "
	promptGPA := uint64(testDataGPA + 0x3000)
	tx.writeData(promptGPA, []byte(prompt))

	var seen []byte
	console.TransmitTap = func(b []byte) { seen = append(seen, b...) }

	tx.writeDesc(0, promptGPA, uint32(len(prompt)), 0, 0)
	tx.pushAvail(0)

	if err := console.OnQueueNotify(consoleQueueTransmit); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	if out.String() != prompt {
		t.Fatalf("host output = %q, want %q", out.String(), prompt)
	}
	// The prompt text must be recognizable once the escapes are stripped.
	if got := ansi.Strip(string(seen)); !strings.Contains(got, "user@realm") {
		t.Fatalf("transmit tap saw %q", got)
	}
}

func TestConsoleReceiveFillsChains(t *testing.T) {
	var out bytes.Buffer
	console, rx, _ := newTestConsole(t, &out)

	rx.writeDesc(0, testDataGPA, 8, virtqDescFWrite, 0)
	rx.pushAvail(0)

	console.QueueInput([]byte("ls\n"))

	if rx.usedIdx() != 1 {
		t.Fatalf("used.idx = %d, want 1", rx.usedIdx())
	}
	if _, written := rx.usedEntry(0); written != 3 {
		t.Fatalf("bytes_written = %d, want 3", written)
	}
	if got := rx.readData(testDataGPA, 3); !bytes.Equal(got, []byte("ls\n")) {
		t.Fatalf("receive buffer = %q", got)
	}
}

func TestConsoleInputWaitsForChains(t *testing.T) {
	var out bytes.Buffer
	console, rx, _ := newTestConsole(t, &out)

	// Input with no posted receive chain is buffered, not dropped.
	console.QueueInput([]byte("early"))
	if rx.usedIdx() != 0 {
		t.Fatal("publication without a posted chain")
	}

	rx.writeDesc(0, testDataGPA, 16, virtqDescFWrite, 0)
	rx.pushAvail(0)
	if err := console.OnQueueNotify(consoleQueueReceive); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	if rx.usedIdx() != 1 {
		t.Fatalf("used.idx = %d after posting a chain", rx.usedIdx())
	}
	if got := rx.readData(testDataGPA, 5); !bytes.Equal(got, []byte("early")) {
		t.Fatalf("receive buffer = %q", got)
	}
}
