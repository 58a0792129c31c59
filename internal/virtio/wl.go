package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ph-hv/ph/internal/chipset"
	"github.com/ph-hv/ph/internal/event"
	"github.com/ph-hv/ph/internal/hv"
	"github.com/ph-hv/ph/internal/memory"
	"golang.org/x/sys/unix"
)

const (
	wlQueueIn     = 0 // device to driver: RECV and HUP events
	wlQueueOut    = 1 // driver to device: commands
	wlQueueNumMax = 128
)

// Command and response codes on the control queues.
const (
	wlCmdVFDNew     = 256
	wlCmdVFDClose   = 257
	wlCmdVFDSend    = 258
	wlCmdVFDRecv    = 259
	wlCmdVFDNewCtx  = 260
	wlCmdVFDNewPipe = 261
	wlCmdVFDHup     = 262

	wlRespOK           = 4096
	wlRespVFDNew       = 4097
	wlRespErr          = 4352
	wlRespOutOfMemory  = 4353
	wlRespInvalidID    = 4354
	wlRespInvalidType  = 4355
	wlRespInvalidFlags = 4356
	wlRespInvalidCmd   = 4357
)

// VFD flag bits. The 0x2 bit is contextual: a map permission on NEW
// responses, the read direction on NEW_PIPE requests.
const (
	wlVFDWrite = 0x1
	wlVFDRead  = 0x2
	wlVFDMap   = 0x2
)

// Guest-allocated vfd ids have the top bit clear; the host allocates from the
// other half for descriptors it pushes to the guest.
const wlVFDHostIDFlag = 0x80000000

const wlMaxSendVFDs = 16

type wlVFD interface {
	id() uint32
	// sendFD returns the host fd to attach when this vfd rides along a SEND,
	// or -1 when the type cannot be sent.
	sendFD() int
	// readable returns the fd the reactor should watch, or -1.
	readable() int
	close(w *Wl) error
}

// wlShmVFD is shared memory created from a memfd and exposed to the guest as
// a dynamically added memory slot.
type wlShmVFD struct {
	vfdID uint32
	memfd int
	slot  *memory.Slot
}

func (v *wlShmVFD) id() uint32    { return v.vfdID }
func (v *wlShmVFD) sendFD() int   { return v.memfd }
func (v *wlShmVFD) readable() int { return -1 }

func (v *wlShmVFD) close(w *Wl) error {
	// The slot disappears only now, after the guest acknowledged the vfd is
	// dead; removal is serialized through the reactor like the addition was.
	var err error
	w.reactor.Call(func() {
		err = w.vm.RemoveMemorySlot(v.slot)
	})
	unix.Close(v.memfd)
	return err
}

// wlSocketVFD is a connection to the host compositor socket.
type wlSocketVFD struct {
	vfdID uint32
	fd    int
}

func (v *wlSocketVFD) id() uint32    { return v.vfdID }
func (v *wlSocketVFD) sendFD() int   { return -1 }
func (v *wlSocketVFD) readable() int { return v.fd }

func (v *wlSocketVFD) close(w *Wl) error {
	w.reactor.RemoveFD(v.fd)
	return unix.Close(v.fd)
}

// wlPipeVFD is a host pipe. The guest holds one logical end through the vfd;
// the other end is donated to whoever the vfd is sent to.
type wlPipeVFD struct {
	vfdID       uint32
	localFD     int // the end pH services
	peerFD      int // the end donated on SEND
	guestWrites bool
}

func (v *wlPipeVFD) id() uint32  { return v.vfdID }
func (v *wlPipeVFD) sendFD() int { return v.peerFD }

func (v *wlPipeVFD) readable() int {
	if v.guestWrites {
		return -1
	}
	return v.localFD
}

func (v *wlPipeVFD) close(w *Wl) error {
	if !v.guestWrites {
		w.reactor.RemoveFD(v.localFD)
	}
	unix.Close(v.localFD)
	unix.Close(v.peerFD)
	return nil
}

// Wl is the wayland passthrough device: a vfd table mapping guest handles to
// host resources (shared memory, compositor connections, pipes) plus the two
// control queues. Shared memory becomes guest-visible by adding memory slots
// after boot; additions and removals are serialized through the reactor.
type Wl struct {
	dev     *Device
	vm      hv.VirtualMachine
	reactor *event.Reactor

	// compositorPath is the host compositor socket NEW_CTX connects to.
	compositorPath string

	mu       sync.Mutex
	vfds     map[uint32]wlVFD
	nextHost uint32

	work     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWl creates the wayland passthrough device. compositorPath is the unix
// socket of the host compositor (or the sommelier bridge in front of it).
func NewWl(vm hv.VirtualMachine, reactor *event.Reactor, lines *chipset.LineSet, compositorPath string) (*Wl, error) {
	w := &Wl{
		vm:             vm,
		reactor:        reactor,
		compositorPath: compositorPath,
		vfds:           make(map[uint32]wlVFD),
		nextHost:       wlVFDHostIDFlag | 1,
		work:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	dev, err := NewDevice(vm, reactor, lines, DeviceConfig{
		Name:         "virtio-wl",
		DeviceID:     DeviceIDWayland,
		QueueCount:   2,
		QueueMaxSize: wlQueueNumMax,
	}, w)
	if err != nil {
		return nil, err
	}
	w.dev = dev

	go w.worker()
	return w, nil
}

// Device returns the underlying transport.
func (w *Wl) Device() *Device { return w.dev }

// OnQueueNotify implements Handler.
func (w *Wl) OnQueueNotify(q int) error {
	if q != wlQueueOut {
		return nil
	}
	select {
	case w.work <- struct{}{}:
	default:
	}
	return nil
}

// OnDriverOK implements Handler.
func (w *Wl) OnDriverOK(features uint64) {}

// OnReset implements Handler: every vfd dies with the device.
func (w *Wl) OnReset() {
	w.mu.Lock()
	vfds := w.vfds
	w.vfds = make(map[uint32]wlVFD)
	w.mu.Unlock()

	for _, vfd := range vfds {
		if err := vfd.close(w); err != nil {
			slog.Error("virtio-wl: close vfd on reset", "vfd", vfd.id(), "error", err)
		}
	}
}

// ReadConfig implements Handler.
func (w *Wl) ReadConfig(offset uint64) uint32 { return 0 }

// WriteConfig implements Handler.
func (w *Wl) WriteConfig(offset uint64, value uint32) {}

func (w *Wl) worker() {
	defer close(w.done)
	for range w.work {
		if w.dev.reactor.HardKillRequested() {
			// Hard kill: join without draining.
			return
		}
		q := w.dev.Queue(wlQueueOut)
		if err := w.dev.ProcessQueue(q, w.processCommand); err != nil {
			slog.Error("virtio-wl: process queue", "error", err)
			w.dev.SetNeedsReset()
		}
	}
}

// Stop tears the device down; all vfds and their memory slots go with it.
// Idempotent.
func (w *Wl) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.work)
		<-w.done
		w.OnReset()
		err = w.dev.Close()
	})
	return err
}

func (w *Wl) processCommand(chain *Chain) error {
	var hdr [8]byte
	if _, err := chain.Read(hdr[:]); err != nil {
		return nil
	}
	cmd := binary.LittleEndian.Uint32(hdr[0:4])

	switch cmd {
	case wlCmdVFDNew:
		return w.cmdNewAlloc(chain)
	case wlCmdVFDNewCtx:
		return w.cmdNewCtx(chain)
	case wlCmdVFDNewPipe:
		return w.cmdNewPipe(chain)
	case wlCmdVFDClose:
		return w.cmdClose(chain)
	case wlCmdVFDSend:
		return w.cmdSend(chain)
	default:
		slog.Warn("virtio-wl: unexpected command", "cmd", cmd)
		return w.respSimple(chain, wlRespInvalidCmd)
	}
}

func (w *Wl) respSimple(chain *Chain, resp uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], resp)
	chain.Write(buf[:])
	return nil
}

func (w *Wl) respVFDNew(chain *Chain, id, flags uint32, pfn uint64, size uint32) error {
	var buf [28]byte
	binary.LittleEndian.PutUint32(buf[0:4], wlRespVFDNew)
	binary.LittleEndian.PutUint32(buf[8:12], id)
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	binary.LittleEndian.PutUint64(buf[16:24], pfn)
	binary.LittleEndian.PutUint32(buf[24:28], size)
	chain.Write(buf[:])
	return nil
}

// cmdNewAlloc creates guest-visible shared memory: a memfd mapped into a
// fresh memory slot. The guest learns its location as a page frame number.
func (w *Wl) cmdNewAlloc(chain *Chain) error {
	var req [20]byte
	if _, err := chain.Read(req[:]); err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	id := binary.LittleEndian.Uint32(req[0:4])
	size := binary.LittleEndian.Uint32(req[16:20])

	if id&wlVFDHostIDFlag != 0 {
		return w.respSimple(chain, wlRespInvalidID)
	}

	pageSize := uint64(unix.Getpagesize())
	mapSize := (uint64(size) + pageSize - 1) &^ (pageSize - 1)
	if mapSize == 0 {
		mapSize = pageSize
	}

	memfd, err := unix.MemfdCreate("ph-wl-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		slog.Error("virtio-wl: memfd_create", "error", err)
		return w.respSimple(chain, wlRespOutOfMemory)
	}
	if err := unix.Ftruncate(memfd, int64(mapSize)); err != nil {
		unix.Close(memfd)
		return w.respSimple(chain, wlRespOutOfMemory)
	}

	mem, err := unix.Mmap(memfd, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memfd)
		return w.respSimple(chain, wlRespOutOfMemory)
	}

	// Pick a guest physical home and register the slot; both are serialized
	// through the reactor so slot changes never race device workers.
	var slot *memory.Slot
	var addErr error
	w.reactor.Call(func() {
		alloc, err := w.vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name: "virtio-wl-shm",
			Size: mapSize,
		})
		if err != nil {
			addErr = err
			return
		}
		slot, addErr = w.vm.Memory().AddSlotFromMapping("virtio-wl-shm", alloc.Base, mem)
	})
	if addErr != nil {
		unix.Munmap(mem)
		unix.Close(memfd)
		slog.Error("virtio-wl: add memory slot", "error", addErr)
		return w.respSimple(chain, wlRespOutOfMemory)
	}

	vfd := &wlShmVFD{vfdID: id, memfd: memfd, slot: slot}
	w.mu.Lock()
	w.vfds[id] = vfd
	w.mu.Unlock()

	return w.respVFDNew(chain, id, wlVFDWrite|wlVFDMap, slot.GPA/pageSize, uint32(mapSize))
}

// cmdNewCtx opens a fresh connection to the host compositor.
func (w *Wl) cmdNewCtx(chain *Chain) error {
	var req [4]byte
	if _, err := chain.Read(req[:]); err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	id := binary.LittleEndian.Uint32(req[:])
	if id&wlVFDHostIDFlag != 0 {
		return w.respSimple(chain, wlRespInvalidID)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: w.compositorPath}); err != nil {
		unix.Close(fd)
		slog.Error("virtio-wl: connect compositor", "path", w.compositorPath, "error", err)
		return w.respSimple(chain, wlRespErr)
	}

	vfd := &wlSocketVFD{vfdID: id, fd: fd}
	w.mu.Lock()
	w.vfds[id] = vfd
	w.mu.Unlock()

	if err := w.reactor.AddReadFD(fd, func() { w.hostReadable(vfd.vfdID) }); err != nil {
		slog.Error("virtio-wl: watch compositor socket", "error", err)
	}

	return w.respVFDNew(chain, id, 0, 0, 0)
}

func (w *Wl) cmdNewPipe(chain *Chain) error {
	var req [8]byte
	if _, err := chain.Read(req[:]); err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	id := binary.LittleEndian.Uint32(req[0:4])
	flags := binary.LittleEndian.Uint32(req[4:8])

	if id&wlVFDHostIDFlag != 0 {
		return w.respSimple(chain, wlRespInvalidID)
	}
	// Exactly one direction bit.
	if flags&^(wlVFDWrite|wlVFDRead) != 0 || flags == 0 || flags == wlVFDWrite|wlVFDRead {
		return w.respSimple(chain, wlRespInvalidFlags)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return w.respSimple(chain, wlRespErr)
	}

	vfd := &wlPipeVFD{vfdID: id, guestWrites: flags&wlVFDWrite != 0}
	if vfd.guestWrites {
		// Guest SENDs land in the write end; the read end is donated.
		vfd.localFD = fds[1]
		vfd.peerFD = fds[0]
	} else {
		// The peer writes into the donated end; pH relays the read end to
		// the guest as RECV events.
		vfd.localFD = fds[0]
		vfd.peerFD = fds[1]
	}

	w.mu.Lock()
	w.vfds[id] = vfd
	w.mu.Unlock()

	if !vfd.guestWrites {
		if err := w.reactor.AddReadFD(vfd.localFD, func() { w.hostReadable(id) }); err != nil {
			slog.Error("virtio-wl: watch pipe", "error", err)
		}
	}

	return w.respVFDNew(chain, id, 0, 0, 0)
}

func (w *Wl) cmdClose(chain *Chain) error {
	var req [4]byte
	if _, err := chain.Read(req[:]); err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	id := binary.LittleEndian.Uint32(req[:])

	w.mu.Lock()
	vfd, ok := w.vfds[id]
	delete(w.vfds, id)
	w.mu.Unlock()

	if !ok {
		return w.respSimple(chain, wlRespInvalidID)
	}
	if err := vfd.close(w); err != nil {
		slog.Error("virtio-wl: close vfd", "vfd", id, "error", err)
	}
	return w.respSimple(chain, wlRespOK)
}

// cmdSend forwards guest bytes (plus any vfd-attached host fds) into a
// compositor connection or pipe.
func (w *Wl) cmdSend(chain *Chain) error {
	var fixed [8]byte
	if _, err := chain.Read(fixed[:]); err != nil {
		return w.respSimple(chain, wlRespErr)
	}
	id := binary.LittleEndian.Uint32(fixed[0:4])
	vfdCount := binary.LittleEndian.Uint32(fixed[4:8])
	if vfdCount > wlMaxSendVFDs {
		return w.respSimple(chain, wlRespInvalidFlags)
	}

	var fds []int
	for i := uint32(0); i < vfdCount; i++ {
		var idBuf [4]byte
		if _, err := chain.Read(idBuf[:]); err != nil {
			return w.respSimple(chain, wlRespErr)
		}
		sendID := binary.LittleEndian.Uint32(idBuf[:])
		w.mu.Lock()
		sendVFD, ok := w.vfds[sendID]
		w.mu.Unlock()
		if !ok {
			return w.respSimple(chain, wlRespInvalidID)
		}
		fd := sendVFD.sendFD()
		if fd < 0 {
			return w.respSimple(chain, wlRespInvalidType)
		}
		fds = append(fds, fd)
	}

	dataLen := chain.ReadableLen() - 16 - int(vfdCount)*4
	if dataLen < 0 {
		return w.respSimple(chain, wlRespErr)
	}
	data := make([]byte, dataLen)
	n, _ := chain.Read(data)
	data = data[:n]

	w.mu.Lock()
	vfd, ok := w.vfds[id]
	w.mu.Unlock()
	if !ok {
		return w.respSimple(chain, wlRespInvalidID)
	}

	switch v := vfd.(type) {
	case *wlSocketVFD:
		var oob []byte
		if len(fds) > 0 {
			oob = unix.UnixRights(fds...)
		}
		if err := unix.Sendmsg(v.fd, data, oob, nil, 0); err != nil {
			slog.Error("virtio-wl: sendmsg", "vfd", id, "error", err)
			return w.respSimple(chain, wlRespErr)
		}
	case *wlPipeVFD:
		if !v.guestWrites {
			return w.respSimple(chain, wlRespInvalidType)
		}
		if err := writeFull(v.localFD, data); err != nil {
			return w.respSimple(chain, wlRespErr)
		}
	default:
		return w.respSimple(chain, wlRespInvalidType)
	}

	return w.respSimple(chain, wlRespOK)
}

// hostReadable runs on the reactor when a compositor connection has data. The
// message is pushed to the guest through the in queue as a RECV event;
// attached fds become host-allocated shm vfds.
func (w *Wl) hostReadable(id uint32) {
	w.mu.Lock()
	vfd, ok := w.vfds[id]
	w.mu.Unlock()
	if !ok {
		return
	}

	if pipe, ok := vfd.(*wlPipeVFD); ok {
		buf := make([]byte, 64*1024)
		n, err := unix.Read(pipe.localFD, buf)
		if err != nil || n == 0 {
			w.reactor.RemoveFD(pipe.localFD)
			w.pushHup(id)
			return
		}
		w.pushRecv(id, nil, buf[:n])
		return
	}

	sock, ok := vfd.(*wlSocketVFD)
	if !ok {
		return
	}

	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4*wlMaxSendVFDs))
	n, oobn, _, _, err := unix.Recvmsg(sock.fd, buf, oob, 0)
	if err != nil || n == 0 {
		// Peer hung up: tell the guest and retire the connection.
		w.reactor.RemoveFD(sock.fd)
		w.pushHup(id)
		return
	}

	var newVFDs []uint32
	if oobn > 0 {
		fds := parseRightsFDs(oob[:oobn])
		for _, fd := range fds {
			hostID, err := w.adoptIncomingFD(fd)
			if err != nil {
				slog.Error("virtio-wl: adopt incoming fd", "error", err)
				unix.Close(fd)
				continue
			}
			newVFDs = append(newVFDs, hostID)
		}
	}

	w.pushRecv(id, newVFDs, buf[:n])
}

// adoptIncomingFD wraps a compositor-sent fd as a host-allocated shm vfd the
// guest can map.
func (w *Wl) adoptIncomingFD(fd int) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	pageSize := uint64(unix.Getpagesize())
	mapSize := (uint64(st.Size) + pageSize - 1) &^ (pageSize - 1)
	if mapSize == 0 {
		return 0, fmt.Errorf("zero-size incoming fd")
	}

	mem, err := unix.Mmap(fd, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap incoming fd: %w", err)
	}

	var slot *memory.Slot
	var addErr error
	w.reactor.Call(func() {
		alloc, err := w.vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name: "virtio-wl-shm",
			Size: mapSize,
		})
		if err != nil {
			addErr = err
			return
		}
		slot, addErr = w.vm.Memory().AddSlotFromMapping("virtio-wl-shm", alloc.Base, mem)
	})
	if addErr != nil {
		unix.Munmap(mem)
		return 0, addErr
	}

	w.mu.Lock()
	hostID := w.nextHost
	w.nextHost++
	w.vfds[hostID] = &wlShmVFD{vfdID: hostID, memfd: fd, slot: slot}
	w.mu.Unlock()

	// The guest needs a NEW event before it can interpret the RECV that
	// references this vfd.
	w.pushNew(hostID, wlVFDMap, slot.GPA/pageSize, uint32(mapSize))
	return hostID, nil
}

func (w *Wl) pushNew(id, flags uint32, pfn uint64, size uint32) {
	var buf [28]byte
	binary.LittleEndian.PutUint32(buf[0:4], wlCmdVFDNew)
	binary.LittleEndian.PutUint32(buf[8:12], id)
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	binary.LittleEndian.PutUint64(buf[16:24], pfn)
	binary.LittleEndian.PutUint32(buf[24:28], size)
	w.pushEvent(buf[:])
}

func (w *Wl) pushHup(id uint32) {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], wlCmdVFDHup)
	binary.LittleEndian.PutUint32(buf[8:12], id)
	w.pushEvent(buf[:])
}

func (w *Wl) pushRecv(id uint32, vfdIDs []uint32, data []byte) {
	buf := make([]byte, 16+len(vfdIDs)*4+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], wlCmdVFDRecv)
	binary.LittleEndian.PutUint32(buf[8:12], id)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(vfdIDs)))
	off := 16
	for _, vid := range vfdIDs {
		binary.LittleEndian.PutUint32(buf[off:off+4], vid)
		off += 4
	}
	copy(buf[off:], data)
	w.pushEvent(buf)
}

// pushEvent places one event message into the next in-queue chain.
func (w *Wl) pushEvent(msg []byte) {
	q := w.dev.Queue(wlQueueIn)
	if q == nil || !q.Ready() {
		slog.Warn("virtio-wl: dropping event, in queue not ready")
		return
	}

	oldUsed := q.UsedIdx()
	chain, err := q.PopChain()
	if err != nil || chain == nil {
		slog.Warn("virtio-wl: dropping event, no receive chain", "error", err)
		return
	}
	if chain.Violation() == nil {
		chain.Write(msg)
	}
	if err := q.Publish(chain); err != nil {
		slog.Error("virtio-wl: publish event", "error", err)
		return
	}
	q.SetAvailEvent(q.LastAvailIdx())
	if q.ShouldInterrupt(oldUsed) {
		w.dev.RaiseInterrupt()
	}
}

func parseRightsFDs(oob []byte) []int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var out []int
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		out = append(out, fds...)
	}
	return out
}

var _ Handler = (*Wl)(nil)
