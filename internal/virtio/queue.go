package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ph-hv/ph/internal/hv"
)

// GuestMemory provides access to guest physical memory. Offsets passed to the
// ReaderAt/WriterAt methods are guest physical addresses; IOVec produces host
// slices split at memory slot boundaries.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	IOVec(gpa, length uint64) ([][]byte, error)
}

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1

	descSize = 16
)

// VirtQueue is one virtio queue: the guest-programmed ring addresses plus the
// host-side cursors. Each queue has exactly one owning worker, so no internal
// locking is needed on the processing path.
type VirtQueue struct {
	Index   int
	MaxSize uint16

	size      uint16
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	eventIdx bool

	mem GuestMemory
}

// NewVirtQueue creates an inactive queue backed by mem.
func NewVirtQueue(index int, maxSize uint16, mem GuestMemory) *VirtQueue {
	return &VirtQueue{Index: index, MaxSize: maxSize, mem: mem}
}

// Reset clears all guest-programmed state and both suppression cursors.
func (q *VirtQueue) Reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.eventIdx = false
}

// Ready reports whether the driver marked the queue ready.
func (q *VirtQueue) Ready() bool { return q.ready }

// Size returns the negotiated queue size.
func (q *VirtQueue) Size() uint16 { return q.size }

// UsedIdx returns the host-side used ring cursor.
func (q *VirtQueue) UsedIdx() uint16 { return q.usedIdx }

// LastAvailIdx returns the host-side available ring cursor.
func (q *VirtQueue) LastAvailIdx() uint16 { return q.lastAvailIdx }

// SetSize sets the negotiated queue size. Rejected once the queue is ready.
func (q *VirtQueue) SetSize(size uint16) error {
	if q.ready {
		return fmt.Errorf("virtio: queue %d size change while ready: %w", q.Index, hv.ErrDriverViolation)
	}
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue %d size %d out of range (max %d): %w", q.Index, size, q.MaxSize, hv.ErrDriverViolation)
	}
	q.size = size
	return nil
}

// SetAddresses programs the three ring base addresses. Rejected once ready.
func (q *VirtQueue) SetAddresses(desc, avail, used uint64) error {
	if q.ready {
		return fmt.Errorf("virtio: queue %d address change while ready: %w", q.Index, hv.ErrDriverViolation)
	}
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
	return nil
}

// Activate marks the queue ready with the negotiated suppression mode.
func (q *VirtQueue) Activate(eventIdx bool) error {
	if q.size == 0 {
		return fmt.Errorf("virtio: queue %d readied before size: %w", q.Index, hv.ErrDriverViolation)
	}
	q.eventIdx = eventIdx
	q.ready = true
	return nil
}

// Chain is one descriptor chain popped from the available ring: host iovecs
// for every readable descriptor followed by every writable one. The slices
// alias guest memory and must not be retained after the chain is published.
type Chain struct {
	Head uint16

	readable [][]byte
	writable [][]byte

	readOff  int
	readIdx  int
	written  uint32
	writeIdx int
	writeOff int

	// violation marks a chain the driver built illegally. It is published
	// with zero bytes written and its memory is never touched.
	violation error
}

// Violation returns the driver error attached to the chain, if any.
func (c *Chain) Violation() error { return c.violation }

// Readable returns the read-only iovecs.
func (c *Chain) Readable() [][]byte { return c.readable }

// Writable returns the write-only iovecs.
func (c *Chain) Writable() [][]byte { return c.writable }

// ReadableLen returns the total readable byte count.
func (c *Chain) ReadableLen() int {
	n := 0
	for _, b := range c.readable {
		n += len(b)
	}
	return n
}

// WritableLen returns the total writable byte count.
func (c *Chain) WritableLen() int {
	n := 0
	for _, b := range c.writable {
		n += len(b)
	}
	return n
}

// Read implements io.Reader over the readable iovecs.
func (c *Chain) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && c.readIdx < len(c.readable) {
		cur := c.readable[c.readIdx]
		n := copy(p, cur[c.readOff:])
		total += n
		p = p[n:]
		c.readOff += n
		if c.readOff == len(cur) {
			c.readIdx++
			c.readOff = 0
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write implements io.Writer over the writable iovecs, tallying the published
// byte count.
func (c *Chain) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && c.writeIdx < len(c.writable) {
		cur := c.writable[c.writeIdx]
		n := copy(cur[c.writeOff:], p)
		total += n
		p = p[n:]
		c.writeOff += n
		if c.writeOff == len(cur) {
			c.writeIdx++
			c.writeOff = 0
		}
	}
	c.written += uint32(total)
	if len(p) > 0 {
		return total, io.ErrShortWrite
	}
	return total, nil
}

// MarkWritten adds n to the published byte count for writes done directly
// through the Writable slices.
func (c *Chain) MarkWritten(n uint32) { c.written += n }

// BytesWritten returns the count that will be published to the used ring.
func (c *Chain) BytesWritten() uint32 { return c.written }

func (q *VirtQueue) readU16(gpa uint64) (uint16, error) {
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(gpa)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) writeU16(gpa uint64, val uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	_, err := q.mem.WriteAt(buf[:], int64(gpa))
	return err
}

// availIdx reads the guest-written available index.
func (q *VirtQueue) availIdx() (uint16, error) {
	return q.readU16(q.availAddr + 2)
}

// availFlags reads the guest-written available flags.
func (q *VirtQueue) availFlags() (uint16, error) {
	return q.readU16(q.availAddr)
}

// usedEvent reads the guest-written used_event cursor (EVENT_IDX mode). It
// lives past the end of the available ring.
func (q *VirtQueue) usedEvent() (uint16, error) {
	return q.readU16(q.availAddr + 4 + uint64(q.size)*2)
}

// Pending reports whether the guest has placed chains the host has not yet
// popped.
func (q *VirtQueue) Pending() (bool, error) {
	if !q.ready {
		return false, nil
	}
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}
	return idx != q.lastAvailIdx, nil
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *VirtQueue) readDescriptor(table uint64, tableLen uint16, idx uint16) (descriptor, error) {
	if idx >= tableLen {
		return descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (table size %d): %w", idx, tableLen, hv.ErrDriverViolation)
	}
	var buf [descSize]byte
	if _, err := q.mem.ReadAt(buf[:], int64(table+uint64(idx)*descSize)); err != nil {
		return descriptor{}, fmt.Errorf("virtio: descriptor %d unreadable: %w", idx, errors.Join(err, hv.ErrDriverViolation))
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopChain pops the next available chain. Returns (nil, nil) when the ring is
// empty. A chain the driver built illegally comes back with Violation() set;
// the caller publishes it with zero bytes written.
func (q *VirtQueue) PopChain() (*Chain, error) {
	if !q.ready {
		return nil, nil
	}

	idx, err := q.availIdx()
	if err != nil {
		return nil, err
	}
	if idx == q.lastAvailIdx {
		return nil, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	head, err := q.readU16(q.availAddr + 4 + uint64(ringIndex)*2)
	if err != nil {
		return nil, err
	}
	q.lastAvailIdx++

	chain := &Chain{Head: head}
	if err := q.walkChain(chain, head); err != nil {
		chain.violation = err
		chain.readable = nil
		chain.writable = nil
	}
	return chain, nil
}

// walkChain follows the descriptor chain from head, producing iovecs. All
// read-only descriptors must precede all write-only ones; a chain that
// revisits a descriptor or nests indirect tables is a driver error.
func (q *VirtQueue) walkChain(chain *Chain, head uint16) error {
	visited := make(map[uint32]bool)
	sawWritable := false

	var walk func(table uint64, tableLen uint16, idx uint16, indirect bool) error
	walk = func(table uint64, tableLen uint16, idx uint16, indirect bool) error {
		for count := uint16(0); ; count++ {
			if count >= tableLen {
				return fmt.Errorf("virtio: chain longer than table size %d: %w", tableLen, hv.ErrDriverViolation)
			}
			key := uint32(idx)
			if indirect {
				key |= 1 << 16
			}
			if visited[key] {
				return fmt.Errorf("virtio: chain revisits descriptor %d: %w", idx, hv.ErrDriverViolation)
			}
			visited[key] = true

			desc, err := q.readDescriptor(table, tableLen, idx)
			if err != nil {
				return err
			}

			if desc.flags&virtqDescFIndirect != 0 {
				if indirect {
					return fmt.Errorf("virtio: nested indirect descriptor %d: %w", idx, hv.ErrDriverViolation)
				}
				if desc.len == 0 || desc.len%descSize != 0 {
					return fmt.Errorf("virtio: indirect table length %d: %w", desc.len, hv.ErrDriverViolation)
				}
				if err := walk(desc.addr, uint16(desc.len/descSize), 0, true); err != nil {
					return err
				}
			} else {
				iov, err := q.mem.IOVec(desc.addr, uint64(desc.len))
				if err != nil {
					return fmt.Errorf("virtio: descriptor %d covers [%#x, %#x): %w", idx, desc.addr, desc.addr+uint64(desc.len), errors.Join(err, hv.ErrDriverViolation))
				}
				if desc.flags&virtqDescFWrite != 0 {
					sawWritable = true
					if desc.len == 0 {
						chain.writable = append(chain.writable, []byte{})
					} else {
						chain.writable = append(chain.writable, iov...)
					}
				} else {
					if sawWritable {
						return fmt.Errorf("virtio: read-only descriptor %d after a write-only one: %w", idx, hv.ErrDriverViolation)
					}
					if desc.len == 0 {
						chain.readable = append(chain.readable, []byte{})
					} else {
						chain.readable = append(chain.readable, iov...)
					}
				}
			}

			if desc.flags&virtqDescFNext == 0 {
				return nil
			}
			idx = desc.next
		}
	}

	return walk(q.descAddr, q.size, head, false)
}

// Publish places (head, bytesWritten) on the used ring and advances used.idx.
// The element store lands before the index store; on this architecture store
// order is preserved, which is the barrier the ring discipline needs.
func (q *VirtQueue) Publish(chain *Chain) error {
	written := chain.BytesWritten()
	if chain.violation != nil {
		written = 0
	}

	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(chain.Head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if _, err := q.mem.WriteAt(elem[:], int64(base)); err != nil {
		return fmt.Errorf("virtio: write used element: %w", err)
	}

	q.usedIdx++
	if err := q.writeU16(q.usedAddr+2, q.usedIdx); err != nil {
		return fmt.Errorf("virtio: write used index: %w", err)
	}
	return nil
}

// ShouldInterrupt decides whether the interrupt line should be raised after
// publishing chains that moved used.idx from oldUsed to its current value.
func (q *VirtQueue) ShouldInterrupt(oldUsed uint16) bool {
	if q.usedIdx == oldUsed {
		return false
	}

	if q.eventIdx {
		event, err := q.usedEvent()
		if err != nil {
			return true
		}
		// Raise when oldUsed <= used_event < usedIdx, 16-bit wraparound.
		return uint16(event-oldUsed) < uint16(q.usedIdx-oldUsed)
	}

	flags, err := q.availFlags()
	if err != nil {
		return true
	}
	return flags&virtqAvailFNoInterrupt == 0
}

// SetAvailEvent publishes the host's avail_event cursor (EVENT_IDX mode),
// telling the guest which available index should trigger the next notify. It
// lives past the end of the used ring.
func (q *VirtQueue) SetAvailEvent(value uint16) error {
	if !q.eventIdx {
		return nil
	}
	return q.writeU16(q.usedAddr+4+uint64(q.size)*8, value)
}
