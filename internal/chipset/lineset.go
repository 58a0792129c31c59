package chipset

import (
	"fmt"
	"sync"

	"github.com/ph-hv/ph/internal/hv"
)

// Interrupt lines handed to devices, in allocation order. The low ISA lines
// that legacy devices squat on (timer, keyboard, cascade, COM ports, RTC) are
// excluded; everything above 15 is IOAPIC-only.
var allocatableGSIs = []uint32{5, 6, 7, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23}

// LineSet allocates interrupt lines and turns assertions into injections on
// the in-kernel interrupt chip. The line table is append-only: lines are
// allocated at device bind time and never reassigned.
type LineSet struct {
	mu   sync.Mutex
	sink hv.IRQLineSink
	next int
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink hv.IRQLineSink) *LineSet {
	return &LineSet{sink: sink}
}

// AllocateLine returns the next free interrupt line.
func (l *LineSet) AllocateLine() (LineInterrupt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.next >= len(allocatableGSIs) {
		return nil, fmt.Errorf("chipset: out of interrupt lines")
	}
	gsi := allocatableGSIs[l.next]
	l.next++
	return &line{sink: l.sink, gsi: gsi}, nil
}

// FixedLine returns a handle for a line with a fixed legacy assignment (the
// COM1 UART on IRQ 4, the RTC on IRQ 8). Fixed lines bypass the allocator.
func (l *LineSet) FixedLine(gsi uint32) LineInterrupt {
	return &line{sink: l.sink, gsi: gsi}
}

type line struct {
	sink hv.IRQLineSink
	gsi  uint32
}

func (ln *line) GSI() uint32 { return ln.gsi }

// SetLevel drives a level-triggered line. The in-kernel chip latches the
// level until the guest acknowledges.
func (ln *line) SetLevel(high bool) error {
	return ln.sink.SetIRQ(ln.gsi, high)
}

// Pulse edge-triggers the line. Virtio devices always use edge.
func (ln *line) Pulse() error {
	return ln.sink.PulseIRQ(ln.gsi)
}

var _ LineInterrupt = &line{}
