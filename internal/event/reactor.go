//go:build linux

// Package event implements the host-side reactor: a single epoll loop that
// multiplexes virtqueue notify eventfds, device back-end sockets and timers
// onto device workers.
package event

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// Handler is invoked on the reactor thread when its file descriptor becomes
// readable. Handlers must be short; long work belongs on a dedicated worker.
type Handler func()

// Reactor multiplexes wakeups from eventfds, sockets and timerfds. One
// instance per VM; devices register their descriptors before or after Run.
type Reactor struct {
	epfd int

	shutdown  eventfd.Eventfd
	callFD    eventfd.Eventfd
	shutdowns atomic.Uint32
	running   atomic.Bool

	// loopTID is the reactor thread's id while Run is live; Call uses it to
	// detect reentrancy from handlers.
	loopTID atomic.Int64

	mu       sync.Mutex
	handlers map[int]Handler
	calls    []func()

	done chan struct{}
}

// NewReactor creates the epoll instance and the shutdown eventfd.
func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: epoll_create1: %w", err)
	}

	shutdown, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("event: create shutdown eventfd: %w", err)
	}

	callFD, err := eventfd.Create()
	if err != nil {
		shutdown.Close()
		unix.Close(epfd)
		return nil, fmt.Errorf("event: create call eventfd: %w", err)
	}

	r := &Reactor{
		epfd:     epfd,
		shutdown: shutdown,
		callFD:   callFD,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}

	if err := r.epollAdd(shutdown.FD(), unix.EPOLLIN); err != nil {
		r.closeFDs()
		return nil, err
	}
	if err := r.epollAdd(callFD.FD(), unix.EPOLLIN); err != nil {
		r.closeFDs()
		return nil, err
	}

	return r, nil
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("event: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// AddEventFD registers an eventfd edge-triggered: multiple writes before the
// handler runs collapse into a single wake.
func (r *Reactor) AddEventFD(ev eventfd.Eventfd, h Handler) error {
	return r.addFD(ev.FD(), unix.EPOLLIN|unix.EPOLLET, func() {
		// Drain the counter so edge triggering re-arms.
		ev.Read()
		h()
	})
}

// AddReadFD registers a socket or pipe level-triggered for readability.
func (r *Reactor) AddReadFD(fd int, h Handler) error {
	return r.addFD(fd, unix.EPOLLIN, h)
}

func (r *Reactor) addFD(fd int, events uint32, h Handler) error {
	if h == nil {
		return fmt.Errorf("event: nil handler for fd %d", fd)
	}
	r.mu.Lock()
	if _, exists := r.handlers[fd]; exists {
		r.mu.Unlock()
		return fmt.Errorf("event: fd %d already registered", fd)
	}
	r.handlers[fd] = h
	r.mu.Unlock()

	if err := r.epollAdd(fd, events); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return err
	}
	return nil
}

// RemoveFD unregisters a descriptor. Pending wakeups for it are dropped.
func (r *Reactor) RemoveFD(fd int) error {
	r.mu.Lock()
	delete(r.handlers, fd)
	r.mu.Unlock()

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("event: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Call runs fn on the reactor thread. Used to serialize state the reactor
// owns, like dynamic memory slot registration.
func (r *Reactor) Call(fn func()) {
	if !r.running.Load() || int64(unix.Gettid()) == r.loopTID.Load() {
		// Not running yet, already drained, or called from a handler on the
		// reactor thread itself; run inline.
		fn()
		return
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.calls = append(r.calls, func() {
		fn()
		close(done)
	})
	r.mu.Unlock()

	r.callFD.Notify()
	select {
	case <-done:
	case <-r.done:
	}
}

// Run loops until Shutdown. It must be called from a dedicated goroutine.
func (r *Reactor) Run() error {
	// Pin the loop to one thread so handlers can be identified by tid.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.loopTID.Store(int64(unix.Gettid()))
	defer r.loopTID.Store(0)

	r.running.Store(true)
	defer r.running.Store(false)
	defer close(r.done)

	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("event: epoll_wait: %w", err)
		}

		shuttingDown := false
		for _, ev := range events[:n] {
			fd := int(ev.Fd)

			switch fd {
			case r.shutdown.FD():
				r.shutdown.Read()
				if r.HardKillRequested() {
					// Hard kill: leave immediately, dropping whatever else
					// this batch delivered.
					return nil
				}
				shuttingDown = true
				continue
			case r.callFD.FD():
				r.callFD.Read()
				r.runCalls()
				continue
			}

			r.mu.Lock()
			h := r.handlers[fd]
			r.mu.Unlock()
			if h == nil {
				// Raced with RemoveFD.
				continue
			}
			h()
		}

		if shuttingDown {
			// Orderly shutdown: the batch above was the drain; flush any
			// calls queued while it ran, then leave.
			r.runCalls()
			return nil
		}
	}
}

func (r *Reactor) runCalls() {
	r.mu.Lock()
	calls := r.calls
	r.calls = nil
	r.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

// RequestShutdown wakes the reactor out of its loop. The first request drains
// in an orderly fashion; callers treat a second request as a hard kill.
func (r *Reactor) RequestShutdown() {
	n := r.shutdowns.Add(1)
	if n > 1 {
		slog.Warn("event: repeated shutdown request, hard killing")
	}
	if err := r.shutdown.Notify(); err != nil {
		slog.Error("event: write shutdown eventfd", "error", err)
	}
}

// ShutdownRequested reports whether shutdown has been requested at least
// once. Workers consult this before starting a new descriptor chain.
func (r *Reactor) ShutdownRequested() bool {
	return r.shutdowns.Load() > 0
}

// HardKillRequested reports whether shutdown was requested more than once.
func (r *Reactor) HardKillRequested() bool {
	return r.shutdowns.Load() > 1
}

// Done is closed when the reactor loop has exited.
func (r *Reactor) Done() <-chan struct{} { return r.done }

func (r *Reactor) closeFDs() {
	r.shutdown.Close()
	r.callFD.Close()
	unix.Close(r.epfd)
}

// Close releases the epoll instance and control eventfds. Call after Run has
// returned.
func (r *Reactor) Close() error {
	r.closeFDs()
	return nil
}
