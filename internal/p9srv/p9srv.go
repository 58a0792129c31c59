//go:build linux

// Package p9srv runs the host-side 9P2000.L server that backs the guest's
// home filesystem. The server lives in the pH process behind a socketpair;
// the virtio-9p transport only ever sees the raw framed byte stream.
package p9srv

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/p9"
	"gvisor.dev/gvisor/pkg/unet"
	"gvisor.dev/gvisor/runsc/fsgofer"
)

// Server is one attached filesystem server.
type Server struct {
	root     string
	clientFD int
	sock     *unet.Socket
}

// Serve attaches a 9P server to the directory tree at root and returns the
// transport's end of the socketpair. The caller owns the returned fd.
func Serve(root string, readonly bool) (*Server, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("p9srv: socketpair: %w", err)
	}

	sock, err := unet.NewSocket(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("p9srv: wrap server socket: %w", err)
	}

	attacher := fsgofer.NewAttachPoint(root, fsgofer.Config{
		ROMount:          readonly,
		LazyOpenForWrite: true,
	})
	server := p9.NewServer(attacher)

	go func() {
		if err := server.Handle(sock); err != nil {
			slog.Debug("p9srv: server exited", "root", root, "error", err)
		}
	}()

	return &Server{root: root, clientFD: fds[1], sock: sock}, nil
}

// ClientFD returns the transport end of the socketpair.
func (s *Server) ClientFD() int { return s.clientFD }

// Root returns the attached directory.
func (s *Server) Root() string { return s.root }

// Close tears the server connection down. The transport closes its own fd.
func (s *Server) Close() error {
	return s.sock.Close()
}
