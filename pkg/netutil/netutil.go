// Package netutil builds the two kinds of non-blocking listening
// sockets the daemon needs: the abstract-namespace UNIX control
// listener and per-request TCP forward listeners. Both come back as
// raw, non-blocking file descriptors ready to be registered with an
// epoll instance — net.Listener is deliberately not used here because
// its internal runtime poller would fight ours for edge-triggered
// readiness on the same descriptor.
package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ListenAbstractUnix creates a non-blocking AF_UNIX/SOCK_STREAM listener
// bound to the abstract namespace: the address's first byte is NUL,
// followed by name, with no trailing NUL counted in the bind length.
// Backlog is the kernel maximum.
func ListenAbstractUnix(name string) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket(AF_UNIX): %w", err)
	}

	addr := &unix.SockaddrUnix{Name: "\x00" + name}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind abstract socket %q: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: set non-blocking: %w", err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}

	return fd, nil
}

// ListenTCP4 creates a non-blocking AF_INET/SOCK_STREAM listener bound
// to 0.0.0.0:port with SO_REUSEADDR set.
func ListenTCP4(port int) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket(AF_INET): %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind 0.0.0.0:%d: %w", port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: set non-blocking: %w", err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen :%d: %w", port, err)
	}

	return fd, nil
}

// AcceptNonblocking wraps accept4(2) with SOCK_NONBLOCK, returning
// unix.EAGAIN (via the underlying error) when no connection is pending
// so callers can implement a "drain until would-block" edge-triggered
// accept loop.
func AcceptNonblocking(listenFD int) (fd int, err error) {
	fd, _, err = unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// WouldBlock reports whether err is the non-blocking would-block
// sentinel (EAGAIN/EWOULDBLOCK), the signal that an edge-triggered
// accept/read loop has drained everything currently available.
func WouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
