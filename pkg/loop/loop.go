// Package loop implements the single-threaded, edge-triggered event
// loop: an epoll instance, a registry of live sources, and a dispatch
// table keyed by source type. It owns no protocol knowledge itself —
// Handlers supplies the accept/read callbacks from pkg/control and
// pkg/forward.
package loop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/iceisfun/minirevd/internal"
	"github.com/iceisfun/minirevd/pkg/registry"
)

// DefaultMaxEvents is the epoll_wait batch size, carried over from the
// original implementation's DEFAULT_MAX_EVENTS.
const DefaultMaxEvents = 64

// readEdgeInterest is the event mask every source is armed with:
// readable, edge-triggered.
const readEdgeInterest = unix.EPOLLIN | unix.EPOLLET

// Handlers dispatches a readable event on a source to the component
// that owns its type.
type Handlers struct {
	AcceptControl func(l *Loop, s *registry.Source)
	AcceptForward func(l *Loop, s *registry.Source)
	ReadControl   func(l *Loop, s *registry.Source)
	ReadForward   func(l *Loop, s *registry.Source)
}

// Loop owns the epoll instance, the registry, and the dispatch table.
type Loop struct {
	epfd      int
	registry  *registry.Registry
	handlers  Handlers
	maxEvents int
	logger    internal.Logger
}

// New creates a Loop with a fresh epoll instance.
func New(handlers Handlers, logger internal.Logger) (*Loop, error) {
	if logger == nil {
		logger = internal.NopLogger()
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}

	return &Loop{
		epfd:      epfd,
		registry:  registry.New(),
		handlers:  handlers,
		maxEvents: DefaultMaxEvents,
		logger:    logger,
	}, nil
}

// Registry exposes the loop's source table for wiring and tests.
func (l *Loop) Registry() *registry.Registry {
	return l.registry
}

// Close releases the epoll instance. Sources are not individually
// closed; callers are expected to have torn the daemon down first.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Arm registers fd for read-edge notifications.
func (l *Loop) Arm(fd int) error {
	ev := unix.EpollEvent{Events: readEdgeInterest, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("loop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Insert arms source's descriptor and adds it to the registry. Callers
// build the Source first (with Type/Port/Target already set) so that a
// failed Arm never leaves a half-registered source behind.
func (l *Loop) Insert(source *registry.Source) error {
	if err := l.Arm(source.FD); err != nil {
		return err
	}
	l.registry.Insert(source)
	return nil
}

// Delete tears source down: cascades per the registry's ownership
// rules and closes every descriptor removed along the way. Closing a
// descriptor implicitly drops its epoll registration.
func (l *Loop) Delete(source *registry.Source) {
	l.registry.Delete(source, func(fd int) {
		if err := unix.Close(fd); err != nil {
			l.logger.Warnf("close fd %d: %v", fd, err)
		}
	})
}

// Run blocks forever, servicing epoll readiness events. It returns only
// on an epoll_wait failure other than EINTR or on a fatal invariant
// violation: an event for a descriptor with no matching Source, or a
// Source whose Type the dispatch table doesn't recognize.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, l.maxEvents)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("loop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if err := l.dispatch(events[i]); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) dispatch(ev unix.EpollEvent) error {
	fd := int(ev.Fd)
	source := l.registry.Find(fd)
	if source == nil {
		return fmt.Errorf("loop: event for unmapped descriptor %d", fd)
	}

	if ev.Events&unix.EPOLLERR != 0 {
		l.logger.Warnf("fd %d: epoll error", fd)
		l.Delete(source)
		return nil
	}

	if ev.Events&unix.EPOLLHUP != 0 {
		l.logger.Debugf("fd %d: hangup", fd)
		l.Delete(source)
		return nil
	}

	if ev.Events&unix.EPOLLIN == 0 {
		// Not ready for reading and we never ask for anything else;
		// treat as an invariant violation on this source only.
		l.logger.Warnf("fd %d: event with no readable flag (0x%x)", fd, ev.Events)
		l.Delete(source)
		return nil
	}

	switch source.Type {
	case registry.ControlServer:
		l.handlers.AcceptControl(l, source)
	case registry.ForwardServer:
		l.handlers.AcceptForward(l, source)
	case registry.ControlConnection:
		l.handlers.ReadControl(l, source)
	case registry.ForwardConnection:
		l.handlers.ReadForward(l, source)
	default:
		return fmt.Errorf("loop: unknown source type %v for fd %d", source.Type, fd)
	}

	return nil
}
