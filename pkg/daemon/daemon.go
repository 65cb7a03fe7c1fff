// Package daemon wires the control listener, event loop, control state
// machine, and forward state machine together into the runnable
// minirevd process: a single event loop dispatching to each component
// by the type of the source that became readable.
package daemon

import (
	"errors"
	"fmt"

	"github.com/iceisfun/minirevd/internal"
	"github.com/iceisfun/minirevd/pkg/control"
	"github.com/iceisfun/minirevd/pkg/forward"
	"github.com/iceisfun/minirevd/pkg/loop"
	"github.com/iceisfun/minirevd/pkg/netutil"
	"github.com/iceisfun/minirevd/pkg/registry"
)

// Sentinel errors the caller (cmd/minirevd) can match with errors.Is.
// Per-source I/O errors and peer disconnects are handled internally by
// control/forward and never propagate out of Run.
var (
	// ErrInit covers socket/bind/listen/epoll-creation failures.
	ErrInit = errors.New("daemon: initialization failed")
	// ErrInvariant wraps every error that ends Run: an event loop
	// invariant violation (an event for an unmapped descriptor, or a
	// source of unrecognized type) or an epoll_wait failure.
	ErrInvariant = errors.New("daemon: invariant violation")
)

// Daemon is the assembled device-side process: one control listener,
// one event loop, and the two state machines that interpret events on
// it.
type Daemon struct {
	loop   *loop.Loop
	logger internal.Logger
}

// New builds a Daemon and binds its abstract-namespace control listener
// under name, but does not yet start servicing events — call Run for
// that.
func New(name string, logger internal.Logger) (*Daemon, error) {
	if logger == nil {
		logger = internal.NopLogger()
	}

	ctl := control.New(nil, logger)
	fwd := forward.New(nil, logger)

	l, err := loop.New(loop.Handlers{
		AcceptControl: ctl.AcceptControl,
		AcceptForward: fwd.AcceptForward,
		ReadControl:   ctl.ReadControl,
		ReadForward:   fwd.ReadForward,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	fd, err := netutil.ListenAbstractUnix(name)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	server := &registry.Source{FD: fd, Type: registry.ControlServer}
	if err := l.Insert(server); err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	logger.Infof("listening on abstract socket %q", name)

	return &Daemon{loop: l, logger: logger}, nil
}

// Run services the event loop forever. It only returns on a fatal,
// unrecoverable condition (epoll_wait failure or an invariant
// violation); per-source errors never propagate here.
func (d *Daemon) Run() error {
	if err := d.loop.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return nil
}

// Close releases the daemon's epoll instance. Individual sources are
// not drained first; there is no graceful shutdown sequence.
func (d *Daemon) Close() error {
	return d.loop.Close()
}

// Registry exposes the live source table, mainly for tests and
// diagnostics.
func (d *Daemon) Registry() *registry.Registry {
	return d.loop.Registry()
}
