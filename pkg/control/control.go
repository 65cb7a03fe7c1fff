// Package control implements the control-connection state machine:
// accepting connections on the abstract UNIX control listener, parsing
// the multiplexed (target, length) byte stream into frames, opening
// forward listeners on target==0, and relaying payload bytes to the
// forward connection named by target otherwise.
package control

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/iceisfun/minirevd/internal"
	"github.com/iceisfun/minirevd/pkg/frame"
	"github.com/iceisfun/minirevd/pkg/loop"
	"github.com/iceisfun/minirevd/pkg/netutil"
	"github.com/iceisfun/minirevd/pkg/registry"
	"github.com/iceisfun/minirevd/pkg/utils"
)

// Writer delivers bytes to a descriptor, retrying on would-block until
// everything is written. Known limitation: under sustained backpressure
// this spins rather than queuing the outstanding bytes or disabling
// read interest on the stalling source.
type Writer func(fd int, buf []byte) error

// State bundles the collaborators the control state machine needs: a
// writer for relaying payload bytes and a logger for tracing. The loop
// itself is passed into each handler call by pkg/loop's dispatch, per
// the loop.Handlers signature.
type State struct {
	Write  Writer
	Logger internal.Logger
}

// New builds a State, defaulting Write to a blocking-retry write loop
// and Logger to a no-op.
func New(write Writer, logger internal.Logger) *State {
	if write == nil {
		write = BlockingWrite
	}
	if logger == nil {
		logger = internal.NopLogger()
	}
	return &State{Write: write, Logger: logger}
}

// BlockingWrite is the default Writer: it retries unix.Write until all
// of buf is delivered or a non-would-block error occurs.
func BlockingWrite(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if netutil.WouldBlock(err) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// AcceptControl implements accept_control: drain every pending
// connection on the ControlServer listener, arming each as a fresh
// ControlConnection in AwaitHeader state.
func (st *State) AcceptControl(l *loop.Loop, source *registry.Source) {
	for {
		fd, err := netutil.AcceptNonblocking(source.FD)
		if err != nil {
			if netutil.WouldBlock(err) {
				return
			}
			st.Logger.Errorf("accept control: %v", err)
			return
		}

		cc := registry.NewControlConnection(fd)
		if err := l.Insert(cc); err != nil {
			st.Logger.Errorf("arm control connection fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		st.Logger.Debugf("fd %d: accepted control connection", fd)
	}
}

// ReadControl implements read_control: drain every pending read on a
// ControlConnection, feeding bytes through the frame decode state
// machine and relaying payload bytes or opening forward listeners as
// frames complete.
func (st *State) ReadControl(l *loop.Loop, source *registry.Source) {
	buf := make([]byte, frame.MaxPayload)

	for {
		n, err := unix.Read(source.FD, buf)
		if err != nil {
			if netutil.WouldBlock(err) {
				return
			}
			st.Logger.Errorf("fd %d: read control: %v", source.FD, err)
			l.Delete(source)
			return
		}

		if n == 0 {
			st.Logger.Debugf("fd %d: control connection closed", source.FD)
			l.Delete(source)
			return
		}

		if !st.feed(l, source, buf[:n]) {
			return
		}
	}
}

// feed advances source's state machine across buf, which may contain
// any mix of header and payload bytes for one or more frames. Returns
// false if the source was torn down mid-feed (e.g. a forward listener
// failed to open, or a relay write failed), in which case the caller
// must stop reading from it.
func (st *State) feed(l *loop.Loop, source *registry.Source, buf []byte) bool {
	cursor := 0
	for cursor < len(buf) {
		if source.AwaitingHeader() {
			res := frame.DecodeInto(source, buf[cursor:])
			cursor += res.Consumed
			if !res.HeaderComplete {
				continue
			}

			st.Logger.Debugf("fd %d: header target=%d length=%d", source.FD, res.Header.Target, res.Header.Length)

			if res.Header.Target == frame.OpenPortTarget {
				if err := st.openForwardListener(l, source, int(res.Header.Length)); err != nil {
					st.Logger.Errorf("fd %d: open forward listener on port %d: %v", source.FD, res.Header.Length, err)
					l.Delete(source)
					return false
				}
				source.ResetHeader()
			}
			continue
		}

		take := source.MPLength
		if remaining := len(buf) - cursor; take > remaining {
			take = remaining
		}

		payload := buf[cursor : cursor+take]
		if err := st.Write(source.Target, payload); err != nil {
			st.Logger.Errorf("fd %d: relay to target %d: %v", source.FD, source.Target, err)
			l.Delete(source)
			return false
		}
		st.Logger.Debugf("fd %d: relayed %d bytes to %d\n%s", source.FD, take, source.Target, utils.HexDump(payload))

		cursor += take
		source.MPLength -= take
		if source.MPLength == 0 {
			source.ResetHeader()
		}
	}
	return true
}

// openForwardListener binds a TCP listener on port and arms it as a
// ForwardServer owned by control. control.Port is updated to the newly
// opened port so the registry's cascade (by Type+Port) finds it on
// teardown.
func (st *State) openForwardListener(l *loop.Loop, control *registry.Source, port int) error {
	fd, err := netutil.ListenTCP4(port)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}

	control.Port = port

	fs := &registry.Source{
		FD:     fd,
		Type:   registry.ForwardServer,
		Port:   port,
		Target: control.FD,
	}
	if err := l.Insert(fs); err != nil {
		unix.Close(fd)
		return fmt.Errorf("control: arm forward listener: %w", err)
	}

	st.Logger.Infof("forwarding port %d", port)
	return nil
}
