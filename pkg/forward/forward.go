// Package forward implements the forward-connection state machine:
// accepting inbound TCP clients on a ForwardServer and relaying every
// read from an accepted ForwardConnection back to the owning control
// connection, each read wrapped in its own frame header.
package forward

import (
	"golang.org/x/sys/unix"

	"github.com/iceisfun/minirevd/internal"
	"github.com/iceisfun/minirevd/pkg/frame"
	"github.com/iceisfun/minirevd/pkg/loop"
	"github.com/iceisfun/minirevd/pkg/netutil"
	"github.com/iceisfun/minirevd/pkg/registry"
	"github.com/iceisfun/minirevd/pkg/utils"
)

// Writer delivers bytes to a descriptor, retrying until complete. It is
// the same contract as pkg/control.Writer; the two packages don't share
// a type to keep them independently importable.
type Writer func(fd int, buf []byte) error

// State bundles the collaborators accept_forward/read_forward need.
type State struct {
	Write  Writer
	Logger internal.Logger
}

// New builds a State, defaulting Write to a blocking-retry write loop.
func New(write Writer, logger internal.Logger) *State {
	if write == nil {
		write = BlockingWrite
	}
	if logger == nil {
		logger = internal.NopLogger()
	}
	return &State{Write: write, Logger: logger}
}

// BlockingWrite mirrors pkg/control.BlockingWrite: retry unix.Write
// until the whole buffer lands or a real error occurs.
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

// AcceptForward drains every pending connection on a ForwardServer,
// registering each as a ForwardConnection that inherits the server's
// Port and Target (the owning ControlConnection's fd).
func (st *State) AcceptForward(l *loop.Loop, source *registry.Source) {
	for {
		fd, err := netutil.AcceptNonblocking(source.FD)
		if err != nil {
			if netutil.WouldBlock(err) {
				return
			}
			st.Logger.Errorf("accept forward on port %d: %v", source.Port, err)
			return
		}

		fc := &registry.Source{
			FD:     fd,
			Type:   registry.ForwardConnection,
			Port:   source.Port,
			Target: source.Target,
		}
		if err := l.Insert(fc); err != nil {
			st.Logger.Errorf("arm forward connection fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		st.Logger.Debugf("fd %d: accepted forward connection on port %d", fd, source.Port)
	}
}

// ReadForward drains every pending read on a ForwardConnection,
// wrapping each read in a frame header that identifies the connection
// by its own descriptor and writing header+payload atomically to the
// owning control connection.
func (st *State) ReadForward(l *loop.Loop, source *registry.Source) {
	buf := make([]byte, frame.HeaderSize+frame.MaxPayload)

	for {
		n, err := unix.Read(source.FD, buf[frame.HeaderSize:])
		if err != nil {
			if netutil.WouldBlock(err) {
				return
			}
			st.Logger.Errorf("fd %d: read forward: %v", source.FD, err)
			l.Delete(source)
			return
		}

		if n == 0 {
			st.Logger.Debugf("fd %d: forward connection closed", source.FD)
			l.Delete(source)
			return
		}

		hdr, err := frame.EncodeForward(source.FD, n)
		if err != nil {
			// Only possible if the descriptor falls outside the
			// 1..0xFFFF multiplex identifier range; nothing to recover.
			st.Logger.Errorf("fd %d: encode frame: %v", source.FD, err)
			l.Delete(source)
			return
		}
		copy(buf[:frame.HeaderSize], hdr[:])

		frameBytes := buf[:frame.HeaderSize+n]
		if err := st.Write(source.Target, frameBytes); err != nil {
			st.Logger.Errorf("fd %d: relay %d bytes to control %d: %v", source.FD, n, source.Target, err)
			l.Delete(source)
			return
		}
		st.Logger.Debugf("fd %d: pumped %d bytes to control %d\n%s", source.FD, n, source.Target, utils.HexDump(frameBytes))
	}
}
