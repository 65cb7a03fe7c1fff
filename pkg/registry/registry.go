// Package registry implements the keyed-by-descriptor event source table
// the event loop dispatches against, including the cascading teardown
// rules described by the ownership hierarchy: a ControlConnection owns
// the ForwardServers it opened, and a ForwardServer owns the
// ForwardConnections accepted on it.
package registry

// Type identifies the kind of event source.
type Type int

const (
	// ControlServer is the process-wide abstract UNIX listener.
	ControlServer Type = iota + 1
	// ControlConnection is an accepted connection on the ControlServer.
	ControlConnection
	// ForwardServer is a TCP listener opened at the controller's request.
	ForwardServer
	// ForwardConnection is an accepted TCP client on a ForwardServer.
	ForwardConnection
)

func (t Type) String() string {
	switch t {
	case ControlServer:
		return "ControlServer"
	case ControlConnection:
		return "ControlConnection"
	case ForwardServer:
		return "ForwardServer"
	case ForwardConnection:
		return "ForwardConnection"
	default:
		return "Unknown"
	}
}

// HeaderSize is the size in bytes of the multiplex frame header.
const HeaderSize = 4

// Source is the sole first-class entity tracked by the registry. Every
// live descriptor the daemon owns has exactly one Source.
type Source struct {
	FD   int
	Type Type

	// Port carries different semantics by Type: zero for ControlServer,
	// the bound TCP port for ForwardServer and ForwardConnection, and
	// the last-opened forward port for ControlConnection (used to find
	// the ForwardServers it owns).
	Port int

	// Target is the descriptor frames from this source are routed to.
	// For a ForwardServer/ForwardConnection this is the owning
	// ControlConnection's fd. For a ControlConnection mid-payload this
	// is the ForwardConnection currently being written to.
	Target int

	// Header is scratch space for in-progress header bytes; only
	// meaningful for ControlConnection sources. Manipulated by
	// pkg/frame's decode state machine.
	Header [HeaderSize]byte

	// MPLength is negative while collecting header bytes (-MPLength
	// bytes still needed) and non-negative while streaming payload
	// bytes to Target (MPLength bytes still owed).
	MPLength int
}

// NewControlConnection builds a Source in its initial AwaitHeader state.
func NewControlConnection(fd int) *Source {
	return &Source{
		FD:       fd,
		Type:     ControlConnection,
		MPLength: -HeaderSize,
	}
}

// AwaitingHeader reports whether the source is still collecting header
// bytes (as opposed to streaming a payload).
func (s *Source) AwaitingHeader() bool {
	return s.MPLength < 0
}

// ResetHeader rearms the source to collect a fresh header, the
// transition taken after a header or a payload completes.
func (s *Source) ResetHeader() {
	s.MPLength = -HeaderSize
}

// Registry is the map from fd to live Source, along with the cascade
// rules that fire on deletion.
type Registry struct {
	sources map[int]*Source
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sources: make(map[int]*Source)}
}

// Insert adds source to the registry. The caller must ensure no existing
// entry shares its fd; Insert overwrites silently otherwise, matching
// the precondition in the spec (insert is never called for a live fd).
func (r *Registry) Insert(source *Source) {
	r.sources[source.FD] = source
}

// Find looks up a source by descriptor, returning nil if absent.
func (r *Registry) Find(fd int) *Source {
	return r.sources[fd]
}

// Len returns the number of live sources, mostly useful for tests.
func (r *Registry) Len() int {
	return len(r.sources)
}

// All returns a snapshot slice of every live source. The slice is safe
// to range over while mutating the registry.
func (r *Registry) All() []*Source {
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}

// CloseFunc closes the descriptor owned by a Source. Supplied by the
// caller (pkg/loop) so this package stays free of syscalls and is easy
// to unit test without real file descriptors.
type CloseFunc func(fd int)

// Delete removes source from the registry, cascading per the ownership
// rules: deleting a ControlConnection deletes every ForwardServer whose
// Port matches or whose Target is the ControlConnection's fd, which in
// turn (recursively, via the same call) deletes every ForwardConnection
// whose Port matches that ForwardServer. Delete is idempotent: deleting
// an absent source is a no-op.
func (r *Registry) Delete(source *Source, closeFD CloseFunc) {
	if source == nil {
		return
	}
	if _, ok := r.sources[source.FD]; !ok {
		return
	}

	switch source.Type {
	case ControlConnection:
		r.deleteMatching(ForwardServer, source.Port, closeFD)
		// Port only records the last-opened forward port; servers opened
		// earlier on this connection are found by their Target.
		for _, s := range r.All() {
			if s.Type == ForwardServer && s.Target == source.FD {
				r.Delete(s, closeFD)
			}
		}
	case ForwardServer:
		r.deleteMatching(ForwardConnection, source.Port, closeFD)
	}

	delete(r.sources, source.FD)
	closeFD(source.FD)
}

// DeleteByFD looks the source up first; a no-op if fd is not registered.
func (r *Registry) DeleteByFD(fd int, closeFD CloseFunc) {
	r.Delete(r.Find(fd), closeFD)
}

// deleteMatching deletes every source of the given type sharing port.
// It snapshots matches before recursing so the walk tolerates mutation
// of the underlying map by the recursive Delete calls it triggers.
func (r *Registry) deleteMatching(t Type, port int, closeFD CloseFunc) {
	var matches []*Source
	for _, s := range r.sources {
		if s.Type == t && s.Port == port {
			matches = append(matches, s)
		}
	}
	for _, s := range matches {
		r.Delete(s, closeFD)
	}
}
