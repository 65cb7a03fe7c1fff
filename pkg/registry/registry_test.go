package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedRecorder() (CloseFunc, *[]int) {
	closed := []int{}
	return func(fd int) { closed = append(closed, fd) }, &closed
}

func TestInsertFind(t *testing.T) {
	r := New()
	s := &Source{FD: 5, Type: ControlServer}
	r.Insert(s)

	assert.Equal(t, s, r.Find(5))
	assert.Nil(t, r.Find(6))
	assert.Equal(t, 1, r.Len())
}

func TestDelete_Idempotent(t *testing.T) {
	r := New()
	close1, closed := closedRecorder()

	// Deleting an fd that was never inserted is a no-op.
	r.DeleteByFD(42, close1)
	assert.Empty(t, *closed)

	s := &Source{FD: 1, Type: ControlServer}
	r.Insert(s)
	r.Delete(s, close1)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []int{1}, *closed)

	// Deleting again must not double-close or panic.
	r.Delete(s, close1)
	assert.Equal(t, []int{1}, *closed)
}

// TestCascade_ControlConnectionDeletesDescendants builds the full
// ownership chain: a ControlConnection owns a ForwardServer on a port,
// which owns two ForwardConnections. Deleting the ControlConnection
// must remove all of them.
func TestCascade_ControlConnectionDeletesDescendants(t *testing.T) {
	r := New()
	closeFD, closed := closedRecorder()

	cc := NewControlConnection(10)
	r.Insert(cc)

	fs := &Source{FD: 11, Type: ForwardServer, Port: 8016, Target: cc.FD}
	r.Insert(fs)

	fc1 := &Source{FD: 12, Type: ForwardConnection, Port: 8016, Target: cc.FD}
	fc2 := &Source{FD: 13, Type: ForwardConnection, Port: 8016, Target: cc.FD}
	r.Insert(fc1)
	r.Insert(fc2)

	// An unrelated source on a different port must survive.
	otherCC := NewControlConnection(20)
	r.Insert(otherCC)
	otherFS := &Source{FD: 21, Type: ForwardServer, Port: 9000, Target: otherCC.FD}
	r.Insert(otherFS)

	cc.Port = 8016 // the ControlConnection tracks the port it most recently opened
	r.Delete(cc, closeFD)

	assert.Nil(t, r.Find(10))
	assert.Nil(t, r.Find(11))
	assert.Nil(t, r.Find(12))
	assert.Nil(t, r.Find(13))

	require.NotNil(t, r.Find(20))
	require.NotNil(t, r.Find(21))

	for _, s := range r.All() {
		assert.NotEqual(t, cc.FD, s.Target, "no surviving source should target the deleted ControlConnection")
		assert.False(t, s.Type == ForwardServer && s.Port == 8016)
	}

	assert.ElementsMatch(t, []int{10, 11, 12, 13}, *closed)
}

// TestCascade_ForwardServerDeletesOnlyItsConnections exercises the
// second ownership link in isolation, leaving unrelated sources alone.
func TestCascade_ForwardServerDeletesOnlyItsConnections(t *testing.T) {
	r := New()
	closeFD, _ := closedRecorder()

	fs := &Source{FD: 1, Type: ForwardServer, Port: 8016, Target: 0}
	r.Insert(fs)
	fc := &Source{FD: 2, Type: ForwardConnection, Port: 8016, Target: 0}
	r.Insert(fc)
	unrelated := &Source{FD: 3, Type: ForwardConnection, Port: 9000, Target: 0}
	r.Insert(unrelated)

	r.Delete(fs, closeFD)

	assert.Nil(t, r.Find(1))
	assert.Nil(t, r.Find(2))
	require.NotNil(t, r.Find(3))
}

func TestAwaitingHeaderAndReset(t *testing.T) {
	s := NewControlConnection(1)
	assert.True(t, s.AwaitingHeader())
	assert.Equal(t, -HeaderSize, s.MPLength)

	s.MPLength = 10
	assert.False(t, s.AwaitingHeader())

	s.ResetHeader()
	assert.True(t, s.AwaitingHeader())
	assert.Equal(t, -HeaderSize, s.MPLength)
}
