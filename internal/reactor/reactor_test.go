package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func makePipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitFor(t *testing.T, ch <-chan SockState, want SockState, msg string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got&want, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: " + msg)
	}
}

func TestReadCallback(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, wr := makePipe(t)

	fired := make(chan SockState, 4)
	err := r.Register(rd, func(fd int, arg any, why SockState) bool {
		fired <- why
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		return true
	}, nil, Read, 0)
	require.NoError(t, err)

	_, err = unix.Write(wr, []byte("x"))
	require.NoError(t, err)
	waitFor(t, fired, Read, "read callback must fire when data arrives")

	// Still registered: a second write fires again.
	_, err = unix.Write(wr, []byte("y"))
	require.NoError(t, err)
	waitFor(t, fired, Read, "callback returning true stays registered")
}

func TestCallbackReturningFalseUnregisters(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, wr := makePipe(t)

	fired := make(chan SockState, 4)
	err := r.Register(rd, func(fd int, arg any, why SockState) bool {
		fired <- why
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		return false
	}, nil, Read, 0)
	require.NoError(t, err)

	_, _ = unix.Write(wr, []byte("x"))
	waitFor(t, fired, Read, "first event delivered")

	_, _ = unix.Write(wr, []byte("y"))
	select {
	case why := <-fired:
		t.Fatalf("unexpected callback after unregister: %v", why)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTimeoutFiresOnce(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, _ := makePipe(t)

	fired := make(chan SockState, 4)
	err := r.Register(rd, func(fd int, arg any, why SockState) bool {
		fired <- why
		return true
	}, nil, Read, 50*time.Millisecond)
	require.NoError(t, err)

	waitFor(t, fired, Timeout, "deadline must fire a timeout callback")

	select {
	case why := <-fired:
		t.Fatalf("timeout must fire exactly once, got %v", why)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestActivityRearmsDeadline(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, wr := makePipe(t)

	fired := make(chan SockState, 16)
	err := r.Register(rd, func(fd int, arg any, why SockState) bool {
		fired <- why
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		return true
	}, nil, Read, 250*time.Millisecond)
	require.NoError(t, err)

	// Keep the fd busy; no timeout may fire while traffic flows.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		_, _ = unix.Write(wr, []byte("x"))
		waitFor(t, fired, Read, "read during rearm window")
	}
}

func TestCancelInvokesCallback(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, _ := makePipe(t)

	require.NoError(t, r.Register(rd, func(int, any, SockState) bool {
		return true
	}, nil, Read, 0))

	cancelled := make(chan SockState, 1)
	require.NoError(t, r.CancelCallback(rd, func(fd int, arg any, why SockState) bool {
		cancelled <- why
		return true
	}, nil))
	waitFor(t, cancelled, Cancel, "cancel must notify when a proc is given")
}

func TestShutdownFiresExitCallbacks(t *testing.T) {
	r := New(nil)
	rd, _ := makePipe(t)

	exited := make(chan SockState, 1)
	require.NoError(t, r.Register(rd, func(fd int, arg any, why SockState) bool {
		if why&Exit != 0 {
			exited <- why
		}
		return true
	}, nil, Read|Exit, 0))

	r.Shutdown(time.Now().Add(time.Second))
	waitFor(t, exited, Exit, "exit callback must run at shutdown")

	// New registrations after shutdown are refused.
	assert.Error(t, r.Register(rd, func(int, any, SockState) bool { return true }, nil, Read, 0))
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(time.Now().Add(time.Second))
	rd, wr := makePipe(t)

	firstFired := make(chan SockState, 2)
	secondFired := make(chan SockState, 2)
	require.NoError(t, r.Register(rd, func(fd int, arg any, why SockState) bool {
		firstFired <- why
		return true
	}, nil, Read, 0))
	require.NoError(t, r.Register(rd, func(fd int, arg any, why SockState) bool {
		secondFired <- why
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		return true
	}, nil, Read, 0))

	time.Sleep(50 * time.Millisecond)
	_, _ = unix.Write(wr, []byte("x"))
	waitFor(t, secondFired, Read, "replacement callback receives events")
	select {
	case <-firstFired:
		t.Fatal("replaced callback must not fire")
	case <-time.After(200 * time.Millisecond):
	}
}
