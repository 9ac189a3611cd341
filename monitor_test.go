// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package fdmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipePair is a non-blocking pipe for feeding test sources.
type pipePair struct {
	r, w int
}

func newPipe(t *testing.T) pipePair {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return pipePair{r: fds[0], w: fds[1]}
}

func (p pipePair) write(t *testing.T, b []byte) {
	n, err := unix.Write(p.w, b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
}

// waitReady blocks on the monitor's fd the way an external driver would.
func waitReady(t *testing.T, m *Monitor, timeoutMs int) int {
	fds := []unix.PollFd{{Fd: int32(m.Fd()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		return n
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	m, err := NewMonitor()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSourceInitValidation(t *testing.T) {
	var s Source
	cb := func(*Source) error { return nil }

	assert.ErrorIs(t, (*Source)(nil).Init(0, In, cb, nil), unix.EINVAL)
	assert.ErrorIs(t, s.Init(-1, In, cb, nil), unix.EINVAL)
	assert.ErrorIs(t, s.Init(0, 0, cb, nil), unix.EINVAL)
	assert.ErrorIs(t, s.Init(0, Err, cb, nil), unix.EINVAL)
	assert.ErrorIs(t, s.Init(0, In, nil, nil), unix.EINVAL)
	assert.NoError(t, s.Init(0, In|Out, cb, nil))
	assert.Equal(t, In|Out, s.Interest())
}

func TestRegistrationRoundTrip(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	var s Source
	require.NoError(t, s.Init(p.r, In, func(*Source) error { return nil }, nil))

	before := m.Len()
	require.NoError(t, m.Add(&s))
	assert.Equal(t, before+1, m.Len())
	require.NoError(t, m.Remove(&s))
	assert.Equal(t, before, m.Len())

	// The fd is still open: registration never owned it.
	_, err := unix.FcntlInt(uintptr(p.r), unix.F_GETFD, 0)
	assert.NoError(t, err)

	// And the source can be registered again.
	require.NoError(t, m.Add(&s))
	require.NoError(t, m.Remove(&s))
}

func TestAddValidation(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	assert.ErrorIs(t, m.Add(nil), unix.EINVAL)
	assert.ErrorIs(t, m.Add(&Source{}), unix.EINVAL)

	var s Source
	require.NoError(t, s.Init(p.r, In, func(*Source) error { return nil }, nil))
	require.NoError(t, m.Add(&s))
	// A source belongs to at most one monitor at a time.
	assert.ErrorIs(t, m.Add(&s), unix.EBUSY)

	m2 := newTestMonitor(t)
	assert.ErrorIs(t, m2.Add(&s), unix.EBUSY)
}

func TestOneShotDiscipline(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	fired := 0
	var s Source
	require.NoError(t, s.Init(p.r, In, func(src *Source) error {
		fired++
		assert.True(t, src.Events()&In != 0)
		var b [1]byte
		unix.Read(src.Fd(), b[:])
		return nil
	}, nil))
	require.NoError(t, m.Add(&s))

	p.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())
	assert.Equal(t, 1, fired)

	// Disarmed: new data does not reach the callback until Activate.
	p.write(t, []byte{2})
	assert.Equal(t, 0, waitReady(t, m, 50))
	require.NoError(t, m.ProcessEvents())
	assert.Equal(t, 1, fired)

	require.NoError(t, m.Activate(&s, 0))
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())
	assert.Equal(t, 2, fired)
}

func TestActivateValidation(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	var s Source
	require.NoError(t, s.Init(p.r, In, func(*Source) error { return nil }, nil))
	// Not registered yet.
	assert.ErrorIs(t, m.Activate(&s, 0), unix.EINVAL)

	require.NoError(t, m.Add(&s))
	// Widening the interest mask is not allowed.
	assert.ErrorIs(t, m.Activate(&s, In|Out), unix.EINVAL)
	assert.NoError(t, m.Activate(&s, In))
}

func TestCallbackErrorRemovesAndCleans(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	cleaned := 0
	var s Source
	require.NoError(t, s.Init(p.r, In, func(*Source) error {
		return unix.EIO
	}, func(src *Source) {
		cleaned++
	}))
	require.NoError(t, m.Add(&s))

	p.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, m.Len())
}

func TestPerSourceErrorIsolation(t *testing.T) {
	m := newTestMonitor(t)
	pa, pb := newPipe(t), newPipe(t)

	var a, b Source
	aFired, bFired := 0, 0
	require.NoError(t, a.Init(pa.r, In, func(*Source) error {
		aFired++
		return unix.EIO
	}, nil))
	require.NoError(t, b.Init(pb.r, In, func(src *Source) error {
		bFired++
		var buf [1]byte
		unix.Read(src.Fd(), buf[:])
		return nil
	}, nil))
	require.NoError(t, m.Add(&a))
	require.NoError(t, m.Add(&b))

	// Both ready in the same round; a's failure must not rob b.
	pa.write(t, []byte{1})
	pb.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())

	assert.Equal(t, 1, aFired)
	assert.Equal(t, 1, bFired)
	assert.Equal(t, 1, m.Len())
}

func TestInCallbackRemovalOfOtherSource(t *testing.T) {
	m := newTestMonitor(t)
	pa, pb := newPipe(t), newPipe(t)

	// Whichever source dispatches first removes the other; the round must
	// skip the vanished source without faulting.
	var a, b Source
	calls := 0
	require.NoError(t, a.Init(pa.r, In, func(src *Source) error {
		calls++
		_ = m.Remove(&b)
		return nil
	}, nil))
	require.NoError(t, b.Init(pb.r, In, func(src *Source) error {
		calls++
		_ = m.Remove(&a)
		return nil
	}, nil))
	require.NoError(t, m.Add(&a))
	require.NoError(t, m.Add(&b))

	pa.write(t, []byte{1})
	pb.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.Len())
}

func TestReentrantProcessEventsForbidden(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	var s Source
	require.NoError(t, s.Init(p.r, In, func(src *Source) error {
		assert.ErrorIs(t, m.ProcessEvents(), unix.EBUSY)
		assert.ErrorIs(t, m.Close(), unix.EBUSY)
		var b [1]byte
		unix.Read(src.Fd(), b[:])
		return nil
	}, nil))
	require.NoError(t, m.Add(&s))

	p.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())
}

func TestCloseCleansAllSources(t *testing.T) {
	m, err := NewMonitor()
	require.NoError(t, err)

	cleaned := 0
	pipes := make([]pipePair, 3)
	sources := make([]Source, 3)
	for i := range sources {
		pipes[i] = newPipe(t)
		require.NoError(t, sources[i].Init(pipes[i].r, In,
			func(*Source) error { return nil },
			func(*Source) { cleaned++ }))
		require.NoError(t, m.Add(&sources[i]))
	}
	assert.Equal(t, 3, m.Len())

	require.NoError(t, m.Close())
	assert.Equal(t, 3, cleaned)
	assert.Equal(t, 0, m.Len())
}

func TestRemoveDoesNotInvokeClean(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	cleaned := 0
	var s Source
	require.NoError(t, s.Init(p.r, In,
		func(*Source) error { return nil },
		func(*Source) { cleaned++ }))
	require.NoError(t, m.Add(&s))

	require.NoError(t, m.Remove(&s))
	assert.Equal(t, 0, cleaned)

	// Clean on an unregistered source is rejected.
	assert.ErrorIs(t, m.Clean(&s), unix.EINVAL)

	require.NoError(t, m.Add(&s))
	require.NoError(t, m.Clean(&s))
	assert.Equal(t, 1, cleaned)
}

func TestDetachFromCallback(t *testing.T) {
	m := newTestMonitor(t)
	p := newPipe(t)

	cleaned := 0
	var s Source
	require.NoError(t, s.Init(p.r, In,
		func(*Source) error { return ErrDetach },
		func(*Source) { cleaned++ }))
	require.NoError(t, m.Add(&s))

	p.write(t, []byte{1})
	require.Equal(t, 1, waitReady(t, m, 1000))
	require.NoError(t, m.ProcessEvents())
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, m.Len())
}
