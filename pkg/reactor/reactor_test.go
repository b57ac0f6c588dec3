package reactor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nil)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func nonblockPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestReadWatchFires(t *testing.T) {
	loop, err := New(discardLogger())
	require.NoError(t, err)
	defer loop.Close()

	r, w := nonblockPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	got := make([]byte, 0)
	err = loop.RegisterRead(r, func(fd int) Action {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		got = append(got, buf[:n]...)
		return Terminate
	})
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("hi"))
	require.NoError(t, err)

	err = loop.Run()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestTimerFiresInDeadlineOrder(t *testing.T) {
	loop, err := New(discardLogger())
	require.NoError(t, err)
	defer loop.Close()

	var order []int
	now := time.Now()
	loop.AddTimer(now.Add(30*time.Millisecond), func() Action {
		order = append(order, 2)
		return Continue
	})
	loop.AddTimer(now.Add(10*time.Millisecond), func() Action {
		order = append(order, 0)
		return Continue
	})
	loop.AddTimer(now.Add(10*time.Millisecond), func() Action {
		order = append(order, 1) // same deadline, later insertion -> fires after index 0
		return Continue
	})
	loop.AddTimer(now.Add(50*time.Millisecond), func() Action {
		order = append(order, 3)
		return Terminate
	})

	err = loop.Run()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestTimerCancelIsIdempotentAndSkipped(t *testing.T) {
	loop, err := New(discardLogger())
	require.NoError(t, err)
	defer loop.Close()

	fired := false
	timer := loop.AddTimer(time.Now().Add(5*time.Millisecond), func() Action {
		fired = true
		return Continue
	})
	timer.Cancel()
	timer.Cancel() // idempotent

	loop.AddTimer(time.Now().Add(20*time.Millisecond), func() Action {
		return Terminate
	})

	err = loop.Run()
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestWriteWatchArmedOnDemand(t *testing.T) {
	loop, err := New(discardLogger())
	require.NoError(t, err)
	defer loop.Close()

	r, w := nonblockPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	wrote := false
	err = loop.RequestWrite(w, func(fd int) Action {
		_, _ = unix.Write(fd, []byte("x"))
		wrote = true
		_ = loop.CancelWrite(fd)
		return Terminate
	})
	require.NoError(t, err)

	err = loop.Run()
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestRunRejectsReentrantCall(t *testing.T) {
	loop, err := New(discardLogger())
	require.NoError(t, err)
	defer loop.Close()

	loop.AddTimer(time.Now().Add(5*time.Millisecond), func() Action {
		err := loop.Run()
		assert.ErrorIs(t, err, ErrReentrant)
		return Terminate
	})
	require.NoError(t, loop.Run())
}
