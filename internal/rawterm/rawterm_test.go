package rawterm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEnableOnNonTerminalIsNoOpAndRestoreSafe(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	sess, err := Enable(fds[0])
	require.NoError(t, err)
	assert.NoError(t, sess.Restore())
	assert.NoError(t, sess.Restore()) // idempotent
}

func TestRestoreOnNilSessionIsSafe(t *testing.T) {
	var s *Session
	assert.NoError(t, s.Restore())
}
