package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Name: "board-a", Driver: "does-not-exist"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewVirtualBackend(t *testing.T) {
	dev, err := New(Config{Name: "board-a", Driver: "virtual"})
	require.NoError(t, err)
	vd, ok := dev.(*VirtualDevice)
	require.True(t, ok)

	require.NoError(t, dev.Power(true))
	assert.True(t, vd.PoweredOn)

	require.NoError(t, dev.WriteConsole([]byte("hello")))
	assert.Equal(t, []byte("hello"), vd.ConsoleLog)

	require.NoError(t, dev.HoldFastbootKey(true))
	assert.True(t, vd.HeldFastboot)

	require.NoError(t, dev.Boot([]byte{1, 2, 3}))
	require.Len(t, vd.Booted, 1)
	assert.Equal(t, []byte{1, 2, 3}, vd.Booted[0])

	require.NoError(t, dev.Close())
	assert.True(t, vd.Closed)
	assert.False(t, vd.PoweredOn)
}

func TestConfigMustGetMissing(t *testing.T) {
	cfg := Config{Name: "board-a", Params: map[string]string{}}
	_, err := cfg.MustGet("console")
	assert.Error(t, err)
}
