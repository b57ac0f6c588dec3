package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".cdba")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
[boardA]
users   = alice, bob
console = /dev/ttyUSB0
baud    = 115200
power   = relay:/dev/gpiochip0:4
usb     = relay:/dev/gpiochip0:5
flasher = fastboot
break   = true

[boardB]
users   = alice
console = /dev/ttyUSB1
power   = ftdi-gpio:
usb     = ftdi-gpio:
`

func TestLoadFileParsesBoards(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reg, err := LoadFile(path)
	require.NoError(t, err)

	boardA, ok := reg.Board("boardA")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, boardA.Users)
	assert.Equal(t, "/dev/ttyUSB0", boardA.Console)
	assert.EqualValues(t, 115200, boardA.Baud)
	assert.True(t, boardA.Break)
	assert.Equal(t, "fastboot", boardA.Flasher)
	assert.Equal(t, "relay", boardA.DeviceConfig().Driver)
	assert.Equal(t, "4", boardA.DeviceConfig().Params["power_gpio"])
	assert.Equal(t, "5", boardA.DeviceConfig().Params["usb_gpio"])

	boardB, ok := reg.Board("boardB")
	require.True(t, ok)
	assert.EqualValues(t, 115200, boardB.Baud) // default applied
	assert.False(t, boardB.Break)
}

func TestAuthorizeRejectsUnknownUserAndBoard(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reg, err := LoadFile(path)
	require.NoError(t, err)

	_, ok := reg.Authorize("boardA", "carol")
	assert.False(t, ok)

	_, ok = reg.Authorize("boardA", "alice")
	assert.True(t, ok)

	_, ok = reg.Authorize("does-not-exist", "alice")
	assert.False(t, ok)
}

func TestListForFiltersByAccess(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"boardA", "boardB"}, reg.ListFor("alice"))
	assert.Equal(t, []string{"boardA"}, reg.ListFor("bob"))
	assert.Empty(t, reg.ListFor("carol"))
}

func TestEffectiveUserFallback(t *testing.T) {
	t.Setenv("CDBA_USER", "")
	t.Setenv("USER", "")
	assert.Equal(t, "nobody", EffectiveUser())

	t.Setenv("USER", "fromuser")
	assert.Equal(t, "fromuser", EffectiveUser())

	t.Setenv("CDBA_USER", "fromcdba")
	assert.Equal(t, "fromcdba", EffectiveUser())
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
