package flashing

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdba/pkg/server/device"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type recordingNotifier struct {
	presentCalls []bool
	completed    int
}

func (r *recordingNotifier) FastbootPresent(present bool) { r.presentCalls = append(r.presentCalls, present) }
func (r *recordingNotifier) DownloadComplete()             { r.completed++ }

func TestOpenedReleasesKeyHoldAndNotifiesPresent(t *testing.T) {
	dev := &device.VirtualDevice{}
	require.NoError(t, dev.HoldFastbootKey(true))
	n := &recordingNotifier{}
	a := New(discardLogger(), dev, n, fastbootProfile)

	a.Opened()
	assert.False(t, dev.HeldFastboot)
	assert.Equal(t, []bool{true}, n.presentCalls)
}

func TestOpenedKeepsKeyHoldWhenProfileDeclinesRelease(t *testing.T) {
	dev := &device.VirtualDevice{}
	require.NoError(t, dev.HoldFastbootKey(true))
	n := &recordingNotifier{}
	a := New(discardLogger(), dev, n, Resolve(BuiltinProfiles(), "vendor-hold"))

	a.Opened()
	assert.True(t, dev.HeldFastboot)
	assert.Equal(t, []bool{true}, n.presentCalls)
}

func TestFeedAccumulatesAndFlashesOnSentinel(t *testing.T) {
	dev := &device.VirtualDevice{}
	n := &recordingNotifier{}
	a := New(discardLogger(), dev, n, fastbootProfile)
	a.Opened()

	require.NoError(t, a.Feed([]byte("AAAA")))
	require.NoError(t, a.Feed([]byte("BBBB")))
	require.Empty(t, dev.Booted)

	require.NoError(t, a.Feed(nil)) // sentinel
	require.Len(t, dev.Booted, 1)
	assert.Equal(t, []byte("AAAABBBB"), dev.Booted[0])
	assert.Equal(t, 1, n.completed)
}

func TestFeedWithoutOpenIsError(t *testing.T) {
	dev := &device.VirtualDevice{}
	n := &recordingNotifier{}
	a := New(discardLogger(), dev, n, fastbootProfile)

	err := a.Feed([]byte("x"))
	assert.Error(t, err)
}

func TestContinueSupportedReflectsProfile(t *testing.T) {
	dev := &device.VirtualDevice{}
	n := &recordingNotifier{}

	a := New(discardLogger(), dev, n, fastbootProfile)
	assert.True(t, a.ContinueSupported())

	a = New(discardLogger(), dev, n, Resolve(BuiltinProfiles(), "vendor-hold"))
	assert.False(t, a.ContinueSupported())
}

func TestLogInfoDoesNotPanicForEitherVerbosity(t *testing.T) {
	dev := &device.VirtualDevice{}
	n := &recordingNotifier{}

	a := New(discardLogger(), dev, n, fastbootProfile)
	a.LogInfo("erasing partition boot_a")

	a = New(discardLogger(), dev, n, Resolve(BuiltinProfiles(), "vendor-hold"))
	a.LogInfo("erasing partition boot_a")
}

func TestDisconnectedNotifiesAbsent(t *testing.T) {
	dev := &device.VirtualDevice{}
	n := &recordingNotifier{}
	a := New(discardLogger(), dev, n, fastbootProfile)
	a.Opened()
	a.Disconnected()
	assert.Equal(t, []bool{true, false}, n.presentCalls)
}
