// Package flashing implements the server-side flashing subsystem adapter
// (spec.md §4.7): it watches for the target entering flashing mode,
// accumulates the image streamed by the client, and drives the device's
// Boot method once the client's zero-length sentinel frame arrives.
//
// Grounded on the teacher's pkg/sdo/server.go block-transfer state machine
// (accumulate segments into a buffer, verify on the terminal segment,
// reply), adapted from SDO block download to image accumulation.
package flashing

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"cdba/pkg/server/device"
)

// Notifier receives the adapter's events for the client. Whatever watches
// the target for flashing-mode entry (USB enumeration or a serial pattern
// match) is out of scope per spec.md §1 ("concrete hardware drivers");
// Adapter does not depend on a concrete detector — callers invoke
// Opened/Disconnected directly as their detector fires.
type Notifier interface {
	// FastbootPresent is called with true when the target has entered
	// flashing mode, false when it has left.
	FastbootPresent(present bool)
	// DownloadComplete is called once an accumulated image has been
	// flashed successfully.
	DownloadComplete()
}

// Adapter accumulates one in-flight image and drives dev.Boot on
// completion.
type Adapter struct {
	log     *logrus.Logger
	dev     device.Device
	n       Notifier
	profile Profile

	open bool
	buf  []byte
}

// New creates a flashing adapter bound to dev, emitting events through n and
// behaving per profile (spec.md §3's "flasher" board attribute,
// SPEC_FULL.md §5.1).
func New(log *logrus.Logger, dev device.Device, n Notifier, profile Profile) *Adapter {
	return &Adapter{log: log, dev: dev, n: n, profile: profile}
}

// Opened is invoked by the detector once the target enters flashing mode.
// It emits FASTBOOT_PRESENT(1) and, for profiles that declare it, releases
// the hold-fastboot-key assertion on the device (spec.md §4.7).
func (a *Adapter) Opened() {
	a.log.Info("[FLASHING] target entered flashing mode")
	a.open = true
	a.buf = a.buf[:0]
	if a.profile.ReleaseKeyOnOpen {
		if err := a.dev.HoldFastbootKey(false); err != nil {
			a.log.WithError(err).Warn("[FLASHING] failed to release fastboot key hold")
		}
	}
	a.n.FastbootPresent(true)
}

// ContinueSupported reports whether this adapter's profile exposes
// FASTBOOT_CONTINUE; the dispatcher uses this to decide whether to forward
// the request to the device driver or log-and-drop it (spec.md §9).
func (a *Adapter) ContinueSupported() bool { return a.profile.ContinueSupported }

// LogInfo surfaces an info string from the underlying flashing engine as log
// output rather than a protocol message (spec.md §4.7), at a level the
// profile selects.
func (a *Adapter) LogInfo(msg string) {
	if a.profile.VerboseInfo {
		a.log.WithField("profile", a.profile.Name).Info("[FLASHING] " + msg)
		return
	}
	a.log.WithField("profile", a.profile.Name).Debug("[FLASHING] " + msg)
}

// Disconnected is invoked by the detector once the target leaves flashing
// mode, deliberately or by disconnecting.
func (a *Adapter) Disconnected() {
	a.log.Info("[FLASHING] target left flashing mode")
	a.open = false
	a.n.FastbootPresent(false)
}

// Feed accumulates one FASTBOOT_DOWNLOAD payload. An empty payload is the
// end-of-image sentinel: it triggers the actual flash against the
// accumulated buffer and, on success, DownloadComplete.
func (a *Adapter) Feed(payload []byte) error {
	if !a.open {
		return fmt.Errorf("flashing: image data received while not in flashing mode")
	}
	if len(payload) == 0 {
		image := a.buf
		a.buf = nil
		a.log.WithField("bytes", len(image)).Info("[FLASHING] flashing accumulated image")
		if err := a.dev.Boot(image); err != nil {
			return fmt.Errorf("flashing: boot: %w", err)
		}
		a.n.DownloadComplete()
		return nil
	}
	a.buf = append(a.buf, payload...)
	return nil
}
