// Package device implements the server-side polymorphic board abstraction
// (spec.md §4.6): one Device per session, dispatching power, console, USB
// VBUS, break, and flashing operations to a concrete back-end driver.
//
// The registry pattern (RegisterBackend/New) is grounded on the teacher's
// pkg/can/bus.go CAN interface registry (RegisterInterface/NewBus):
// concrete backends register a constructor under a name in an init()
// function, and the registry instantiates one by name from config.
package device

import (
	"errors"
	"fmt"
)

// Device is the capability set the dispatcher drives (spec.md §4.6). Every
// method is synchronous and returns quickly; long operations such as
// flashing register continuations with the event loop rather than blocking
// here.
type Device interface {
	// Power switches board power. true == on.
	Power(on bool) error
	// WriteConsole forwards operator bytes to the board's serial console.
	WriteConsole(p []byte) error
	// USB switches the board's USB VBUS line.
	USB(on bool) error
	// SendBreak asserts a serial break condition on the console line.
	SendBreak() error
	// Boot hands an accumulated image to the board's flashing interface.
	Boot(image []byte) error
	// EnableStatus arms periodic STATUS_UPDATE telemetry, if the backend
	// supports it. Backends without telemetry treat this as a no-op.
	EnableStatus() error
	// FastbootContinue signals the target to continue past its flashing
	// stage (FASTBOOT_CONTINUE).
	FastbootContinue() error
	// HoldFastbootKey asserts or releases whatever input forces the board
	// into flashing mode at boot (e.g. a held volume key).
	HoldFastbootKey(hold bool) error
	// Close releases all resources. Backends that define power-off-on-close
	// as part of their lifecycle policy do so here.
	Close() error
}

// ConsoleSource is implemented by backends whose console stream is
// poll-able; the dispatcher registers ConsoleFd() with the reactor and, on
// readiness, calls ReadConsole to pull board output through as CONSOLE
// frames. Backends without a real serial line (e.g. the virtual backend)
// do not implement this.
type ConsoleSource interface {
	ConsoleFd() int
	ReadConsole(buf []byte) (int, error)
}

// Config is the per-board configuration handed to a backend's constructor,
// populated by pkg/server/registry from the ini-based board file.
type Config struct {
	Name   string
	Driver string
	Params map[string]string
}

// Get returns a parameter value, or ok=false if absent.
func (c Config) Get(key string) (string, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// MustGet returns a required parameter, erroring with the board name and
// key on absence.
func (c Config) MustGet(key string) (string, error) {
	v, ok := c.Params[key]
	if !ok {
		return "", fmt.Errorf("device: board %q missing required parameter %q", c.Name, key)
	}
	return v, nil
}

// NewFunc constructs a Device from its board configuration.
type NewFunc func(cfg Config) (Device, error)

var backends = make(map[string]NewFunc)

// RegisterBackend registers a backend constructor under name. Called from
// an init() function of the backend's file, mirroring
// pkg/can.RegisterInterface.
func RegisterBackend(name string, fn NewFunc) {
	backends[name] = fn
}

// ErrUnknownBackend is returned by New when cfg.Driver names no registered
// backend.
var ErrUnknownBackend = errors.New("device: unknown backend")

// New instantiates the Device for cfg using the backend named by
// cfg.Driver. Per spec.md §4.6, failure here is fatal to the session: the
// dispatcher sends no SELECT_BOARD reply and the client observes EOF.
func New(cfg Config) (Device, error) {
	fn, ok := backends[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q (board %q)", ErrUnknownBackend, cfg.Driver, cfg.Name)
	}
	dev, err := fn(cfg)
	if err != nil {
		return nil, fmt.Errorf("device: board %q: %w", cfg.Name, err)
	}
	return dev, nil
}
