package device

import "sync"

func init() {
	RegisterBackend("virtual", newVirtualDevice)
}

// VirtualDevice is an in-memory stub backend, grounded on the teacher's
// pkg/can/virtual.Bus (a software-only implementation registered under the
// same backend-registry pattern, used for testing without real hardware).
// It records every call so tests can assert on device interaction without
// a real board attached.
type VirtualDevice struct {
	mu sync.Mutex

	PoweredOn    bool
	USBOn        bool
	HeldFastboot bool
	Closed       bool
	ConsoleLog   []byte
	Booted       [][]byte
	BreakCount   int
}

func newVirtualDevice(cfg Config) (Device, error) {
	return &VirtualDevice{}, nil
}

func (d *VirtualDevice) Power(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PoweredOn = on
	return nil
}

func (d *VirtualDevice) USB(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.USBOn = on
	return nil
}

func (d *VirtualDevice) WriteConsole(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConsoleLog = append(d.ConsoleLog, p...)
	return nil
}

func (d *VirtualDevice) SendBreak() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BreakCount++
	return nil
}

func (d *VirtualDevice) Boot(image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(image))
	copy(cp, image)
	d.Booted = append(d.Booted, cp)
	return nil
}

func (d *VirtualDevice) EnableStatus() error { return nil }

func (d *VirtualDevice) FastbootContinue() error { return nil }

func (d *VirtualDevice) HoldFastbootKey(hold bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HeldFastboot = hold
	return nil
}

func (d *VirtualDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	d.PoweredOn = false
	return nil
}
