package device

import (
	"fmt"
	"os"
	"path/filepath"

	"cdba/internal/serialport"
)

func init() {
	RegisterBackend("relay", newRelayDevice)
}

// relayDevice controls board power and USB VBUS through a pair of Linux
// sysfs GPIO lines driving an external relay board, and the console/break
// through a plain serial line. Config parameters: "console" (tty path),
// "baud", "power_gpio", "usb_gpio" (sysfs GPIO numbers).
type relayDevice struct {
	console  *serialport.Port
	powerPin int
	usbPin   int
}

func newRelayDevice(cfg Config) (Device, error) {
	consolePath, err := cfg.MustGet("console")
	if err != nil {
		return nil, err
	}
	baud := uint32(115200)
	if v, ok := cfg.Get("baud"); ok {
		if _, err := fmt.Sscanf(v, "%d", &baud); err != nil {
			return nil, fmt.Errorf("device: board %q: bad baud %q", cfg.Name, v)
		}
	}

	port, err := serialport.Open(consolePath, baud)
	if err != nil {
		return nil, err
	}

	d := &relayDevice{console: port}
	if v, ok := cfg.Get("power_gpio"); ok {
		if _, err := fmt.Sscanf(v, "%d", &d.powerPin); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("device: board %q: bad power_gpio %q", cfg.Name, v)
		}
	}
	if v, ok := cfg.Get("usb_gpio"); ok {
		if _, err := fmt.Sscanf(v, "%d", &d.usbPin); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("device: board %q: bad usb_gpio %q", cfg.Name, v)
		}
	}
	return d, nil
}

func (d *relayDevice) ConsoleFd() int { return d.console.Fd() }

func (d *relayDevice) ReadConsole(buf []byte) (int, error) { return d.console.Read(buf) }

func (d *relayDevice) Power(on bool) error {
	if d.powerPin == 0 {
		return nil
	}
	return writeGPIO(d.powerPin, on)
}

func (d *relayDevice) USB(on bool) error {
	if d.usbPin == 0 {
		return nil
	}
	return writeGPIO(d.usbPin, on)
}

func (d *relayDevice) WriteConsole(p []byte) error {
	_, err := d.console.Write(p)
	return err
}

func (d *relayDevice) SendBreak() error { return d.console.SendBreak() }

// Boot is a no-op on the relay backend: flashing is driven entirely by
// whatever USB-visible bootloader the board exposes once powered on with
// the flashing key held; there is no separate flashing interface to hand
// the image to.
func (d *relayDevice) Boot(image []byte) error { return nil }

func (d *relayDevice) EnableStatus() error { return nil }

func (d *relayDevice) FastbootContinue() error { return nil }

// HoldFastbootKey reuses the USB VBUS relay as the flashing-key assertion
// line on boards wired that way (common for relay rigs with a single spare
// relay channel).
func (d *relayDevice) HoldFastbootKey(hold bool) error {
	return d.USB(!hold)
}

func (d *relayDevice) Close() error {
	_ = d.Power(false)
	return d.console.Close()
}

func writeGPIO(pin int, on bool) error {
	path := filepath.Join("/sys/class/gpio", fmt.Sprintf("gpio%d", pin), "value")
	val := []byte("0")
	if on {
		val = []byte("1")
	}
	return os.WriteFile(path, val, 0o644)
}
