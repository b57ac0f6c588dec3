package device

import (
	"fmt"

	"cdba/internal/serialport"
)

func init() {
	RegisterBackend("ftdi-gpio", newFTDIGPIODevice)
}

// ftdiGPIODevice drives board power and USB VBUS by bit-banging the DTR and
// RTS modem-control lines of the same USB-serial adapter that carries the
// console, rather than a separate relay controller. Config parameters:
// "console" (tty path), "invert_power", "invert_usb" ("1" to invert the
// line's active sense).
type ftdiGPIODevice struct {
	console     *serialport.Port
	invertPower bool
	invertUSB   bool
}

func newFTDIGPIODevice(cfg Config) (Device, error) {
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
	invertPower, _ := cfg.Get("invert_power")
	invertUSB, _ := cfg.Get("invert_usb")
	return &ftdiGPIODevice{
		console:     port,
		invertPower: invertPower == "1",
		invertUSB:   invertUSB == "1",
	}, nil
}

func (d *ftdiGPIODevice) ConsoleFd() int { return d.console.Fd() }

func (d *ftdiGPIODevice) ReadConsole(buf []byte) (int, error) { return d.console.Read(buf) }

func (d *ftdiGPIODevice) Power(on bool) error {
	return d.console.SetModemLine(serialport.ModemLineDTR, on != d.invertPower)
}

func (d *ftdiGPIODevice) USB(on bool) error {
	return d.console.SetModemLine(serialport.ModemLineRTS, on != d.invertUSB)
}

func (d *ftdiGPIODevice) WriteConsole(p []byte) error {
	_, err := d.console.Write(p)
	return err
}

func (d *ftdiGPIODevice) SendBreak() error { return d.console.SendBreak() }

func (d *ftdiGPIODevice) Boot(image []byte) error { return nil }

func (d *ftdiGPIODevice) EnableStatus() error { return nil }

func (d *ftdiGPIODevice) FastbootContinue() error { return nil }

// HoldFastbootKey asserts a break condition on the console line, which on
// boards whose flashing-mode strap is wired through the same UART header
// doubles as the "force bootloader" input.
func (d *ftdiGPIODevice) HoldFastbootKey(hold bool) error {
	if hold {
		return d.console.SetBreak()
	}
	return d.console.ClearBreak()
}

func (d *ftdiGPIODevice) Close() error {
	_ = d.Power(false)
	return d.console.Close()
}
