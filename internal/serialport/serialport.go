// Package serialport wraps github.com/daedaluz/goserial for the server's
// console and break driver (spec.md §4.6): it exposes the raw file
// descriptor so the reactor event loop can register it for read-readiness,
// sets the line discipline to raw mode, and forwards break/modem-line
// control used by the relay and FTDI-GPIO device backends.
package serialport

import (
	"fmt"

	serial "github.com/daedaluz/goserial"
)

// Port is an open, raw-mode serial line.
type Port struct {
	p *serial.Port
}

// Open opens name (e.g. "/dev/ttyUSB0"), puts it into raw mode at baud, and
// returns a Port ready for non-blocking use with the event loop.
func Open(name string, baud uint32) (*Port, error) {
	raw, err := serial.Open(name, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	port := &Port{p: raw}
	if err := port.configure(baud); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return port, nil
}

func (p *Port) configure(baud uint32) error {
	attrs, err := p.p.GetAttr()
	if err != nil {
		return fmt.Errorf("serialport: get attr: %w", err)
	}
	speed, err := baudToSpeed(baud)
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.SetSpeed(speed)
	if err := p.p.SetAttr(serial.TCSANOW, attrs); err != nil {
		return fmt.Errorf("serialport: set attr: %w", err)
	}
	return nil
}

// standardSpeeds maps a plain baud rate to the CFlag encoding SetSpeed
// expects (e.g. 115200 -> serial.B115200 = 0010002), since the termios
// c_cflag baud bits are not the literal rate.
var standardSpeeds = map[uint32]serial.CFlag{
	50:      serial.B50,
	75:      serial.B75,
	110:     serial.B110,
	134:     serial.B134,
	150:     serial.B150,
	200:     serial.B200,
	300:     serial.B300,
	600:     serial.B600,
	1200:    serial.B1200,
	1800:    serial.B1800,
	2400:    serial.B2400,
	4800:    serial.B4800,
	9600:    serial.B9600,
	19200:   serial.B19200,
	38400:   serial.B38400,
	57600:   serial.B57600,
	115200:  serial.B115200,
	230400:  serial.B230400,
	460800:  serial.B460800,
	500000:  serial.B500000,
	576000:  serial.B576000,
	921600:  serial.B921600,
	1000000: serial.B1000000,
	1152000: serial.B1152000,
	1500000: serial.B1500000,
	2000000: serial.B2000000,
	2500000: serial.B2500000,
	3000000: serial.B3000000,
	3500000: serial.B3500000,
	4000000: serial.B4000000,
}

func baudToSpeed(baud uint32) (serial.CFlag, error) {
	speed, ok := standardSpeeds[baud]
	if !ok {
		return 0, fmt.Errorf("serialport: unsupported baud rate %d", baud)
	}
	return speed, nil
}

// Fd exposes the underlying descriptor for reactor.Loop.RegisterRead.
func (p *Port) Fd() int { return p.p.Fd() }

func (p *Port) Read(buf []byte) (int, error) { return p.p.Read(buf) }

func (p *Port) Write(buf []byte) (int, error) { return p.p.Write(buf) }

// SendBreak asserts a break condition for the driver-default duration.
func (p *Port) SendBreak() error { return p.p.SendBreak(0) }

// SetBreak / ClearBreak assert and release a break condition explicitly,
// for backends that need to hold it across some interval.
func (p *Port) SetBreak() error   { return p.p.SetBreak() }
func (p *Port) ClearBreak() error { return p.p.ClearBreak() }

// SetModemLine asserts or releases one of the RTS/DTR modem control lines,
// used by the FTDI-GPIO backend to bit-bang power and USB VBUS control
// through a console adapter's control pins.
func (p *Port) SetModemLine(line serial.ModemLine, assert bool) error {
	if assert {
		return p.p.EnableModemLines(line)
	}
	return p.p.DisableModemLines(line)
}

// ModemLineDTR and ModemLineRTS re-export the two control lines the
// FTDI-GPIO backend drives, so callers need not import goserial directly.
const (
	ModemLineDTR = serial.TIOCM_DTR
	ModemLineRTS = serial.TIOCM_RTS
)

func (p *Port) Close() error { return p.p.Close() }
