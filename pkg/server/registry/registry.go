// Package registry implements the server-side board config loader and
// per-user access control (spec.md §4.8). It parses an ini-formatted board
// file the same way the teacher's pkg/od/parser_v1.go parses EDS files
// (gopkg.in/ini.v1, one [section] per record, key = value pairs), adapted
// from object-dictionary entries to board records (spec.md §5.1).
package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"cdba/pkg/server/device"
)

// Board is one parsed board registry record.
type Board struct {
	Name    string
	Users   []string
	Console string
	Baud    uint32
	Flasher string
	Break   bool

	driver      string
	powerParam  string
	usbParam    string
}

// DeviceConfig builds the device.Config used to instantiate this board's
// backend. Only one driver per board is modeled: the backend name comes
// from the power field's driver:param string, and the usb field's driver
// name is ignored (only its param is used).
func (b Board) DeviceConfig() device.Config {
	return device.Config{
		Name:   b.Name,
		Driver: b.driver,
		Params: map[string]string{
			"console":     b.Console,
			"baud":        strconv.FormatUint(uint64(b.Baud), 10),
			"power_gpio":  tailField(b.powerParam),
			"usb_gpio":    tailField(b.usbParam),
			"flasher":     b.Flasher,
		},
	}
}

// tailField extracts the last ':'-separated field of a driver parameter
// string (e.g. "/dev/gpiochip0:4" -> "4"), which is all the relay and
// FTDI-GPIO backends currently need; the richer gpiochip addressing scheme
// is a concrete-hardware detail the spec places out of scope (spec.md §1).
func tailField(param string) string {
	idx := strings.LastIndex(param, ":")
	if idx < 0 {
		return param
	}
	return param[idx+1:]
}

// Authorize reports whether user may access board.
func (b Board) Authorize(user string) bool {
	for _, u := range b.Users {
		if u == user {
			return true
		}
	}
	return false
}

// Registry is the read-only, loaded-once set of configured boards.
type Registry struct {
	boards map[string]Board
	order  []string
}

// ConfigPaths are tried in order at startup (spec.md §4.8).
var ConfigPaths = []string{"./.cdba", "/etc/cdba"}

// Load resolves the first existing path in ConfigPaths and parses it.
func Load() (*Registry, error) {
	for _, path := range ConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("registry: no config file found in %v", ConfigPaths)
}

// LoadFile parses the ini file at path into a Registry.
func LoadFile(path string) (*Registry, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", path, err)
	}

	reg := &Registry{boards: make(map[string]Board)}
	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}

		board := Board{
			Name:    name,
			Console: section.Key("console").String(),
			Flasher: section.Key("flasher").String(),
			Break:   section.Key("break").MustBool(false),
		}
		board.Baud = uint32(section.Key("baud").MustUint(115200))

		if users := section.Key("users").String(); users != "" {
			for _, u := range strings.Split(users, ",") {
				board.Users = append(board.Users, strings.TrimSpace(u))
			}
		}

		power := section.Key("power").String()
		usb := section.Key("usb").String()
		board.driver, board.powerParam = splitDriver(power)
		_, board.usbParam = splitDriver(usb)

		reg.boards[name] = board
		reg.order = append(reg.order, name)
	}
	return reg, nil
}

func splitDriver(field string) (driver, param string) {
	idx := strings.Index(field, ":")
	if idx < 0 {
		return field, ""
	}
	return field[:idx], field[idx+1:]
}

// Board returns the record for name, if present.
func (r *Registry) Board(name string) (Board, bool) {
	b, ok := r.boards[name]
	return b, ok
}

// Authorize reports whether user may access board name. Unknown boards are
// never authorized.
func (r *Registry) Authorize(name, user string) (Board, bool) {
	b, ok := r.boards[name]
	if !ok {
		return Board{}, false
	}
	return b, b.Authorize(user)
}

// ListFor returns, in config order, the names of every board user may
// access (spec.md §4.8, LIST_DEVICES).
func (r *Registry) ListFor(user string) []string {
	var names []string
	for _, name := range r.order {
		if r.boards[name].Authorize(user) {
			names = append(names, name)
		}
	}
	return names
}

// EffectiveUser resolves the operator identity per spec.md §4.8:
// CDBA_USER, else USER, else "nobody".
func EffectiveUser() string {
	if u := os.Getenv("CDBA_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}
