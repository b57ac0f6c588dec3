// Package dispatch implements the server-side request dispatcher (spec.md
// §2 component 9): decodes inbound frames, routes each to the device
// abstraction, registry, or flashing adapter, and formats replies.
//
// Grounded on the teacher's pkg/gateway request/response switch
// (gateway.go's opcode dispatch over a fixed command table), adapted from
// the CANopen gateway's command codes to the protocol's message kinds.
package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"cdba/pkg/client/outqueue"
	"cdba/pkg/proto"
	"cdba/pkg/reactor"
	"cdba/pkg/server/device"
	"cdba/pkg/server/flashing"
	"cdba/pkg/server/registry"
)

const consoleReadBufSize = 4096

// Session is one server-side client session: exactly one Device, created by
// the first SELECT_BOARD frame (spec.md §4.6: "one Device per session").
type Session struct {
	log      *logrus.Logger
	loop     *reactor.Loop
	out      *outqueue.Queue
	reg      *registry.Registry
	user     string
	profiles map[string]flashing.Profile

	board registry.Board
	dev   device.Device
	flash *flashing.Adapter
}

// New creates a dispatcher for one session. user is the already-resolved
// effective operator identity (registry.EffectiveUser). profiles is the
// loaded flashing-profile set (flashing.LoadProfiles/BuiltinProfiles); nil
// falls back to the built-in defaults.
func New(log *logrus.Logger, loop *reactor.Loop, out *outqueue.Queue, reg *registry.Registry, user string, profiles map[string]flashing.Profile) *Session {
	if profiles == nil {
		profiles = flashing.BuiltinProfiles()
	}
	return &Session{log: log, loop: loop, out: out, reg: reg, user: user, profiles: profiles}
}

func (s *Session) enqueueFrame(kind proto.Kind, payload []byte) {
	wire, err := proto.Encode(nil, kind, payload)
	if err != nil {
		s.log.WithError(err).Error("[DISPATCH] failed to encode reply frame")
		return
	}
	s.out.Enqueue(outqueue.NewBytesItem(wire))
}

// HandleFrame processes one inbound frame from the client.
func (s *Session) HandleFrame(f proto.Frame) reactor.Action {
	switch f.Kind {
	case proto.ListDevices:
		return s.handleListDevices()
	case proto.BoardInfo:
		return s.handleBoardInfo(f.Payload)
	case proto.SelectBoard:
		return s.handleSelectBoard(string(f.Payload))
	}

	if s.dev == nil {
		s.log.Warn("[DISPATCH] message received before a board was selected")
		return reactor.Terminate
	}

	switch f.Kind {
	case proto.Console:
		if err := s.dev.WriteConsole(f.Payload); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] console write failed")
		}
	case proto.PowerOn:
		if err := s.dev.Power(true); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] power on failed")
			break
		}
		s.enqueueFrame(proto.PowerOn, nil)
	case proto.PowerOff:
		if err := s.dev.Power(false); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] power off failed")
			break
		}
		s.enqueueFrame(proto.PowerOff, nil)
	case proto.VBUSOn:
		if err := s.dev.USB(true); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] vbus on failed")
		}
	case proto.VBUSOff:
		if err := s.dev.USB(false); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] vbus off failed")
		}
	case proto.SendBreak:
		if !s.board.Break {
			s.log.Warn("[DISPATCH] SEND_BREAK requested on a board without break support")
			break
		}
		if err := s.dev.SendBreak(); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] send break failed")
		}
	case proto.FastbootDownload:
		if s.flash == nil {
			break
		}
		if err := s.flash.Feed(f.Payload); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] flashing feed failed")
		}
	case proto.FastbootContinue:
		if s.flash != nil && !s.flash.ContinueSupported() {
			s.log.Warn("[DISPATCH] FASTBOOT_CONTINUE unsupported by this board's flashing profile")
			break
		}
		if err := s.dev.FastbootContinue(); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] fastboot continue failed")
		}
	case proto.FastbootBoot:
		// Open question in spec.md §9: the upstream handler never acts on
		// this message. Logged explicitly rather than silently dropped, so
		// the gap is visible instead of invisible.
		s.log.Info("[DISPATCH] FASTBOOT_BOOT received; no action defined")
	case proto.StatusUpdate:
		if err := s.dev.EnableStatus(); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] enable status failed")
		}
	case proto.HardReset:
		if err := s.dev.Power(false); err != nil {
			s.log.WithError(err).Warn("[DISPATCH] hard reset power-off failed")
		}
	default:
		s.log.WithField("kind", f.Kind).Warn("[DISPATCH] unhandled message kind")
	}

	return reactor.Continue
}

// handleListDevices streams one LIST_DEVICES frame per accessible board,
// then an empty terminator frame (spec.md §4.8).
func (s *Session) handleListDevices() reactor.Action {
	for _, name := range s.reg.ListFor(s.user) {
		s.enqueueFrame(proto.ListDevices, []byte(name))
	}
	s.enqueueFrame(proto.ListDevices, nil)
	return reactor.Continue
}

// handleBoardInfo replies with one BOARD_INFO frame, or terminates the
// session on authorization failure (spec.md §4.8).
func (s *Session) handleBoardInfo(payload []byte) reactor.Action {
	name := string(payload)
	board, ok := s.reg.Authorize(name, s.user)
	if !ok {
		s.log.WithField("board", name).Warn("[DISPATCH] BOARD_INFO denied")
		return reactor.Terminate
	}
	info := fmt.Sprintf("%s console=%s flasher=%s", board.Name, board.Console, board.Flasher)
	s.enqueueFrame(proto.BoardInfo, []byte(info))
	return reactor.Continue
}

// handleSelectBoard authorizes the board, instantiates its Device, and
// wires up the flashing adapter and console source. On any failure the
// session terminates without a reply (spec.md §4.6: "the client observes
// EOF").
func (s *Session) handleSelectBoard(name string) reactor.Action {
	board, ok := s.reg.Authorize(name, s.user)
	if !ok {
		s.log.WithField("board", name).Warn("[DISPATCH] SELECT_BOARD denied")
		return reactor.Terminate
	}

	dev, err := device.New(board.DeviceConfig())
	if err != nil {
		s.log.WithError(err).Error("[DISPATCH] device construction failed")
		return reactor.Terminate
	}

	s.board = board
	s.dev = dev
	s.flash = flashing.New(s.log, dev, s, flashing.Resolve(s.profiles, board.Flasher))

	if cs, ok := dev.(device.ConsoleSource); ok {
		if err := s.loop.RegisterRead(cs.ConsoleFd(), s.onConsoleReadable); err != nil {
			s.log.WithError(err).Error("[DISPATCH] failed to register console fd")
			return reactor.Terminate
		}
	}

	s.enqueueFrame(proto.SelectBoard, nil)
	if err := dev.Power(true); err != nil {
		s.log.WithError(err).Warn("[DISPATCH] initial power-on failed")
	} else {
		s.enqueueFrame(proto.PowerOn, nil)
	}
	return reactor.Continue
}

func (s *Session) onConsoleReadable(fd int) reactor.Action {
	cs, ok := s.dev.(device.ConsoleSource)
	if !ok {
		return reactor.Continue
	}
	buf := make([]byte, consoleReadBufSize)
	n, err := cs.ReadConsole(buf)
	if n > 0 {
		s.enqueueFrame(proto.Console, buf[:n])
	}
	if err != nil {
		s.log.WithError(err).Warn("[DISPATCH] console read failed")
	}
	return reactor.Continue
}

// FastbootPresent implements flashing.Notifier.
func (s *Session) FastbootPresent(present bool) {
	v := byte(0)
	if present {
		v = 1
	}
	s.enqueueFrame(proto.FastbootPresent, []byte{v})
}

// DownloadComplete implements flashing.Notifier.
func (s *Session) DownloadComplete() {
	s.enqueueFrame(proto.FastbootDownload, nil)
}

// NotifyFastbootPresent is the hook an external flashing-mode detector (out
// of scope per spec.md §1) calls when it observes the target entering or
// leaving flashing mode.
func (s *Session) NotifyFastbootPresent(present bool) {
	if s.flash == nil {
		return
	}
	if present {
		s.flash.Opened()
	} else {
		s.flash.Disconnected()
	}
}

// Close releases the session's device, if one was created.
func (s *Session) Close() error {
	if s.dev == nil {
		return nil
	}
	return s.dev.Close()
}
