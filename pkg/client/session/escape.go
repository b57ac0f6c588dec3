package session

import (
	"cdba/pkg/proto"
	"cdba/pkg/reactor"
)

// HandleStdinByte processes one byte of operator keyboard input (spec.md
// §4.5.4). Outside an escape sequence, bytes are forwarded verbatim as
// CONSOLE frames; 0x01 begins a two-byte escape sequence consumed entirely
// by the client and never forwarded. The returned Action must be propagated
// by the caller's read callback: 'q' drives the session to termination, and
// a callback that drops the return value leaves the event loop running with
// no armed timers, which blocks forever (spec.md §6's "exit 0 on operator
// quit").
func (c *Controller) HandleStdinByte(b byte) reactor.Action {
	if c.escapePending {
		c.escapePending = false
		switch b {
		case 'q':
			return c.terminateClean()
		case 'P':
			c.enqueueFrame(proto.PowerOn, nil)
		case 'p':
			c.enqueueFrame(proto.PowerOff, nil)
		case 's':
			c.enqueueFrame(proto.StatusUpdate, nil)
		case 'V':
			c.enqueueFrame(proto.VBUSOn, nil)
		case 'v':
			c.enqueueFrame(proto.VBUSOff, nil)
		case 'B':
			c.enqueueFrame(proto.SendBreak, nil)
		case 'a':
			// literal 0x01 byte, escaped
			c.enqueueFrame(proto.Console, []byte{0x01})
		default:
			// unrecognized escape: silently consumed
		}
		return reactor.Continue
	}

	if b == 0x01 {
		c.escapePending = true
		return reactor.Continue
	}
	c.enqueueFrame(proto.Console, []byte{b})
	return reactor.Continue
}
