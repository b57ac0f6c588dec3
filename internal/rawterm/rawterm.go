// Package rawterm puts the operator's standard input into raw mode for the
// duration of a client session (spec.md §4.5.4) and guarantees it is restored
// on every exit path, using golang.org/x/term.
package rawterm

import (
	"golang.org/x/term"
)

// Session holds the terminal state needed to restore standard input's
// original mode.
type Session struct {
	fd    int
	state *term.State
}

// Enable puts fd (normally os.Stdin.Fd()) into raw mode, if it is a
// terminal. If fd is not a terminal (e.g. input is piped), Enable returns a
// no-op Session so callers can unconditionally defer Restore.
func Enable(fd int) (*Session, error) {
	if !term.IsTerminal(fd) {
		return &Session{fd: fd}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Session{fd: fd, state: state}, nil
}

// Restore returns standard input to its original mode. Safe to call on a
// no-op Session (piped input) or more than once.
func (s *Session) Restore() error {
	if s == nil || s.state == nil {
		return nil
	}
	err := term.Restore(s.fd, s.state)
	s.state = nil
	return err
}
