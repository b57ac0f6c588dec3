// Command cdba is the operator-facing client: it launches cdba-server on a
// remote host over ssh, reusing the remote shell's standard input and
// output as the framed transport (spec.md §1), and drives a boot, list, or
// info session over it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cdba/internal/rawterm"
	"cdba/pkg/client/outqueue"
	"cdba/pkg/client/session"
	"cdba/pkg/proto"
	"cdba/pkg/reactor"
	"cdba/pkg/ring"
)

func main() {
	log.SetLevel(log.InfoLevel)
	log.SetOutput(os.Stderr) // standard output carries only what the session writes for the operator

	board := flag.String("b", "", "board name")
	host := flag.String("h", "", "remote host running cdba-server")
	totalTimeout := flag.Int("t", 600, "total session timeout in seconds")
	inactivityTimeout := flag.Int("T", 0, "inactivity timeout in seconds, 0 disables")
	cycleLower := flag.Int("c", -1, "power-cycle budget, cycles on any timeout")
	cycleUpper := flag.Int("C", -1, "power-cycle budget, refuses to cycle on timeout")
	infoMode := flag.Bool("i", false, "info mode")
	listMode := flag.Bool("l", false, "list mode")
	repeatImage := flag.Bool("R", false, "repeat image on every re-entry to flashing")
	serverPath := flag.String("S", "cdba-server", "server binary path on the remote host")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := session.Config{
		Board:             *board,
		TotalTimeout:      time.Duration(*totalTimeout) * time.Second,
		InactivityTimeout: time.Duration(*inactivityTimeout) * time.Second,
		RepeatImage:       *repeatImage,
	}

	switch {
	case *listMode:
		cfg.Mode = session.ModeList
	case *infoMode:
		cfg.Mode = session.ModeInfo
	default:
		cfg.Mode = session.ModeBoot
		if flag.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "cdba: boot image path required")
			os.Exit(session.ExitFailure)
		}
		cfg.ImagePath = flag.Arg(0)
	}

	switch {
	case *cycleUpper >= 0:
		cfg.CycleBudget = *cycleUpper
		cfg.CycleOnAnyTimeout = false
	case *cycleLower >= 0:
		cfg.CycleBudget = *cycleLower
		cfg.CycleOnAnyTimeout = true
	}

	if *host == "" {
		fmt.Fprintln(os.Stderr, "cdba: -h HOST is required")
		os.Exit(session.ExitFailure)
	}
	if (cfg.Mode == session.ModeBoot || cfg.Mode == session.ModeInfo) && cfg.Board == "" {
		fmt.Fprintln(os.Stderr, "cdba: -b NAME is required for boot and info modes")
		os.Exit(session.ExitFailure)
	}

	os.Exit(run(cfg, *host, *serverPath))
}

func run(cfg session.Config, host, serverPath string) int {
	cmd := exec.Command("ssh", host, serverPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.WithError(err).Error("[CLIENT] failed to open remote stdin")
		return session.ExitFailure
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.WithError(err).Error("[CLIENT] failed to open remote stdout")
		return session.ExitFailure
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("[CLIENT] failed to launch remote server")
		return session.ExitFailure
	}
	defer func() { _ = cmd.Wait() }()

	term, err := rawterm.Enable(int(os.Stdin.Fd()))
	if err != nil {
		log.WithError(err).Error("[CLIENT] failed to enable raw terminal mode")
		return session.ExitFailure
	}
	defer term.Restore()

	loop, err := reactor.New(log.StandardLogger())
	if err != nil {
		log.WithError(err).Error("[CLIENT] failed to create event loop")
		return session.ExitFailure
	}
	defer loop.Close()

	writeFd, ok := fdOf(stdin)
	if !ok {
		log.Error("[CLIENT] remote stdin is not fd-backed")
		return session.ExitFailure
	}
	if err := unix.SetNonblock(writeFd, true); err != nil {
		log.WithError(err).Error("[CLIENT] failed to set remote stdin non-blocking")
		return session.ExitFailure
	}
	out := outqueue.New(log.StandardLogger(), loop, writeFd, stdin)

	ctrl := session.New(cfg, log.StandardLogger(), loop, out, os.Stdout)
	if err := ctrl.Start(); err != nil {
		log.WithError(err).Error("[CLIENT] session failed to start")
		return session.ExitFailure
	}

	rb := ring.New(ring.MinCapacity)
	dec := proto.NewDecoder(rb)

	readFd, ok := fdOf(stdout)
	if !ok {
		log.Error("[CLIENT] remote stdout is not fd-backed")
		return session.ExitFailure
	}
	if err := unix.SetNonblock(readFd, true); err != nil {
		log.WithError(err).Error("[CLIENT] failed to set remote stdout non-blocking")
		return session.ExitFailure
	}
	err = loop.RegisterRead(readFd, func(fd int) reactor.Action {
		n, ferr := rb.Fill(stdout)
		if ferr != nil {
			if errors.Is(ferr, unix.EAGAIN) || errors.Is(ferr, unix.EWOULDBLOCK) {
				return reactor.Continue
			}
			log.WithError(ferr).Warn("[CLIENT] transport read error")
			return ctrl.HandleEOF()
		}
		if n == 0 {
			return ctrl.HandleEOF()
		}
		for {
			f, ok, derr := dec.Next()
			if derr != nil {
				log.WithError(derr).Warn("[CLIENT] protocol error")
				return ctrl.HandleEOF()
			}
			if !ok {
				break
			}
			if act := ctrl.HandleFrame(f); act == reactor.Terminate {
				return reactor.Terminate
			}
		}
		return reactor.Continue
	})
	if err != nil {
		log.WithError(err).Error("[CLIENT] failed to register transport read")
		return session.ExitFailure
	}

	if cfg.Mode == session.ModeBoot {
		if err := unix.SetNonblock(int(os.Stdin.Fd()), true); err != nil {
			log.WithError(err).Error("[CLIENT] failed to set stdin non-blocking")
			return session.ExitFailure
		}
		stdinBuf := make([]byte, 4096)
		err = loop.RegisterRead(int(os.Stdin.Fd()), func(fd int) reactor.Action {
			n, rerr := os.Stdin.Read(stdinBuf)
			action := reactor.Continue
			for i := 0; i < n; i++ {
				if a := ctrl.HandleStdinByte(stdinBuf[i]); a == reactor.Terminate {
					action = reactor.Terminate
				}
			}
			if rerr != nil && !errors.Is(rerr, unix.EAGAIN) && !errors.Is(rerr, unix.EWOULDBLOCK) && rerr != io.EOF {
				log.WithError(rerr).Warn("[CLIENT] stdin read error")
			}
			return action
		})
		if err != nil {
			log.WithError(err).Error("[CLIENT] failed to register stdin read")
			return session.ExitFailure
		}
	}

	if err := loop.Run(); err != nil && err != io.EOF {
		log.WithError(err).Error("[CLIENT] event loop exited with error")
	}

	if !ctrl.Done() {
		return session.ExitFailure
	}
	return ctrl.ExitCode()
}

// fdOf extracts the underlying file descriptor from an *os.File-backed
// io.ReadCloser/io.WriteCloser, as returned by exec.Cmd's pipe accessors.
func fdOf(v any) (int, bool) {
	f, ok := v.(*os.File)
	if !ok {
		return 0, false
	}
	return int(f.Fd()), true
}
