package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cdba/pkg/client/outqueue"
	"cdba/pkg/proto"
	"cdba/pkg/reactor"
	"cdba/pkg/ring"
	"cdba/pkg/server/dispatch"
	"cdba/pkg/server/flashing"
	"cdba/pkg/server/registry"
)

// flashingProfilesPath is tried alongside the board registry; its absence is
// not an error, unlike a missing board registry (spec.md §4.8 only mandates
// the board file).
const flashingProfilesPath = "./.cdba-flashing"

func main() {
	log.SetLevel(log.InfoLevel)
	log.SetOutput(os.Stderr) // standard output is the framed transport (spec.md §5)

	configPath := flag.String("f", "", "board config path (defaults to ./.cdba, then /etc/cdba)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var reg *registry.Registry
	var err error
	if *configPath != "" {
		reg, err = registry.LoadFile(*configPath)
	} else {
		reg, err = registry.Load()
	}
	if err != nil {
		log.WithError(err).Error("[SERVER] failed to load board registry")
		os.Exit(1)
	}

	if err := unix.SetNonblock(int(os.Stdin.Fd()), true); err != nil {
		log.WithError(err).Error("[SERVER] failed to set stdin non-blocking")
		os.Exit(1)
	}
	if err := unix.SetNonblock(int(os.Stdout.Fd()), true); err != nil {
		log.WithError(err).Error("[SERVER] failed to set stdout non-blocking")
		os.Exit(1)
	}

	loop, err := reactor.New(log.StandardLogger())
	if err != nil {
		log.WithError(err).Error("[SERVER] failed to create event loop")
		os.Exit(1)
	}
	defer loop.Close()

	out := outqueue.New(log.StandardLogger(), loop, int(os.Stdout.Fd()), os.Stdout)

	profiles, err := flashing.LoadProfiles(flashingProfilesPath)
	if err != nil {
		log.WithError(err).Debug("[SERVER] no flashing profile overrides, using built-ins")
		profiles = flashing.BuiltinProfiles()
	}

	user := registry.EffectiveUser()
	session := dispatch.New(log.StandardLogger(), loop, out, reg, user, profiles)
	defer session.Close()

	rb := ring.New(ring.MinCapacity)
	dec := proto.NewDecoder(rb)

	exitCode := 0
	err = loop.RegisterRead(int(os.Stdin.Fd()), func(fd int) reactor.Action {
		n, ferr := rb.Fill(os.Stdin)
		if ferr != nil {
			if errors.Is(ferr, unix.EAGAIN) || errors.Is(ferr, unix.EWOULDBLOCK) {
				return reactor.Continue
			}
			log.WithError(ferr).Error("[SERVER] transport read error")
			exitCode = 1
			return reactor.Terminate
		}
		if n == 0 {
			log.Info("[SERVER] client disconnected")
			return reactor.Terminate
		}
		for {
			f, ok, derr := dec.Next()
			if derr != nil {
				log.WithError(derr).Error("[SERVER] protocol error")
				exitCode = 1
				return reactor.Terminate
			}
			if !ok {
				break
			}
			if act := session.HandleFrame(f); act == reactor.Terminate {
				return reactor.Terminate
			}
		}
		return reactor.Continue
	})
	if err != nil {
		log.WithError(err).Error("[SERVER] failed to register transport read")
		os.Exit(1)
	}

	if err := loop.Run(); err != nil {
		log.WithError(err).Error("[SERVER] event loop exited with error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
