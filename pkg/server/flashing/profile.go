package flashing

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Profile is one flashing-subsystem backend's tiny capability manifest,
// keyed by the board registry's "flasher" field (spec.md §3's Device
// attribute, SPEC_FULL.md §5.1). It lets boards share the same FASTBOOT_*
// wire protocol while differing in what their actual flashing engine
// supports, the same way the teacher layers board-specific configurators on
// top of shared od-sourced data.
type Profile struct {
	Name string

	// ReleaseKeyOnOpen mirrors spec.md §4.7: on most boards entering
	// flashing mode means the forced-bootloader strap can be released.
	// Some vendor flashing engines hold the strap themselves and expect the
	// harness not to touch it.
	ReleaseKeyOnOpen bool

	// ContinueSupported gates FASTBOOT_CONTINUE (spec.md §3): backends that
	// don't expose a continue operation get it logged and dropped rather
	// than forwarded to the device driver.
	ContinueSupported bool

	// VerboseInfo selects Info vs Debug level for the flasher's own info
	// strings (spec.md §4.7: "surfaced as log output, not as protocol
	// messages").
	VerboseInfo bool
}

// fastbootProfile is the built-in default, matching the upstream fastboot
// protocol's behavior: release the key strap on open, continue supported,
// chatty logging.
var fastbootProfile = Profile{
	Name:              "fastboot",
	ReleaseKeyOnOpen:  true,
	ContinueSupported: true,
	VerboseInfo:       true,
}

// BuiltinProfiles returns the set of flashing profiles known without any
// configuration file, keyed by name.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"fastboot": fastbootProfile,
		// "vendor-hold" is a stand-in for flashing engines that manage the
		// forced-bootloader strap themselves and cannot resume a halted
		// download, e.g. some OEM-specific USB loaders.
		"vendor-hold": {
			Name:              "vendor-hold",
			ReleaseKeyOnOpen:  false,
			ContinueSupported: false,
			VerboseInfo:       false,
		},
	}
}

// LoadProfiles parses an ini file of flashing profiles, one [section] per
// profile name, overlaying the built-in defaults. A missing or unreadable
// file is returned as an error; callers then fall back to BuiltinProfiles()
// alone.
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := BuiltinProfiles()

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("flashing: load profiles %s: %w", path, err)
	}
	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		base := profiles[name]
		base.Name = name
		if section.HasKey("release_key_on_open") {
			base.ReleaseKeyOnOpen = section.Key("release_key_on_open").MustBool(base.ReleaseKeyOnOpen)
		}
		if section.HasKey("continue_supported") {
			base.ContinueSupported = section.Key("continue_supported").MustBool(base.ContinueSupported)
		}
		if section.HasKey("verbose_info") {
			base.VerboseInfo = section.Key("verbose_info").MustBool(base.VerboseInfo)
		}
		profiles[name] = base
	}
	return profiles, nil
}

// Resolve looks up name in profiles, falling back to the built-in fastboot
// profile for an unconfigured flasher name rather than failing the session:
// an unrecognized flasher profile is a configuration gap, not a protocol
// error.
func Resolve(profiles map[string]Profile, name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return fastbootProfile
}
