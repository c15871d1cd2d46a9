// Package appversion provides build-time version information.
package appversion

import (
	"runtime/debug"
)

// version is set at build time via -ldflags "-X papergw/internal/appversion.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version. Development builds report the VCS
// revision when the toolchain stamped one.
func String() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	return describe(info)
}

func describe(info *debug.BuildInfo) string {
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return version + "+" + rev
}
