// Package version carries the build metadata stamped into the
// reportmill binary.
package version

import (
	"runtime/debug"
)

// Build metadata, overridden at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// vcsRevisionKey is the build setting holding the VCS commit hash.
const vcsRevisionKey = "vcs.revision"

// vcsTimeKey is the build setting holding the VCS commit time.
const vcsTimeKey = "vcs.time"

// InitBinaryVersion fills unset build metadata from the binary's
// embedded build info, so go-install builds still report a commit.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case vcsRevisionKey:
			if Commit == "unknown" {
				Commit = setting.Value
			}
		case vcsTimeKey:
			if Date == "unknown" {
				Date = setting.Value
			}
		}
	}
}
