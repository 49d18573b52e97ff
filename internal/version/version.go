// Package version exposes the tether build version, reported to servers in
// the handshake clientInfo and printed by the version command.
package version

import "runtime/debug"

// Version is set at release time via -ldflags
// (-X github.com/MEKXH/tether/internal/version.Version=v1.2.3). A go install
// build falls back to the module version below.
var Version = "dev"

func init() {
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}
