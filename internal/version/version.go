// Package version reports the build version of the presence binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is overridden at build time with
// -ldflags "-X topicpresence/internal/version.Version=1.2.3".
var Version = "0.1.0"

// String returns the version line printed by `presence version`.
func String() string {
	return fmt.Sprintf("presence v%s (%s, %s)", Version, Platform(), revision())
}

// Platform returns the os/arch pair the binary was built for.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown revision"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return info.GoVersion
}
