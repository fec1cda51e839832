// Package version derives build metadata for the running binary from
// debug.ReadBuildInfo, with -ldflags overrides for container builds
// where .git is unavailable.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName is the application name used in version strings and log lines.
const AppName = "autopilot"

// Set via -ldflags, e.g.
// -X .../pkg/version.commitOverride=$(git rev-parse HEAD).
var (
	commitOverride string
	dateOverride   string
)

// Info describes one build of the binary.
type Info struct {
	Commit    string // short commit hash, "dev" when unknown
	Date      string // commit timestamp, "unknown" when absent
	Modified  bool   // built from a dirty tree
	GoVersion string
}

var current = load()

func load() Info {
	info := Info{Commit: "dev", Date: "unknown"}
	if commitOverride != "" {
		info.Commit = short(commitOverride)
	}
	if dateOverride != "" {
		info.Date = dateOverride
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if commitOverride == "" && s.Value != "" {
				info.Commit = short(s.Value)
			}
		case "vcs.time":
			if dateOverride == "" && s.Value != "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Current returns the build metadata.
func Current() Info {
	return current
}

// Full returns "autopilot/<commit>" for log lines and user agents,
// with a "+dirty" suffix for builds from a modified tree.
func Full() string {
	s := AppName + "/" + current.Commit
	if current.Modified {
		s += "+dirty"
	}
	return s
}

// String returns the long form for the version subcommand.
func String() string {
	s := fmt.Sprintf("%s %s (built %s", AppName, current.Commit, current.Date)
	if current.GoVersion != "" {
		s += ", " + current.GoVersion
	}
	return s + ")"
}
