// Package version reports what bbki binary is running.
package version

import (
	"runtime"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// overridden with -ldflags "-X github.com/kairos-io/bbki/internal/version.release=..."
var (
	release = "v0.1.0"
	commit  = ""
)

func GetVersion() string {
	return release
}

// BuildInfo identifies a bbki build.
type BuildInfo struct {
	Version   string `json:"version,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	// Dirty is set when the binary was built from a modified tree
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// Get returns the link time values, completed with the vcs stamp the Go
// toolchain embeds when no commit was given.
func Get() BuildInfo {
	b := BuildInfo{
		Version:   release,
		GitCommit: commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == "" {
				b.GitCommit = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	if b.GitCommit == "" {
		b.GitCommit = "none"
	}
	return b
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if b.Dirty {
		commit += "-dirty"
	}
	return b.Version + " (" + commit + ", " + b.GoVersion + ", " + b.Platform + ")"
}

// Fields adds the build to a log event.
func (b BuildInfo) Fields(e *zerolog.Event) *zerolog.Event {
	return e.Str("version", b.Version).Str("commit", b.GitCommit).Bool("dirty", b.Dirty).
		Str("compiled with", b.GoVersion).Str("platform", b.Platform)
}
