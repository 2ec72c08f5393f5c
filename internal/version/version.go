// Package version exposes build metadata injected via ldflags:
//
//	go build -ldflags "-X github.com/clipjoint/renderd/internal/version.Version=x.y.z \
//	                   -X github.com/clipjoint/renderd/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/clipjoint/renderd/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, or "dev" for untagged builds.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 form.
	Date = "unknown"
)

const appName = "renderd"

// Info is the structured form of the build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo collects the build metadata.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns the long form used by the version subcommands.
func String() string {
	info := GetInfo()
	if c, ok := shortCommit(); ok {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			appName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)",
		appName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the form used for cobra's --version flag.
func Short() string {
	if c, ok := shortCommit(); ok {
		return fmt.Sprintf("%s %s (%s)", appName, Version, c)
	}
	return fmt.Sprintf("%s %s", appName, Version)
}

// UserAgent returns the User-Agent value for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", appName, Version)
}

func shortCommit() (string, bool) {
	if Commit == "unknown" || len(Commit) < 8 {
		return "", false
	}
	return Commit[:8], true
}
