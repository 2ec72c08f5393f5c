package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stash(t *testing.T) {
	t.Helper()
	v, c, d := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = v, c, d })
}

func TestGetInfo(t *testing.T) {
	stash(t)
	Version, Commit, Date = "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z"

	info := GetInfo()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abcdef0123456789", info.Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	stash(t)

	Version, Commit, Date = "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z"
	s := String()
	assert.Contains(t, s, "renderd version 1.2.3")
	assert.Contains(t, s, "commit: abcdef01")
	assert.Contains(t, s, "built: 2026-01-02T03:04:05Z")

	Commit = "unknown"
	s = String()
	assert.Contains(t, s, "renderd version 1.2.3")
	assert.NotContains(t, s, "commit")
}

func TestShort(t *testing.T) {
	stash(t)

	Version, Commit = "1.2.3", "abcdef0123456789"
	assert.Equal(t, "renderd 1.2.3 (abcdef01)", Short())

	Commit = "short"
	assert.Equal(t, "renderd 1.2.3", Short())
}

func TestUserAgent(t *testing.T) {
	stash(t)
	Version = "1.2.3"
	assert.Equal(t, "renderd/1.2.3", UserAgent())
}
