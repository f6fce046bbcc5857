package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	old := Get()
	t.Cleanup(func() { Version, GitSHA, BuildTime = old.Version, old.GitSHA, old.BuildTime })

	Version, GitSHA, BuildTime = "1.4.0", "0123456789abcdef0123", "2026-10-01T12:00:00Z"
	info := Get()
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "1.4.0 (0123456789ab, built 2026-10-01T12:00:00Z)", info.String())
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "dev (unknown, built unknown)", Info{Version: "dev", GitSHA: "unknown", BuildTime: "unknown"}.String())
}
