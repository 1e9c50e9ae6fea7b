package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, Revision)

	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)
	assert.True(t, strings.HasPrefix(UserAgent(), AppName+"/"))
	assert.Contains(t, Detailed(), "/")
}

func TestApplyBuildInfo_PopulatesDefaults(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	Version = devVersion
	Revision = "HEAD"
	BuildDate = ""

	applyBuildInfo("v1.2.3", map[string]string{
		"vcs.revision": "abcdef1234567890",
		"vcs.modified": "true",
		"vcs.time":     "2026-01-02T03:04:05Z",
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "abcdef1234567890-dirty", Revision)
	assert.Equal(t, "2026-01-02T03:04:05Z", BuildDate)
}

func TestApplyBuildInfo_KeepsLdflags(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	Version = "2.0.0"
	Revision = "cafebabe"
	BuildDate = "2026-05-05T00:00:00Z"

	applyBuildInfo("v9.9.9", map[string]string{"vcs.revision": "deadbeef", "vcs.time": "x"})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "cafebabe", Revision)
	assert.Equal(t, "2026-05-05T00:00:00Z", BuildDate)
}
