package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, ApplicationName+" version "), s)
}

func TestShort(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() { Version, Commit = origVersion, origCommit }()

	Version = "1.0.0"
	Commit = "0123456789abcdef"
	assert.Equal(t, "1.0.0 (01234567)", Short())
}

func TestFlashVersion(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "2.1.0"
	assert.Equal(t, "vtcast/2.1.0", FlashVersion())
}

func TestIsSnapshot(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	tests := map[string]bool{
		"dev":                     true,
		"1.2.3-SNAPSHOT.abc1234":  true,
		"1.2.3":                   false,
	}
	for v, want := range tests {
		Version = v
		assert.Equal(t, want, IsSnapshot(), v)
	}
}

func TestJSON(t *testing.T) {
	var info Info
	assert.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, runtime.Version(), info.GoVersion)
}
