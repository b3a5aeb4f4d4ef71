package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamKey_AllowsIP(t *testing.T) {
	open := &StreamKey{}
	assert.True(t, open.AllowsIP("203.0.113.9"))
	assert.True(t, open.AllowsIP(""))

	restricted := &StreamKey{AllowedIPs: []string{"203.0.113.9", "10.0.0.0/8"}}
	assert.True(t, restricted.AllowsIP("203.0.113.9"))
	assert.True(t, restricted.AllowsIP("10.20.30.40"))
	assert.False(t, restricted.AllowsIP("198.51.100.1"))
	assert.False(t, restricted.AllowsIP(""))
	assert.False(t, restricted.AllowsIP("garbage"))
}

func TestStreamKey_Expiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Second)

	k := &StreamKey{ExpiresAt: &expires, RetainUntil: now.Add(time.Hour)}
	assert.False(t, k.IsExpired(now))
	assert.True(t, k.IsExpired(now.Add(2*time.Second)))
	assert.True(t, k.IsRetained(now))
	assert.False(t, k.IsRetained(now.Add(time.Hour)))

	noExpiry := &StreamKey{}
	assert.False(t, noExpiry.IsExpired(now.Add(100*time.Hour)))
}

func TestStreamKey_HashPrefix(t *testing.T) {
	k := &StreamKey{KeyHash: "abcdef0123456789"}
	assert.Equal(t, "abcdef01", k.HashPrefix())
}
