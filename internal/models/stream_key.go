package models

import (
	"net"
	"time"
)

// StreamKey is the persisted record of an issued stream key.
// Only the SHA-256 hash of the key is stored; the plaintext is returned once at issuance.
type StreamKey struct {
	BaseModel

	KeyHash     string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	UserID      string     `gorm:"index;size:128;not null" json:"user_id"`
	StreamID    string     `gorm:"index;size:128;not null" json:"stream_id"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RetainUntil time.Time  `gorm:"index;not null" json:"retain_until"`
	AllowedIPs  []string   `gorm:"serializer:json;type:text" json:"allowed_ips,omitempty"`
	Active      bool       `gorm:"not null" json:"active"`
	Alias       string     `gorm:"index;size:128" json:"alias,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// TableName returns the table name for GORM.
func (StreamKey) TableName() string {
	return "stream_keys"
}

// HashPrefix returns a short, log-safe identifier for the key.
func (k *StreamKey) HashPrefix() string {
	if len(k.KeyHash) < 8 {
		return k.KeyHash
	}
	return k.KeyHash[:8]
}

// IsRetained reports whether the record is still within its storage TTL at now.
func (k *StreamKey) IsRetained(now time.Time) bool {
	return now.Before(k.RetainUntil)
}

// IsExpired reports whether the key has passed its explicit expiry at now.
func (k *StreamKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// AllowsIP reports whether ip satisfies the key's allowlist.
// An empty allowlist allows every address; an enforced allowlist rejects an empty ip.
// Entries may be single addresses or CIDR ranges.
func (k *StreamKey) AllowsIP(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, allowed := range k.AllowedIPs {
		if _, network, err := net.ParseCIDR(allowed); err == nil {
			if network.Contains(addr) {
				return true
			}
			continue
		}
		if other := net.ParseIP(allowed); other != nil && other.Equal(addr) {
			return true
		}
	}
	return false
}

// StreamKeyAlias maps a stable human readable name to a managed stream key.
// The key itself is derived from the alias and Generation, never stored.
type StreamKeyAlias struct {
	Alias      string    `gorm:"primarykey;size:128" json:"alias"`
	KeyHash    string    `gorm:"size:64;not null" json:"-"`
	UserID     string    `gorm:"size:128;not null" json:"user_id"`
	StreamID   string    `gorm:"size:128;not null" json:"stream_id"`
	Generation int       `gorm:"not null;default:0" json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (StreamKeyAlias) TableName() string {
	return "stream_key_aliases"
}
