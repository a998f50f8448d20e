// Package session implements authentication-session lifecycle management on
// top of the cache orchestrator: token issuance and rotation, per-user
// session limits, and activity-based TTL extension. The store owns no
// storage of its own, only key-naming conventions and the per-user index.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DeviceInfo describes the device a session was created from. Fingerprint
// feeds the "device:{fingerprint}" invalidation tag so one device can be
// logged out everywhere in a single call.
type DeviceInfo struct {
	Fingerprint      string `json:"fingerprint"`
	Platform         string `json:"platform"`
	Browser          string `json:"browser"`
	Version          string `json:"version"`
	IsMobile         bool   `json:"isMobile"`
	ScreenResolution string `json:"screenResolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
}

// Data is one session record. It is created by Create, mutated in place by
// UpdateActivity and Refresh (token rotation), and destroyed by Delete,
// expiry, or a bulk delete of the owning user's sessions.
//
// Invariant: RefreshExpiresAt >= ExpiresAt at creation; the refresh window
// outlives the access window.
type Data struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Token            string         `json:"token"`
	RefreshToken     string         `json:"refreshToken"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	RefreshExpiresAt time.Time      `json:"refreshExpiresAt"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastActivity     time.Time      `json:"lastActivity"`
	Device           DeviceInfo     `json:"deviceInfo"`
	IPAddress        string         `json:"ipAddress"`
	UserAgent        string         `json:"userAgent"`
	RiskScore        float64        `json:"riskScore"`
	IsActive         bool           `json:"isActive"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Logical keyspaces, before any remote-layer prefixing.
func sessionKey(id string) string       { return "session:" + id }
func tokenKey(token string) string      { return "token:" + token }
func refreshKey(token string) string    { return "refresh:" + token }
func userIndexKey(userID string) string { return "user_sessions:" + userID }

// Tag names.
func userTag(userID string) string { return "user:" + userID }
func deviceTag(fp string) string   { return "device:" + fp }

const sessionTag = "session"

// tokenBytes is the entropy of one opaque token; tokens are fixed-length
// hex strings.
const tokenBytes = 32

func newToken() string {
	buf := make([]byte, tokenBytes)
	// crypto/rand.Read always fills the buffer and never errors.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
