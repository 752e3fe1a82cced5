package domain

import "time"

// Session represents a persisted login session bound to a device. One session
// exists per login; its lifetime is bounded by the refresh token TTL, and it is
// deleted on logout or cap eviction. A session present in the store is the
// authority that its refresh token is still honorable.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Username     string    `json:"username,omitempty"`
	DeviceID     *string   `json:"device_id,omitempty"`
	IPAddress    *string   `json:"ip_address,omitempty"`
	UserAgent    *string   `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the session has elapsed its validity window.
func (s Session) IsExpired(at time.Time) bool {
	return !s.ExpiresAt.After(at)
}

// Touch updates the last-activity timestamp when the session is used.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastActiveAt) {
		s.LastActiveAt = at
	}
}

// TokenPair bundles the short-lived access token with its long-lived,
// single-use refresh counterpart.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// Identity carries the authenticated principal extracted from an access token.
type Identity struct {
	UserID    string
	Email     string
	Username  string
	SessionID string
}

// DeviceInfo captures client metadata recorded against a session at login.
type DeviceInfo struct {
	DeviceID  *string
	IPAddress *string
	UserAgent *string
}
