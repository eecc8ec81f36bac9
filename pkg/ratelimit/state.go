// Package ratelimit implements shared cooldown tracking for the declaration
// registry. The registry signals overload with plain 429 responses, so the
// tracker records a cooldown window after each 429 and gates requests until
// the window passes. State lives in a StateStore so several extraction
// processes can share one cooldown.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil = "cpc:rate_limit:cooldown_until"
	RedisKeyHits          = "cpc:rate_limit:hits"
	RedisKeyLastUpdate    = "cpc:rate_limit:last_update"
)

const (
	// DefaultCooldown applies when a 429 response carries no usable
	// Retry-After header.
	DefaultCooldown = 60 * time.Second

	// MaxInlineWait caps how long Allow blocks waiting for a cooldown to
	// pass. Longer cooldowns are refused instead, and the caller's retry
	// policy decides what to do.
	MaxInlineWait = 30 * time.Second
)

// CooldownState is the shared view of the upstream's backpressure.
type CooldownState struct {
	// CooldownUntil is when requests may resume. The zero time means no
	// cooldown is in effect.
	CooldownUntil time.Time `json:"cooldown_until"`

	// Hits counts 429 responses since the last successful request.
	Hits int `json:"hits"`

	// LastUpdate is the timestamp when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether the cooldown window is still open.
func (s *CooldownState) Active() bool {
	return time.Now().Before(s.CooldownUntil)
}

// Remaining returns the duration until the cooldown window closes.
// Returns 0 if the window has already passed.
func (s *CooldownState) Remaining() time.Duration {
	duration := time.Until(s.CooldownUntil)
	if duration < 0 {
		return 0
	}
	return duration
}

// IsStale returns true if the state data is older than the given duration.
func (s *CooldownState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
