// Package ratelimit tracks Bitrix24's per-method operating-time limit.
//
// Every response carries time.operating (seconds of server time the method
// has used in the current window) and time.operating_reset_at. Once a method
// spends its budget the portal answers OPERATION_TIME_LIMIT until the window
// resets, so the tracker stops issuing calls to it a little before that.
package ratelimit

import (
	"time"
)

// RedisKeyPrefix prefixes the per-method state hash.
const RedisKeyPrefix = "b24:operating:"

// Operating-time thresholds, in seconds per method per window.
const (
	// OperatingLimit is the server-side budget per method per 10 minute window.
	OperatingLimit = 480.0

	// OperatingThresholdCritical blocks calls to the method until reset.
	OperatingThresholdCritical = 460.0

	// OperatingThresholdWarning throttles calls to the method.
	OperatingThresholdWarning = 400.0

	// OperatingThresholdHealthy is the level below which no restrictions apply.
	OperatingThresholdHealthy = 240.0
)

// OperatingState is the operating-time usage of one REST method.
// It is shared across client instances through Redis.
type OperatingState struct {
	Method string `json:"method"`

	// Operating is the seconds of server time used in the current window.
	Operating float64 `json:"operating"`

	// ResetAt is when the window resets (time.operating_reset_at).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while Operating < OperatingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *OperatingState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// windowOpen reports whether the recorded window has not reset yet.
func (s *OperatingState) windowOpen() bool {
	return !s.ResetAt.IsZero() && time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if calls must wait for the window reset.
func (s *OperatingState) NeedsCriticalBlock() bool {
	return s.windowOpen() && s.Operating >= OperatingThresholdCritical
}

// NeedsThrottling returns true if calls should be slowed down.
func (s *OperatingState) NeedsThrottling() bool {
	return s.windowOpen() && s.Operating >= OperatingThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *OperatingState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Operating.
func (s *OperatingState) UpdateHealth() {
	s.IsHealthy = !s.windowOpen() || s.Operating < OperatingThresholdHealthy
}
