// Package ratelimit implements the outbound error budget for the ESI crawler.
//
// The Gate counts failed upstream calls in a fixed window and pauses all
// outbound traffic once the budget is spent. The Tracker observes the
// X-ESI-Error-Limit-Remain and X-ESI-Error-Limit-Reset headers for
// observability and mirrors Gate snapshots into Redis; neither feeds back
// into the Gate's own accounting.
package ratelimit

import (
	"time"
)

// Redis keys for the mirrored state.
const (
	RedisKeyGateSnapshot   = "esi:gate:snapshot"
	RedisKeyUpstreamBudget = "esi:upstream:budget"
)

// Thresholds used to classify the upstream-reported error budget.
const (
	// UpstreamThresholdCritical marks the upstream budget as nearly exhausted.
	UpstreamThresholdCritical = 5

	// UpstreamThresholdWarning marks the upstream budget as degraded.
	UpstreamThresholdWarning = 20

	// UpstreamThresholdHealthy is the level at or above which the budget is healthy.
	UpstreamThresholdHealthy = 50
)

// Snapshot is a point-in-time copy of a Gate's window.
type Snapshot struct {
	ErrorCount   int           `json:"error_count"`
	Threshold    int           `json:"threshold"`
	WindowStart  time.Time     `json:"window_start"`
	Window       time.Duration `json:"window"`
	LimitedUntil time.Time     `json:"limited_until"`
	TakenAt      time.Time     `json:"taken_at"`
}

// IsLimited reports whether the gate was blocking when the snapshot was taken.
func (s Snapshot) IsLimited() bool {
	return !s.LimitedUntil.IsZero() && s.TakenAt.Before(s.LimitedUntil)
}

// RemainingErrorBudget returns max(0, Threshold - ErrorCount).
func (s Snapshot) RemainingErrorBudget() int {
	if remaining := s.Threshold - s.ErrorCount; remaining > 0 {
		return remaining
	}
	return 0
}

// IsStale returns true if the snapshot is older than maxAge.
func (s Snapshot) IsStale(maxAge time.Duration) bool {
	return time.Since(s.TakenAt) > maxAge
}

// UpstreamBudget is the error budget as reported by the upstream headers.
type UpstreamBudget struct {
	// ErrorsRemaining comes from X-ESI-Error-Limit-Remain.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is derived from X-ESI-Error-Limit-Reset (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// ObservedAt is when the headers were read.
	ObservedAt time.Time `json:"observed_at"`
}

// IsCritical returns true below UpstreamThresholdCritical.
func (b UpstreamBudget) IsCritical() bool {
	return b.ErrorsRemaining < UpstreamThresholdCritical
}

// IsDegraded returns true below UpstreamThresholdWarning but not critical.
func (b UpstreamBudget) IsDegraded() bool {
	return b.ErrorsRemaining < UpstreamThresholdWarning && !b.IsCritical()
}

// IsHealthy returns true at or above UpstreamThresholdHealthy.
func (b UpstreamBudget) IsHealthy() bool {
	return b.ErrorsRemaining >= UpstreamThresholdHealthy
}

// TimeUntilReset returns the duration until the upstream window resets, or 0.
func (b UpstreamBudget) TimeUntilReset() time.Duration {
	if d := time.Until(b.ResetAt); d > 0 {
		return d
	}
	return 0
}
