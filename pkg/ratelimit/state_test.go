package ratelimit

import (
	"testing"
	"time"
)

func TestSnapshot_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		takenAt  time.Time
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh snapshot",
			takenAt:  time.Now(),
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale snapshot",
			takenAt:  time.Now().Add(-10 * time.Minute),
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			takenAt:  time.Now().Add(-4 * time.Minute),
			maxAge:   5 * time.Minute,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{TakenAt: tt.takenAt}
			if got := snap.IsStale(tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSnapshot_IsLimited(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name         string
		limitedUntil time.Time
		expected     bool
	}{
		{name: "never limited", limitedUntil: time.Time{}, expected: false},
		{name: "limited in future", limitedUntil: now.Add(time.Minute), expected: true},
		{name: "limit already passed", limitedUntil: now.Add(-time.Second), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{LimitedUntil: tt.limitedUntil, TakenAt: now}
			if got := snap.IsLimited(); got != tt.expected {
				t.Errorf("IsLimited() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSnapshot_RemainingErrorBudget(t *testing.T) {
	tests := []struct {
		name       string
		errorCount int
		threshold  int
		expected   int
	}{
		{name: "no errors", errorCount: 0, threshold: 90, expected: 90},
		{name: "some errors", errorCount: 40, threshold: 90, expected: 50},
		{name: "over threshold", errorCount: 120, threshold: 90, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{ErrorCount: tt.errorCount, Threshold: tt.threshold}
			if got := snap.RemainingErrorBudget(); got != tt.expected {
				t.Errorf("RemainingErrorBudget() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestUpstreamBudget_Classification(t *testing.T) {
	tests := []struct {
		name            string
		errorsRemaining int
		critical        bool
		degraded        bool
		healthy         bool
	}{
		{name: "healthy", errorsRemaining: 100, healthy: true},
		{name: "at healthy threshold", errorsRemaining: UpstreamThresholdHealthy, healthy: true},
		{name: "between warning and healthy", errorsRemaining: 30},
		{name: "just below warning", errorsRemaining: UpstreamThresholdWarning - 1, degraded: true},
		{name: "at critical threshold", errorsRemaining: UpstreamThresholdCritical, degraded: true},
		{name: "below critical", errorsRemaining: UpstreamThresholdCritical - 1, critical: true},
		{name: "zero remaining", errorsRemaining: 0, critical: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := UpstreamBudget{ErrorsRemaining: tt.errorsRemaining}
			if got := b.IsCritical(); got != tt.critical {
				t.Errorf("IsCritical() = %v, want %v", got, tt.critical)
			}
			if got := b.IsDegraded(); got != tt.degraded {
				t.Errorf("IsDegraded() = %v, want %v", got, tt.degraded)
			}
			if got := b.IsHealthy(); got != tt.healthy {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.healthy)
			}
		})
	}
}

func TestUpstreamBudget_TimeUntilReset(t *testing.T) {
	future := UpstreamBudget{ResetAt: time.Now().Add(30 * time.Second)}
	if d := future.TimeUntilReset(); d <= 29*time.Second || d > 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, want ~30s", d)
	}

	past := UpstreamBudget{ResetAt: time.Now().Add(-time.Minute)}
	if d := past.TimeUntilReset(); d != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0", d)
	}
}
