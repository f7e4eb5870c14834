package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(threshold int, window time.Duration) (*Gate, *fakeClock) {
	clock := newFakeClock()
	gate := NewGate(GateConfig{
		ErrorThreshold: threshold,
		ErrorWindow:    window,
		Clock:          clock,
	}, zerolog.Nop())
	return gate, clock
}

func TestNewGate_Defaults(t *testing.T) {
	gate := NewGate(GateConfig{}, zerolog.Nop())

	if gate.threshold != DefaultErrorThreshold {
		t.Errorf("threshold = %d, want %d", gate.threshold, DefaultErrorThreshold)
	}
	if gate.window != DefaultErrorWindow {
		t.Errorf("window = %v, want %v", gate.window, DefaultErrorWindow)
	}
	if gate.IsRateLimited() {
		t.Error("new gate should not be rate limited")
	}
	if got := gate.RemainingErrorBudget(); got != DefaultErrorThreshold {
		t.Errorf("RemainingErrorBudget() = %d, want %d", got, DefaultErrorThreshold)
	}
}

func TestGate_TripsExactlyAtThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
	}{
		{name: "small threshold", threshold: 3},
		{name: "default threshold", threshold: DefaultErrorThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, clock := newTestGate(tt.threshold, time.Minute)

			for i := 1; i < tt.threshold; i++ {
				gate.RecordError()
				clock.Advance(100 * time.Millisecond)
				if gate.IsRateLimited() {
					t.Fatalf("limited after %d errors, threshold %d", i, tt.threshold)
				}
			}

			gate.RecordError()
			if !gate.IsRateLimited() {
				t.Fatalf("not limited after %d errors", tt.threshold)
			}
			if got := gate.RemainingErrorBudget(); got != 0 {
				t.Errorf("RemainingErrorBudget() = %d, want 0", got)
			}
		})
	}
}

func TestGate_StaysLimitedUntilLifted(t *testing.T) {
	gate, clock := newTestGate(2, 60*time.Second)

	gate.RecordError()
	clock.Advance(10 * time.Second)
	gate.RecordError()

	// Limited until windowStart + window = 60s after the first error.
	if got := gate.SecondsUntilLifted(); got != 50 {
		t.Errorf("SecondsUntilLifted() = %d, want 50", got)
	}

	clock.Advance(49*time.Second + 500*time.Millisecond)
	if !gate.IsRateLimited() {
		t.Fatal("gate lifted early")
	}
	if got := gate.SecondsUntilLifted(); got != 1 {
		t.Errorf("SecondsUntilLifted() = %d, want 1 (rounded up)", got)
	}

	clock.Advance(500 * time.Millisecond)
	if got := gate.SecondsUntilLifted(); got != 0 {
		t.Errorf("SecondsUntilLifted() = %d, want 0", got)
	}
	if gate.IsRateLimited() {
		t.Fatal("gate still limited after window expired")
	}
	if got := gate.RemainingErrorBudget(); got != 2 {
		t.Errorf("RemainingErrorBudget() after lift = %d, want 2", got)
	}
}

func TestGate_CountRestartsAfterLift(t *testing.T) {
	gate, clock := newTestGate(3, time.Minute)

	for i := 0; i < 3; i++ {
		gate.RecordError()
	}
	if !gate.IsRateLimited() {
		t.Fatal("expected gate to be limited")
	}

	clock.Advance(time.Minute)
	if gate.IsRateLimited() {
		t.Fatal("expected gate to be lifted")
	}

	gate.RecordError()
	if snap := gate.Snapshot(); snap.ErrorCount != 1 {
		t.Errorf("ErrorCount after lift = %d, want 1", snap.ErrorCount)
	}
}

func TestGate_RecordErrorAfterExpiryWithoutCheck(t *testing.T) {
	gate, clock := newTestGate(2, time.Minute)

	gate.RecordError()
	gate.RecordError()
	clock.Advance(2 * time.Minute)

	// No IsRateLimited call in between: the expired limit is lifted by RecordError itself.
	gate.RecordError()

	snap := gate.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}
	if gate.IsRateLimited() {
		t.Error("gate should not be limited after a single error in a new window")
	}
}

func TestGate_WindowExpiryResetsCount(t *testing.T) {
	gate, clock := newTestGate(3, time.Minute)

	gate.RecordError()
	gate.RecordError()
	clock.Advance(time.Minute)
	gate.RecordError()

	if gate.IsRateLimited() {
		t.Error("errors from an expired window must not count")
	}
	if got := gate.RemainingErrorBudget(); got != 2 {
		t.Errorf("RemainingErrorBudget() = %d, want 2", got)
	}
}

func TestGate_NotLimitedHasZeroWait(t *testing.T) {
	gate, _ := newTestGate(5, time.Minute)

	gate.RecordSuccess()
	gate.RecordError()

	if got := gate.SecondsUntilLifted(); got != 0 {
		t.Errorf("SecondsUntilLifted() = %d, want 0", got)
	}
	if got := gate.UntilLifted(); got != 0 {
		t.Errorf("UntilLifted() = %v, want 0", got)
	}
}

func TestGate_ConcurrentErrorsTripOnce(t *testing.T) {
	const threshold = 50
	gate, _ := newTestGate(threshold, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < threshold*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.RecordError()
		}()
	}
	wg.Wait()

	snap := gate.Snapshot()
	if snap.ErrorCount != threshold*4 {
		t.Errorf("ErrorCount = %d, want %d (lost update)", snap.ErrorCount, threshold*4)
	}
	if !gate.IsRateLimited() {
		t.Error("gate should be limited")
	}
	// Limited until the end of the one window all errors landed in.
	if want := snap.WindowStart.Add(time.Minute); !snap.LimitedUntil.Equal(want) {
		t.Errorf("LimitedUntil = %v, want %v", snap.LimitedUntil, want)
	}
}

func TestGate_Snapshot(t *testing.T) {
	gate, clock := newTestGate(2, time.Minute)
	start := clock.Now()

	gate.RecordError()
	gate.RecordError()

	snap := gate.Snapshot()
	if !snap.IsLimited() {
		t.Error("snapshot should report limited")
	}
	if snap.Threshold != 2 {
		t.Errorf("Threshold = %d, want 2", snap.Threshold)
	}
	if !snap.WindowStart.Equal(start) {
		t.Errorf("WindowStart = %v, want %v", snap.WindowStart, start)
	}
	if snap.RemainingErrorBudget() != 0 {
		t.Errorf("RemainingErrorBudget() = %d, want 0", snap.RemainingErrorBudget())
	}
}
