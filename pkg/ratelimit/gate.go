package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Defaults for the error budget.
const (
	// DefaultErrorThreshold is the number of failed upstream calls tolerated per window.
	DefaultErrorThreshold = 90

	// DefaultErrorWindow is the length of the error-counting window.
	DefaultErrorWindow = 60 * time.Second
)

// Prometheus metrics for the error gate.
var (
	gateErrorCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_gate_error_count",
		Help: "Errors recorded in the current gate window",
	})

	gateLimited = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_gate_limited",
		Help: "1 while the gate blocks outbound requests, 0 otherwise",
	})

	gateTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_gate_trips_total",
		Help: "Number of times the error budget was exhausted",
	})

	gateLiftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_gate_lifts_total",
		Help: "Number of times a rate-limited state expired",
	})
)

// Clock abstracts the time source so window expiry can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// GateConfig configures a Gate.
type GateConfig struct {
	// ErrorThreshold is the error count that trips the gate.
	ErrorThreshold int

	// ErrorWindow is the length of the sliding error window.
	ErrorWindow time.Duration

	// Clock defaults to the wall clock.
	Clock Clock
}

// DefaultGateConfig returns 90 errors per 60 seconds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ErrorThreshold: DefaultErrorThreshold,
		ErrorWindow:    DefaultErrorWindow,
		Clock:          SystemClock(),
	}
}

// Gate tracks failed upstream calls in a fixed window and decides whether
// outbound requests may proceed. It performs no I/O.
//
// All state lives behind one mutex: the increment, the threshold check and
// the transition into the limited state happen as a single step.
type Gate struct {
	mu           sync.Mutex
	clock        Clock
	threshold    int
	window       time.Duration
	errorCount   int
	windowStart  time.Time
	limitedUntil time.Time // zero when not limited
	logger       zerolog.Logger
}

// NewGate creates a Gate. Non-positive values fall back to the defaults.
func NewGate(cfg GateConfig, logger zerolog.Logger) *Gate {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = DefaultErrorWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	return &Gate{
		clock:       cfg.Clock,
		threshold:   cfg.ErrorThreshold,
		window:      cfg.ErrorWindow,
		windowStart: cfg.Clock.Now(),
		logger:      logger,
	}
}

// RecordError counts one failed upstream call.
func (g *Gate) RecordError() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.liftIfExpired(now)

	if now.Sub(g.windowStart) >= g.window {
		g.windowStart = now
		g.errorCount = 0
		g.logger.Debug().Time("window_start", now).Msg("Error window reset")
	}

	g.errorCount++
	gateErrorCount.Set(float64(g.errorCount))

	g.logger.Warn().
		Int("error_count", g.errorCount).
		Int("threshold", g.threshold).
		Time("window_start", g.windowStart).
		Msg("Upstream error recorded")

	if g.errorCount >= g.threshold && g.limitedUntil.IsZero() {
		g.limitedUntil = g.windowStart.Add(g.window)
		gateLimited.Set(1)
		gateTripsTotal.Inc()

		g.logger.Error().
			Int("error_count", g.errorCount).
			Dur("window", g.window).
			Time("limited_until", g.limitedUntil).
			Msg("Error budget exhausted - outbound requests paused")
	}
}

// RecordSuccess is observational only.
func (g *Gate) RecordSuccess() {
	g.logger.Trace().Msg("Upstream success recorded")
}

// IsRateLimited reports whether outbound requests must wait. Once the
// limited period has passed, the state is cleared and a fresh window starts.
func (g *Gate) IsRateLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limitedUntil.IsZero() {
		return false
	}

	if g.liftIfExpired(g.clock.Now()) {
		return false
	}

	return true
}

// liftIfExpired clears an expired limited state. Caller holds g.mu.
func (g *Gate) liftIfExpired(now time.Time) bool {
	if g.limitedUntil.IsZero() || now.Before(g.limitedUntil) {
		return false
	}

	g.limitedUntil = time.Time{}
	g.errorCount = 0
	g.windowStart = now

	gateLimited.Set(0)
	gateErrorCount.Set(0)
	gateLiftsTotal.Inc()
	g.logger.Info().Time("lifted_at", now).Msg("Rate limit lifted")

	return true
}

// RemainingErrorBudget returns max(0, threshold - errorCount).
func (g *Gate) RemainingErrorBudget() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if remaining := g.threshold - g.errorCount; remaining > 0 {
		return remaining
	}
	return 0
}

// UntilLifted returns the time left in the limited state, or 0.
func (g *Gate) UntilLifted() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limitedUntil.IsZero() {
		return 0
	}
	if d := g.limitedUntil.Sub(g.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// SecondsUntilLifted returns UntilLifted rounded up to whole seconds, so it
// only reaches 0 once the limited state can actually be lifted.
func (g *Gate) SecondsUntilLifted() int {
	return int(math.Ceil(g.UntilLifted().Seconds()))
}

// Snapshot returns a copy of the current window state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Snapshot{
		ErrorCount:   g.errorCount,
		Threshold:    g.threshold,
		WindowStart:  g.windowStart,
		Window:       g.window,
		LimitedUntil: g.limitedUntil,
		TakenAt:      g.clock.Now(),
	}
}
