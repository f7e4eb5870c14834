package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Upstream header names.
const (
	HeaderErrorLimitRemain = "X-ESI-Error-Limit-Remain"
	HeaderErrorLimitReset  = "X-ESI-Error-Limit-Reset"
)

// Prometheus metrics for upstream budget observation.
var (
	esiErrorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_upstream_errors_remaining",
		Help: "Errors remaining in the upstream error window as reported by ESI",
	})

	esiSnapshotPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_gate_snapshot_publish_errors_total",
		Help: "Failed attempts to mirror the gate snapshot into Redis",
	})
)

// MirroredState is what the Tracker keeps in Redis.
type MirroredState struct {
	Gate     *Snapshot       `json:"gate,omitempty"`
	Upstream *UpstreamBudget `json:"upstream,omitempty"`
}

// Tracker observes upstream budget headers and mirrors gate state into
// Redis so other processes can read it. A nil Redis client disables the
// mirror; header observation still works.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	last *UpstreamBudget
}

// NewTracker creates a new tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// ObserveHeaders parses the upstream budget headers. It returns ok=false if
// the response carried no budget headers.
func (t *Tracker) ObserveHeaders(headers http.Header) (budget UpstreamBudget, ok bool, err error) {
	remainStr := headers.Get(HeaderErrorLimitRemain)
	if remainStr == "" {
		return UpstreamBudget{}, false, nil
	}

	remain, err := parseIntHeader(remainStr)
	if err != nil {
		return UpstreamBudget{}, false, fmt.Errorf("parse %s header: %w", HeaderErrorLimitRemain, err)
	}

	resetStr := headers.Get(HeaderErrorLimitReset)
	if resetStr == "" {
		return UpstreamBudget{}, false, fmt.Errorf("%s header missing", HeaderErrorLimitReset)
	}

	resetSeconds, err := parseIntHeader(resetStr)
	if err != nil {
		return UpstreamBudget{}, false, fmt.Errorf("parse %s header: %w", HeaderErrorLimitReset, err)
	}

	now := time.Now()
	budget = UpstreamBudget{
		ErrorsRemaining: remain,
		ResetAt:         now.Add(time.Duration(resetSeconds) * time.Second),
		ObservedAt:      now,
	}

	t.mu.Lock()
	t.last = &budget
	t.mu.Unlock()

	esiErrorsRemaining.Set(float64(remain))

	switch {
	case budget.IsCritical():
		t.logger.Error().
			Int("errors_remaining", remain).
			Int("reset_seconds", resetSeconds).
			Msg("ESI reports error budget CRITICAL")
	case budget.IsDegraded():
		t.logger.Warn().
			Int("errors_remaining", remain).
			Int("reset_seconds", resetSeconds).
			Msg("ESI reports error budget degraded")
	default:
		t.logger.Debug().
			Int("errors_remaining", remain).
			Int("reset_seconds", resetSeconds).
			Msg("ESI error budget")
	}

	return budget, true, nil
}

// LastUpstream returns the most recently observed upstream budget.
func (t *Tracker) LastUpstream() (UpstreamBudget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.last == nil {
		return UpstreamBudget{}, false
	}
	return *t.last, true
}

// Publish mirrors the gate snapshot and the last upstream budget into Redis.
func (t *Tracker) Publish(ctx context.Context, snap Snapshot) error {
	if t.redis == nil {
		return nil
	}

	gateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal gate snapshot: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyGateSnapshot, gateJSON, 0)

	if upstream, ok := t.LastUpstream(); ok {
		upstreamJSON, err := json.Marshal(upstream)
		if err != nil {
			return fmt.Errorf("marshal upstream budget: %w", err)
		}
		pipe.Set(ctx, RedisKeyUpstreamBudget, upstreamJSON, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		esiSnapshotPublishErrors.Inc()
		return fmt.Errorf("store gate snapshot in redis: %w", err)
	}

	return nil
}

// GetState reads the mirrored state back from Redis. Missing keys leave the
// corresponding field nil.
func (t *Tracker) GetState(ctx context.Context) (*MirroredState, error) {
	state := &MirroredState{}
	if t.redis == nil {
		return state, nil
	}

	gateJSON, err := t.redis.Get(ctx, RedisKeyGateSnapshot).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("get gate snapshot: %w", err)
	default:
		var snap Snapshot
		if err := json.Unmarshal(gateJSON, &snap); err != nil {
			return nil, fmt.Errorf("parse gate snapshot: %w", err)
		}
		state.Gate = &snap
	}

	upstreamJSON, err := t.redis.Get(ctx, RedisKeyUpstreamBudget).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("get upstream budget: %w", err)
	default:
		var budget UpstreamBudget
		if err := json.Unmarshal(upstreamJSON, &budget); err != nil {
			return nil, fmt.Errorf("parse upstream budget: %w", err)
		}
		state.Upstream = &budget
	}

	return state, nil
}

func parseIntHeader(value string) (int, error) {
	return strconv.Atoi(value)
}
