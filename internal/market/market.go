// Package market rebuilds the replicated order book without ever exposing a
// half-written region to readers.
//
// Every region is first staged: its STAGING rows are cleared, its order
// book is crawled and the orders whose item type is stored are inserted as
// STAGING. Promotion then swaps STAGING in as LATEST, either one region at
// a time or for all regions at once (see PromotionMode). Readers only ever
// look at LATEST.
//
// A region that fails to stage is logged and skipped; it never blocks the
// others. Store contention (store.ErrBusy) is retried with capped
// exponential backoff at the region and promotion level.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/internal/store"
	"github.com/Sternrassler/eve-market-replica/pkg/client"
	"github.com/Sternrassler/eve-market-replica/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrUnknownRegion is returned by RefreshRegion for a region that is not
// stored.
var ErrUnknownRegion = errors.New("unknown region")

// Region outcomes.
const (
	OutcomeStaged        = "staged"
	OutcomeFailed        = "failed"
	OutcomePromoted      = "promoted"
	OutcomePromoteFailed = "promote_failed"
)

var (
	regionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_region_refresh_total",
		Help: "Region refresh outcomes",
	}, []string{"outcome"})

	ordersStagedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_orders_staged_total",
		Help: "Orders written as STAGING",
	})

	ordersSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_orders_skipped_total",
		Help: "Orders dropped because their item type is not stored",
	})

	promotionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_promotion_duration_seconds",
		Help:    "Duration of the STAGING to LATEST swap",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
	}, []string{"mode"})

	storeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_store_retries_total",
		Help: "Store operations retried after contention",
	}, []string{"operation"})
)

// Store is the part of store.Store the market refresh uses.
type Store interface {
	ExistingIDs(ctx context.Context, kind model.Kind, ids []int32) (store.IDSet, error)
	RegionIDs(ctx context.Context) ([]int32, error)
	DeleteOrders(ctx context.Context, regionID int32, state model.DataState) (int64, error)
	InsertOrders(ctx context.Context, orders []model.MarketOrder) error
	PromoteRegion(ctx context.Context, regionID int32) (int64, error)
	PromoteAll(ctx context.Context, regionIDs []int32) (int64, error)
}

// PromotionMode selects how STAGING becomes LATEST after a full refresh.
type PromotionMode string

const (
	// PromotePerRegion promotes each staged region on its own. A region
	// that failed to stage keeps its previous LATEST rows.
	PromotePerRegion PromotionMode = "per_region"

	// PromoteGlobal swaps all regions in one step once staging is done.
	// A region that failed to stage reads empty until the next run.
	PromoteGlobal PromotionMode = "global"
)

// Valid reports whether m is a known mode.
func (m PromotionMode) Valid() bool {
	return m == PromotePerRegion || m == PromoteGlobal
}

// Config controls fan-out, batching, promotion and contention retries.
type Config struct {
	// RegionConcurrency bounds the regions staged at once.
	RegionConcurrency int

	// PromoteConcurrency bounds per-region promotions at once.
	PromoteConcurrency int

	// BatchSize is the number of orders per insert.
	BatchSize int

	Promotion PromotionMode

	StageRetry   RetryConfig
	PromoteRetry RetryConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RegionConcurrency:  3,
		PromoteConcurrency: 5,
		BatchSize:          1000,
		Promotion:          PromotePerRegion,
		StageRetry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 1 * time.Second,
			MaxInterval:     10 * time.Second,
		},
		PromoteRetry: RetryConfig{
			MaxRetries:      5,
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
		},
	}
}

// RegionReport is the outcome of one region.
type RegionReport struct {
	RegionID int32  `json:"region_id"`
	Outcome  string `json:"outcome"`
	Fetched  int    `json:"fetched"`
	Staged   int    `json:"staged"`
	Skipped  int    `json:"skipped"`
	Promoted int64  `json:"promoted"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes a market refresh.
type Report struct {
	RunID     string         `json:"run_id"`
	Promotion PromotionMode  `json:"promotion"`
	Regions   []RegionReport `json:"regions"`
	Staged    int            `json:"staged_regions"`
	Failed    int            `json:"failed_regions"`
	Promoted  int64          `json:"promoted_orders"`
	Duration  time.Duration  `json:"duration"`
}

// Refresher runs market refreshes.
type Refresher struct {
	client *client.Client
	store  Store
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Refresher. Zero config fields take their defaults; an
// unknown promotion mode is an error.
func New(c *client.Client, s Store, cfg Config) (*Refresher, error) {
	if c == nil {
		return nil, fmt.Errorf("fetch client is required")
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}

	defaults := DefaultConfig()
	if cfg.RegionConcurrency <= 0 {
		cfg.RegionConcurrency = defaults.RegionConcurrency
	}
	if cfg.PromoteConcurrency <= 0 {
		cfg.PromoteConcurrency = defaults.PromoteConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Promotion == "" {
		cfg.Promotion = defaults.Promotion
	}
	if !cfg.Promotion.Valid() {
		return nil, fmt.Errorf("unknown promotion mode %q", cfg.Promotion)
	}
	if cfg.StageRetry.InitialInterval <= 0 {
		cfg.StageRetry = defaults.StageRetry
	}
	if cfg.PromoteRetry.InitialInterval <= 0 {
		cfg.PromoteRetry = defaults.PromoteRetry
	}

	return &Refresher{
		client: c,
		store:  s,
		config: cfg,
		logger: logging.NewLogger("market"),
		now:    time.Now,
	}, nil
}

// Config returns the effective configuration.
func (r *Refresher) Config() Config {
	return r.config
}
