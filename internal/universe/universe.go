// Package universe refreshes the reference data market orders depend on.
//
// A run walks six phases in foreign key order: regions, constellations,
// solar systems, item categories, item groups and item types. Each phase
// lists the authoritative ids, fetches every entity concurrently, drops the
// ones whose parent is not stored yet and upserts the rest in batches.
//
// Failures below the phase are counted, not returned. A phase whose id list
// cannot be fetched aborts the run; phases already written stay written, and
// a rerun converges because every write is an upsert by id.
package universe

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

// ErrPhaseFailed wraps the error that aborted a run.
var ErrPhaseFailed = errors.New("universe phase failed")

var (
	phaseRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "universe_phase_rows",
		Help: "Rows in the store after the phase completed",
	}, []string{"phase"})

	phaseOrphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "universe_phase_orphans_total",
		Help: "Entities dropped because their parent is not stored",
	}, []string{"phase"})

	phaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "universe_phase_errors_total",
		Help: "Entities lost to failed batch writes",
	}, []string{"phase"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "universe_phase_duration_seconds",
		Help:    "Duration of one universe phase",
		Buckets: []float64{1, 5, 15, 60, 300, 900},
	}, []string{"phase"})
)

// Store is the part of store.Store the universe refresh writes to.
type Store interface {
	UpsertRegions(ctx context.Context, rows []model.Region) error
	UpsertConstellations(ctx context.Context, rows []model.Constellation) error
	UpsertSolarSystems(ctx context.Context, rows []model.SolarSystem) error
	UpsertItemCategories(ctx context.Context, rows []model.ItemCategory) error
	UpsertItemGroups(ctx context.Context, rows []model.ItemGroup) error
	UpsertItemTypes(ctx context.Context, rows []model.ItemType) error
	ExistingIDs(ctx context.Context, kind model.Kind, ids []int32) (store.IDSet, error)
	Count(ctx context.Context, kind model.Kind) (int, error)
}

// Config controls fan-out and batching.
type Config struct {
	// IDConcurrency bounds the per-id fetches of one phase.
	IDConcurrency int

	// BatchSize is the number of rows per upsert.
	BatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IDConcurrency: client.DefaultIDConcurrency,
		BatchSize:     100,
	}
}

// PhaseReport summarizes one phase.
type PhaseReport struct {
	Phase    model.Kind    `json:"phase"`
	Listed   int           `json:"listed"`
	Received int           `json:"received"`
	Orphans  int           `json:"orphans"`
	Errors   int           `json:"errors"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a run. Phases holds every phase that ran, including the
// one that failed.
type Report struct {
	RunID    string        `json:"run_id"`
	Phases   []PhaseReport `json:"phases"`
	Duration time.Duration `json:"duration"`
}

// Refresher runs the universe refresh.
type Refresher struct {
	client *client.Client
	store  Store
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Refresher. Zero config fields take their defaults.
func New(c *client.Client, s Store, cfg Config) (*Refresher, error) {
	if c == nil {
		return nil, fmt.Errorf("fetch client is required")
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}

	defaults := DefaultConfig()
	if cfg.IDConcurrency <= 0 {
		cfg.IDConcurrency = defaults.IDConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	return &Refresher{
		client: c,
		store:  s,
		config: cfg,
		logger: logging.NewLogger("universe"),
		now:    time.Now,
	}, nil
}

// Run executes all six phases in order and stops at the first phase that
// fails.
func (r *Refresher) Run(ctx context.Context) (*Report, error) {
	logger, runID := logging.ForRun(r.logger, "universe")
	start := time.Now()
	report := &Report{RunID: runID}

	logger.Info().Msg("Universe refresh started")

	for _, run := range r.phases() {
		pr, err := run(ctx, logger)
		report.Phases = append(report.Phases, pr)
		if err != nil {
			report.Duration = time.Since(start)
			logger.Error().
				Err(err).
				Str("phase", string(pr.Phase)).
				Dur("duration", report.Duration).
				Msg("Universe refresh aborted")
			return report, fmt.Errorf("%w: %s: %w", ErrPhaseFailed, pr.Phase, err)
		}
	}

	report.Duration = time.Since(start)
	logger.Info().
		Int("phases", len(report.Phases)).
		Dur("duration", report.Duration).
		Msg("Universe refresh complete")

	return report, nil
}

type phaseFunc func(ctx context.Context, logger zerolog.Logger) (PhaseReport, error)

// phases returns the six phases, parents first.
func (r *Refresher) phases() []phaseFunc {
	return []phaseFunc{
		bind(r, regionPhase(r.store)),
		bind(r, constellationPhase(r.store)),
		bind(r, solarSystemPhase(r.store)),
		bind(r, itemCategoryPhase(r.store)),
		bind(r, itemGroupPhase(r.store)),
		bind(r, itemTypePhase(r.store)),
	}
}

func bind[W, R any](r *Refresher, p phase[W, R]) phaseFunc {
	return func(ctx context.Context, logger zerolog.Logger) (PhaseReport, error) {
		return runPhase(ctx, r, logger, p)
	}
}
