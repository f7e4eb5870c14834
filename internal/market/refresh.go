package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RefreshAll stages every stored region and promotes according to the
// configured PromotionMode. Only a failure to list regions or a failed
// global promotion is returned; region failures are in the report.
func (r *Refresher) RefreshAll(ctx context.Context) (*Report, error) {
	logger, runID := logging.ForRun(r.logger, "market")
	start := time.Now()
	report := &Report{RunID: runID, Promotion: r.config.Promotion}

	regionIDs, err := r.store.RegionIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list regions: %w", err)
	}

	logger.Info().
		Int("regions", len(regionIDs)).
		Str("promotion", string(r.config.Promotion)).
		Msg("Market refresh started")

	report.Regions = r.stageAll(ctx, logger, regionIDs)

	var staged []int32
	for _, rr := range report.Regions {
		if rr.Outcome == OutcomeStaged {
			staged = append(staged, rr.RegionID)
		}
	}

	switch r.config.Promotion {
	case PromoteGlobal:
		err = r.promoteGlobal(ctx, logger, report, staged)
	default:
		r.promoteEach(ctx, logger, report)
	}

	r.tally(report)
	report.Duration = time.Since(start)

	if err != nil {
		logger.Error().Err(err).Dur("duration", report.Duration).Msg("Market refresh failed")
		return report, err
	}

	logger.Info().
		Int("staged", report.Staged).
		Int("failed", report.Failed).
		Int64("promoted_orders", report.Promoted).
		Dur("duration", report.Duration).
		Msg("Market refresh complete")

	return report, nil
}

// RefreshRegion stages and promotes a single region. It always promotes
// region-scoped, whatever the configured mode.
func (r *Refresher) RefreshRegion(ctx context.Context, regionID int32) (*Report, error) {
	logger, runID := logging.ForRun(r.logger, "market")
	start := time.Now()
	report := &Report{RunID: runID, Promotion: PromotePerRegion}

	known, err := r.store.ExistingIDs(ctx, model.KindRegion, []int32{regionID})
	if err != nil {
		return report, fmt.Errorf("look up region %d: %w", regionID, err)
	}
	if !known.Has(regionID) {
		return report, fmt.Errorf("%w: %d", ErrUnknownRegion, regionID)
	}

	rr := r.stageRegion(ctx, logger, regionID)
	report.Regions = []RegionReport{rr}
	if rr.Outcome == OutcomeStaged {
		r.promoteEach(ctx, logger, report)
	}

	r.tally(report)
	report.Duration = time.Since(start)

	switch report.Regions[0].Outcome {
	case OutcomeFailed, OutcomePromoteFailed:
		return report, fmt.Errorf("region %d %s: %s", regionID, report.Regions[0].Outcome, report.Regions[0].Error)
	}
	return report, nil
}

// stageAll stages regions with bounded concurrency. The result is ordered
// by region id.
func (r *Refresher) stageAll(ctx context.Context, logger zerolog.Logger, regionIDs []int32) []RegionReport {
	var (
		mu      sync.Mutex
		reports = make([]RegionReport, 0, len(regionIDs))
	)

	var g errgroup.Group
	g.SetLimit(r.config.RegionConcurrency)

	for _, id := range regionIDs {
		g.Go(func() error {
			rr := r.stageRegion(ctx, logger, id)
			mu.Lock()
			reports = append(reports, rr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].RegionID < reports[j].RegionID })
	return reports
}

// promoteEach promotes every staged region of report on its own.
func (r *Refresher) promoteEach(ctx context.Context, logger zerolog.Logger, report *Report) {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(r.config.PromoteConcurrency)

	for i := range report.Regions {
		rr := &report.Regions[i]
		if rr.Outcome != OutcomeStaged {
			continue
		}

		g.Go(func() error {
			regionLogger := logger.With().Int32("region_id", rr.RegionID).Logger()

			var promoted int64
			err := retryBusy(ctx, r.config.PromoteRetry, regionLogger, "promote_region", func() error {
				var err error
				promoted, err = r.store.PromoteRegion(ctx, rr.RegionID)
				return err
			})
			if err != nil {
				rr.Outcome = OutcomePromoteFailed
				rr.Error = err.Error()
				regionRefreshTotal.WithLabelValues(OutcomePromoteFailed).Inc()
				regionLogger.Error().Err(err).Msg("Region promotion failed, previous LATEST kept")
				return nil
			}

			rr.Outcome = OutcomePromoted
			rr.Promoted = promoted
			regionRefreshTotal.WithLabelValues(OutcomePromoted).Inc()
			regionLogger.Debug().Int64("promoted", promoted).Msg("Region promoted")
			return nil
		})
	}
	_ = g.Wait()

	promotionDuration.WithLabelValues(string(PromotePerRegion)).Observe(time.Since(start).Seconds())
}

// promoteGlobal swaps every region at once. Only the STAGING rows of staged
// regions are published; leftovers of failed regions are dropped. It is
// skipped when no region staged, so a run that staged nothing never
// empties LATEST.
func (r *Refresher) promoteGlobal(ctx context.Context, logger zerolog.Logger, report *Report, staged []int32) error {
	stagedRegions := len(staged)
	if stagedRegions == 0 {
		logger.Error().Msg("No region staged, global promotion skipped")
		return nil
	}

	start := time.Now()
	var promoted int64
	err := retryBusy(ctx, r.config.PromoteRetry, logger, "promote_all", func() error {
		var err error
		promoted, err = r.store.PromoteAll(ctx, staged)
		return err
	})
	promotionDuration.WithLabelValues(string(PromoteGlobal)).Observe(time.Since(start).Seconds())

	if err != nil {
		for i := range report.Regions {
			if report.Regions[i].Outcome == OutcomeStaged {
				report.Regions[i].Outcome = OutcomePromoteFailed
				report.Regions[i].Error = err.Error()
			}
		}
		regionRefreshTotal.WithLabelValues(OutcomePromoteFailed).Add(float64(stagedRegions))
		return fmt.Errorf("global promotion: %w", err)
	}

	for i := range report.Regions {
		if report.Regions[i].Outcome == OutcomeStaged {
			report.Regions[i].Outcome = OutcomePromoted
			report.Regions[i].Promoted = int64(report.Regions[i].Staged)
		}
	}
	regionRefreshTotal.WithLabelValues(OutcomePromoted).Add(float64(stagedRegions))
	report.Promoted = promoted

	logger.Info().Int64("promoted", promoted).Msg("All regions promoted")
	return nil
}

// tally fills the report totals from its regions.
func (r *Refresher) tally(report *Report) {
	report.Staged, report.Failed = 0, 0
	var promoted int64
	for _, rr := range report.Regions {
		switch rr.Outcome {
		case OutcomeFailed, OutcomePromoteFailed:
			report.Failed++
		default:
			report.Staged++
		}
		promoted += rr.Promoted
	}
	if report.Promotion == PromotePerRegion {
		report.Promoted = promoted
	}
}
