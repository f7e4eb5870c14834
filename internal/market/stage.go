package market

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/pkg/client"
	"github.com/Sternrassler/eve-market-replica/pkg/esi"
	"github.com/rs/zerolog"
)

// stageRegion rebuilds one region's STAGING rows, retrying on contention.
// On failure the region's STAGING rows are removed best-effort.
func (r *Refresher) stageRegion(ctx context.Context, logger zerolog.Logger, regionID int32) RegionReport {
	logger = logger.With().Int32("region_id", regionID).Logger()

	var report RegionReport
	err := retryBusy(ctx, r.config.StageRetry, logger, "stage", func() error {
		var err error
		report, err = r.stageOnce(ctx, logger, regionID)
		return err
	})

	if err != nil {
		report.Outcome = OutcomeFailed
		report.Error = err.Error()
		regionRefreshTotal.WithLabelValues(OutcomeFailed).Inc()

		logger.Error().Err(err).Msg("Region staging failed, skipping")

		if _, cleanupErr := r.store.DeleteOrders(context.WithoutCancel(ctx), regionID, model.StateStaging); cleanupErr != nil {
			logger.Warn().Err(cleanupErr).Msg("Could not clear STAGING rows of failed region")
		}
		return report
	}

	report.Outcome = OutcomeStaged
	regionRefreshTotal.WithLabelValues(OutcomeStaged).Inc()
	logger.Info().
		Int("fetched", report.Fetched).
		Int("staged", report.Staged).
		Int("skipped", report.Skipped).
		Msg("Region staged")

	return report
}

// stageOnce is one staging attempt: clear STAGING, crawl the order book,
// drop orders with unknown item types, insert the rest in batches.
func (r *Refresher) stageOnce(ctx context.Context, logger zerolog.Logger, regionID int32) (RegionReport, error) {
	report := RegionReport{RegionID: regionID}

	if _, err := r.store.DeleteOrders(ctx, regionID, model.StateStaging); err != nil {
		return report, fmt.Errorf("clear staging: %w", err)
	}

	orders, err := client.GetPaginated[esi.MarketOrder](ctx, r.client, esi.MarketOrdersPath(regionID))
	if err != nil {
		return report, fmt.Errorf("fetch orders: %w", err)
	}
	report.Fetched = len(orders)

	typeIDs := make([]int32, 0, len(orders))
	seen := make(map[int32]struct{})
	for _, o := range orders {
		if _, ok := seen[o.TypeID]; !ok {
			seen[o.TypeID] = struct{}{}
			typeIDs = append(typeIDs, o.TypeID)
		}
	}

	known, err := r.store.ExistingIDs(ctx, model.KindItemType, typeIDs)
	if err != nil {
		return report, fmt.Errorf("look up item types: %w", err)
	}

	now := r.now().UTC()
	batch := make([]model.MarketOrder, 0, r.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.store.InsertOrders(ctx, batch); err != nil {
			return fmt.Errorf("insert staging batch: %w", err)
		}
		report.Staged += len(batch)
		ordersStagedTotal.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for _, o := range orders {
		if !known.Has(o.TypeID) {
			report.Skipped++
			logger.Debug().
				Int64("order_id", o.OrderID).
				Int32("type_id", o.TypeID).
				Msg("Unknown item type, skipping order")
			continue
		}

		batch = append(batch, toRow(o, regionID, now))
		if len(batch) >= r.config.BatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	if report.Skipped > 0 {
		ordersSkippedTotal.Add(float64(report.Skipped))
		logger.Warn().Int("skipped", report.Skipped).Msg("Orders with unknown item types skipped")
	}

	return report, nil
}

func toRow(o esi.MarketOrder, regionID int32, now time.Time) model.MarketOrder {
	return model.MarketOrder{
		OrderID:      o.OrderID,
		RegionID:     regionID,
		ItemTypeID:   o.TypeID,
		LocationID:   o.LocationID,
		SystemID:     o.SystemID,
		IsBuyOrder:   o.IsBuyOrder,
		Price:        o.Price,
		VolumeTotal:  o.VolumeTotal,
		VolumeRemain: o.VolumeRemain,
		MinVolume:    o.MinVolume,
		Duration:     o.Duration,
		Range:        o.Range,
		IssuedDate:   o.Issued,
		DataState:    model.StateStaging,
		UpdatedAt:    now,
	}
}
