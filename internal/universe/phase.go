package universe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/internal/store"
	"github.com/Sternrassler/eve-market-replica/pkg/client"
	"github.com/rs/zerolog"
)

// phase describes one entity kind: where its ids and entities come from,
// which parent it references and how it is stored. W is the wire type, R
// the stored row.
type phase[W, R any] struct {
	kind      model.Kind
	listPath  string
	paginated bool
	itemPath  string

	// parentKind is empty for root kinds.
	parentKind model.Kind
	parentOf   func(W) int32

	convert func(W, time.Time) R
	upsert  func(context.Context, []R) error
}

// runPhase executes the per-phase template: list ids, fetch each entity,
// drop orphans, upsert in batches, count.
func runPhase[W, R any](ctx context.Context, r *Refresher, logger zerolog.Logger, p phase[W, R]) (report PhaseReport, err error) {
	start := time.Now()
	report = PhaseReport{Phase: p.kind}
	logger = logger.With().Str("phase", string(p.kind)).Logger()

	defer func() {
		report.Duration = time.Since(start)
		phaseDuration.WithLabelValues(string(p.kind)).Observe(report.Duration.Seconds())
	}()

	ids, err := r.listIDs(ctx, p.listPath, p.paginated)
	if err != nil {
		return report, fmt.Errorf("list ids: %w", err)
	}
	report.Listed = len(ids)

	logger.Debug().Int("ids", len(ids)).Msg("Fetching entities")

	results := client.GetConcurrentlyFromIDs[W](ctx, r.client, p.itemPath, ids, r.config.IDConcurrency)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.Received = len(results)
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	var parents store.IDSet
	if p.parentKind != "" {
		parentIDs := make([]int32, 0, len(results))
		for _, res := range results {
			parentIDs = append(parentIDs, p.parentOf(res.Value))
		}
		parents, err = r.store.ExistingIDs(ctx, p.parentKind, dedupe(parentIDs))
		if err != nil {
			return report, fmt.Errorf("look up %s parents: %w", p.parentKind, err)
		}
	}

	now := r.now().UTC()
	batch := make([]R, 0, r.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.upsert(ctx, batch); err != nil {
			report.Errors += len(batch)
			phaseErrors.WithLabelValues(string(p.kind)).Add(float64(len(batch)))
			logger.Error().
				Err(err).
				Int("rows", len(batch)).
				Msg("Batch upsert failed")
		}
		batch = batch[:0]
	}

	for _, res := range results {
		if p.parentKind != "" {
			parentID := p.parentOf(res.Value)
			if !parents.Has(parentID) {
				report.Orphans++
				logger.Warn().
					Int32("id", res.ID).
					Str("parent_kind", string(p.parentKind)).
					Int32("parent_id", parentID).
					Msg("Parent not stored, skipping")
				continue
			}
		}

		batch = append(batch, p.convert(res.Value, now))
		if len(batch) >= r.config.BatchSize {
			flush()
		}
	}
	flush()

	if report.Orphans > 0 {
		phaseOrphans.WithLabelValues(string(p.kind)).Add(float64(report.Orphans))
	}

	rows, err := r.store.Count(ctx, p.kind)
	if err != nil {
		return report, fmt.Errorf("count %s: %w", p.kind, err)
	}
	report.Rows = rows
	phaseRows.WithLabelValues(string(p.kind)).Set(float64(rows))

	logger.Info().
		Int("listed", report.Listed).
		Int("received", report.Received).
		Int("orphans", report.Orphans).
		Int("errors", report.Errors).
		Int("rows", report.Rows).
		Dur("duration", time.Since(start)).
		Msg("Phase complete")

	return report, nil
}

func (r *Refresher) listIDs(ctx context.Context, path string, paginated bool) ([]int32, error) {
	if paginated {
		return client.GetPaginated[int32](ctx, r.client, path)
	}
	return client.GetList[int32](ctx, r.client, path)
}

func dedupe(ids []int32) []int32 {
	seen := make(map[int32]struct{}, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
