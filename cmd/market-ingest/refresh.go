package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/eve-market-replica/internal/events"
	"github.com/Sternrassler/eve-market-replica/internal/market"
	"github.com/spf13/cobra"
)

func newRefreshCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh and exit",
	}
	cmd.AddCommand(newRefreshUniverseCmd(cfgPath))
	cmd.AddCommand(newRefreshMarketCmd(cfgPath))
	return cmd
}

func newRefreshUniverseCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "universe",
		Short: "Rebuild regions, constellations, systems, categories, groups and types",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.universe.Run(ctx)
			e := events.Event{Type: events.UniverseRefreshed, Success: runErr == nil, Report: report}
			if report != nil {
				e.RunID = report.RunID
			}
			if runErr != nil {
				e.Error = runErr.Error()
			}
			events.Notify(ctx, a.events, a.logger, e)

			if report != nil {
				if err := writeReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func newRefreshMarketCmd(cfgPath *string) *cobra.Command {
	var regionID int32

	cmd := &cobra.Command{
		Use:   "market",
		Short: "Stage and promote market orders for every region or one region",
		RunE: func(cmd *cobra.Command, args []string) error {
			if regionID < 0 {
				return fmt.Errorf("invalid region id %d", regionID)
			}

			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			run := a.market.RefreshAll
			if regionID != 0 {
				run = func(ctx context.Context) (*market.Report, error) {
					return a.market.RefreshRegion(ctx, regionID)
				}
			}

			report, runErr := run(ctx)
			if errors.Is(runErr, market.ErrUnknownRegion) {
				return runErr
			}
			if report != nil {
				e := events.Event{Type: events.MarketRefreshed, RunID: report.RunID, Success: runErr == nil, Report: report}
				if runErr != nil {
					e.Error = runErr.Error()
				}
				events.Notify(ctx, a.events, a.logger, e)

				if err := writeReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().Int32Var(&regionID, "region", 0, "refresh only this region (default: all regions)")
	return cmd
}

func writeReport(w io.Writer, report any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
