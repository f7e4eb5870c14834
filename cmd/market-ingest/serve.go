package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var bootstrap bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve refresh triggers, status and metrics over HTTP",
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

			checks := map[string]server.Pinger{"store": a.store}
			if a.redis != nil {
				checks["redis"] = redisPinger{client: a.redis}
			}

			srv, err := server.New(cfg.HTTP.Addr, server.Deps{
				Universe: a.universe,
				Market:   a.market,
				Client:   a.client,
				Events:   a.events,
				Checks:   checks,
			})
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			if bootstrap {
				go func() {
					if err := runBootstrap(ctx, a, srv); err != nil {
						a.logger.Error().Err(err).Msg("Startup refresh failed")
					}
				}()
			}

			select {
			case <-ctx.Done():
				a.logger.Info().Msg("Signal received, shutting down")
			case err := <-errCh:
				if err != nil {
					a.logger.Error().Err(err).Msg("HTTP server exited")
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "refresh universe and market once at startup if the store holds no regions")
	return cmd
}

// runBootstrap fills an empty store: universe first, then every region's
// orders. A store that already holds regions is left alone.
func runBootstrap(ctx context.Context, a *app, srv *server.Server) error {
	regions, err := a.store.Count(ctx, model.KindRegion)
	if err != nil {
		return fmt.Errorf("count regions: %w", err)
	}
	if regions > 0 {
		a.logger.Info().Int("regions", regions).Msg("Store already populated, skipping startup refresh")
		return nil
	}

	a.logger.Info().Msg("Store is empty, running startup refresh")
	if _, err := srv.RefreshUniverse(ctx); err != nil {
		return fmt.Errorf("universe: %w", err)
	}
	if _, err := srv.RefreshMarket(ctx, 0); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	return nil
}
