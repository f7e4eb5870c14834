//go:build integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/config"
	"github.com/Sternrassler/eve-market-replica/internal/market"
	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/internal/server"
	"github.com/Sternrassler/eve-market-replica/internal/testutil"
	"github.com/Sternrassler/eve-market-replica/pkg/esi"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startContainer starts req and returns its host:port endpoint.
func startContainer(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get %s endpoint: %v", req.Image, err)
	}
	return endpoint
}

func setupBackends(t *testing.T) (dsn, redisAddr string) {
	t.Helper()

	pg := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "replica",
			"POSTGRES_PASSWORD": "replica",
			"POSTGRES_DB":       "replica",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	redisAddr = startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})

	return fmt.Sprintf("postgres://replica:replica@%s/replica?sslmode=disable", pg), redisAddr
}

func TestIntegration_BootstrapIntoPostgres(t *testing.T) {
	dsn, redisAddr := setupBackends(t)

	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetUniverse(testutil.SmallUniverse())
	mock.SetOrders(10000002, 1, []esi.MarketOrder{
		testutil.NewOrder(1, 34, 60003760, "5.10"),
		testutil.NewOrder(2, 35, 60003760, "12.00"),
		testutil.NewOrder(3, 34, 60003760, "5.05"),
	})
	mock.SetFailing("/markets/10000043/orders/", http.StatusServiceUnavailable)

	t.Setenv("EMR_STORE_DRIVER", config.DriverPostgres)
	t.Setenv("EMR_STORE_DSN", dsn)
	if _, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate error = %v", err)
	}

	cfg := testConfig(t, mock)
	cfg.Store.Driver = config.DriverPostgres
	cfg.Store.DSN = dsn
	cfg.Redis.Addr = redisAddr
	cfg.Market.StageRetry.InitialInterval = time.Millisecond
	cfg.Market.StageRetry.MaxInterval = time.Millisecond

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	srv, err := server.New(":0", server.Deps{Universe: a.universe, Market: a.market, Client: a.client})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	if err := runBootstrap(ctx, a, srv); err != nil {
		t.Fatalf("runBootstrap() error = %v", err)
	}

	for _, kind := range model.Kinds {
		n, err := a.store.Count(ctx, kind)
		if err != nil || n == 0 {
			t.Errorf("Count(%s) = %d, %v", kind, n, err)
		}
	}

	forge, _ := a.store.CountOrders(ctx, 10000002, model.StateLatest)
	if forge != 3 {
		t.Errorf("LATEST orders in The Forge = %d, want 3", forge)
	}
	domain, _ := a.store.CountOrders(ctx, 10000043, model.StateLatest)
	if domain != 0 {
		t.Errorf("LATEST orders in Domain = %d, want 0", domain)
	}
	staging, _ := a.store.CountOrders(ctx, 0, model.StateStaging)
	if staging != 0 {
		t.Errorf("STAGING orders = %d, want 0", staging)
	}

	// The failed Domain crawl was mirrored into Redis.
	state, err := a.client.Tracker().GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Gate == nil || state.Gate.ErrorCount == 0 {
		t.Errorf("mirrored gate = %+v, want recorded errors", state.Gate)
	}

	// A region refresh promotes only that region.
	mock.SetOrders(10000002, 0, []esi.MarketOrder{testutil.NewOrder(4, 34, 60003760, "4.99")})
	report, err := srv.RefreshMarket(ctx, 10000002)
	if err != nil {
		t.Fatalf("RefreshMarket() error = %v", err)
	}
	if report.Promotion != market.PromotePerRegion || report.Promoted != 1 {
		t.Errorf("report = %+v", report)
	}
	orders, err := a.store.Orders(ctx, 10000002, model.StateLatest)
	if err != nil {
		t.Fatalf("Orders() error = %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != 4 {
		t.Errorf("LATEST orders = %+v, want only order 4", orders)
	}
}
