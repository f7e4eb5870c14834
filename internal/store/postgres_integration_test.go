//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a Postgres container, applies the schema and seeds
// the same fixture as seedMemory.
func setupPostgres(t *testing.T) (*Postgres, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
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
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	endpoint, err := pgContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Postgres endpoint: %v", err)
	}

	dsn := fmt.Sprintf("postgres://replica:replica@%s/replica?sslmode=disable", endpoint)
	pg, err := OpenPostgres(dsn, PostgresOpts{MaxOpenConns: 5, PingTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Failed to connect to Postgres: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	cleanup := func() {
		pg.Close()
		pgContainer.Terminate(ctx)
	}

	seed := []error{
		pg.UpsertRegions(ctx, []model.Region{{ID: 10000001, Name: "Derelik"}, {ID: 10000002, Name: "The Forge"}}),
		pg.UpsertConstellations(ctx, []model.Constellation{{ID: 20000001, Name: "San Matar", RegionID: 10000001}}),
		pg.UpsertSolarSystems(ctx, []model.SolarSystem{{ID: 30000142, Name: "Jita", ConstellationID: 20000001}}),
		pg.UpsertItemCategories(ctx, []model.ItemCategory{{ID: 4, Name: "Material"}}),
		pg.UpsertItemGroups(ctx, []model.ItemGroup{{ID: 18, Name: "Mineral", CategoryID: 4}}),
		pg.UpsertItemTypes(ctx, []model.ItemType{{ID: 34, Name: "Tritanium", GroupID: 18}}),
	}
	for _, err := range seed {
		if err != nil {
			cleanup()
			t.Fatalf("seed: %v", err)
		}
	}

	return pg, cleanup
}

func TestPostgres_Integration_MigrateIdempotent(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()

	if err := pg.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestPostgres_Integration_UpsertAndLookup(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := pg.UpsertRegions(ctx, []model.Region{{ID: 10000001, Name: "Renamed"}}); err != nil {
		t.Fatalf("UpsertRegions() error = %v", err)
	}
	if n, _ := pg.Count(ctx, model.KindRegion); n != 2 {
		t.Errorf("Count(region) = %d, want 2", n)
	}

	found, err := pg.ExistingIDs(ctx, model.KindRegion, []int32{10000001, 10000009})
	if err != nil {
		t.Fatalf("ExistingIDs() error = %v", err)
	}
	if len(found) != 1 || !found.Has(10000001) {
		t.Errorf("ExistingIDs() = %v", found)
	}

	name, ok, err := pg.SolarSystemName(ctx, 30000142)
	if err != nil || !ok || name != "Jita" {
		t.Errorf("SolarSystemName() = %q, %v, %v", name, ok, err)
	}
	if _, ok, err := pg.SolarSystemName(ctx, 30000001); ok || err != nil {
		t.Errorf("SolarSystemName(missing) = %v, %v", ok, err)
	}

	ids, _ := pg.RegionIDs(ctx)
	if len(ids) != 2 || ids[0] != 10000001 {
		t.Errorf("RegionIDs() = %v", ids)
	}
}

func TestPostgres_Integration_ForeignKeyMapsToMissingParent(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()

	err := pg.UpsertConstellations(context.Background(), []model.Constellation{{ID: 1, Name: "x", RegionID: 999}})
	if !errors.Is(err, ErrMissingParent) {
		t.Errorf("error = %v, want ErrMissingParent", err)
	}
}

func TestPostgres_Integration_PromoteRegion(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := pg.InsertOrders(ctx, []model.MarketOrder{
		testOrder(1, 10000001, model.StateLatest),
		testOrder(3, 10000002, model.StateLatest),
		testOrder(4, 10000001, model.StateStaging),
		testOrder(5, 10000002, model.StateStaging),
	}); err != nil {
		t.Fatalf("InsertOrders() error = %v", err)
	}

	promoted, err := pg.PromoteRegion(ctx, 10000001)
	if err != nil {
		t.Fatalf("PromoteRegion() error = %v", err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}

	latest, err := pg.Orders(ctx, 10000001, model.StateLatest)
	if err != nil {
		t.Fatalf("Orders() error = %v", err)
	}
	if len(latest) != 1 || latest[0].OrderID != 4 {
		t.Errorf("region 1 LATEST = %v", latest)
	}
	if !latest[0].Price.Equal(testOrder(4, 0, "").Price) {
		t.Errorf("price = %s, want 5.25", latest[0].Price)
	}

	if n, _ := pg.CountOrders(ctx, 10000002, model.StateLatest); n != 1 {
		t.Errorf("region 2 LATEST = %d, want 1", n)
	}
	if n, _ := pg.CountOrders(ctx, 10000002, model.StateStaging); n != 1 {
		t.Errorf("region 2 STAGING = %d, want 1", n)
	}
}

func TestPostgres_Integration_PromoteAllAndDelete(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	_ = pg.InsertOrders(ctx, []model.MarketOrder{
		testOrder(1, 10000001, model.StateLatest),
		testOrder(1, 10000001, model.StateStaging),
		testOrder(2, 10000002, model.StateStaging),
		testOrder(3, 10000002, model.StateLatest),
	})

	promoted, err := pg.PromoteAll(ctx, []int32{10000001, 10000002})
	if err != nil {
		t.Fatalf("PromoteAll() error = %v", err)
	}
	if promoted != 2 {
		t.Errorf("promoted = %d, want 2", promoted)
	}
	if n, _ := pg.CountOrders(ctx, 0, model.StateStaging); n != 0 {
		t.Errorf("STAGING total = %d, want 0", n)
	}

	deleted, err := pg.DeleteOrders(ctx, 10000002, model.StateLatest)
	if err != nil {
		t.Fatalf("DeleteOrders() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestPostgres_Integration_PromoteAllDropsUnlistedStaging(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := pg.InsertOrders(ctx, []model.MarketOrder{
		testOrder(1, 10000001, model.StateStaging),
		testOrder(2, 10000002, model.StateStaging),
		testOrder(3, 10000002, model.StateLatest),
	}); err != nil {
		t.Fatalf("InsertOrders() error = %v", err)
	}

	promoted, err := pg.PromoteAll(ctx, []int32{10000001})
	if err != nil {
		t.Fatalf("PromoteAll() error = %v", err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}
	if n, _ := pg.CountOrders(ctx, 10000002, model.StateLatest); n != 0 {
		t.Errorf("region 2 LATEST = %d, want 0", n)
	}
	if n, _ := pg.CountOrders(ctx, 0, model.StateStaging); n != 0 {
		t.Errorf("STAGING total = %d, want 0", n)
	}
}
