package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schemaSQL }

// busyCodes are SQLSTATEs that indicate contention rather than a bad write.
var busyCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"53300": true, // too_many_connections
}

// PostgresOpts configures the connection pool.
type PostgresOpts struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Postgres is the sqlx/lib/pq backed Store.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres opens a *sqlx.DB with the given pool settings and pings it.
func OpenPostgres(dsn string, opts PostgresOpts) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty Postgres DSN")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", mapErr(err))
	}
	return nil
}

// withTx runs fn in a new transaction, committing on success.
func (p *Postgres) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}

	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return mapErr(err)
	}

	return mapErr(tx.Commit())
}

// execBatch runs the named statement q once per row inside one transaction.
func execBatch[T any](ctx context.Context, p *Postgres, q string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, q)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

const upsertRegionSQL = `
	INSERT INTO regions (region_id, name, description, updated_at)
	VALUES (:region_id, :name, :description, :updated_at)
	ON CONFLICT (region_id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		updated_at = EXCLUDED.updated_at`

// UpsertRegions writes regions by id in one transaction.
func (p *Postgres) UpsertRegions(ctx context.Context, rows []model.Region) error {
	return execBatch(ctx, p, upsertRegionSQL, rows)
}

const upsertConstellationSQL = `
	INSERT INTO constellations (constellation_id, name, region_id, updated_at)
	VALUES (:constellation_id, :name, :region_id, :updated_at)
	ON CONFLICT (constellation_id) DO UPDATE SET
		name = EXCLUDED.name,
		region_id = EXCLUDED.region_id,
		updated_at = EXCLUDED.updated_at`

// UpsertConstellations writes constellations by id in one transaction.
func (p *Postgres) UpsertConstellations(ctx context.Context, rows []model.Constellation) error {
	return execBatch(ctx, p, upsertConstellationSQL, rows)
}

const upsertSolarSystemSQL = `
	INSERT INTO solar_systems (system_id, name, constellation_id, security_status, star_id,
		position_x, position_y, position_z, updated_at)
	VALUES (:system_id, :name, :constellation_id, :security_status, :star_id,
		:position_x, :position_y, :position_z, :updated_at)
	ON CONFLICT (system_id) DO UPDATE SET
		name = EXCLUDED.name,
		constellation_id = EXCLUDED.constellation_id,
		security_status = EXCLUDED.security_status,
		star_id = EXCLUDED.star_id,
		position_x = EXCLUDED.position_x,
		position_y = EXCLUDED.position_y,
		position_z = EXCLUDED.position_z,
		updated_at = EXCLUDED.updated_at`

// UpsertSolarSystems writes systems by id in one transaction.
func (p *Postgres) UpsertSolarSystems(ctx context.Context, rows []model.SolarSystem) error {
	return execBatch(ctx, p, upsertSolarSystemSQL, rows)
}

const upsertItemCategorySQL = `
	INSERT INTO item_categories (category_id, name, published, updated_at)
	VALUES (:category_id, :name, :published, :updated_at)
	ON CONFLICT (category_id) DO UPDATE SET
		name = EXCLUDED.name,
		published = EXCLUDED.published,
		updated_at = EXCLUDED.updated_at`

// UpsertItemCategories writes categories by id in one transaction.
func (p *Postgres) UpsertItemCategories(ctx context.Context, rows []model.ItemCategory) error {
	return execBatch(ctx, p, upsertItemCategorySQL, rows)
}

const upsertItemGroupSQL = `
	INSERT INTO item_groups (group_id, name, category_id, published, updated_at)
	VALUES (:group_id, :name, :category_id, :published, :updated_at)
	ON CONFLICT (group_id) DO UPDATE SET
		name = EXCLUDED.name,
		category_id = EXCLUDED.category_id,
		published = EXCLUDED.published,
		updated_at = EXCLUDED.updated_at`

// UpsertItemGroups writes groups by id in one transaction.
func (p *Postgres) UpsertItemGroups(ctx context.Context, rows []model.ItemGroup) error {
	return execBatch(ctx, p, upsertItemGroupSQL, rows)
}

const upsertItemTypeSQL = `
	INSERT INTO item_types (type_id, name, description, group_id, published, mass, volume,
		capacity, portion_size, base_price, market_group_id, updated_at)
	VALUES (:type_id, :name, :description, :group_id, :published, :mass, :volume,
		:capacity, :portion_size, :base_price, :market_group_id, :updated_at)
	ON CONFLICT (type_id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		group_id = EXCLUDED.group_id,
		published = EXCLUDED.published,
		mass = EXCLUDED.mass,
		volume = EXCLUDED.volume,
		capacity = EXCLUDED.capacity,
		portion_size = EXCLUDED.portion_size,
		base_price = EXCLUDED.base_price,
		market_group_id = EXCLUDED.market_group_id,
		updated_at = EXCLUDED.updated_at`

// UpsertItemTypes writes types by id in one transaction.
func (p *Postgres) UpsertItemTypes(ctx context.Context, rows []model.ItemType) error {
	return execBatch(ctx, p, upsertItemTypeSQL, rows)
}

// kindTables maps a Kind to its table and key column.
var kindTables = map[model.Kind]struct{ table, key string }{
	model.KindRegion:        {"regions", "region_id"},
	model.KindConstellation: {"constellations", "constellation_id"},
	model.KindSolarSystem:   {"solar_systems", "system_id"},
	model.KindItemCategory:  {"item_categories", "category_id"},
	model.KindItemGroup:     {"item_groups", "group_id"},
	model.KindItemType:      {"item_types", "type_id"},
}

// ExistingIDs returns the subset of ids present for kind.
func (p *Postgres) ExistingIDs(ctx context.Context, kind model.Kind, ids []int32) (IDSet, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return IDSet{}, nil
	}

	t := kindTables[kind]
	wide := make([]int64, len(ids))
	for i, id := range ids {
		wide[i] = int64(id)
	}

	var found []int32
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ANY($1)`, t.key, t.table, t.key)
	if err := p.db.SelectContext(ctx, &found, q, pq.Array(wide)); err != nil {
		return nil, fmt.Errorf("lookup %s ids: %w", kind, mapErr(err))
	}
	return NewIDSet(found...), nil
}

// Count returns the number of rows of kind.
func (p *Postgres) Count(ctx context.Context, kind model.Kind) (int, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}

	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, kindTables[kind].table)
	if err := p.db.GetContext(ctx, &n, q); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, mapErr(err))
	}
	return n, nil
}

// RegionIDs returns all region ids in ascending order.
func (p *Postgres) RegionIDs(ctx context.Context) ([]int32, error) {
	var ids []int32
	if err := p.db.SelectContext(ctx, &ids, `SELECT region_id FROM regions ORDER BY region_id`); err != nil {
		return nil, fmt.Errorf("list regions: %w", mapErr(err))
	}
	return ids, nil
}

// SolarSystemName returns the name of a solar system.
func (p *Postgres) SolarSystemName(ctx context.Context, id int32) (string, bool, error) {
	var name string
	err := p.db.GetContext(ctx, &name, `SELECT name FROM solar_systems WHERE system_id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("get solar system %d: %w", id, mapErr(err))
	}
	return name, true, nil
}

// DeleteOrders removes a region's rows of one generation.
func (p *Postgres) DeleteOrders(ctx context.Context, regionID int32, state model.DataState) (int64, error) {
	if err := checkState(state); err != nil {
		return 0, err
	}

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM market_orders WHERE region_id = $1 AND data_state = $2`, regionID, state)
	if err != nil {
		return 0, fmt.Errorf("delete %s orders of region %d: %w", state, regionID, mapErr(err))
	}
	return res.RowsAffected()
}

const insertOrderSQL = `
	INSERT INTO market_orders (order_id, data_state, region_id, type_id, location_id, system_id,
		is_buy_order, price, volume_total, volume_remain, min_volume, duration, order_range,
		issued, updated_at)
	VALUES (:order_id, :data_state, :region_id, :type_id, :location_id, :system_id,
		:is_buy_order, :price, :volume_total, :volume_remain, :min_volume, :duration, :order_range,
		:issued, :updated_at)
	ON CONFLICT (order_id, data_state) DO UPDATE SET
		region_id = EXCLUDED.region_id,
		type_id = EXCLUDED.type_id,
		location_id = EXCLUDED.location_id,
		system_id = EXCLUDED.system_id,
		is_buy_order = EXCLUDED.is_buy_order,
		price = EXCLUDED.price,
		volume_total = EXCLUDED.volume_total,
		volume_remain = EXCLUDED.volume_remain,
		min_volume = EXCLUDED.min_volume,
		duration = EXCLUDED.duration,
		order_range = EXCLUDED.order_range,
		issued = EXCLUDED.issued,
		updated_at = EXCLUDED.updated_at`

// InsertOrders writes orders in one transaction.
func (p *Postgres) InsertOrders(ctx context.Context, orders []model.MarketOrder) error {
	if err := execBatch(ctx, p, insertOrderSQL, orders); err != nil {
		return fmt.Errorf("insert %d orders: %w", len(orders), err)
	}
	return nil
}

// PromoteRegion deletes the region's LATEST rows and re-tags its STAGING
// rows as LATEST in one transaction.
func (p *Postgres) PromoteRegion(ctx context.Context, regionID int32) (int64, error) {
	var promoted int64
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM market_orders WHERE region_id = $1 AND data_state = $2`,
			regionID, model.StateLatest); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE market_orders SET data_state = $1 WHERE region_id = $2 AND data_state = $3`,
			model.StateLatest, regionID, model.StateStaging)
		if err != nil {
			return err
		}
		promoted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("promote region %d: %w", regionID, err)
	}
	return promoted, nil
}

// PromoteAll deletes every LATEST row, re-tags the STAGING rows of
// regionIDs as LATEST and drops all other STAGING rows, in one transaction.
// Regions outside regionIDs read empty afterwards.
func (p *Postgres) PromoteAll(ctx context.Context, regionIDs []int32) (int64, error) {
	wide := make([]int64, len(regionIDs))
	for i, id := range regionIDs {
		wide[i] = int64(id)
	}

	var promoted int64
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM market_orders WHERE data_state = $1`, model.StateLatest); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE market_orders SET data_state = $1 WHERE data_state = $2 AND region_id = ANY($3)`,
			model.StateLatest, model.StateStaging, pq.Array(wide))
		if err != nil {
			return err
		}
		if promoted, err = res.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM market_orders WHERE data_state = $1`, model.StateStaging)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("promote %d regions: %w", len(regionIDs), err)
	}
	return promoted, nil
}

const selectOrdersSQL = `
	SELECT order_id, data_state, region_id, type_id, location_id, system_id, is_buy_order, price,
		volume_total, volume_remain, min_volume, duration, order_range, issued, updated_at
	FROM market_orders
	WHERE region_id = $1 AND data_state = $2
	ORDER BY order_id`

// Orders returns a region's rows of one generation ordered by order id.
func (p *Postgres) Orders(ctx context.Context, regionID int32, state model.DataState) ([]model.MarketOrder, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}

	var orders []model.MarketOrder
	if err := p.db.SelectContext(ctx, &orders, selectOrdersSQL, regionID, state); err != nil {
		return nil, fmt.Errorf("select orders of region %d: %w", regionID, mapErr(err))
	}
	return orders, nil
}

// CountOrders counts a region's rows of one generation. regionID 0 counts
// every region.
func (p *Postgres) CountOrders(ctx context.Context, regionID int32, state model.DataState) (int, error) {
	if err := checkState(state); err != nil {
		return 0, err
	}

	var n int
	var err error
	if regionID == 0 {
		err = p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM market_orders WHERE data_state = $1`, state)
	} else {
		err = p.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM market_orders WHERE region_id = $1 AND data_state = $2`, regionID, state)
	}
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", mapErr(err))
	}
	return n, nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return mapErr(p.db.PingContext(ctx))
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// mapErr wraps contention errors with ErrBusy and foreign key violations
// with ErrMissingParent.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case busyCodes[pqErr.Code]:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		case pqErr.Code == "23503": // foreign_key_violation
			return fmt.Errorf("%w: %v", ErrMissingParent, err)
		}
	}
	return err
}
