// Package model holds the records persisted by the refresh pipelines.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a reference entity table.
type Kind string

const (
	KindRegion        Kind = "region"
	KindConstellation Kind = "constellation"
	KindSolarSystem   Kind = "solar_system"
	KindItemCategory  Kind = "item_category"
	KindItemGroup     Kind = "item_group"
	KindItemType      Kind = "item_type"
)

// Kinds lists the reference kinds in dependency order: parents first.
var Kinds = []Kind{
	KindRegion,
	KindConstellation,
	KindSolarSystem,
	KindItemCategory,
	KindItemGroup,
	KindItemType,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// DataState is the generation tag of a market order row.
type DataState string

const (
	// StateLatest rows are visible to readers.
	StateLatest DataState = "LATEST"

	// StateStaging rows belong to an in-progress rebuild.
	StateStaging DataState = "STAGING"
)

// Valid reports whether s is LATEST or STAGING.
func (s DataState) Valid() bool {
	return s == StateLatest || s == StateStaging
}

// Region is a top-level area of the universe.
type Region struct {
	ID          int32     `db:"region_id" json:"region_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Constellation belongs to a Region.
type Constellation struct {
	ID        int32     `db:"constellation_id" json:"constellation_id"`
	Name      string    `db:"name" json:"name"`
	RegionID  int32     `db:"region_id" json:"region_id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SolarSystem belongs to a Constellation.
type SolarSystem struct {
	ID              int32     `db:"system_id" json:"system_id"`
	Name            string    `db:"name" json:"name"`
	ConstellationID int32     `db:"constellation_id" json:"constellation_id"`
	SecurityStatus  float64   `db:"security_status" json:"security_status"`
	StarID          *int32    `db:"star_id" json:"star_id,omitempty"`
	PositionX       *float64  `db:"position_x" json:"position_x,omitempty"`
	PositionY       *float64  `db:"position_y" json:"position_y,omitempty"`
	PositionZ       *float64  `db:"position_z" json:"position_z,omitempty"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ItemCategory is the top of the item hierarchy.
type ItemCategory struct {
	ID        int32     `db:"category_id" json:"category_id"`
	Name      string    `db:"name" json:"name"`
	Published bool      `db:"published" json:"published"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ItemGroup belongs to an ItemCategory.
type ItemGroup struct {
	ID         int32     `db:"group_id" json:"group_id"`
	Name       string    `db:"name" json:"name"`
	CategoryID int32     `db:"category_id" json:"category_id"`
	Published  bool      `db:"published" json:"published"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ItemType belongs to an ItemGroup; market orders reference it.
type ItemType struct {
	ID            int32               `db:"type_id" json:"type_id"`
	Name          string              `db:"name" json:"name"`
	Description   string              `db:"description" json:"description,omitempty"`
	GroupID       int32               `db:"group_id" json:"group_id"`
	Published     bool                `db:"published" json:"published"`
	Mass          *float64            `db:"mass" json:"mass,omitempty"`
	Volume        *float64            `db:"volume" json:"volume,omitempty"`
	Capacity      *float64            `db:"capacity" json:"capacity,omitempty"`
	PortionSize   *int32              `db:"portion_size" json:"portion_size,omitempty"`
	BasePrice     decimal.NullDecimal `db:"base_price" json:"base_price"`
	MarketGroupID *int32              `db:"market_group_id" json:"market_group_id,omitempty"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// MarketOrder is one order of a region's order book in one generation.
type MarketOrder struct {
	OrderID      int64           `db:"order_id" json:"order_id"`
	RegionID     int32           `db:"region_id" json:"region_id"`
	ItemTypeID   int32           `db:"type_id" json:"type_id"`
	LocationID   int64           `db:"location_id" json:"location_id"`
	SystemID     *int32          `db:"system_id" json:"system_id,omitempty"`
	IsBuyOrder   bool            `db:"is_buy_order" json:"is_buy_order"`
	Price        decimal.Decimal `db:"price" json:"price"`
	VolumeTotal  int32           `db:"volume_total" json:"volume_total"`
	VolumeRemain int32           `db:"volume_remain" json:"volume_remain"`
	MinVolume    int32           `db:"min_volume" json:"min_volume"`
	Duration     int32           `db:"duration" json:"duration"`
	Range        string          `db:"order_range" json:"range"`
	IssuedDate   time.Time       `db:"issued" json:"issued"`
	DataState    DataState       `db:"data_state" json:"data_state"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// String is used in log lines.
func (o MarketOrder) String() string {
	return fmt.Sprintf("order %d (region %d, type %d, %s)", o.OrderID, o.RegionID, o.ItemTypeID, o.DataState)
}
