// Package esi holds the ESI wire types and endpoint paths used by the
// refresh pipelines. Paths are relative to the client's base URL.
package esi

import (
	"time"

	"github.com/shopspring/decimal"
)

// Region is GET /universe/regions/{region_id}/.
type Region struct {
	RegionID       int32   `json:"region_id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Constellations []int32 `json:"constellations,omitempty"`
}

// Constellation is GET /universe/constellations/{constellation_id}/.
type Constellation struct {
	ConstellationID int32   `json:"constellation_id"`
	Name            string  `json:"name"`
	RegionID        int32   `json:"region_id"`
	Systems         []int32 `json:"systems,omitempty"`
}

// Position is a point in a solar system's coordinate space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// System is GET /universe/systems/{system_id}/.
type System struct {
	SystemID        int32     `json:"system_id"`
	Name            string    `json:"name"`
	ConstellationID int32     `json:"constellation_id"`
	SecurityStatus  float64   `json:"security_status"`
	StarID          *int32    `json:"star_id,omitempty"`
	Position        *Position `json:"position,omitempty"`
}

// Category is GET /universe/categories/{category_id}/.
type Category struct {
	CategoryID int32   `json:"category_id"`
	Name       string  `json:"name"`
	Published  bool    `json:"published"`
	Groups     []int32 `json:"groups,omitempty"`
}

// Group is GET /universe/groups/{group_id}/.
type Group struct {
	GroupID    int32   `json:"group_id"`
	Name       string  `json:"name"`
	CategoryID int32   `json:"category_id"`
	Published  bool    `json:"published"`
	Types      []int32 `json:"types,omitempty"`
}

// Type is GET /universe/types/{type_id}/.
type Type struct {
	TypeID        int32               `json:"type_id"`
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	GroupID       int32               `json:"group_id"`
	Published     bool                `json:"published"`
	Mass          *float64            `json:"mass,omitempty"`
	Volume        *float64            `json:"volume,omitempty"`
	Capacity      *float64            `json:"capacity,omitempty"`
	PortionSize   *int32              `json:"portion_size,omitempty"`
	BasePrice     decimal.NullDecimal `json:"base_price"`
	MarketGroupID *int32              `json:"market_group_id,omitempty"`
}

// MarketOrder is one entry of GET /markets/{region_id}/orders/.
type MarketOrder struct {
	OrderID      int64           `json:"order_id"`
	TypeID       int32           `json:"type_id"`
	LocationID   int64           `json:"location_id"`
	SystemID     *int32          `json:"system_id,omitempty"`
	IsBuyOrder   bool            `json:"is_buy_order"`
	Price        decimal.Decimal `json:"price"`
	VolumeTotal  int32           `json:"volume_total"`
	VolumeRemain int32           `json:"volume_remain"`
	MinVolume    int32           `json:"min_volume"`
	Duration     int32           `json:"duration"`
	Issued       time.Time       `json:"issued"`
	Range        string          `json:"range"`
}
