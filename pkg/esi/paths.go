package esi

import "fmt"

// List endpoints returning bare id arrays.
const (
	RegionsPath        = "/universe/regions/"
	ConstellationsPath = "/universe/constellations/"
	SystemsPath        = "/universe/systems/"
	CategoriesPath     = "/universe/categories/"

	// Paginated (X-Pages).
	GroupsPath = "/universe/groups/"
	TypesPath  = "/universe/types/"
)

// Per-id endpoints; "{id}" is replaced by the fetch client.
const (
	RegionPath        = "/universe/regions/{id}/"
	ConstellationPath = "/universe/constellations/{id}/"
	SystemPath        = "/universe/systems/{id}/"
	CategoryPath      = "/universe/categories/{id}/"
	GroupPath         = "/universe/groups/{id}/"
	TypePath          = "/universe/types/{id}/"
)

// MarketOrdersPath returns the paginated order book of a region, both sides.
func MarketOrdersPath(regionID int32) string {
	return fmt.Sprintf("/markets/%d/orders/?order_type=all", regionID)
}
