package testutil

import (
	"fmt"
	"time"

	"github.com/Sternrassler/eve-market-replica/pkg/esi"
	"github.com/shopspring/decimal"
)

// Universe is a reference data fixture served by SetUniverse.
type Universe struct {
	Regions        []esi.Region
	Constellations []esi.Constellation
	Systems        []esi.System
	Categories     []esi.Category
	Groups         []esi.Group
	Types          []esi.Type

	// PageSize splits the group and type id lists into pages. 0 serves a
	// single page.
	PageSize int
}

// SmallUniverse returns two regions with one constellation and system each,
// and one category with two groups and three types.
func SmallUniverse() Universe {
	jitaStar := int32(40009077)
	return Universe{
		Regions: []esi.Region{
			{RegionID: 10000002, Name: "The Forge", Description: "trade hub"},
			{RegionID: 10000043, Name: "Domain"},
		},
		Constellations: []esi.Constellation{
			{ConstellationID: 20000020, Name: "Kimotoro", RegionID: 10000002},
			{ConstellationID: 20000322, Name: "Throne Worlds", RegionID: 10000043},
		},
		Systems: []esi.System{
			{SystemID: 30000142, Name: "Jita", ConstellationID: 20000020, SecurityStatus: 0.95,
				StarID: &jitaStar, Position: &esi.Position{X: 1, Y: 2, Z: 3}},
			{SystemID: 30002187, Name: "Amarr", ConstellationID: 20000322, SecurityStatus: 1.0},
		},
		Categories: []esi.Category{
			{CategoryID: 4, Name: "Material", Published: true},
		},
		Groups: []esi.Group{
			{GroupID: 18, Name: "Mineral", CategoryID: 4, Published: true},
			{GroupID: 423, Name: "Ice Product", CategoryID: 4, Published: true},
		},
		Types: []esi.Type{
			{TypeID: 34, Name: "Tritanium", GroupID: 18, Published: true,
				BasePrice: decimal.NewNullDecimal(decimal.RequireFromString("2"))},
			{TypeID: 35, Name: "Pyerite", GroupID: 18, Published: true},
			{TypeID: 16272, Name: "Heavy Water", GroupID: 423, Published: true},
		},
	}
}

// SetUniverse registers the list and per-id endpoints of u.
func (m *MockESI) SetUniverse(u Universe) {
	regionIDs := make([]int32, len(u.Regions))
	for i, r := range u.Regions {
		regionIDs[i] = r.RegionID
		m.SetJSON(fmt.Sprintf("/universe/regions/%d/", r.RegionID), r)
	}
	m.SetJSON(esi.RegionsPath, regionIDs)

	constellationIDs := make([]int32, len(u.Constellations))
	for i, c := range u.Constellations {
		constellationIDs[i] = c.ConstellationID
		m.SetJSON(fmt.Sprintf("/universe/constellations/%d/", c.ConstellationID), c)
	}
	m.SetJSON(esi.ConstellationsPath, constellationIDs)

	systemIDs := make([]int32, len(u.Systems))
	for i, s := range u.Systems {
		systemIDs[i] = s.SystemID
		m.SetJSON(fmt.Sprintf("/universe/systems/%d/", s.SystemID), s)
	}
	m.SetJSON(esi.SystemsPath, systemIDs)

	categoryIDs := make([]int32, len(u.Categories))
	for i, c := range u.Categories {
		categoryIDs[i] = c.CategoryID
		m.SetJSON(fmt.Sprintf("/universe/categories/%d/", c.CategoryID), c)
	}
	m.SetJSON(esi.CategoriesPath, categoryIDs)

	groupIDs := make([]int32, len(u.Groups))
	for i, g := range u.Groups {
		groupIDs[i] = g.GroupID
		m.SetJSON(fmt.Sprintf("/universe/groups/%d/", g.GroupID), g)
	}
	m.SetPages(esi.GroupsPath, pageIDs(groupIDs, u.PageSize)...)

	typeIDs := make([]int32, len(u.Types))
	for i, t := range u.Types {
		typeIDs[i] = t.TypeID
		m.SetJSON(fmt.Sprintf("/universe/types/%d/", t.TypeID), t)
	}
	m.SetPages(esi.TypesPath, pageIDs(typeIDs, u.PageSize)...)
}

// SetOrders serves orders as the order book of regionID, split into pages
// of pageSize (0 serves a single page).
func (m *MockESI) SetOrders(regionID int32, pageSize int, orders []esi.MarketOrder) {
	path := fmt.Sprintf("/markets/%d/orders/", regionID)
	if pageSize <= 0 || len(orders) == 0 {
		m.SetPages(path, orders)
		return
	}

	var pages []any
	for start := 0; start < len(orders); start += pageSize {
		end := min(start+pageSize, len(orders))
		pages = append(pages, orders[start:end])
	}
	m.SetPages(path, pages...)
}

// NewOrder builds a sell order for typeID at locationID.
func NewOrder(orderID int64, typeID int32, locationID int64, price string) esi.MarketOrder {
	return esi.MarketOrder{
		OrderID:      orderID,
		TypeID:       typeID,
		LocationID:   locationID,
		Price:        decimal.RequireFromString(price),
		VolumeTotal:  1000,
		VolumeRemain: 500,
		MinVolume:    1,
		Duration:     90,
		Issued:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Range:        "region",
	}
}

func pageIDs(ids []int32, size int) []any {
	if size <= 0 || len(ids) == 0 {
		return []any{ids}
	}

	var pages []any
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		pages = append(pages, ids[start:end])
	}
	return pages
}
