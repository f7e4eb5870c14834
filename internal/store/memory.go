package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/eve-market-replica/internal/model"
)

type orderKey struct {
	orderID int64
	state   model.DataState
}

// Memory is an in-process Store guarded by a single RWMutex. It enforces
// the same parent references as the Postgres schema. Promotion happens
// under the write lock, so readers never see a region between the delete
// and the re-tag.
type Memory struct {
	mu sync.RWMutex

	regions        map[int32]model.Region
	constellations map[int32]model.Constellation
	systems        map[int32]model.SolarSystem
	categories     map[int32]model.ItemCategory
	groups         map[int32]model.ItemGroup
	types          map[int32]model.ItemType
	orders         map[orderKey]model.MarketOrder
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		regions:        make(map[int32]model.Region),
		constellations: make(map[int32]model.Constellation),
		systems:        make(map[int32]model.SolarSystem),
		categories:     make(map[int32]model.ItemCategory),
		groups:         make(map[int32]model.ItemGroup),
		types:          make(map[int32]model.ItemType),
		orders:         make(map[orderKey]model.MarketOrder),
	}
}

// UpsertRegions writes regions by id.
func (m *Memory) UpsertRegions(ctx context.Context, rows []model.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		m.regions[r.ID] = r
	}
	return nil
}

// UpsertConstellations writes constellations by id; every region must exist.
func (m *Memory) UpsertConstellations(ctx context.Context, rows []model.Constellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		if _, ok := m.regions[r.RegionID]; !ok {
			return fmt.Errorf("%w: constellation %d references region %d", ErrMissingParent, r.ID, r.RegionID)
		}
	}
	for _, r := range rows {
		m.constellations[r.ID] = r
	}
	return nil
}

// UpsertSolarSystems writes systems by id; every constellation must exist.
func (m *Memory) UpsertSolarSystems(ctx context.Context, rows []model.SolarSystem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		if _, ok := m.constellations[r.ConstellationID]; !ok {
			return fmt.Errorf("%w: system %d references constellation %d", ErrMissingParent, r.ID, r.ConstellationID)
		}
	}
	for _, r := range rows {
		m.systems[r.ID] = r
	}
	return nil
}

// UpsertItemCategories writes categories by id.
func (m *Memory) UpsertItemCategories(ctx context.Context, rows []model.ItemCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		m.categories[r.ID] = r
	}
	return nil
}

// UpsertItemGroups writes groups by id; every category must exist.
func (m *Memory) UpsertItemGroups(ctx context.Context, rows []model.ItemGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		if _, ok := m.categories[r.CategoryID]; !ok {
			return fmt.Errorf("%w: group %d references category %d", ErrMissingParent, r.ID, r.CategoryID)
		}
	}
	for _, r := range rows {
		m.groups[r.ID] = r
	}
	return nil
}

// UpsertItemTypes writes types by id; every group must exist.
func (m *Memory) UpsertItemTypes(ctx context.Context, rows []model.ItemType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		if _, ok := m.groups[r.GroupID]; !ok {
			return fmt.Errorf("%w: type %d references group %d", ErrMissingParent, r.ID, r.GroupID)
		}
	}
	for _, r := range rows {
		m.types[r.ID] = r
	}
	return nil
}

// ExistingIDs returns the subset of ids present for kind.
func (m *Memory) ExistingIDs(ctx context.Context, kind model.Kind, ids []int32) (IDSet, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(IDSet)
	for _, id := range ids {
		if m.hasLocked(kind, id) {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (m *Memory) hasLocked(kind model.Kind, id int32) bool {
	var ok bool
	switch kind {
	case model.KindRegion:
		_, ok = m.regions[id]
	case model.KindConstellation:
		_, ok = m.constellations[id]
	case model.KindSolarSystem:
		_, ok = m.systems[id]
	case model.KindItemCategory:
		_, ok = m.categories[id]
	case model.KindItemGroup:
		_, ok = m.groups[id]
	case model.KindItemType:
		_, ok = m.types[id]
	}
	return ok
}

// Count returns the number of rows of kind.
func (m *Memory) Count(ctx context.Context, kind model.Kind) (int, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch kind {
	case model.KindRegion:
		return len(m.regions), nil
	case model.KindConstellation:
		return len(m.constellations), nil
	case model.KindSolarSystem:
		return len(m.systems), nil
	case model.KindItemCategory:
		return len(m.categories), nil
	case model.KindItemGroup:
		return len(m.groups), nil
	default:
		return len(m.types), nil
	}
}

// RegionIDs returns all region ids in ascending order.
func (m *Memory) RegionIDs(ctx context.Context) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int32, 0, len(m.regions))
	for id := range m.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SolarSystemName returns the name of a solar system.
func (m *Memory) SolarSystemName(ctx context.Context, id int32) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.systems[id]
	return s.Name, ok, nil
}

// Region returns a single region (test helper for read paths).
func (m *Memory) Region(id int32) (model.Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.regions[id]
	return r, ok
}

// ItemType returns a single item type.
func (m *Memory) ItemType(id int32) (model.ItemType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.types[id]
	return t, ok
}

// DeleteOrders removes a region's rows of one generation.
func (m *Memory) DeleteOrders(ctx context.Context, regionID int32, state model.DataState) (int64, error) {
	if err := checkState(state); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, o := range m.orders {
		if o.RegionID == regionID && k.state == state {
			delete(m.orders, k)
			n++
		}
	}
	return n, nil
}

// InsertOrders adds orders. Region and item type must exist; an existing
// (order id, state) pair is overwritten.
func (m *Memory) InsertOrders(ctx context.Context, orders []model.MarketOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range orders {
		if err := checkState(o.DataState); err != nil {
			return err
		}
		if _, ok := m.regions[o.RegionID]; !ok {
			return fmt.Errorf("%w: %s references unknown region", ErrMissingParent, o)
		}
		if _, ok := m.types[o.ItemTypeID]; !ok {
			return fmt.Errorf("%w: %s references unknown item type", ErrMissingParent, o)
		}
	}
	for _, o := range orders {
		m.orders[orderKey{orderID: o.OrderID, state: o.DataState}] = o
	}
	return nil
}

// PromoteRegion swaps the region's STAGING rows in as LATEST.
func (m *Memory) PromoteRegion(ctx context.Context, regionID int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.promoteLocked(func(o model.MarketOrder) bool { return o.RegionID == regionID }), nil
}

// PromoteAll empties LATEST, swaps in the STAGING rows of regionIDs and
// drops every other STAGING row.
func (m *Memory) PromoteAll(ctx context.Context, regionIDs []int32) (int64, error) {
	staged := NewIDSet(regionIDs...)

	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.orders {
		if k.state == model.StateLatest {
			delete(m.orders, k)
		}
	}
	promoted := m.promoteLocked(func(o model.MarketOrder) bool { return staged.Has(o.RegionID) })
	for k := range m.orders {
		if k.state == model.StateStaging {
			delete(m.orders, k)
		}
	}
	return promoted, nil
}

func (m *Memory) promoteLocked(match func(model.MarketOrder) bool) int64 {
	for k, o := range m.orders {
		if k.state == model.StateLatest && match(o) {
			delete(m.orders, k)
		}
	}

	var promoted int64
	for k, o := range m.orders {
		if k.state != model.StateStaging || !match(o) {
			continue
		}
		delete(m.orders, k)
		o.DataState = model.StateLatest
		m.orders[orderKey{orderID: o.OrderID, state: model.StateLatest}] = o
		promoted++
	}
	return promoted
}

// Orders returns a region's rows of one generation ordered by order id.
func (m *Memory) Orders(ctx context.Context, regionID int32, state model.DataState) ([]model.MarketOrder, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.MarketOrder
	for k, o := range m.orders {
		if k.state == state && o.RegionID == regionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// CountOrders counts a region's rows of one generation. regionID 0 counts
// every region.
func (m *Memory) CountOrders(ctx context.Context, regionID int32, state model.DataState) (int, error) {
	if err := checkState(state); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for k, o := range m.orders {
		if k.state == state && (regionID == 0 || o.RegionID == regionID) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
