// Package store persists reference entities and market orders. Two
// implementations share one contract: Memory for tests and single-process
// runs, Postgres for production.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/eve-market-replica/internal/model"
)

var (
	// ErrBusy marks a transient contention failure (lock timeout,
	// serialization failure, deadlock). Callers may retry.
	ErrBusy = errors.New("store busy")

	// ErrUnknownKind is returned for a Kind outside model.Kinds.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrMissingParent is returned when a write references a row that does
	// not exist.
	ErrMissingParent = errors.New("missing parent row")
)

// Store is the full persistence contract.
type Store interface {
	UpsertRegions(ctx context.Context, rows []model.Region) error
	UpsertConstellations(ctx context.Context, rows []model.Constellation) error
	UpsertSolarSystems(ctx context.Context, rows []model.SolarSystem) error
	UpsertItemCategories(ctx context.Context, rows []model.ItemCategory) error
	UpsertItemGroups(ctx context.Context, rows []model.ItemGroup) error
	UpsertItemTypes(ctx context.Context, rows []model.ItemType) error

	// ExistingIDs returns the subset of ids present for kind.
	ExistingIDs(ctx context.Context, kind model.Kind, ids []int32) (IDSet, error)
	Count(ctx context.Context, kind model.Kind) (int, error)
	RegionIDs(ctx context.Context) ([]int32, error)
	SolarSystemName(ctx context.Context, id int32) (string, bool, error)

	DeleteOrders(ctx context.Context, regionID int32, state model.DataState) (int64, error)
	InsertOrders(ctx context.Context, orders []model.MarketOrder) error
	// PromoteRegion replaces a region's LATEST rows with its STAGING rows
	// in one step and returns the number of promoted rows.
	PromoteRegion(ctx context.Context, regionID int32) (int64, error)
	// PromoteAll replaces all LATEST rows with the STAGING rows of
	// regionIDs in one step. STAGING rows of other regions are dropped.
	PromoteAll(ctx context.Context, regionIDs []int32) (int64, error)
	Orders(ctx context.Context, regionID int32, state model.DataState) ([]model.MarketOrder, error)
	CountOrders(ctx context.Context, regionID int32, state model.DataState) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// IDSet is a set of entity ids.
type IDSet map[int32]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...int32) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int32) bool {
	_, ok := s[id]
	return ok
}

// IsBusy reports whether err is a contention failure worth retrying.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func checkKind(kind model.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

func checkState(state model.DataState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid data state %q", state)
	}
	return nil
}
