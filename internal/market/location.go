package market

import (
	"context"
	"fmt"
)

// Solar system ids occupy [SystemIDMin, SystemIDMax). Station and structure
// ids live elsewhere and are resolved through the order's system.
const (
	SystemIDMin = 30000000
	SystemIDMax = 40000000
)

// SystemNamer looks up solar system names.
type SystemNamer interface {
	SolarSystemName(ctx context.Context, id int32) (string, bool, error)
}

// ResolveLocationName returns a display name for an order location.
func ResolveLocationName(ctx context.Context, s SystemNamer, locationID int64, systemID *int32) (string, error) {
	if locationID >= SystemIDMin && locationID < SystemIDMax {
		return systemName(ctx, s, int32(locationID))
	}

	if systemID != nil {
		return systemName(ctx, s, *systemID)
	}

	return fmt.Sprintf("Unknown Location (%d)", locationID), nil
}

func systemName(ctx context.Context, s SystemNamer, id int32) (string, error) {
	name, ok, err := s.SolarSystemName(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve system %d: %w", id, err)
	}
	if !ok {
		return fmt.Sprintf("Unknown System (%d)", id), nil
	}
	return name, nil
}
