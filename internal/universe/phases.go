package universe

import (
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/model"
	"github.com/Sternrassler/eve-market-replica/pkg/esi"
)

func regionPhase(s Store) phase[esi.Region, model.Region] {
	return phase[esi.Region, model.Region]{
		kind:     model.KindRegion,
		listPath: esi.RegionsPath,
		itemPath: esi.RegionPath,
		convert: func(w esi.Region, now time.Time) model.Region {
			return model.Region{
				ID:          w.RegionID,
				Name:        w.Name,
				Description: w.Description,
				UpdatedAt:   now,
			}
		},
		upsert: s.UpsertRegions,
	}
}

func constellationPhase(s Store) phase[esi.Constellation, model.Constellation] {
	return phase[esi.Constellation, model.Constellation]{
		kind:       model.KindConstellation,
		listPath:   esi.ConstellationsPath,
		itemPath:   esi.ConstellationPath,
		parentKind: model.KindRegion,
		parentOf:   func(w esi.Constellation) int32 { return w.RegionID },
		convert: func(w esi.Constellation, now time.Time) model.Constellation {
			return model.Constellation{
				ID:        w.ConstellationID,
				Name:      w.Name,
				RegionID:  w.RegionID,
				UpdatedAt: now,
			}
		},
		upsert: s.UpsertConstellations,
	}
}

func solarSystemPhase(s Store) phase[esi.System, model.SolarSystem] {
	return phase[esi.System, model.SolarSystem]{
		kind:       model.KindSolarSystem,
		listPath:   esi.SystemsPath,
		itemPath:   esi.SystemPath,
		parentKind: model.KindConstellation,
		parentOf:   func(w esi.System) int32 { return w.ConstellationID },
		convert: func(w esi.System, now time.Time) model.SolarSystem {
			row := model.SolarSystem{
				ID:              w.SystemID,
				Name:            w.Name,
				ConstellationID: w.ConstellationID,
				SecurityStatus:  w.SecurityStatus,
				StarID:          w.StarID,
				UpdatedAt:       now,
			}
			if w.Position != nil {
				x, y, z := w.Position.X, w.Position.Y, w.Position.Z
				row.PositionX, row.PositionY, row.PositionZ = &x, &y, &z
			}
			return row
		},
		upsert: s.UpsertSolarSystems,
	}
}

func itemCategoryPhase(s Store) phase[esi.Category, model.ItemCategory] {
	return phase[esi.Category, model.ItemCategory]{
		kind:     model.KindItemCategory,
		listPath: esi.CategoriesPath,
		itemPath: esi.CategoryPath,
		convert: func(w esi.Category, now time.Time) model.ItemCategory {
			return model.ItemCategory{
				ID:        w.CategoryID,
				Name:      w.Name,
				Published: w.Published,
				UpdatedAt: now,
			}
		},
		upsert: s.UpsertItemCategories,
	}
}

func itemGroupPhase(s Store) phase[esi.Group, model.ItemGroup] {
	return phase[esi.Group, model.ItemGroup]{
		kind:       model.KindItemGroup,
		listPath:   esi.GroupsPath,
		paginated:  true,
		itemPath:   esi.GroupPath,
		parentKind: model.KindItemCategory,
		parentOf:   func(w esi.Group) int32 { return w.CategoryID },
		convert: func(w esi.Group, now time.Time) model.ItemGroup {
			return model.ItemGroup{
				ID:         w.GroupID,
				Name:       w.Name,
				CategoryID: w.CategoryID,
				Published:  w.Published,
				UpdatedAt:  now,
			}
		},
		upsert: s.UpsertItemGroups,
	}
}

func itemTypePhase(s Store) phase[esi.Type, model.ItemType] {
	return phase[esi.Type, model.ItemType]{
		kind:       model.KindItemType,
		listPath:   esi.TypesPath,
		paginated:  true,
		itemPath:   esi.TypePath,
		parentKind: model.KindItemGroup,
		parentOf:   func(w esi.Type) int32 { return w.GroupID },
		convert: func(w esi.Type, now time.Time) model.ItemType {
			return model.ItemType{
				ID:            w.TypeID,
				Name:          w.Name,
				Description:   w.Description,
				GroupID:       w.GroupID,
				Published:     w.Published,
				Mass:          w.Mass,
				Volume:        w.Volume,
				Capacity:      w.Capacity,
				PortionSize:   w.PortionSize,
				BasePrice:     w.BasePrice,
				MarketGroupID: w.MarketGroupID,
				UpdatedAt:     now,
			}
		},
		upsert: s.UpsertItemTypes,
	}
}
