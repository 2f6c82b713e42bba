package port

import (
	"context"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// Catalog is a read-only lookup of sellable names for one store.
type Catalog interface {
	ByExactName(storeID, name string) (domain.CatalogItem, bool)
	ByPartialName(storeID, name string) (domain.CatalogItem, bool)
}

// CatalogSource loads a catalog snapshot for a store.
type CatalogSource interface {
	Snapshot(ctx context.Context, storeID string) (Catalog, error)
}
