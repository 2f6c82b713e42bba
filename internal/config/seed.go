package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// Seed is the startup stock and catalog of one or more stores.
type Seed struct {
	Stock   []domain.StockItem
	Catalog []domain.CatalogItem
}

type seedFile struct {
	Stores []struct {
		ID    string `yaml:"id"`
		Items []struct {
			ID           string `yaml:"id"`
			Name         string `yaml:"name"`
			Quantity     string `yaml:"quantity"`
			Minimum      string `yaml:"minimum"`
			UnitsPerSale string `yaml:"units_per_sale"`
		} `yaml:"items"`
	} `yaml:"stores"`
}

// LoadSeed reads a seed file. Items with a name also get a catalog entry.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}

	var seed Seed
	for _, st := range f.Stores {
		for _, it := range st.Items {
			qty, err := parseDecimal(it.Quantity)
			if err != nil {
				return Seed{}, fmt.Errorf("seed %s/%s quantity: %w", st.ID, it.ID, err)
			}
			minimum, err := parseDecimal(it.Minimum)
			if err != nil {
				return Seed{}, fmt.Errorf("seed %s/%s minimum: %w", st.ID, it.ID, err)
			}
			seed.Stock = append(seed.Stock, domain.StockItem{
				StoreID:          st.ID,
				ItemID:           it.ID,
				Quantity:         qty,
				MinimumThreshold: minimum,
			})

			if it.Name == "" {
				continue
			}
			units, err := parseDecimal(it.UnitsPerSale)
			if err != nil {
				return Seed{}, fmt.Errorf("seed %s/%s units_per_sale: %w", st.ID, it.ID, err)
			}
			seed.Catalog = append(seed.Catalog, domain.CatalogItem{
				StoreID:      st.ID,
				ItemID:       it.ID,
				Name:         it.Name,
				UnitsPerSale: units,
			})
		}
	}
	return seed, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
