package domain

import "github.com/shopspring/decimal"

// CatalogItem maps a sellable name to the stock entry it decrements.
type CatalogItem struct {
	StoreID      string          `json:"store_id"`
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	UnitsPerSale decimal.Decimal `json:"units_per_sale"`
}

// Units is the quantity deducted per unit sold; zero means one.
func (c CatalogItem) Units() decimal.Decimal {
	if c.UnitsPerSale.IsZero() {
		return decimal.NewFromInt(1)
	}
	return c.UnitsPerSale
}

// SaleLine is one line as the POS reports it after payment.
type SaleLine struct {
	DisplayName string          `json:"display_name"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type Sale struct {
	TransactionID  string     `json:"transaction_id"`
	StoreID        string     `json:"store_id"`
	Lines          []SaleLine `json:"lines"`
	IdempotencyKey string     `json:"idempotency_key"`
	Actor          string     `json:"actor,omitempty"`
}
