package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockItem is the authoritative per-store quantity of one stock entry.
type StockItem struct {
	StoreID          string
	ItemID           string
	Quantity         decimal.Decimal
	Version          int64 // optimistic locking
	MinimumThreshold decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BelowThreshold reports whether the item has fallen under its minimum.
func (s StockItem) BelowThreshold() bool {
	return s.Quantity.LessThan(s.MinimumThreshold)
}

type MovementReason string

const (
	ReasonSale         MovementReason = "sale"
	ReasonCompensation MovementReason = "compensation"
	ReasonVoid         MovementReason = "void"
)

// MovementLogEntry is an append-only audit record of one quantity change.
type MovementLogEntry struct {
	ID                     int64           `json:"id"`
	StoreID                string          `json:"store_id"`
	ItemID                 string          `json:"item_id"`
	Delta                  decimal.Decimal `json:"delta"`
	PreviousQuantity       decimal.Decimal `json:"previous_quantity"`
	NewQuantity            decimal.Decimal `json:"new_quantity"`
	ReferenceTransactionID string          `json:"reference_transaction_id"`
	Reason                 MovementReason  `json:"reason"`
	Actor                  string          `json:"actor"`
	CreatedAt              time.Time       `json:"created_at"`
}
