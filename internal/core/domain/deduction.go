package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DeductionLine struct {
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DeductionRequest is one logical sale to be applied to a store ledger.
type DeductionRequest struct {
	TransactionID  string          `json:"transaction_id"`
	StoreID        string          `json:"store_id"`
	Lines          []DeductionLine `json:"lines"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"actor,omitempty"`
}

// Validate rejects malformed requests before any ledger access.
func (r DeductionRequest) Validate() error {
	if r.StoreID == "" {
		return fmt.Errorf("%w: store_id is required", ErrValidation)
	}
	if r.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	if len(r.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	for i, line := range r.Lines {
		if line.ItemID == "" {
			return fmt.Errorf("%w: line %d has no item_id", ErrValidation, i)
		}
		if !line.Quantity.IsPositive() {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrValidation, i)
		}
	}
	return nil
}

type AppliedLine struct {
	ItemID           string          `json:"item_id"`
	PreviousQuantity decimal.Decimal `json:"previous_quantity"`
	NewQuantity      decimal.Decimal `json:"new_quantity"`
}

// DeductionResult is stored under the idempotency key and returned
// unchanged on replay.
type DeductionResult struct {
	TransactionID  string        `json:"transaction_id"`
	StoreID        string        `json:"store_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Lines          []AppliedLine `json:"applied"`
	Forced         bool          `json:"forced,omitempty"`
	AppliedAt      time.Time     `json:"applied_at"`
	Replayed       bool          `json:"replayed,omitempty"`
}
