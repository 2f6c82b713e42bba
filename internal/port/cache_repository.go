package port

import (
	"context"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// ResultCache is a fast path in front of the ledger's idempotency records.
// It is never authoritative.
type ResultCache interface {
	// LookupResult returns a cached result, nil if absent
	LookupResult(ctx context.Context, idempotencyKey string) (*domain.DeductionResult, error)

	// RememberResult caches a committed result; the first write wins
	RememberResult(ctx context.Context, result domain.DeductionResult) error
}
