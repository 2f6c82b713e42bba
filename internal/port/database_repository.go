package port

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// ErrOptimisticLock is returned by adapters when a versioned write lost a race.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// LedgerRepository is the per-store stock ledger.
type LedgerRepository interface {
	// WithinTx runs fn as one atomic unit. Every write made through tx is
	// committed together, or none is when fn or the commit fails.
	// A commit that loses a version race returns ErrOptimisticLock.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// GetStock reads the committed state of an item, nil if absent.
	GetStock(ctx context.Context, storeID, itemID string) (*domain.StockItem, error)

	// FindApplied returns the stored result for an idempotency key, nil if absent.
	FindApplied(ctx context.Context, idempotencyKey string) (*domain.DeductionResult, error)

	// ListMovements returns movements for a transaction in insertion order.
	ListMovements(ctx context.Context, storeID, transactionID string) ([]domain.MovementLogEntry, error)
}

// LedgerTx is the view of the ledger inside one unit of work.
type LedgerTx interface {
	Get(ctx context.Context, storeID, itemID string) (*domain.StockItem, error)

	// CompareAndSet writes newQuantity and bumps the version only if the
	// stored version still equals expectedVersion.
	CompareAndSet(ctx context.Context, storeID, itemID string, expectedVersion int64, newQuantity decimal.Decimal) (bool, error)

	AppendMovement(ctx context.Context, entry domain.MovementLogEntry) error

	FindApplied(ctx context.Context, idempotencyKey string) (*domain.DeductionResult, error)

	// RecordApplied stores the result under its idempotency key. A key
	// recorded concurrently surfaces as ErrOptimisticLock on write or commit.
	RecordApplied(ctx context.Context, result domain.DeductionResult) error
}

// Activity summarises recent deduction traffic for a store.
type Activity struct {
	Transactions int // distinct transactions seen by the engine
	Covered      int // of those, transactions with at least one movement
}

// StockLevels counts items in noteworthy states.
type StockLevels struct {
	Items    int
	Low      int
	Negative int
}

// HealthSource is the read-only view the monitor samples.
type HealthSource interface {
	RecentActivity(ctx context.Context, storeID string, since time.Time) (Activity, error)
	StockLevels(ctx context.Context, storeID string) (StockLevels, error)
}
