package port

import (
	"context"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

type QueueRepository interface {
	Insert(ctx context.Context, q domain.QueuedDeduction) error

	// Get returns nil if the id is unknown
	Get(ctx context.Context, id string) (*domain.QueuedDeduction, error)

	// Update stores q with Version expectedVersion+1 if the stored version
	// is still expectedVersion, otherwise ErrOptimisticLock.
	Update(ctx context.Context, q domain.QueuedDeduction, expectedVersion int64) error

	// ListByStoreAndStatus returns records oldest first.
	ListByStoreAndStatus(ctx context.Context, storeID string, statuses ...domain.QueueStatus) ([]domain.QueuedDeduction, error)

	CountByStatus(ctx context.Context, storeID string) (map[domain.QueueStatus]int, error)
}
