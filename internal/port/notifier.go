package port

import "context"

type EventType string

const (
	EventQueueEnqueued     EventType = "queue.enqueued"
	EventInsufficientStock EventType = "stock.insufficient"
	EventQueueSynced       EventType = "queue.synced"
	EventQueueApproved     EventType = "queue.approved"
	EventQueueRejected     EventType = "queue.rejected"
)

// Notifier delivers outbound events. Delivery failures are the
// notifier's problem; callers never roll back on them.
type Notifier interface {
	Notify(ctx context.Context, event EventType, payload any) error
}
