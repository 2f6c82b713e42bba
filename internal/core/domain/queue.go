package domain

import (
	"fmt"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending           QueueStatus = "pending"
	QueueStatusInsufficientStock QueueStatus = "insufficient_stock"
	QueueStatusApproved          QueueStatus = "approved"
	QueueStatusRejected          QueueStatus = "rejected"
)

// ParseQueueStatus accepts the wire form of a status.
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch st := QueueStatus(s); st {
	case QueueStatusPending, QueueStatusInsufficientStock, QueueStatusApproved, QueueStatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown queue status %q", ErrValidation, s)
}

func (s QueueStatus) Terminal() bool {
	return s == QueueStatusApproved || s == QueueStatusRejected
}

type QueueReason string

const (
	QueueReasonOffline           QueueReason = "offline"
	QueueReasonInsufficientStock QueueReason = "insufficient_stock"
)

// InitialStatus is the status a new record starts in for the given reason.
func (r QueueReason) InitialStatus() QueueStatus {
	if r == QueueReasonInsufficientStock {
		return QueueStatusInsufficientStock
	}
	return QueueStatusPending
}

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusPending:           {QueueStatusPending, QueueStatusApproved, QueueStatusInsufficientStock, QueueStatusRejected},
	QueueStatusInsufficientStock: {QueueStatusApproved, QueueStatusRejected},
}

// CanTransition reports whether from -> to is an edge of the queue state machine.
// pending -> pending is allowed so a failed sync can record its errors.
func CanTransition(from, to QueueStatus) bool {
	for _, next := range queueTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// QueuePayload is what the queue needs to replay a deduction later.
// SourceKey is the idempotency key of the request that was queued;
// enqueueing the same key twice yields the same record.
type QueuePayload struct {
	TransactionID string          `json:"transaction_id"`
	Lines         []DeductionLine `json:"lines"`
	Source        []string        `json:"source,omitempty"` // sale line display names, for operators
	Reason        QueueReason     `json:"reason"`
	Actor         string          `json:"actor,omitempty"`
	SourceKey     string          `json:"source_key,omitempty"`
}

// QueuedDeduction is a deferred deduction awaiting sync or a human decision.
type QueuedDeduction struct {
	ID               string       `json:"id"`
	StoreID          string       `json:"store_id"`
	Payload          QueuePayload `json:"transaction_payload"`
	Status           QueueStatus  `json:"status"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Attempts         int          `json:"attempts"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy       string       `json:"resolved_by,omitempty"`
	ClaimedBy        string       `json:"claimed_by,omitempty"`
	ClaimedUntil     *time.Time   `json:"claimed_until,omitempty"`
}

// Transition moves the record to a new status, stamping resolution
// details when the new status is terminal.
func (q *QueuedDeduction) Transition(to QueueStatus, actor string, at time.Time) error {
	if !CanTransition(q.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, to)
	}
	q.Status = to
	q.UpdatedAt = at
	if to.Terminal() {
		q.ResolvedAt = &at
		q.ResolvedBy = actor
	}
	return nil
}

// Claimed reports whether an actor is applying the record at the given time.
// A claim whose lease ran out no longer blocks other actors.
func (q QueuedDeduction) Claimed(at time.Time) bool {
	return q.ClaimedUntil != nil && at.Before(*q.ClaimedUntil)
}

func (q *QueuedDeduction) Claim(actor string, until time.Time) {
	q.ClaimedBy = actor
	q.ClaimedUntil = &until
}

func (q *QueuedDeduction) Release() {
	q.ClaimedBy = ""
	q.ClaimedUntil = nil
}

// IdempotencyKey is the deduction key used for every attempt at applying
// this record, so a replay after a lost status update is a no-op.
func (q QueuedDeduction) IdempotencyKey() string {
	return "queue/" + q.ID
}
