package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDeductionRequest_Validate(t *testing.T) {
	valid := DeductionRequest{
		TransactionID:  "tx-1",
		StoreID:        "store-1",
		IdempotencyKey: "key-1",
		Lines:          []DeductionLine{{ItemID: "croissant", Quantity: decimal.NewFromInt(1)}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := map[string]func(r *DeductionRequest){
		"no store":      func(r *DeductionRequest) { r.StoreID = "" },
		"no key":        func(r *DeductionRequest) { r.IdempotencyKey = "" },
		"no lines":      func(r *DeductionRequest) { r.Lines = nil },
		"zero quantity": func(r *DeductionRequest) { r.Lines = []DeductionLine{{ItemID: "a"}} },
		"negative quantity": func(r *DeductionRequest) {
			r.Lines = []DeductionLine{{ItemID: "a", Quantity: decimal.NewFromInt(-2)}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid
			mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestDeductionError_Is(t *testing.T) {
	err := error(&DeductionError{
		TransactionID: "tx-1",
		Lines: []LineError{
			{ItemID: "a", Kind: KindInsufficientStock, Requested: decimal.NewFromInt(3), Available: decimal.NewFromInt(2)},
			{ItemID: "b", Kind: KindItemNotFound},
		},
	})

	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("expected ErrInsufficientStock in chain")
	}
	if !errors.Is(err, ErrItemNotFound) {
		t.Error("expected ErrItemNotFound in chain")
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		t.Error("did not expect ErrConcurrencyConflict")
	}

	var de *DeductionError
	if !errors.As(err, &de) || len(de.Messages()) != 2 {
		t.Fatalf("expected two line messages, got %v", err)
	}
}

func TestQueuedDeduction_Transition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	q := QueuedDeduction{ID: "q1", Status: QueueStatusPending}
	if err := q.Transition(QueueStatusInsufficientStock, "", now); err != nil {
		t.Fatalf("pending -> insufficient_stock: %v", err)
	}
	if q.ResolvedAt != nil {
		t.Error("non-terminal transition must not set resolved_at")
	}
	if err := q.Transition(QueueStatusPending, "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("insufficient_stock -> pending should fail, got %v", err)
	}
	if err := q.Transition(QueueStatusApproved, "manager", now); err != nil {
		t.Fatalf("insufficient_stock -> approved: %v", err)
	}
	if q.ResolvedBy != "manager" || q.ResolvedAt == nil || !q.ResolvedAt.Equal(now) {
		t.Errorf("unexpected resolution stamp: %+v", q)
	}
	for _, to := range []QueueStatus{QueueStatusPending, QueueStatusRejected, QueueStatusApproved} {
		if err := q.Transition(to, "x", now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("approved is terminal, transition to %s should fail", to)
		}
	}
}

func TestQueueReason_InitialStatus(t *testing.T) {
	if QueueReasonOffline.InitialStatus() != QueueStatusPending {
		t.Error("offline should start pending")
	}
	if QueueReasonInsufficientStock.InitialStatus() != QueueStatusInsufficientStock {
		t.Error("insufficient_stock should start insufficient_stock")
	}
}

func TestParseQueueStatus(t *testing.T) {
	if st, err := ParseQueueStatus("approved"); err != nil || st != QueueStatusApproved {
		t.Errorf("unexpected parse result %q %v", st, err)
	}
	if _, err := ParseQueueStatus("done"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
