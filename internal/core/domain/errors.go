package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrItemNotFound        = errors.New("item not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyApplied      = errors.New("already applied")
	ErrValidation          = errors.New("validation error")

	ErrQueueItemNotFound = errors.New("queued deduction not found")
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrQueueConflict     = errors.New("queued deduction modified concurrently")
)

type ErrorKind string

const (
	KindInsufficientStock   ErrorKind = "insufficient_stock"
	KindItemNotFound        ErrorKind = "item_not_found"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
)

// LineError describes why a single deduction line could not be applied.
type LineError struct {
	ItemID    string          `json:"item_id"`
	Kind      ErrorKind       `json:"kind"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

func (e LineError) Error() string {
	switch e.Kind {
	case KindInsufficientStock:
		return fmt.Sprintf("%s: need %s, have %s", e.ItemID, e.Requested, e.Available)
	case KindItemNotFound:
		return fmt.Sprintf("%s: not found in store ledger", e.ItemID)
	default:
		return fmt.Sprintf("%s: concurrent update, retry budget exhausted", e.ItemID)
	}
}

func (e LineError) Unwrap() error {
	switch e.Kind {
	case KindInsufficientStock:
		return ErrInsufficientStock
	case KindItemNotFound:
		return ErrItemNotFound
	default:
		return ErrConcurrencyConflict
	}
}

// DeductionError rejects a whole request. It carries one LineError per
// offending line.
type DeductionError struct {
	TransactionID string
	Lines         []LineError
}

func (e *DeductionError) Error() string {
	msgs := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		msgs = append(msgs, l.Error())
	}
	return fmt.Sprintf("deduction %s rejected: %s", e.TransactionID, strings.Join(msgs, "; "))
}

func (e *DeductionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Lines))
	for _, l := range e.Lines {
		errs = append(errs, l)
	}
	return errs
}

// Has reports whether any line failed with the given kind.
func (e *DeductionError) Has(kind ErrorKind) bool {
	for _, l := range e.Lines {
		if l.Kind == kind {
			return true
		}
	}
	return false
}

// Messages renders the line errors for storage on a queued deduction.
func (e *DeductionError) Messages() []string {
	msgs := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		msgs = append(msgs, l.Error())
	}
	return msgs
}
