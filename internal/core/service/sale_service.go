package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/core/combo"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

type SaleStatus string

const (
	SaleApplied SaleStatus = "applied"
	SaleQueued  SaleStatus = "queued"
)

// SaleOutcome tells the till whether stock moved now or later.
type SaleOutcome struct {
	Status  SaleStatus              `json:"status"`
	Result  *domain.DeductionResult `json:"result,omitempty"`
	QueueID string                  `json:"queue_id,omitempty"`
	Queue   *domain.QueuedDeduction `json:"queued,omitempty"`
}

// SaleService turns a point-of-sale transaction into ledger deductions.
type SaleService struct {
	catalogs port.CatalogSource
	deducter Deducter
	queue    *QueueService
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewSaleService(catalogs port.CatalogSource, deducter Deducter, queue *QueueService, logger *zap.Logger) *SaleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaleService{
		catalogs: catalogs,
		deducter: deducter,
		queue:    queue,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// RecordSale resolves every sale line and deducts the result. Names that
// do not resolve fail the sale before any stock is touched. Short stock
// and ledger outages queue the sale instead of failing it.
func (s *SaleService) RecordSale(ctx context.Context, sale domain.Sale) (SaleOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "SaleService.RecordSale", trace.WithAttributes(
		attribute.String("store_id", sale.StoreID),
		attribute.String("transaction_id", sale.TransactionID),
	))
	defer span.End()

	if sale.StoreID == "" || sale.TransactionID == "" || sale.IdempotencyKey == "" {
		return SaleOutcome{}, fmt.Errorf("%w: store_id, transaction_id and idempotency_key are required", domain.ErrValidation)
	}

	// a sale queued earlier keeps its outcome even if stock is back now
	queued, err := s.queue.FindBySource(ctx, sale.StoreID, sale.IdempotencyKey)
	if err != nil {
		return SaleOutcome{}, err
	}
	if queued != nil {
		return SaleOutcome{Status: SaleQueued, QueueID: queued.ID, Queue: queued}, nil
	}

	catalog, err := s.catalogs.Snapshot(ctx, sale.StoreID)
	if err != nil {
		return SaleOutcome{}, fmt.Errorf("load catalog: %w", err)
	}
	lines, err := combo.Expand(catalog, sale.StoreID, sale.Lines)
	if err != nil {
		return SaleOutcome{}, err
	}

	req := domain.DeductionRequest{
		TransactionID:  sale.TransactionID,
		StoreID:        sale.StoreID,
		Lines:          lines,
		IdempotencyKey: sale.IdempotencyKey,
		Actor:          sale.Actor,
	}
	res, derr := s.deducter.Deduct(ctx, req)
	if derr == nil {
		return SaleOutcome{Status: SaleApplied, Result: &res}, nil
	}

	var (
		de     *domain.DeductionError
		reason domain.QueueReason
		notes  []string
	)
	switch {
	case errors.Is(derr, domain.ErrValidation):
		return SaleOutcome{}, derr
	case errors.As(derr, &de) && de.Has(domain.KindItemNotFound):
		return SaleOutcome{}, derr
	case errors.As(derr, &de) && de.Has(domain.KindInsufficientStock):
		reason, notes = domain.QueueReasonInsufficientStock, de.Messages()
	case errors.As(derr, &de):
		reason, notes = domain.QueueReasonOffline, de.Messages()
	default:
		reason, notes = domain.QueueReasonOffline, []string{derr.Error()}
	}

	source := make([]string, 0, len(sale.Lines))
	for _, l := range sale.Lines {
		source = append(source, l.DisplayName)
	}
	q, err := s.queue.Enqueue(ctx, sale.StoreID, domain.QueuePayload{
		TransactionID: sale.TransactionID,
		Lines:         lines,
		Source:        source,
		Actor:         sale.Actor,
		SourceKey:     sale.IdempotencyKey,
	}, reason, notes...)
	if err != nil {
		return SaleOutcome{}, fmt.Errorf("queue sale %s after %v: %w", sale.TransactionID, derr, err)
	}

	s.logger.Info("sale queued",
		zap.String("store_id", sale.StoreID),
		zap.String("transaction_id", sale.TransactionID),
		zap.String("queue_id", q.ID),
		zap.String("reason", string(reason)),
	)
	return SaleOutcome{Status: SaleQueued, QueueID: q.ID, Queue: &q}, nil
}
