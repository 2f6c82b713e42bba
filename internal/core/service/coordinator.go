package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/retry"
	"github.com/rl1809/stock-deduction/internal/port"
)

const tracerName = "github.com/rl1809/stock-deduction/internal/core/service"

// Coordinator applies deductions to a store ledger all-or-nothing.
// A request either commits every line, its movements and its
// idempotency record together, or changes nothing.
type Coordinator struct {
	ledger   port.LedgerRepository
	cache    port.ResultCache
	policy   retry.Policy
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
}

type CoordinatorOption func(*Coordinator)

// WithResultCache puts a cache in front of the ledger's idempotency records.
func WithResultCache(cache port.ResultCache) CoordinatorOption {
	return func(c *Coordinator) { c.cache = cache }
}

func WithRetryPolicy(p retry.Policy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

func NewCoordinator(ledger port.LedgerRepository, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ledger:   ledger,
		policy:   retry.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type deductOptions struct {
	force bool
}

type DeductOption func(*deductOptions)

// WithForce applies the request even if stock goes negative. Movements are
// logged as compensation. Used by manual approval only.
func WithForce() DeductOption {
	return func(o *deductOptions) { o.force = true }
}

// change is one signed ledger adjustment.
type change struct {
	itemID string
	delta  decimal.Decimal
}

// unitOfWork is everything needed to apply a set of changes once.
type unitOfWork struct {
	key           string
	storeID       string
	transactionID string
	actor         string
	changes       []change
	reason        domain.MovementReason
	force         bool
}

func (c *Coordinator) Deduct(ctx context.Context, req domain.DeductionRequest, opts ...DeductOption) (domain.DeductionResult, error) {
	var o deductOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := c.tracer.Start(ctx, "Coordinator.Deduct", trace.WithAttributes(
		attribute.String("store_id", req.StoreID),
		attribute.String("transaction_id", req.TransactionID),
		attribute.Int("lines", len(req.Lines)),
		attribute.Bool("forced", o.force),
	))
	defer span.End()

	start := time.Now()
	res, err := c.deduct(ctx, req, o)
	c.finish(span, req.StoreID, res, err, time.Since(start))
	return res, err
}

func (c *Coordinator) deduct(ctx context.Context, req domain.DeductionRequest, o deductOptions) (domain.DeductionResult, error) {
	if err := req.Validate(); err != nil {
		return domain.DeductionResult{}, err
	}
	if cached := c.lookupCache(ctx, req.IdempotencyKey); cached != nil {
		return *cached, nil
	}

	reason := domain.ReasonSale
	if o.force {
		reason = domain.ReasonCompensation
	}
	changes := make([]change, 0, len(req.Lines))
	for _, line := range req.Lines {
		changes = append(changes, change{itemID: line.ItemID, delta: line.Quantity.Neg()})
	}

	return c.apply(ctx, unitOfWork{
		key:           req.IdempotencyKey,
		storeID:       req.StoreID,
		transactionID: req.TransactionID,
		actor:         req.Actor,
		changes:       changes,
		reason:        reason,
		force:         o.force,
	})
}

// Check reports whether req would apply right now without writing
// anything. It returns a *domain.DeductionError listing the offending lines.
func (c *Coordinator) Check(ctx context.Context, req domain.DeductionRequest) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Check", trace.WithAttributes(
		attribute.String("store_id", req.StoreID),
		attribute.String("transaction_id", req.TransactionID),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return err
	}
	changes := make([]change, 0, len(req.Lines))
	for _, line := range req.Lines {
		changes = append(changes, change{itemID: line.ItemID, delta: line.Quantity.Neg()})
	}
	_, _, lineErrs, err := plan(ctx, c.ledger.GetStock, req.StoreID, changes, false)
	if err != nil {
		return err
	}
	if len(lineErrs) > 0 {
		return &domain.DeductionError{TransactionID: req.TransactionID, Lines: lineErrs}
	}
	return nil
}

// Applied returns the committed result stored under idempotencyKey, nil if
// nothing was applied under it.
func (c *Coordinator) Applied(ctx context.Context, idempotencyKey string) (*domain.DeductionResult, error) {
	if cached := c.lookupCache(ctx, idempotencyKey); cached != nil {
		return cached, nil
	}
	res, err := c.ledger.FindApplied(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("find applied: %w", err)
	}
	return res, nil
}

// Restore voids a transaction by adding back every sale and compensation
// movement it produced. Restoring the same transaction twice replays the
// first result.
func (c *Coordinator) Restore(ctx context.Context, storeID, transactionID, actor string) (domain.DeductionResult, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Restore", trace.WithAttributes(
		attribute.String("store_id", storeID),
		attribute.String("transaction_id", transactionID),
	))
	defer span.End()

	start := time.Now()
	res, err := c.restore(ctx, storeID, transactionID, actor)
	c.finish(span, storeID, res, err, time.Since(start))
	return res, err
}

func (c *Coordinator) restore(ctx context.Context, storeID, transactionID, actor string) (domain.DeductionResult, error) {
	if storeID == "" || transactionID == "" {
		return domain.DeductionResult{}, fmt.Errorf("%w: store_id and transaction_id are required", domain.ErrValidation)
	}
	key := "void/" + storeID + "/" + transactionID
	if cached := c.lookupCache(ctx, key); cached != nil {
		return *cached, nil
	}
	if prior, err := c.ledger.FindApplied(ctx, key); err != nil {
		return domain.DeductionResult{}, fmt.Errorf("find applied: %w", err)
	} else if prior != nil {
		prior.Replayed = true
		return *prior, nil
	}

	moves, err := c.ledger.ListMovements(ctx, storeID, transactionID)
	if err != nil {
		return domain.DeductionResult{}, fmt.Errorf("list movements: %w", err)
	}
	var changes []change
	for _, m := range moves {
		if m.Reason == domain.ReasonSale || m.Reason == domain.ReasonCompensation {
			changes = append(changes, change{itemID: m.ItemID, delta: m.Delta.Neg()})
		}
	}
	if len(changes) == 0 {
		return domain.DeductionResult{}, fmt.Errorf("%w: no movements for transaction %s", domain.ErrItemNotFound, transactionID)
	}

	return c.apply(ctx, unitOfWork{
		key:           key,
		storeID:       storeID,
		transactionID: transactionID,
		actor:         actor,
		changes:       changes,
		reason:        domain.ReasonVoid,
	})
}

func (c *Coordinator) apply(ctx context.Context, w unitOfWork) (domain.DeductionResult, error) {
	var (
		result   domain.DeductionResult
		conflict string
		attempts int
	)
	err := c.policy.Do(ctx, isConflict, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			c.recorder.DeductionRetried(w.storeID)
			c.logger.Debug("retrying deduction",
				zap.String("store_id", w.storeID),
				zap.String("transaction_id", w.transactionID),
				zap.Int("attempt", attempt),
			)
		}
		return c.ledger.WithinTx(ctx, func(tx port.LedgerTx) error {
			r, item, err := c.applyOnce(ctx, tx, w)
			result, conflict = r, item
			return err
		})
	})

	if isConflict(err) {
		c.logger.Warn("deduction conflict retries exhausted",
			zap.String("store_id", w.storeID),
			zap.String("transaction_id", w.transactionID),
			zap.Int("attempts", attempts),
		)
		return domain.DeductionResult{}, conflictError(w, conflict)
	}
	var de *domain.DeductionError
	if errors.As(err, &de) {
		return domain.DeductionResult{}, err
	}
	if err != nil {
		return domain.DeductionResult{}, fmt.Errorf("apply %s: %w", w.transactionID, err)
	}

	stored := result
	stored.Replayed = false
	c.rememberResult(ctx, stored)

	if !result.Replayed {
		c.logger.Info("deduction applied",
			zap.String("store_id", w.storeID),
			zap.String("transaction_id", w.transactionID),
			zap.String("reason", string(w.reason)),
			zap.Int("lines", len(result.Lines)),
			zap.Int("attempts", attempts),
		)
	}
	return result, nil
}

// applyOnce runs one attempt inside a unit of work. On a lost
// compare-and-set it also returns the contended item.
func (c *Coordinator) applyOnce(ctx context.Context, tx port.LedgerTx, w unitOfWork) (domain.DeductionResult, string, error) {
	prior, err := tx.FindApplied(ctx, w.key)
	if err != nil {
		return domain.DeductionResult{}, "", fmt.Errorf("find applied: %w", err)
	}
	if prior != nil {
		prior.Replayed = true
		return *prior, "", nil
	}

	items, applied, lineErrs, err := plan(ctx, tx.Get, w.storeID, w.changes, w.force)
	if err != nil {
		return domain.DeductionResult{}, "", err
	}
	if len(lineErrs) > 0 {
		return domain.DeductionResult{}, "", &domain.DeductionError{TransactionID: w.transactionID, Lines: lineErrs}
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := items[id]
		ok, err := tx.CompareAndSet(ctx, w.storeID, id, p.version, p.quantity)
		if err != nil {
			return domain.DeductionResult{}, id, fmt.Errorf("update %s: %w", id, err)
		}
		if !ok {
			return domain.DeductionResult{}, id, fmt.Errorf("%w: %s/%s", port.ErrOptimisticLock, w.storeID, id)
		}
	}

	now := c.now()
	for _, line := range applied {
		err := tx.AppendMovement(ctx, domain.MovementLogEntry{
			StoreID:                w.storeID,
			ItemID:                 line.ItemID,
			Delta:                  line.NewQuantity.Sub(line.PreviousQuantity),
			PreviousQuantity:       line.PreviousQuantity,
			NewQuantity:            line.NewQuantity,
			ReferenceTransactionID: w.transactionID,
			Reason:                 w.reason,
			Actor:                  w.actor,
			CreatedAt:              now,
		})
		if err != nil {
			return domain.DeductionResult{}, "", fmt.Errorf("append movement: %w", err)
		}
	}

	result := domain.DeductionResult{
		TransactionID:  w.transactionID,
		StoreID:        w.storeID,
		IdempotencyKey: w.key,
		Lines:          applied,
		Forced:         w.force,
		AppliedAt:      now,
	}
	if err := tx.RecordApplied(ctx, result); err != nil {
		return domain.DeductionResult{}, "", fmt.Errorf("record applied: %w", err)
	}
	return result, "", nil
}

type planned struct {
	version  int64
	quantity decimal.Decimal
}

type stockReader func(ctx context.Context, storeID, itemID string) (*domain.StockItem, error)

// plan walks changes in input order keeping a running quantity per item.
// It returns the final quantity per item, the applied lines and one
// LineError per change that cannot be applied.
func plan(ctx context.Context, get stockReader, storeID string, changes []change, force bool) (map[string]*planned, []domain.AppliedLine, []domain.LineError, error) {
	items := make(map[string]*planned)
	applied := make([]domain.AppliedLine, 0, len(changes))
	var lineErrs []domain.LineError

	for _, ch := range changes {
		p, ok := items[ch.itemID]
		if !ok {
			item, err := get(ctx, storeID, ch.itemID)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("read %s: %w", ch.itemID, err)
			}
			if item == nil {
				lineErrs = append(lineErrs, domain.LineError{
					ItemID:    ch.itemID,
					Kind:      domain.KindItemNotFound,
					Requested: ch.delta.Abs(),
				})
				continue
			}
			p = &planned{version: item.Version, quantity: item.Quantity}
			items[ch.itemID] = p
		}

		next := p.quantity.Add(ch.delta)
		if ch.delta.IsNegative() && next.IsNegative() && !force {
			lineErrs = append(lineErrs, domain.LineError{
				ItemID:    ch.itemID,
				Kind:      domain.KindInsufficientStock,
				Requested: ch.delta.Abs(),
				Available: p.quantity,
			})
			continue
		}
		applied = append(applied, domain.AppliedLine{ItemID: ch.itemID, PreviousQuantity: p.quantity, NewQuantity: next})
		p.quantity = next
	}
	return items, applied, lineErrs, nil
}

func isConflict(err error) bool {
	return errors.Is(err, port.ErrOptimisticLock)
}

func conflictError(w unitOfWork, item string) *domain.DeductionError {
	de := &domain.DeductionError{TransactionID: w.transactionID}
	if item != "" {
		de.Lines = append(de.Lines, domain.LineError{ItemID: item, Kind: domain.KindConcurrencyConflict})
		return de
	}
	// the race was lost at commit; every item is suspect
	seen := make(map[string]bool)
	for _, ch := range w.changes {
		if !seen[ch.itemID] {
			seen[ch.itemID] = true
			de.Lines = append(de.Lines, domain.LineError{ItemID: ch.itemID, Kind: domain.KindConcurrencyConflict})
		}
	}
	return de
}

func (c *Coordinator) lookupCache(ctx context.Context, key string) *domain.DeductionResult {
	if c.cache == nil {
		return nil
	}
	res, err := c.cache.LookupResult(ctx, key)
	if err != nil {
		c.logger.Warn("result cache lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil
	}
	if res != nil {
		res.Replayed = true
	}
	return res
}

func (c *Coordinator) rememberResult(ctx context.Context, res domain.DeductionResult) {
	if c.cache == nil {
		return
	}
	if err := c.cache.RememberResult(ctx, res); err != nil {
		c.logger.Warn("result cache write failed", zap.String("idempotency_key", res.IdempotencyKey), zap.Error(err))
	}
}

func (c *Coordinator) finish(span trace.Span, storeID string, res domain.DeductionResult, err error, elapsed time.Duration) {
	outcome := outcomeOf(res, err)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	c.recorder.DeductionCompleted(storeID, outcome, elapsed)
}

func outcomeOf(res domain.DeductionResult, err error) string {
	var de *domain.DeductionError
	switch {
	case err == nil && res.Replayed:
		return OutcomeReplayed
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, domain.ErrValidation):
		return OutcomeInvalid
	case errors.As(err, &de) && de.Has(domain.KindConcurrencyConflict):
		return OutcomeConflict
	case errors.As(err, &de):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
