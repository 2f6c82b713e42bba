package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

// queueNamespace derives stable queue ids from request idempotency keys.
var queueNamespace = uuid.MustParse("6f1c7a52-3a4e-4d55-9b0e-2f4a8f7c1d90")

const (
	sweeperActor    = "system:sweeper"
	defaultClaimTTL = 30 * time.Second
)

// Deducter is the slice of Coordinator the queue and sale flow need.
type Deducter interface {
	Deduct(ctx context.Context, req domain.DeductionRequest, opts ...DeductOption) (domain.DeductionResult, error)
	Applied(ctx context.Context, idempotencyKey string) (*domain.DeductionResult, error)
}

// QueueService holds deductions that could not be applied when they
// happened until a sync or an operator resolves them.
type QueueService struct {
	repo     port.QueueRepository
	deducter Deducter
	notifier port.Notifier
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
	claimTTL time.Duration
}

type QueueOption func(*QueueService)

func WithQueueClock(now func() time.Time) QueueOption {
	return func(s *QueueService) { s.now = now }
}

func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(s *QueueService) { s.logger = logger }
}

func WithQueueRecorder(r Recorder) QueueOption {
	return func(s *QueueService) { s.recorder = r }
}

// WithClaimTTL bounds how long a sync or approval holds a record while its
// deduction is in flight.
func WithClaimTTL(d time.Duration) QueueOption {
	return func(s *QueueService) { s.claimTTL = d }
}

func NewQueueService(repo port.QueueRepository, deducter Deducter, notifier port.Notifier, opts ...QueueOption) *QueueService {
	s := &QueueService{
		repo:     repo,
		deducter: deducter,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		claimTTL: defaultClaimTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncSummary counts the outcomes of one sweep.
type SyncSummary struct {
	Synced        int `json:"synced"`
	NeedsApproval int `json:"needs_approval"`
	Failed        int `json:"failed"`
}

// QueueStats describes the backlog of one store.
type QueueStats struct {
	StoreID     string                     `json:"store_id"`
	Counts      map[domain.QueueStatus]int `json:"counts"`
	Open        int                        `json:"open"`
	OldestOpen  *time.Time                 `json:"oldest_open,omitempty"`
	AverageWait time.Duration              `json:"average_wait_ns"`
}

// Enqueue stores a deduction for later. Enqueueing a payload whose
// SourceKey was already queued returns the existing record.
func (s *QueueService) Enqueue(ctx context.Context, storeID string, payload domain.QueuePayload, reason domain.QueueReason, validationErrors ...string) (domain.QueuedDeduction, error) {
	if storeID == "" || payload.TransactionID == "" {
		return domain.QueuedDeduction{}, fmt.Errorf("%w: store_id and transaction_id are required", domain.ErrValidation)
	}
	if len(payload.Lines) == 0 {
		return domain.QueuedDeduction{}, fmt.Errorf("%w: queued deduction has no lines", domain.ErrValidation)
	}

	id := uuid.NewString()
	if payload.SourceKey != "" {
		id = sourceQueueID(storeID, payload.SourceKey)
		if existing, err := s.repo.Get(ctx, id); err != nil {
			return domain.QueuedDeduction{}, fmt.Errorf("get queued deduction: %w", err)
		} else if existing != nil {
			return *existing, nil
		}
	}

	now := s.now()
	payload.Reason = reason
	q := domain.QueuedDeduction{
		ID:               id,
		StoreID:          storeID,
		Payload:          payload,
		Status:           reason.InitialStatus(),
		ValidationErrors: validationErrors,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, q); err != nil {
		// lost a race with the same source key
		if existing, gerr := s.repo.Get(ctx, id); gerr == nil && existing != nil {
			return *existing, nil
		}
		return domain.QueuedDeduction{}, fmt.Errorf("insert queued deduction: %w", err)
	}

	s.logger.Info("deduction queued",
		zap.String("store_id", storeID),
		zap.String("transaction_id", payload.TransactionID),
		zap.String("queue_id", id),
		zap.String("reason", string(reason)),
	)
	s.recorder.QueueTransitioned(storeID, q.Status)
	s.notify(ctx, port.EventQueueEnqueued, q)
	if q.Status == domain.QueueStatusInsufficientStock {
		s.notify(ctx, port.EventInsufficientStock, q)
	}
	return q, nil
}

func (s *QueueService) Get(ctx context.Context, id string) (domain.QueuedDeduction, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.QueuedDeduction{}, fmt.Errorf("get queued deduction: %w", err)
	}
	if q == nil {
		return domain.QueuedDeduction{}, fmt.Errorf("%w: %s", domain.ErrQueueItemNotFound, id)
	}
	return *q, nil
}

// FindBySource returns the record queued for a request idempotency key,
// nil if that request was never queued.
func (s *QueueService) FindBySource(ctx context.Context, storeID, sourceKey string) (*domain.QueuedDeduction, error) {
	q, err := s.repo.Get(ctx, sourceQueueID(storeID, sourceKey))
	if err != nil {
		return nil, fmt.Errorf("get queued deduction: %w", err)
	}
	return q, nil
}

// List returns a store's records oldest first, optionally filtered by status.
func (s *QueueService) List(ctx context.Context, storeID string, statuses ...domain.QueueStatus) ([]domain.QueuedDeduction, error) {
	out, err := s.repo.ListByStoreAndStatus(ctx, storeID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list queued deductions: %w", err)
	}
	return out, nil
}

// SyncOne retries a pending record against the ledger. The record moves to
// approved on success and to insufficient_stock when stock is short. Any
// other failure keeps it pending with the errors recorded and is returned.
// The record is claimed before the ledger is touched.
func (s *QueueService) SyncOne(ctx context.Context, id, actor string) (domain.QueuedDeduction, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return domain.QueuedDeduction{}, err
	}
	if q.Status != domain.QueueStatusPending {
		return q, fmt.Errorf("%w: cannot sync a %s record", domain.ErrInvalidTransition, q.Status)
	}
	if err := s.claim(ctx, &q, actor); err != nil {
		return q, err
	}

	_, derr := s.deducter.Deduct(ctx, deductionFor(q, actor))
	q.Attempts++

	var (
		de    *domain.DeductionError
		next  domain.QueueStatus
		event port.EventType
	)
	switch {
	case derr == nil:
		next, event = domain.QueueStatusApproved, port.EventQueueSynced
		q.ValidationErrors = nil
	case errors.As(derr, &de) && de.Has(domain.KindInsufficientStock):
		next, event = domain.QueueStatusInsufficientStock, port.EventInsufficientStock
		q.ValidationErrors = de.Messages()
	case errors.As(derr, &de):
		next = domain.QueueStatusPending
		q.ValidationErrors = de.Messages()
	default:
		next = domain.QueueStatusPending
		q.ValidationErrors = []string{derr.Error()}
	}

	q.Release()
	if err := q.Transition(next, actor, s.now()); err != nil {
		return q, err
	}
	if err := s.update(ctx, &q, q.Version); err != nil {
		if derr == nil {
			s.logger.Error("sync applied but status update failed",
				zap.String("store_id", q.StoreID),
				zap.String("queue_id", q.ID),
				zap.Error(err),
			)
		}
		return q, err
	}

	if event != "" {
		s.notify(ctx, event, q)
	}
	if next == domain.QueueStatusPending {
		return q, fmt.Errorf("sync %s: %w", q.ID, derr)
	}
	return q, nil
}

// Approve applies a record that was short on stock, letting the ledger go
// negative. Lines whose item the ledger does not know are skipped and
// noted, the rest are applied. Transient or storage failures leave the
// record awaiting approval.
func (s *QueueService) Approve(ctx context.Context, id, actor string) (domain.QueuedDeduction, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return domain.QueuedDeduction{}, err
	}
	if q.Status != domain.QueueStatusInsufficientStock {
		return q, fmt.Errorf("%w: cannot approve a %s record", domain.ErrInvalidTransition, q.Status)
	}
	if err := s.claim(ctx, &q, actor); err != nil {
		return q, err
	}

	missing, err := s.forceApply(ctx, q, actor)
	if err != nil {
		s.release(ctx, &q)
		return q, fmt.Errorf("approve %s: %w", q.ID, err)
	}
	q.ValidationErrors = missing
	if len(missing) > 0 {
		q.Notes = "approved without ledger changes for missing items"
	}

	q.Release()
	if err := q.Transition(domain.QueueStatusApproved, actor, s.now()); err != nil {
		return q, err
	}
	if err := s.update(ctx, &q, q.Version); err != nil {
		return q, err
	}
	s.notify(ctx, port.EventQueueApproved, q)
	return q, nil
}

// Reject closes a record without touching the ledger. A record that is
// being applied, or whose deduction already reached the ledger, cannot be
// rejected.
func (s *QueueService) Reject(ctx context.Context, id, actor, reason string) (domain.QueuedDeduction, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return domain.QueuedDeduction{}, err
	}
	if q.Claimed(s.now()) {
		return q, fmt.Errorf("%w: %s is being applied by %s", domain.ErrQueueConflict, q.ID, q.ClaimedBy)
	}
	if !q.Status.Terminal() {
		applied, err := s.deducter.Applied(ctx, q.IdempotencyKey())
		if err != nil {
			return q, fmt.Errorf("reject %s: %w", q.ID, err)
		}
		if applied != nil {
			return q, fmt.Errorf("%w: %s already reached the ledger", domain.ErrQueueConflict, q.ID)
		}
	}

	expected := q.Version
	if err := q.Transition(domain.QueueStatusRejected, actor, s.now()); err != nil {
		return q, err
	}
	q.Notes = reason
	q.Release()
	if err := s.update(ctx, &q, expected); err != nil {
		return q, err
	}
	s.notify(ctx, port.EventQueueRejected, q)
	return q, nil
}

// SyncAll syncs every pending record of a store, oldest first. Records
// waiting for approval are left alone.
func (s *QueueService) SyncAll(ctx context.Context, storeID, actor string) (SyncSummary, error) {
	var summary SyncSummary
	pending, err := s.List(ctx, storeID, domain.QueueStatusPending)
	if err != nil {
		return summary, err
	}

	for _, q := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		synced, err := s.SyncOne(ctx, q.ID, actor)
		switch {
		case errors.Is(err, domain.ErrQueueConflict), errors.Is(err, domain.ErrInvalidTransition):
			// resolved by someone else meanwhile
			continue
		case err == nil && synced.Status == domain.QueueStatusApproved:
			summary.Synced++
		case err == nil && synced.Status == domain.QueueStatusInsufficientStock:
			summary.NeedsApproval++
		default:
			summary.Failed++
		}
	}
	return summary, nil
}

func (s *QueueService) Stats(ctx context.Context, storeID string) (QueueStats, error) {
	counts, err := s.repo.CountByStatus(ctx, storeID)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count queued deductions: %w", err)
	}
	stats := QueueStats{StoreID: storeID, Counts: counts}

	open, err := s.List(ctx, storeID, domain.QueueStatusPending, domain.QueueStatusInsufficientStock)
	if err != nil {
		return QueueStats{}, err
	}
	stats.Open = len(open)
	if len(open) == 0 {
		return stats, nil
	}

	now := s.now()
	var total time.Duration
	for _, q := range open {
		total += now.Sub(q.CreatedAt)
	}
	stats.AverageWait = total / time.Duration(len(open))
	oldest := open[0].CreatedAt
	stats.OldestOpen = &oldest
	return stats, nil
}

// RunSweeper syncs the pending records of every store each interval until
// ctx is done.
func (s *QueueService) RunSweeper(ctx context.Context, stores []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, store := range stores {
			summary, err := s.SyncAll(ctx, store, sweeperActor)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("queue sweep failed", zap.String("store_id", store), zap.Error(err))
				continue
			}
			if summary != (SyncSummary{}) {
				s.logger.Info("queue sweep",
					zap.String("store_id", store),
					zap.Int("synced", summary.Synced),
					zap.Int("needs_approval", summary.NeedsApproval),
					zap.Int("failed", summary.Failed),
				)
			}
		}
	}
}

func (s *QueueService) update(ctx context.Context, q *domain.QueuedDeduction, expected int64) error {
	if err := s.repo.Update(ctx, *q, expected); err != nil {
		if errors.Is(err, port.ErrOptimisticLock) {
			return fmt.Errorf("%w: %s", domain.ErrQueueConflict, q.ID)
		}
		return fmt.Errorf("update queued deduction: %w", err)
	}
	q.Version = expected + 1
	s.recorder.QueueTransitioned(q.StoreID, q.Status)
	s.logger.Info("queued deduction updated",
		zap.String("store_id", q.StoreID),
		zap.String("queue_id", q.ID),
		zap.String("status", string(q.Status)),
		zap.String("actor", q.ResolvedBy),
	)
	return nil
}

func (s *QueueService) notify(ctx context.Context, event port.EventType, q domain.QueuedDeduction) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, q); err != nil {
		s.logger.Warn("notification failed",
			zap.String("event", string(event)),
			zap.String("queue_id", q.ID),
			zap.Error(err),
		)
	}
}

// claim leases q to actor with a versioned write. Every other resolution
// of q either loses the version race or sees the live claim.
func (s *QueueService) claim(ctx context.Context, q *domain.QueuedDeduction, actor string) error {
	now := s.now()
	if q.Claimed(now) {
		return fmt.Errorf("%w: %s is being applied by %s", domain.ErrQueueConflict, q.ID, q.ClaimedBy)
	}
	expected := q.Version
	q.Claim(actor, now.Add(s.claimTTL))
	q.UpdatedAt = now
	if err := s.repo.Update(ctx, *q, expected); err != nil {
		if errors.Is(err, port.ErrOptimisticLock) {
			return fmt.Errorf("%w: %s", domain.ErrQueueConflict, q.ID)
		}
		return fmt.Errorf("claim queued deduction: %w", err)
	}
	q.Version = expected + 1
	return nil
}

// release drops the claim of an attempt that changed nothing. A failed
// release only delays other actors until the lease runs out.
func (s *QueueService) release(ctx context.Context, q *domain.QueuedDeduction) {
	expected := q.Version
	q.Release()
	if err := s.repo.Update(ctx, *q, expected); err != nil {
		s.logger.Warn("release queued deduction",
			zap.String("queue_id", q.ID),
			zap.Error(err),
		)
		return
	}
	q.Version = expected + 1
}

// forceApply deducts q letting stock go negative. Lines whose item is
// missing from the ledger are left out and returned as messages.
func (s *QueueService) forceApply(ctx context.Context, q domain.QueuedDeduction, actor string) ([]string, error) {
	req := deductionFor(q, actor)
	_, err := s.deducter.Deduct(ctx, req, WithForce())
	if err == nil {
		return nil, nil
	}
	var de *domain.DeductionError
	if !errors.As(err, &de) || !de.Has(domain.KindItemNotFound) || de.Has(domain.KindConcurrencyConflict) {
		return nil, err
	}

	missing := make(map[string]bool)
	for _, l := range de.Lines {
		if l.Kind == domain.KindItemNotFound {
			missing[l.ItemID] = true
		}
	}
	known := make([]domain.DeductionLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		if !missing[l.ItemID] {
			known = append(known, l)
		}
	}
	if len(known) > 0 {
		req.Lines = known
		if _, err := s.deducter.Deduct(ctx, req, WithForce()); err != nil {
			return nil, err
		}
	}
	return de.Messages(), nil
}

func sourceQueueID(storeID, sourceKey string) string {
	return uuid.NewSHA1(queueNamespace, []byte(storeID+"/"+sourceKey)).String()
}

// deductionFor replays a queued record under a key derived from its id, so
// a sync whose status update was lost is not applied a second time.
func deductionFor(q domain.QueuedDeduction, actor string) domain.DeductionRequest {
	return domain.DeductionRequest{
		TransactionID:  q.Payload.TransactionID,
		StoreID:        q.StoreID,
		Lines:          q.Payload.Lines,
		IdempotencyKey: q.IdempotencyKey(),
		Actor:          actor,
	}
}
