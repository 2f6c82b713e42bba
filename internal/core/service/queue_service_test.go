package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/stock-deduction/internal/adapter/storage"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/retry"
	"github.com/rl1809/stock-deduction/internal/port"
)

type queueEnv struct {
	ledger   *storage.MemoryLedger
	repo     *storage.MemoryQueue
	coord    *Coordinator
	notifier *mockNotifier
	svc      *QueueService
}

func newQueueEnv(t *testing.T, stock map[string]int64) *queueEnv {
	ledger := newLedger(t, stock)
	repo := storage.NewMemoryQueue()
	coord := NewCoordinator(ledger, WithRetryPolicy(retry.Immediate(50)))
	notifier := &mockNotifier{}
	return &queueEnv{
		ledger:   ledger,
		repo:     repo,
		coord:    coord,
		notifier: notifier,
		svc:      NewQueueService(repo, coord, notifier),
	}
}

func payload(txn string, lines ...domain.DeductionLine) domain.QueuePayload {
	return domain.QueuePayload{TransactionID: txn, Lines: lines}
}

func TestEnqueue_InitialStatus(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	offline, err := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonOffline)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if offline.Status != domain.QueueStatusPending || offline.Payload.Reason != domain.QueueReasonOffline {
		t.Errorf("expected pending offline record, got %+v", offline)
	}

	short, err := env.svc.Enqueue(ctx, store, payload("t2", line("milk", 1)), domain.QueueReasonInsufficientStock, "milk: need 1, have 0")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if short.Status != domain.QueueStatusInsufficientStock || len(short.ValidationErrors) != 1 {
		t.Errorf("expected insufficient_stock record with errors, got %+v", short)
	}

	if env.notifier.count(port.EventQueueEnqueued) != 2 || env.notifier.count(port.EventInsufficientStock) != 1 {
		t.Errorf("unexpected events %v", env.notifier.events)
	}

	if _, err := env.svc.Enqueue(ctx, store, payload("t3"), domain.QueueReasonOffline); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for an empty payload, got %v", err)
	}
}

func TestEnqueue_SameSourceKeyOnce(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()
	p := payload("t1", line("milk", 1))
	p.SourceKey = "sale-key-1"

	first, err := env.svc.Enqueue(ctx, store, p, domain.QueueReasonOffline)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := env.svc.Enqueue(ctx, store, p, domain.QueueReasonOffline)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same record, got %s and %s", first.ID, second.ID)
	}
	all, _ := env.svc.List(ctx, store)
	if len(all) != 1 {
		t.Errorf("expected 1 record, got %d", len(all))
	}
}

func TestSyncOne_Applies(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 5})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 2)), domain.QueueReasonOffline)

	synced, err := env.svc.SyncOne(ctx, q.ID, "sweeper")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Status != domain.QueueStatusApproved || synced.ResolvedAt == nil || synced.ResolvedBy != "sweeper" {
		t.Errorf("expected approved and stamped, got %+v", synced)
	}
	// one write to claim, one to resolve
	if synced.Version != 2 || synced.ClaimedUntil != nil {
		t.Errorf("expected an unclaimed record at version 2, got v%d claimed until %v", synced.Version, synced.ClaimedUntil)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(3)) {
		t.Errorf("expected milk 3, got %s", milk.Quantity)
	}
	if env.notifier.count(port.EventQueueSynced) != 1 {
		t.Errorf("expected a synced event, got %v", env.notifier.events)
	}
}

func TestQueueLifecycle_InsufficientThenApprove(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 1})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 3)), domain.QueueReasonOffline)

	synced, err := env.svc.SyncOne(ctx, q.ID, "sweeper")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Status != domain.QueueStatusInsufficientStock || len(synced.ValidationErrors) == 0 {
		t.Fatalf("expected insufficient_stock with errors, got %+v", synced)
	}
	if synced.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", synced.Attempts)
	}

	approved, err := env.svc.Approve(ctx, q.ID, "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.QueueStatusApproved || approved.ResolvedBy != "manager" {
		t.Errorf("unexpected approved record %+v", approved)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(-2)) {
		t.Errorf("expected forced quantity -2, got %s", milk.Quantity)
	}
	moves := env.ledger.Movements(store)
	if len(moves) != 1 || moves[0].Reason != domain.ReasonCompensation {
		t.Errorf("expected a compensation movement, got %+v", moves)
	}

	if _, err := env.svc.Reject(ctx, q.ID, "manager", "too late"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("terminal record must not be rejected, got %v", err)
	}
}

func TestReject_LeavesLedgerUntouched(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 0})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	rejected, err := env.svc.Reject(ctx, q.ID, "manager", "duplicate ring-up")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.QueueStatusRejected || rejected.Notes != "duplicate ring-up" {
		t.Errorf("unexpected rejected record %+v", rejected)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.IsZero() || milk.Version != 0 {
		t.Errorf("ledger changed on reject: %s@v%d", milk.Quantity, milk.Version)
	}
	if _, err := env.svc.Approve(ctx, q.ID, "manager"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if env.notifier.count(port.EventQueueRejected) != 1 {
		t.Errorf("expected a rejected event, got %v", env.notifier.events)
	}
}

func TestApprove_MissingItemSkipped(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 0})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1), line("ghost", 1)), domain.QueueReasonInsufficientStock)

	approved, err := env.svc.Approve(ctx, q.ID, "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.QueueStatusApproved || len(approved.ValidationErrors) != 1 || approved.Notes == "" {
		t.Errorf("expected approval noting the missing item, got %+v", approved)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(-1)) {
		t.Errorf("expected the known line forced to -1, got %s", milk.Quantity)
	}
	moves := env.ledger.Movements(store)
	if len(moves) != 1 || moves[0].ItemID != "milk" || moves[0].Reason != domain.ReasonCompensation {
		t.Errorf("expected one compensation movement for milk, got %+v", moves)
	}
}

func TestApprove_AllItemsMissing(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("ghost", 1)), domain.QueueReasonInsufficientStock)

	approved, err := env.svc.Approve(ctx, q.ID, "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.QueueStatusApproved || len(approved.ValidationErrors) != 1 {
		t.Errorf("expected approval with the missing item noted, got %+v", approved)
	}
	if moves := env.ledger.Movements(store); len(moves) != 0 {
		t.Errorf("expected no movements, got %+v", moves)
	}
}

func TestApprove_StorageFailureLeavesRecord(t *testing.T) {
	repo := storage.NewMemoryQueue()
	deducter := &stubDeducter{err: errors.New("ledger unavailable")}
	svc := NewQueueService(repo, deducter, nil)
	ctx := context.Background()
	q, _ := svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	if _, err := svc.Approve(ctx, q.ID, "manager"); err == nil {
		t.Fatal("expected the storage error")
	}
	got, _ := svc.Get(ctx, q.ID)
	if got.Status != domain.QueueStatusInsufficientStock || got.ClaimedUntil != nil {
		t.Errorf("record must be left awaiting approval and unclaimed, got %+v", got)
	}
	if _, err := svc.Reject(ctx, q.ID, "manager", "gave up"); err != nil {
		t.Errorf("a failed approval must not block a reject: %v", err)
	}
}

func TestSyncOne_ReplaysLostStatusUpdate(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 5})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 2)), domain.QueueReasonOffline)

	// a previous sync committed but never recorded its status
	if _, err := env.coord.Deduct(ctx, deductionFor(q, "sweeper")); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	synced, err := env.svc.SyncOne(ctx, q.ID, "sweeper")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Status != domain.QueueStatusApproved {
		t.Errorf("expected approved, got %s", synced.Status)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(3)) {
		t.Errorf("expected a single deduction, got %s", milk.Quantity)
	}
}

func TestSyncOne_StorageFailureStaysPending(t *testing.T) {
	repo := storage.NewMemoryQueue()
	svc := NewQueueService(repo, &stubDeducter{err: errors.New("ledger unavailable")}, nil)
	ctx := context.Background()
	q, _ := svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonOffline)

	got, err := svc.SyncOne(ctx, q.ID, "sweeper")
	if err == nil {
		t.Fatal("expected the sync error to be returned")
	}
	if got.Status != domain.QueueStatusPending || got.Attempts != 1 || len(got.ValidationErrors) != 1 {
		t.Errorf("expected pending with recorded error, got %+v", got)
	}
}

func TestApprove_ConcurrentSingleWinner(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 0})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Approve(ctx, q.ID, "manager")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrQueueConflict), errors.Is(err, domain.ErrInvalidTransition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one approval, got %d", wins.Load())
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(-1)) {
		t.Errorf("expected the deduction applied once, got %s", milk.Quantity)
	}
}

func TestResolve_ConcurrentApproveAndReject(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := newQueueEnv(t, map[string]int64{"milk": 0})
		ctx := context.Background()
		q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = env.svc.Approve(ctx, q.ID, "manager-a")
				} else {
					_, err = env.svc.Reject(ctx, q.ID, "manager-b", "voided at till")
				}
				if err != nil && !errors.Is(err, domain.ErrQueueConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, _ := env.svc.Get(ctx, q.ID)
		milk := stockOf(t, env.ledger, "milk")
		moves := env.ledger.Movements(store)
		switch got.Status {
		case domain.QueueStatusApproved:
			if !milk.Quantity.Equal(qty(-1)) || len(moves) != 1 {
				t.Errorf("round %d: approved record must be applied once, got %s with %d movements", round, milk.Quantity, len(moves))
			}
		case domain.QueueStatusRejected:
			if !milk.Quantity.IsZero() || len(moves) != 0 {
				t.Errorf("round %d: rejected record changed the ledger to %s with %d movements", round, milk.Quantity, len(moves))
			}
		default:
			t.Fatalf("round %d: record left %s", round, got.Status)
		}
	}
}

func TestReject_RefusedWhileApprovalInFlight(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 0})
	ctx := context.Background()
	hook := &hookDeducter{Deducter: env.coord}
	svc := NewQueueService(env.repo, hook, env.notifier)
	q, _ := svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	var rejectErr error
	hook.after = func() { _, rejectErr = svc.Reject(ctx, q.ID, "manager-2", "customer left") }

	approved, err := svc.Approve(ctx, q.ID, "manager-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !errors.Is(rejectErr, domain.ErrQueueConflict) {
		t.Errorf("expected the reject to hit the claim, got %v", rejectErr)
	}
	if approved.Status != domain.QueueStatusApproved || approved.ClaimedBy != "" {
		t.Errorf("unexpected approved record %+v", approved)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(-1)) {
		t.Errorf("expected -1, got %s", milk.Quantity)
	}
	if env.notifier.count(port.EventQueueRejected) != 0 {
		t.Error("no rejected event may be sent")
	}
}

func TestReject_RefusedWhileSyncInFlight(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 5})
	ctx := context.Background()
	hook := &hookDeducter{Deducter: env.coord}
	svc := NewQueueService(env.repo, hook, env.notifier)
	q, _ := svc.Enqueue(ctx, store, payload("t1", line("milk", 2)), domain.QueueReasonOffline)

	var rejectErr, syncErr error
	hook.after = func() {
		_, rejectErr = svc.Reject(ctx, q.ID, "manager", "duplicate")
		_, syncErr = svc.SyncOne(ctx, q.ID, "sweeper-2")
	}

	synced, err := svc.SyncOne(ctx, q.ID, "sweeper-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !errors.Is(rejectErr, domain.ErrQueueConflict) || !errors.Is(syncErr, domain.ErrQueueConflict) {
		t.Errorf("expected both to hit the claim, got %v and %v", rejectErr, syncErr)
	}
	if synced.Status != domain.QueueStatusApproved {
		t.Errorf("expected approved, got %s", synced.Status)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(3)) {
		t.Errorf("expected a single deduction, got %s", milk.Quantity)
	}
}

func TestReject_RefusedOnceDeductionReachedLedger(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 0})
	ctx := context.Background()
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	// an approval that committed but never recorded its status
	if _, err := env.coord.Deduct(ctx, deductionFor(q, "manager"), WithForce()); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	if _, err := env.svc.Reject(ctx, q.ID, "manager", "too late"); !errors.Is(err, domain.ErrQueueConflict) {
		t.Fatalf("expected ErrQueueConflict, got %v", err)
	}
	approved, err := env.svc.Approve(ctx, q.ID, "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.QueueStatusApproved {
		t.Errorf("expected approved, got %s", approved.Status)
	}
	if milk := stockOf(t, env.ledger, "milk"); !milk.Quantity.Equal(qty(-1)) || len(env.ledger.Movements(store)) != 1 {
		t.Errorf("expected a single forced deduction, got %s", milk.Quantity)
	}
}

func TestReject_ExpiredClaimNoLongerBlocks(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newLedger(t, map[string]int64{"milk": 0})
	repo := storage.NewMemoryQueue()
	svc := NewQueueService(repo, NewCoordinator(ledger), nil,
		WithQueueClock(func() time.Time { return clock }),
		WithClaimTTL(time.Minute),
	)
	ctx := context.Background()
	q, _ := svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonInsufficientStock)

	// an approver that claimed the record and went away
	q.Claim("manager-1", clock.Add(time.Minute))
	if err := repo.Update(ctx, q, q.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := svc.Reject(ctx, q.ID, "manager-2", "stale"); !errors.Is(err, domain.ErrQueueConflict) {
		t.Fatalf("expected the live claim to block, got %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	rejected, err := svc.Reject(ctx, q.ID, "manager-2", "stale")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.QueueStatusRejected || rejected.ClaimedUntil != nil {
		t.Errorf("unexpected rejected record %+v", rejected)
	}
}

func TestSyncAll_SkipsAwaitingApproval(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 5, "cups": 0})
	ctx := context.Background()
	ok, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonOffline)
	short, _ := env.svc.Enqueue(ctx, store, payload("t2", line("cups", 1)), domain.QueueReasonOffline)
	waiting, _ := env.svc.Enqueue(ctx, store, payload("t3", line("milk", 1)), domain.QueueReasonInsufficientStock)
	broken, _ := env.svc.Enqueue(ctx, store, payload("t4", line("ghost", 1)), domain.QueueReasonOffline)

	summary, err := env.svc.SyncAll(ctx, store, "sweeper")
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if summary != (SyncSummary{Synced: 1, NeedsApproval: 1, Failed: 1}) {
		t.Errorf("unexpected summary %+v", summary)
	}

	for id, want := range map[string]domain.QueueStatus{
		ok.ID:      domain.QueueStatusApproved,
		short.ID:   domain.QueueStatusInsufficientStock,
		waiting.ID: domain.QueueStatusInsufficientStock,
		broken.ID:  domain.QueueStatusPending,
	} {
		got, _ := env.svc.Get(ctx, id)
		if got.Status != want {
			t.Errorf("%s: expected %s, got %s", got.Payload.TransactionID, want, got.Status)
		}
	}
	if got, _ := env.svc.Get(ctx, waiting.ID); got.Attempts != 0 {
		t.Error("sweep must not touch records awaiting approval")
	}
}

func TestStats_AverageWait(t *testing.T) {
	repo := storage.NewMemoryQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	svc := NewQueueService(repo, &stubDeducter{}, nil, WithQueueClock(func() time.Time { return clock }))
	ctx := context.Background()

	svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonOffline)
	clock = base.Add(10 * time.Minute)
	svc.Enqueue(ctx, store, payload("t2", line("milk", 1)), domain.QueueReasonInsufficientStock)
	clock = base.Add(20 * time.Minute)

	stats, err := svc.Stats(ctx, store)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Open != 2 || stats.Counts[domain.QueueStatusPending] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.AverageWait != 15*time.Minute {
		t.Errorf("expected 15m average wait, got %v", stats.AverageWait)
	}
	if stats.OldestOpen == nil || !stats.OldestOpen.Equal(base) {
		t.Errorf("unexpected oldest open %v", stats.OldestOpen)
	}
}

func TestRunSweeper_SyncsUntilCancelled(t *testing.T) {
	env := newQueueEnv(t, map[string]int64{"milk": 5})
	ctx, cancel := context.WithCancel(context.Background())
	q, _ := env.svc.Enqueue(ctx, store, payload("t1", line("milk", 1)), domain.QueueReasonOffline)

	done := make(chan error, 1)
	go func() { done <- env.svc.RunSweeper(ctx, []string{store}, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.svc.Get(context.Background(), q.ID)
		if got.Status == domain.QueueStatusApproved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never synced the record")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
