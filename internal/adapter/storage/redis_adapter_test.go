package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func clearRedisQueue(ctx context.Context, client *redis.Client, storeID string, ids ...string) {
	for _, st := range queueStatuses {
		client.Del(ctx, queueIndexPrefix(storeID)+string(st))
	}
	for _, id := range ids {
		client.Del(ctx, queueItemKey(id))
	}
}

func TestRedisResultCache_FirstWriteWins(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"redis-k1")

	if got, err := adapter.LookupResult(ctx, "redis-k1"); err != nil || got != nil {
		t.Fatalf("expected miss, got %+v %v", got, err)
	}

	first := domain.DeductionResult{TransactionID: "t1", StoreID: "s1", IdempotencyKey: "redis-k1"}
	second := domain.DeductionResult{TransactionID: "t2", StoreID: "s1", IdempotencyKey: "redis-k1"}
	if err := adapter.RememberResult(ctx, first); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := adapter.RememberResult(ctx, second); err != nil {
		t.Fatalf("remember: %v", err)
	}

	got, err := adapter.LookupResult(ctx, "redis-k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.TransactionID != "t1" {
		t.Errorf("expected first result to win, got %+v", got)
	}

	ttl := client.TTL(ctx, idempotencyKeyPrefix+"redis-k1").Val()
	if ttl <= 0 || ttl > idempotencyKeyTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestRedisQueue_InsertUpdateList(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	q := NewRedisQueue(client)
	clearRedisQueue(ctx, client, "redis-s1", "rq1", "rq2")

	base := time.Now().UTC().Truncate(time.Millisecond)
	q1 := domain.QueuedDeduction{ID: "rq1", StoreID: "redis-s1", Status: domain.QueueStatusPending, CreatedAt: base}
	q2 := domain.QueuedDeduction{ID: "rq2", StoreID: "redis-s1", Status: domain.QueueStatusPending, CreatedAt: base.Add(time.Second)}

	if err := q.Insert(ctx, q2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := q.Insert(ctx, q1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := q.Insert(ctx, q1); err == nil {
		t.Error("expected duplicate insert to fail")
	}

	pending, err := q.ListByStoreAndStatus(ctx, "redis-s1", domain.QueueStatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "rq1" {
		t.Errorf("expected oldest first, got %+v", pending)
	}

	q1.Status = domain.QueueStatusInsufficientStock
	if err := q.Update(ctx, q1, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := q.Update(ctx, q1, 0); !errors.Is(err, port.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got %v", err)
	}

	got, _ := q.Get(ctx, "rq1")
	if got == nil || got.Version != 1 || got.Status != domain.QueueStatusInsufficientStock {
		t.Errorf("unexpected record %+v", got)
	}

	counts, _ := q.CountByStatus(ctx, "redis-s1")
	if counts[domain.QueueStatusPending] != 1 || counts[domain.QueueStatusInsufficientStock] != 1 {
		t.Errorf("index not moved on status change: %v", counts)
	}
}

func TestRedisQueue_ConcurrentUpdateSingleWinner(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	q := NewRedisQueue(client)
	clearRedisQueue(ctx, client, "redis-s2", "rq-race")

	rec := domain.QueuedDeduction{ID: "rq-race", StoreID: "redis-s2", Status: domain.QueueStatusInsufficientStock, CreatedAt: time.Now()}
	q.Insert(ctx, rec)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upd := rec
			upd.Status = domain.QueueStatusApproved
			if err := q.Update(ctx, upd, 0); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
