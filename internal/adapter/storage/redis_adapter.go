package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	queueItemKeyPrefix   = "queue:item:"
	queueIndexKeyPrefix  = "queue:"
)

var queueStatuses = []domain.QueueStatus{
	domain.QueueStatusPending,
	domain.QueueStatusInsufficientStock,
	domain.QueueStatusApproved,
	domain.QueueStatusRejected,
}

var insertQueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end

redis.call('HSET', KEYS[1], 'version', ARGV[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// ARGV: expected version, new status, data, index prefix, score, id
var updateQueueScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
	return -1
end

if tonumber(current) ~= tonumber(ARGV[1]) then
	return 0
end

local previous = redis.call('HGET', KEYS[1], 'status')
redis.call('HSET', KEYS[1], 'version', tonumber(ARGV[1]) + 1, 'status', ARGV[2], 'data', ARGV[3])
if previous ~= ARGV[2] then
	redis.call('ZREM', ARGV[4] .. previous, ARGV[6])
	redis.call('ZADD', ARGV[4] .. ARGV[2], ARGV[5], ARGV[6])
end
return 1
`)

// RedisAdapter caches committed deduction results in front of the ledger.
type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) LookupResult(ctx context.Context, key string) (*domain.DeductionResult, error) {
	raw, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res domain.DeductionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

func (r *RedisAdapter) RememberResult(ctx context.Context, res domain.DeductionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.client.SetNX(ctx, idempotencyKeyPrefix+res.IdempotencyKey, raw, idempotencyKeyTTL).Err()
}

// RedisQueue keeps each queued deduction in a hash and indexes ids in one
// sorted set per store and status, scored by creation time.
type RedisQueue struct {
	client redis.UniversalClient
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueItemKey(id string) string {
	return queueItemKeyPrefix + id
}

func queueIndexPrefix(storeID string) string {
	return queueIndexKeyPrefix + storeID + ":"
}

func queueScore(q domain.QueuedDeduction) float64 {
	return float64(q.CreatedAt.UnixMilli())
}

func (r *RedisQueue) Insert(ctx context.Context, q domain.QueuedDeduction) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode queued deduction: %w", err)
	}

	keys := []string{queueItemKey(q.ID), queueIndexPrefix(q.StoreID) + string(q.Status)}
	ok, err := insertQueueScript.Run(ctx, r.client, keys, q.Version, string(q.Status), raw, queueScore(q), q.ID).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("insert queued deduction %s: already exists", q.ID)
	}
	return nil
}

func (r *RedisQueue) Get(ctx context.Context, id string) (*domain.QueuedDeduction, error) {
	raw, err := r.client.HGet(ctx, queueItemKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeQueued(raw)
}

func (r *RedisQueue) Update(ctx context.Context, q domain.QueuedDeduction, expectedVersion int64) error {
	q.Version = expectedVersion + 1
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode queued deduction: %w", err)
	}

	result, err := updateQueueScript.Run(ctx, r.client, []string{queueItemKey(q.ID)},
		expectedVersion, string(q.Status), raw, queueIndexPrefix(q.StoreID), queueScore(q), q.ID,
	).Int()
	if err != nil {
		return err
	}

	switch result {
	case -1:
		return domain.ErrQueueItemNotFound
	case 0:
		return port.ErrOptimisticLock
	}
	return nil
}

func (r *RedisQueue) ListByStoreAndStatus(ctx context.Context, storeID string, statuses ...domain.QueueStatus) ([]domain.QueuedDeduction, error) {
	if len(statuses) == 0 {
		statuses = queueStatuses
	}

	var ids []string
	for _, st := range statuses {
		members, err := r.client.ZRange(ctx, queueIndexPrefix(storeID)+string(st), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, queueItemKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]domain.QueuedDeduction, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		q, err := decodeQueued(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	sortQueued(out)
	return out, nil
}

func (r *RedisQueue) CountByStatus(ctx context.Context, storeID string) (map[domain.QueueStatus]int, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[domain.QueueStatus]*redis.IntCmd, len(queueStatuses))
	for _, st := range queueStatuses {
		cmds[st] = pipe.ZCard(ctx, queueIndexPrefix(storeID)+string(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	counts := make(map[domain.QueueStatus]int)
	for st, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[st] = int(n)
		}
	}
	return counts, nil
}

func decodeQueued(raw []byte) (*domain.QueuedDeduction, error) {
	var q domain.QueuedDeduction
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode queued deduction: %w", err)
	}
	return &q, nil
}
