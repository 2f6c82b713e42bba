package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-deduction/internal/core/combo"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

type stockKey struct {
	store string
	item  string
}

type appliedRecord struct {
	result    domain.DeductionResult
	createdAt time.Time
}

// MemoryLedger is an in-process ledger with the same optimistic commit
// semantics as the MySQL adapter. Writes are buffered per unit of work and
// validated against committed versions at commit time.
type MemoryLedger struct {
	mu        sync.RWMutex
	items     map[stockKey]domain.StockItem
	movements []domain.MovementLogEntry
	applied   map[string]appliedRecord
	nextID    int64
	now       func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		items:   make(map[stockKey]domain.StockItem),
		applied: make(map[string]appliedRecord),
		now:     time.Now,
	}
}

// SetStock seeds or overwrites an item, resetting nothing else.
func (m *MemoryLedger) SetStock(_ context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	item.UpdatedAt = m.now()
	m.items[stockKey{item.StoreID, item.ItemID}] = item
	return nil
}

func (m *MemoryLedger) GetStock(_ context.Context, storeID, itemID string) (*domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[stockKey{storeID, itemID}]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryLedger) FindApplied(_ context.Context, key string) (*domain.DeductionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.applied[key]
	if !ok {
		return nil, nil
	}
	res := cloneResult(rec.result)
	return &res, nil
}

func (m *MemoryLedger) ListMovements(_ context.Context, storeID, transactionID string) ([]domain.MovementLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MovementLogEntry
	for _, e := range m.movements {
		if e.StoreID == storeID && e.ReferenceTransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Movements returns every movement of a store in commit order.
func (m *MemoryLedger) Movements(storeID string) []domain.MovementLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MovementLogEntry
	for _, e := range m.movements {
		if e.StoreID == storeID {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLedger) RecentActivity(_ context.Context, storeID string, since time.Time) (port.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rec := range m.applied {
		if rec.result.StoreID == storeID && !rec.createdAt.Before(since) {
			seen[rec.result.TransactionID] = struct{}{}
		}
	}
	covered := make(map[string]struct{})
	for _, e := range m.movements {
		if e.StoreID == storeID && !e.CreatedAt.Before(since) {
			covered[e.ReferenceTransactionID] = struct{}{}
			seen[e.ReferenceTransactionID] = struct{}{}
		}
	}
	return port.Activity{Transactions: len(seen), Covered: len(covered)}, nil
}

func (m *MemoryLedger) StockLevels(_ context.Context, storeID string) (port.StockLevels, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lv port.StockLevels
	for k, item := range m.items {
		if k.store != storeID {
			continue
		}
		lv.Items++
		if item.Quantity.IsNegative() {
			lv.Negative++
		}
		if item.BelowThreshold() {
			lv.Low++
		}
	}
	return lv, nil
}

func (m *MemoryLedger) WithinTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx := &memoryTx{ledger: m, writes: make(map[stockKey]*casWrite)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryLedger) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, w := range tx.writes {
		cur, ok := m.items[k]
		if !ok || cur.Version != w.baseVersion {
			return port.ErrOptimisticLock
		}
	}
	for _, res := range tx.results {
		if _, dup := m.applied[res.IdempotencyKey]; dup {
			return port.ErrOptimisticLock
		}
	}

	now := m.now()
	for k, w := range tx.writes {
		cur := m.items[k]
		cur.Quantity = w.quantity
		cur.Version = w.version
		cur.UpdatedAt = now
		m.items[k] = cur
	}
	for _, e := range tx.movements {
		m.nextID++
		e.ID = m.nextID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		m.movements = append(m.movements, e)
	}
	for _, res := range tx.results {
		m.applied[res.IdempotencyKey] = appliedRecord{result: cloneResult(res), createdAt: now}
	}
	return nil
}

type casWrite struct {
	baseVersion int64
	version     int64
	quantity    decimal.Decimal
}

type memoryTx struct {
	ledger    *MemoryLedger
	writes    map[stockKey]*casWrite
	movements []domain.MovementLogEntry
	results   []domain.DeductionResult
}

func (t *memoryTx) Get(ctx context.Context, storeID, itemID string) (*domain.StockItem, error) {
	item, err := t.ledger.GetStock(ctx, storeID, itemID)
	if err != nil || item == nil {
		return item, err
	}
	if w, ok := t.writes[stockKey{storeID, itemID}]; ok {
		item.Quantity = w.quantity
		item.Version = w.version
	}
	return item, nil
}

func (t *memoryTx) CompareAndSet(ctx context.Context, storeID, itemID string, expectedVersion int64, newQuantity decimal.Decimal) (bool, error) {
	k := stockKey{storeID, itemID}
	if w, ok := t.writes[k]; ok {
		if w.version != expectedVersion {
			return false, nil
		}
		w.version++
		w.quantity = newQuantity
		return true, nil
	}
	cur, err := t.ledger.GetStock(ctx, storeID, itemID)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.Version != expectedVersion {
		return false, nil
	}
	t.writes[k] = &casWrite{baseVersion: expectedVersion, version: expectedVersion + 1, quantity: newQuantity}
	return true, nil
}

func (t *memoryTx) AppendMovement(_ context.Context, entry domain.MovementLogEntry) error {
	t.movements = append(t.movements, entry)
	return nil
}

func (t *memoryTx) FindApplied(ctx context.Context, key string) (*domain.DeductionResult, error) {
	for _, res := range t.results {
		if res.IdempotencyKey == key {
			r := cloneResult(res)
			return &r, nil
		}
	}
	return t.ledger.FindApplied(ctx, key)
}

func (t *memoryTx) RecordApplied(ctx context.Context, result domain.DeductionResult) error {
	prior, err := t.FindApplied(ctx, result.IdempotencyKey)
	if err != nil {
		return err
	}
	if prior != nil {
		return port.ErrOptimisticLock
	}
	t.results = append(t.results, cloneResult(result))
	return nil
}

func cloneResult(r domain.DeductionResult) domain.DeductionResult {
	r.Lines = append([]domain.AppliedLine(nil), r.Lines...)
	return r
}

// MemoryQueue is an in-process QueueRepository.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]domain.QueuedDeduction
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]domain.QueuedDeduction)}
}

func (m *MemoryQueue) Insert(_ context.Context, q domain.QueuedDeduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[q.ID]; exists {
		return fmt.Errorf("insert queued deduction %s: already exists", q.ID)
	}
	m.items[q.ID] = cloneQueued(q)
	return nil
}

func (m *MemoryQueue) Get(_ context.Context, id string) (*domain.QueuedDeduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	q = cloneQueued(q)
	return &q, nil
}

func (m *MemoryQueue) Update(_ context.Context, q domain.QueuedDeduction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[q.ID]
	if !ok {
		return domain.ErrQueueItemNotFound
	}
	if cur.Version != expectedVersion {
		return port.ErrOptimisticLock
	}
	q = cloneQueued(q)
	q.Version = expectedVersion + 1
	m.items[q.ID] = q
	return nil
}

func (m *MemoryQueue) ListByStoreAndStatus(_ context.Context, storeID string, statuses ...domain.QueueStatus) ([]domain.QueuedDeduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[domain.QueueStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []domain.QueuedDeduction
	for _, q := range m.items {
		if q.StoreID != storeID || (len(want) > 0 && !want[q.Status]) {
			continue
		}
		out = append(out, cloneQueued(q))
	}
	sortQueued(out)
	return out, nil
}

func (m *MemoryQueue) CountByStatus(_ context.Context, storeID string) (map[domain.QueueStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.QueueStatus]int)
	for _, q := range m.items {
		if q.StoreID == storeID {
			counts[q.Status]++
		}
	}
	return counts, nil
}

func cloneQueued(q domain.QueuedDeduction) domain.QueuedDeduction {
	q.Payload.Lines = append([]domain.DeductionLine(nil), q.Payload.Lines...)
	q.Payload.Source = append([]string(nil), q.Payload.Source...)
	q.ValidationErrors = append([]string(nil), q.ValidationErrors...)
	if q.ResolvedAt != nil {
		at := *q.ResolvedAt
		q.ResolvedAt = &at
	}
	if q.ClaimedUntil != nil {
		until := *q.ClaimedUntil
		q.ClaimedUntil = &until
	}
	return q
}

func sortQueued(qs []domain.QueuedDeduction) {
	sort.Slice(qs, func(i, j int) bool {
		if !qs[i].CreatedAt.Equal(qs[j].CreatedAt) {
			return qs[i].CreatedAt.Before(qs[j].CreatedAt)
		}
		return qs[i].ID < qs[j].ID
	})
}

// MemoryCatalog is a mutable catalog source that hands out immutable snapshots.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items []domain.CatalogItem
}

func NewMemoryCatalog(items ...domain.CatalogItem) *MemoryCatalog {
	return &MemoryCatalog{items: append([]domain.CatalogItem(nil), items...)}
}

func (m *MemoryCatalog) Add(items ...domain.CatalogItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
}

func (m *MemoryCatalog) Snapshot(_ context.Context, storeID string) (port.Catalog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.CatalogItem
	for _, it := range m.items {
		if it.StoreID == storeID {
			items = append(items, it)
		}
	}
	return combo.NewSnapshot(items), nil
}
