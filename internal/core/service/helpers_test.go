package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-deduction/internal/adapter/storage"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

const store = "store-1"

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newLedger(t *testing.T, stock map[string]int64) *storage.MemoryLedger {
	t.Helper()
	l := storage.NewMemoryLedger()
	for item, q := range stock {
		if err := l.SetStock(context.Background(), domain.StockItem{StoreID: store, ItemID: item, Quantity: qty(q)}); err != nil {
			t.Fatalf("seed %s: %v", item, err)
		}
	}
	return l
}

func stockOf(t *testing.T, l port.LedgerRepository, item string) domain.StockItem {
	t.Helper()
	it, err := l.GetStock(context.Background(), store, item)
	if err != nil || it == nil {
		t.Fatalf("get %s: %v %v", item, it, err)
	}
	return *it
}

func request(txn string, lines ...domain.DeductionLine) domain.DeductionRequest {
	return domain.DeductionRequest{
		TransactionID:  txn,
		StoreID:        store,
		Lines:          lines,
		IdempotencyKey: "key-" + txn,
		Actor:          "till-1",
	}
}

func line(item string, q int64) domain.DeductionLine {
	return domain.DeductionLine{ItemID: item, Quantity: qty(q)}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// Mock Recorder
type mockRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  atomic.Int32
	queue    map[domain.QueueStatus]int
	health   []HealthReport
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{outcomes: make(map[string]int), queue: make(map[domain.QueueStatus]int)}
}

func (m *mockRecorder) DeductionCompleted(_ string, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *mockRecorder) DeductionRetried(string) { m.retries.Add(1) }

func (m *mockRecorder) QueueTransitioned(_ string, to domain.QueueStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[to]++
}

func (m *mockRecorder) HealthSampled(r HealthReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, r)
}

func (m *mockRecorder) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}

// Mock Notifier
type mockNotifier struct {
	mu     sync.Mutex
	events []port.EventType
}

func (m *mockNotifier) Notify(_ context.Context, event port.EventType, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockNotifier) count(event port.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

// failingLedger fails every unit of work with err.
type failingLedger struct {
	port.LedgerRepository
	err   error
	calls atomic.Int32
}

func (f *failingLedger) WithinTx(context.Context, func(port.LedgerTx) error) error {
	f.calls.Add(1)
	return f.err
}

// Mock ResultCache
type mockCache struct {
	mu      sync.Mutex
	results map[string]domain.DeductionResult
}

func newMockCache() *mockCache {
	return &mockCache{results: make(map[string]domain.DeductionResult)}
}

func (m *mockCache) LookupResult(_ context.Context, key string) (*domain.DeductionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *mockCache) RememberResult(_ context.Context, r domain.DeductionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.IdempotencyKey]; !ok {
		m.results[r.IdempotencyKey] = r
	}
	return nil
}

// stubDeducter returns a fixed error and counts calls.
type stubDeducter struct {
	err   error
	calls atomic.Int32
}

func (s *stubDeducter) Deduct(context.Context, domain.DeductionRequest, ...DeductOption) (domain.DeductionResult, error) {
	s.calls.Add(1)
	return domain.DeductionResult{}, s.err
}

func (s *stubDeducter) Applied(context.Context, string) (*domain.DeductionResult, error) {
	return nil, nil
}

// hookDeducter runs after once, right after the wrapped deduction returns.
type hookDeducter struct {
	Deducter
	once  sync.Once
	after func()
}

func (h *hookDeducter) Deduct(ctx context.Context, req domain.DeductionRequest, opts ...DeductOption) (domain.DeductionResult, error) {
	res, err := h.Deducter.Deduct(ctx, req, opts...)
	h.once.Do(h.after)
	return res, err
}

// assertMovementChain checks that every movement of an item starts where the
// previous one for that item ended.
func assertMovementChain(t *testing.T, moves []domain.MovementLogEntry) {
	t.Helper()
	last := make(map[string]domain.MovementLogEntry)
	for i, m := range moves {
		if !m.PreviousQuantity.Add(m.Delta).Equal(m.NewQuantity) {
			t.Errorf("movement %d: %s plus %s does not give %s", i, m.PreviousQuantity, m.Delta, m.NewQuantity)
		}
		if prev, ok := last[m.ItemID]; ok && !prev.NewQuantity.Equal(m.PreviousQuantity) {
			t.Errorf("movement %d of %s starts at %s, previous ended at %s", i, m.ItemID, m.PreviousQuantity, prev.NewQuantity)
		}
		last[m.ItemID] = m
	}
}
