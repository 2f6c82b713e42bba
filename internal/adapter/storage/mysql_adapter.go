package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-deduction/internal/core/combo"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

//go:embed schema.sql
var schemaSQL string

// MySQL error numbers that mean "lost a race, try again".
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// MySQLAdapter is the ledger of record. The DSN must set parseTime=true.
type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx, now: m.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (m *MySQLAdapter) GetStock(ctx context.Context, storeID, itemID string) (*domain.StockItem, error) {
	return getStock(ctx, m.db, storeID, itemID)
}

func (m *MySQLAdapter) FindApplied(ctx context.Context, key string) (*domain.DeductionResult, error) {
	return findApplied(ctx, m.db, key)
}

func (m *MySQLAdapter) ListMovements(ctx context.Context, storeID, transactionID string) ([]domain.MovementLogEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, store_id, item_id, delta, previous_quantity, new_quantity,
		       reference_transaction_id, reason, actor, created_at
		FROM stock_movements
		WHERE store_id = ? AND reference_transaction_id = ?
		ORDER BY id`, storeID, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.MovementLogEntry
	for rows.Next() {
		var e domain.MovementLogEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.StoreID, &e.ItemID, &e.Delta, &e.PreviousQuantity, &e.NewQuantity,
			&e.ReferenceTransactionID, &reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		e.Reason = domain.MovementReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetStock seeds an item, resetting its version.
func (m *MySQLAdapter) SetStock(ctx context.Context, item domain.StockItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_items (store_id, item_id, quantity, version, minimum_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = VALUES(version),
			minimum_threshold = VALUES(minimum_threshold), updated_at = VALUES(updated_at)`,
		item.StoreID, item.ItemID, item.Quantity, item.Version, item.MinimumThreshold, m.now(), m.now(),
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

// UpsertCatalogItem registers a sellable name for a store.
func (m *MySQLAdapter) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO catalog_items (store_id, item_id, name, units_per_sale)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), units_per_sale = VALUES(units_per_sale)`,
		item.StoreID, item.ItemID, item.Name, item.Units(),
	)
	if err != nil {
		return fmt.Errorf("upsert catalog item: %w", err)
	}
	return nil
}

// Snapshot loads the store's catalog into an immutable lookup.
func (m *MySQLAdapter) Snapshot(ctx context.Context, storeID string) (port.Catalog, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT store_id, item_id, name, units_per_sale
		FROM catalog_items WHERE store_id = ?`, storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var items []domain.CatalogItem
	for rows.Next() {
		var it domain.CatalogItem
		if err := rows.Scan(&it.StoreID, &it.ItemID, &it.Name, &it.UnitsPerSale); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	return combo.NewSnapshot(items), nil
}

func (m *MySQLAdapter) RecentActivity(ctx context.Context, storeID string, since time.Time) (port.Activity, error) {
	var a port.Activity
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT t.transaction_id) FROM (
			SELECT transaction_id FROM deduction_idempotency WHERE store_id = ? AND created_at >= ?
			UNION
			SELECT reference_transaction_id FROM stock_movements WHERE store_id = ? AND created_at >= ?
		) t`, storeID, since, storeID, since,
	).Scan(&a.Transactions)
	if err != nil {
		return a, fmt.Errorf("count transactions: %w", err)
	}
	err = m.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT reference_transaction_id)
		FROM stock_movements WHERE store_id = ? AND created_at >= ?`, storeID, since,
	).Scan(&a.Covered)
	if err != nil {
		return a, fmt.Errorf("count covered transactions: %w", err)
	}
	return a, nil
}

func (m *MySQLAdapter) StockLevels(ctx context.Context, storeID string) (port.StockLevels, error) {
	var lv port.StockLevels
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(quantity < minimum_threshold), 0),
		       COALESCE(SUM(quantity < 0), 0)
		FROM stock_items WHERE store_id = ?`, storeID,
	).Scan(&lv.Items, &lv.Low, &lv.Negative)
	if err != nil {
		return lv, fmt.Errorf("query stock levels: %w", err)
	}
	return lv, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStock(ctx context.Context, q queryer, storeID, itemID string) (*domain.StockItem, error) {
	var item domain.StockItem
	err := q.QueryRowContext(ctx, `
		SELECT store_id, item_id, quantity, version, minimum_threshold, created_at, updated_at
		FROM stock_items WHERE store_id = ? AND item_id = ?`, storeID, itemID,
	).Scan(&item.StoreID, &item.ItemID, &item.Quantity, &item.Version, &item.MinimumThreshold,
		&item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query stock item: %w", err))
	}
	return &item, nil
}

func findApplied(ctx context.Context, q queryer, key string) (*domain.DeductionResult, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT result FROM deduction_idempotency WHERE idempotency_key = ?`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query idempotency: %w", err))
	}
	var res domain.DeductionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return &res, nil
}

type mysqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *mysqlTx) Get(ctx context.Context, storeID, itemID string) (*domain.StockItem, error) {
	return getStock(ctx, t.tx, storeID, itemID)
}

func (t *mysqlTx) CompareAndSet(ctx context.Context, storeID, itemID string, expectedVersion int64, newQuantity decimal.Decimal) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_items
		SET quantity = ?, version = version + 1, updated_at = ?
		WHERE store_id = ? AND item_id = ? AND version = ?`,
		newQuantity, t.now(), storeID, itemID, expectedVersion,
	)
	if err != nil {
		return false, classify(fmt.Errorf("update stock item: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update stock item: %w", err)
	}
	return rows == 1, nil
}

func (t *mysqlTx) AppendMovement(ctx context.Context, e domain.MovementLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (store_id, item_id, delta, previous_quantity, new_quantity,
			reference_transaction_id, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StoreID, e.ItemID, e.Delta, e.PreviousQuantity, e.NewQuantity,
		e.ReferenceTransactionID, string(e.Reason), e.Actor, e.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert movement: %w", err))
	}
	return nil
}

func (t *mysqlTx) FindApplied(ctx context.Context, key string) (*domain.DeductionResult, error) {
	return findApplied(ctx, t.tx, key)
}

func (t *mysqlTx) RecordApplied(ctx context.Context, res domain.DeductionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO deduction_idempotency (idempotency_key, store_id, transaction_id, result, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		res.IdempotencyKey, res.StoreID, res.TransactionID, raw, t.now(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert idempotency: %w", err))
	}
	return nil
}

// classify maps lock contention and duplicate keys onto ErrOptimisticLock
// so the coordinator retries them.
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDuplicateEntry, mysqlDeadlock, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %v", port.ErrOptimisticLock, err)
		}
	}
	return err
}
