package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides data access methods. Every write either commits fully
// or not at all; multi-row writes run inside a single transaction. A non-nil
// error means the caller must not treat the action as done.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `id, exchange_order_id, symbol, side, price, quantity,
	filled_quantity, avg_fill_price, status, parent_order_id, fill_time,
	created_at, updated_at`

// UpsertOrder inserts a root order row, or updates its fill state when a row
// for the same (symbol, exchange_order_id) already exists. The status only
// moves forward; a stale status in the incoming order leaves the row as-is.
func (r *Repository) UpsertOrder(ctx context.Context, order *Order) error {
	existing, err := r.OrderByExchangeID(ctx, order.Symbol, order.ExchangeOrderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if existing == nil {
		query := `
			INSERT INTO orders (exchange_order_id, symbol, side, price, quantity,
				filled_quantity, avg_fill_price, status, parent_order_id, fill_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at, updated_at
		`
		return r.db.Pool.QueryRow(
			ctx, query,
			order.ExchangeOrderID, order.Symbol, order.Side, order.Price, order.Quantity,
			order.FilledQuantity, order.AvgFillPrice, order.Status, order.ParentOrderID, order.FillTime,
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	}

	if !CanTransition(existing.Status, order.Status) {
		order.ID = existing.ID
		return nil
	}

	query := `
		UPDATE orders
		SET status = $2, filled_quantity = GREATEST(filled_quantity, $3),
		    avg_fill_price = $4, fill_time = COALESCE($5, fill_time),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := r.db.Pool.Exec(
		ctx, query,
		existing.ID, order.Status, order.FilledQuantity, order.AvgFillPrice, order.FillTime,
	); err != nil {
		return fmt.Errorf("update order %d: %w", order.ExchangeOrderID, err)
	}
	order.ID = existing.ID
	return nil
}

// OrderByExchangeID retrieves a root order by its exchange order id.
func (r *Repository) OrderByExchangeID(ctx context.Context, symbol string, exchangeOrderID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = $1 AND exchange_order_id = $2 AND parent_order_id IS NULL
	`
	return r.scanOrder(r.db.Pool.QueryRow(ctx, query, symbol, exchangeOrderID))
}

// OrderByID retrieves an order by its local id.
func (r *Repository) OrderByID(ctx context.Context, id int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.scanOrder(r.db.Pool.QueryRow(ctx, query, id))
}

// OpenOrders retrieves root orders that are still working on the exchange.
func (r *Repository) OpenOrders(ctx context.Context) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('OPEN', 'PARTIALLY_FILLED') AND parent_order_id IS NULL
		ORDER BY created_at
	`
	return r.queryOrders(ctx, query)
}

// NonTerminalOrders retrieves every root order that has not reached FILLED
// or CANCELLED, used by startup reconciliation.
func (r *Repository) NonTerminalOrders(ctx context.Context) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED') AND parent_order_id IS NULL
		ORDER BY created_at
	`
	return r.queryOrders(ctx, query)
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order := &Order{}
		if err := rows.Scan(
			&order.ID, &order.ExchangeOrderID, &order.Symbol, &order.Side,
			&order.Price, &order.Quantity, &order.FilledQuantity, &order.AvgFillPrice,
			&order.Status, &order.ParentOrderID, &order.FillTime,
			&order.CreatedAt, &order.UpdatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (r *Repository) scanOrder(row pgx.Row) (*Order, error) {
	order := &Order{}
	err := row.Scan(
		&order.ID, &order.ExchangeOrderID, &order.Symbol, &order.Side,
		&order.Price, &order.Quantity, &order.FilledQuantity, &order.AvgFillPrice,
		&order.Status, &order.ParentOrderID, &order.FillTime,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ============================================================================
// TRADE PAIRS
// ============================================================================

// CreateFillIncrement records one new BUY fill increment atomically: the
// root order's cumulative fill state, a child order row for the increment,
// and the increment's trade pair all commit together or not at all.
func (r *Repository) CreateFillIncrement(ctx context.Context, root *Order, increment *Order, pair *TradePair) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fill increment: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, filled_quantity = $3, avg_fill_price = $4,
		    fill_time = COALESCE($5, fill_time), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, root.ID, root.Status, root.FilledQuantity, root.AvgFillPrice, root.FillTime); err != nil {
		return fmt.Errorf("update root order %d: %w", root.ExchangeOrderID, err)
	}

	increment.ParentOrderID = &root.ID
	if err := tx.QueryRow(ctx, `
		INSERT INTO orders (exchange_order_id, symbol, side, price, quantity,
			filled_quantity, avg_fill_price, status, parent_order_id, fill_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`,
		increment.ExchangeOrderID, increment.Symbol, increment.Side, increment.Price,
		increment.Quantity, increment.FilledQuantity, increment.AvgFillPrice,
		increment.Status, increment.ParentOrderID, increment.FillTime,
	).Scan(&increment.ID, &increment.CreatedAt, &increment.UpdatedAt); err != nil {
		return fmt.Errorf("insert fill increment: %w", err)
	}

	pair.BuyOrderID = increment.ID
	pair.RootBuyOrderID = root.ID
	if err := tx.QueryRow(ctx, `
		INSERT INTO trade_pairs (buy_order_id, sell_order_id, root_buy_order_id,
			target_sell_price, quantity, status)
		VALUES ($1, NULL, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`,
		pair.BuyOrderID, pair.RootBuyOrderID, pair.TargetSellPrice, pair.Quantity, pair.Status,
	).Scan(&pair.ID, &pair.CreatedAt, &pair.UpdatedAt); err != nil {
		return fmt.Errorf("insert trade pair: %w", err)
	}

	return tx.Commit(ctx)
}

// ClaimSellOrder persists the client order id the engine is about to send
// with a pair's SELL, before the order reaches the exchange. A crash after
// the exchange accepts the order leaves this claim behind, which lets
// reconciliation find the orphan SELL by client order id instead of placing
// a second one.
func (r *Repository) ClaimSellOrder(ctx context.Context, pairID int64, clientOrderID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trade_pairs
		SET sell_client_order_id = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND sell_order_id IS NULL
	`, pairID, clientOrderID)
	if err != nil {
		return fmt.Errorf("claim sell for pair %d: %w", pairID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade pair %d already has a sell order", pairID)
	}
	return nil
}

// RecordSellPlacement persists a placed SELL order and links it to its trade
// pair in one transaction: either both the SELL order row and the pair
// update land, or neither does.
func (r *Repository) RecordSellPlacement(ctx context.Context, pairID int64, sell *Order) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sell placement: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO orders (exchange_order_id, symbol, side, price, quantity,
			filled_quantity, avg_fill_price, status, parent_order_id, fill_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`,
		sell.ExchangeOrderID, sell.Symbol, sell.Side, sell.Price, sell.Quantity,
		sell.FilledQuantity, sell.AvgFillPrice, sell.Status, sell.ParentOrderID, sell.FillTime,
	).Scan(&sell.ID, &sell.CreatedAt, &sell.UpdatedAt); err != nil {
		return fmt.Errorf("insert sell order %d: %w", sell.ExchangeOrderID, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE trade_pairs
		SET sell_order_id = $2, status = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND sell_order_id IS NULL
	`, pairID, sell.ID, PairStatusSellPlaced)
	if err != nil {
		return fmt.Errorf("link sell order to pair %d: %w", pairID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade pair %d already has a sell order", pairID)
	}

	return tx.Commit(ctx)
}

// CompleteTradePair marks the pair whose SELL order filled as COMPLETED and
// records the SELL order's terminal fill state in the same transaction.
func (r *Repository) CompleteTradePair(ctx context.Context, pairID int64, sellOrderID int64, fillPrice float64, fillTime time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pair completion: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, filled_quantity = quantity, avg_fill_price = $3,
		    fill_time = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, sellOrderID, OrderStatusFilled, fillPrice, fillTime); err != nil {
		return fmt.Errorf("finalize sell order %d: %w", sellOrderID, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE trade_pairs
		SET status = $2, completed_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, pairID, PairStatusCompleted, fillTime); err != nil {
		return fmt.Errorf("complete trade pair %d: %w", pairID, err)
	}

	return tx.Commit(ctx)
}

const pairColumns = `id, buy_order_id, sell_order_id, sell_client_order_id,
	root_buy_order_id, target_sell_price, quantity, status, created_at,
	updated_at, completed_at`

// TradePairsByStatus retrieves all trade pairs with the given status.
func (r *Repository) TradePairsByStatus(ctx context.Context, status string) ([]*TradePair, error) {
	query := `SELECT ` + pairColumns + ` FROM trade_pairs WHERE status = $1 ORDER BY created_at`
	return r.queryPairs(ctx, query, status)
}

// ActiveTradePairs retrieves every pair that has not completed.
func (r *Repository) ActiveTradePairs(ctx context.Context) ([]*TradePair, error) {
	query := `SELECT ` + pairColumns + ` FROM trade_pairs WHERE status != 'COMPLETED' ORDER BY created_at`
	return r.queryPairs(ctx, query)
}

// TradePairBySellOrder finds the pair owning a SELL order by the SELL's
// exchange order id.
func (r *Repository) TradePairBySellOrder(ctx context.Context, symbol string, sellExchangeOrderID int64) (*TradePair, error) {
	query := `
		SELECT p.id, p.buy_order_id, p.sell_order_id, p.sell_client_order_id,
		       p.root_buy_order_id, p.target_sell_price, p.quantity, p.status,
		       p.created_at, p.updated_at, p.completed_at
		FROM trade_pairs p
		JOIN orders o ON o.id = p.sell_order_id
		WHERE o.symbol = $1 AND o.exchange_order_id = $2
	`
	pairs, err := r.queryPairs(ctx, query, symbol, sellExchangeOrderID)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, ErrNotFound
	}
	return pairs[0], nil
}

func (r *Repository) queryPairs(ctx context.Context, query string, args ...interface{}) ([]*TradePair, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []*TradePair
	for rows.Next() {
		pair := &TradePair{}
		if err := rows.Scan(
			&pair.ID, &pair.BuyOrderID, &pair.SellOrderID, &pair.SellClientOrderID,
			&pair.RootBuyOrderID, &pair.TargetSellPrice, &pair.Quantity, &pair.Status,
			&pair.CreatedAt, &pair.UpdatedAt, &pair.CompletedAt,
		); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// ============================================================================
// SYSTEM STATE
// ============================================================================

// SystemState retrieves the singleton bookkeeping row, creating it on first
// access.
func (r *Repository) SystemState(ctx context.Context) (*SystemState, error) {
	if _, err := r.db.Pool.Exec(ctx, `
		INSERT INTO system_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return nil, fmt.Errorf("ensure system state row: %w", err)
	}

	state := &SystemState{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, status, feed_status, last_error, last_processed_time,
		       last_reconciliation_time, reconnection_attempts, open_order_count, updated_at
		FROM system_state WHERE id = 1
	`).Scan(
		&state.ID, &state.Status, &state.FeedStatus, &state.LastError,
		&state.LastProcessedTime, &state.LastReconciliationTime,
		&state.ReconnectionAttempts, &state.OpenOrderCount, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateSystemState applies a partial update to the singleton row and stamps
// last_processed_time.
func (r *Repository) UpdateSystemState(ctx context.Context, update SystemStateUpdate) error {
	if _, err := r.SystemState(ctx); err != nil {
		return err
	}
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE system_state
		SET status = COALESCE($1, status),
		    feed_status = COALESCE($2, feed_status),
		    last_error = COALESCE($3, last_error),
		    reconnection_attempts = COALESCE($4, reconnection_attempts),
		    open_order_count = COALESCE($5, open_order_count),
		    last_processed_time = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, update.Status, update.FeedStatus, update.LastError,
		update.ReconnectionAttempts, update.OpenOrderCount)
	if err != nil {
		return fmt.Errorf("update system state: %w", err)
	}
	return nil
}

// RecordReconciliation stamps a successful reconciliation and stores any
// unresolved discrepancies as warnings.
func (r *Repository) RecordReconciliation(ctx context.Context, warnings []string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconciliation record: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE system_state
		SET last_reconciliation_time = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`); err != nil {
		return fmt.Errorf("stamp reconciliation: %w", err)
	}

	for _, warning := range warnings {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reconciliation_warnings (message) VALUES ($1)
		`, warning); err != nil {
			return fmt.Errorf("record reconciliation warning: %w", err)
		}
	}

	return tx.Commit(ctx)
}
