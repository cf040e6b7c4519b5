package engine

import (
	"context"
	"time"

	"swing-trading-bot/internal/database"
)

// Store is the persistence surface the engine writes through. Multi-row
// writes are transactional on the implementation side; a returned error
// means the operation is not done and must not be assumed durable.
type Store interface {
	UpsertOrder(ctx context.Context, order *database.Order) error
	OrderByExchangeID(ctx context.Context, symbol string, exchangeOrderID int64) (*database.Order, error)
	OrderByID(ctx context.Context, id int64) (*database.Order, error)
	OpenOrders(ctx context.Context) ([]*database.Order, error)
	NonTerminalOrders(ctx context.Context) ([]*database.Order, error)

	CreateFillIncrement(ctx context.Context, root, increment *database.Order, pair *database.TradePair) error
	ClaimSellOrder(ctx context.Context, pairID int64, clientOrderID string) error
	RecordSellPlacement(ctx context.Context, pairID int64, sell *database.Order) error
	CompleteTradePair(ctx context.Context, pairID, sellOrderID int64, fillPrice float64, fillTime time.Time) error
	TradePairsByStatus(ctx context.Context, status string) ([]*database.TradePair, error)
	ActiveTradePairs(ctx context.Context) ([]*database.TradePair, error)
	TradePairBySellOrder(ctx context.Context, symbol string, sellExchangeOrderID int64) (*database.TradePair, error)

	SystemState(ctx context.Context) (*database.SystemState, error)
	UpdateSystemState(ctx context.Context, update database.SystemStateUpdate) error
}

var _ Store = (*database.Repository)(nil)
