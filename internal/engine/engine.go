package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
	"swing-trading-bot/internal/feed"
	"swing-trading-bot/internal/profit"
)

// fillEpsilon absorbs float noise when comparing cumulative fill quantities
const fillEpsilon = 1e-9

// Engine applies order status events to the store and decides when to place
// SELL orders. All store writes happen on the single goroutine running Run,
// so no two fill-handling operations for the same exchange order ever
// interleave. Side effects are strictly additive: the engine never cancels
// or amends an order it placed.
type Engine struct {
	store  Store
	client binance.ExchangeClient
	calc   *profit.Calculator
	prices *PriceCache
	logger zerolog.Logger

	symbol        string
	dryRun        bool
	priceDecimals int

	positionAgeAlert time.Duration
	checkInterval    time.Duration

	tasks chan task
}

// task is a closure executed on the event-loop goroutine, serialized with
// order and price handling.
type task struct {
	fn   func(context.Context) error
	done chan error
}

func New(store Store, client binance.ExchangeClient, calc *profit.Calculator, prices *PriceCache, tradingCfg config.TradingConfig, monitorCfg config.MonitorConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		store:            store,
		client:           client,
		calc:             calc,
		prices:           prices,
		logger:           logger,
		symbol:           tradingCfg.Symbol,
		dryRun:           tradingCfg.DryRun,
		priceDecimals:    decimalsForTick(tradingCfg.PriceTickSize),
		positionAgeAlert: monitorCfg.PositionAgeAlert,
		checkInterval:    monitorCfg.CheckInterval,
		tasks:            make(chan task),
	}
}

// Run consumes feed events until ctx is cancelled. It is the only goroutine
// that writes to the store during normal operation.
func (e *Engine) Run(ctx context.Context, orders <-chan feed.OrderStatusEvent, prices <-chan feed.PriceUpdate) {
	go e.runPositionAgeMonitor(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine event loop stopped")
			return
		case event := <-orders:
			if err := e.HandleOrderEvent(ctx, event); err != nil {
				e.logger.Error().
					Err(err).
					Int64("exchange_order_id", event.ExchangeOrderID).
					Str("status", event.Status).
					Msg("Order event handling failed")
			}
		case update := <-prices:
			e.HandlePriceUpdate(ctx, update)
		case t := <-e.tasks:
			t.done <- t.fn(ctx)
		}
	}
}

// Execute runs fn on the event-loop goroutine and returns its error.
// Store-writing work that originates outside the feed, like periodic
// reconciliation, must go through here so it never interleaves with fill
// handling. It blocks until fn has run or ctx is cancelled.
func (e *Engine) Execute(ctx context.Context, fn func(context.Context) error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePriceUpdate refreshes the last-known-price cache. Price movement
// never triggers order placement: SELL orders are standing limit orders
// placed once at fill time.
func (e *Engine) HandlePriceUpdate(ctx context.Context, update feed.PriceUpdate) {
	e.prices.Set(ctx, update.Symbol, update.Price, update.Timestamp)
}

// HandleOrderEvent applies one normalized order status observation. It is
// idempotent: the pair (exchange order id, cumulative filled quantity) keys
// every fill, and replays of an already-processed cumulative quantity are
// no-ops. Events may arrive out of order across the stream and polling
// paths; a lower cumulative quantity than already recorded is stale and is
// ignored.
func (e *Engine) HandleOrderEvent(ctx context.Context, event feed.OrderStatusEvent) error {
	if event.Symbol != e.symbol {
		return nil
	}

	switch event.Side {
	case database.SideBuy:
		return e.handleBuyEvent(ctx, event)
	case database.SideSell:
		return e.handleSellEvent(ctx, event)
	default:
		e.logger.Warn().Str("side", event.Side).Int64("exchange_order_id", event.ExchangeOrderID).Msg("Order event with unknown side")
		return nil
	}
}

func (e *Engine) handleBuyEvent(ctx context.Context, event feed.OrderStatusEvent) error {
	root, err := e.store.OrderByExchangeID(ctx, event.Symbol, event.ExchangeOrderID)
	if errors.Is(err, database.ErrNotFound) {
		root = &database.Order{
			ExchangeOrderID: event.ExchangeOrderID,
			Symbol:          event.Symbol,
			Side:            database.SideBuy,
			Price:           event.Price,
			Quantity:        event.Quantity,
			Status:          database.OrderStatusOpen,
		}
		if err := e.store.UpsertOrder(ctx, root); err != nil {
			return fmt.Errorf("create buy order %d: %w", event.ExchangeOrderID, err)
		}
		e.logger.Info().
			Int64("exchange_order_id", event.ExchangeOrderID).
			Float64("price", event.Price).
			Float64("quantity", event.Quantity).
			Msg("New BUY order tracked")
	} else if err != nil {
		return fmt.Errorf("load buy order %d: %w", event.ExchangeOrderID, err)
	}

	delta := event.CumulativeFilled - root.FilledQuantity
	if delta > fillEpsilon {
		return e.handleBuyFill(ctx, root, event, delta)
	}

	// No new quantity: only a status change can be meaningful here.
	status := mapExchangeStatus(event.Status)
	if status == root.Status || !database.CanTransition(root.Status, status) {
		e.logger.Debug().
			Int64("exchange_order_id", event.ExchangeOrderID).
			Float64("cumulative_filled", event.CumulativeFilled).
			Str("source", string(event.Source)).
			Msg("Duplicate or stale order event ignored")
		return nil
	}

	root.Status = status
	if err := e.store.UpsertOrder(ctx, root); err != nil {
		return fmt.Errorf("update buy order %d status: %w", event.ExchangeOrderID, err)
	}

	if status == database.OrderStatusCancelled {
		e.logger.Warn().
			Int64("exchange_order_id", event.ExchangeOrderID).
			Float64("filled_quantity", root.FilledQuantity).
			Msg("BUY order cancelled on exchange, left for manual handling")
	}
	return nil
}

// handleBuyFill records one new fill increment and places its SELL. The
// increment gets its own Order and TradePair rows; increments of the same
// parent are never merged.
func (e *Engine) handleBuyFill(ctx context.Context, root *database.Order, event feed.OrderStatusEvent, delta float64) error {
	fillPrice := event.LastFilledPrice
	if fillPrice <= 0 {
		fillPrice = event.AvgFillPrice
	}
	if fillPrice <= 0 {
		fillPrice = event.Price
	}

	targetSellPrice, err := e.calc.MinSellPrice(fillPrice, delta)
	if err != nil {
		return fmt.Errorf("sell price for order %d fill %.8f x %.8f: %w", event.ExchangeOrderID, fillPrice, delta, err)
	}

	fillTime := event.Timestamp
	root.FilledQuantity = event.CumulativeFilled
	root.Status = mapExchangeStatus(event.Status)
	root.FillTime = &fillTime
	if event.AvgFillPrice > 0 {
		root.AvgFillPrice = event.AvgFillPrice
	}

	increment := &database.Order{
		ExchangeOrderID: event.ExchangeOrderID,
		Symbol:          event.Symbol,
		Side:            database.SideBuy,
		Price:           fillPrice,
		Quantity:        delta,
		FilledQuantity:  delta,
		AvgFillPrice:    fillPrice,
		Status:          database.OrderStatusFilled,
		FillTime:        &fillTime,
	}
	pair := &database.TradePair{
		TargetSellPrice: targetSellPrice,
		Quantity:        delta,
		Status:          database.PairStatusWaitingForSell,
	}

	if err := e.store.CreateFillIncrement(ctx, root, increment, pair); err != nil {
		return fmt.Errorf("record fill increment for order %d: %w", event.ExchangeOrderID, err)
	}

	e.logger.Info().
		Int64("exchange_order_id", event.ExchangeOrderID).
		Float64("fill_price", fillPrice).
		Float64("delta_quantity", delta).
		Float64("cumulative_filled", event.CumulativeFilled).
		Float64("target_sell_price", targetSellPrice).
		Int64("trade_pair_id", pair.ID).
		Str("source", string(event.Source)).
		Msg("BUY fill detected")

	return e.PlaceSell(ctx, pair)
}

// PlaceSell attempts the SELL placement for a WAITING_FOR_SELL pair. Pairs
// whose notional is over the cap are logged and skipped, never clamped. The
// reconciler re-invokes this for pairs whose placement crashed or failed.
func (e *Engine) PlaceSell(ctx context.Context, pair *database.TradePair) error {
	if pair.SellOrderID != nil || pair.Status != database.PairStatusWaitingForSell {
		return nil
	}

	buy, err := e.store.OrderByID(ctx, pair.BuyOrderID)
	if err != nil {
		return fmt.Errorf("load buy increment %d: %w", pair.BuyOrderID, err)
	}

	if math.Abs(buy.FilledQuantity-pair.Quantity) > fillEpsilon {
		e.logger.Error().
			Int64("trade_pair_id", pair.ID).
			Float64("pair_quantity", pair.Quantity).
			Float64("buy_filled_quantity", buy.FilledQuantity).
			Msg("SELL quantity does not match BUY increment, rejected")
		return nil
	}

	if err := e.calc.ValidateNotional(pair.TargetSellPrice, pair.Quantity); err != nil {
		if errors.Is(err, profit.ErrNotionalExceeded) {
			e.logger.Warn().
				Err(err).
				Int64("trade_pair_id", pair.ID).
				Float64("target_sell_price", pair.TargetSellPrice).
				Float64("quantity", pair.Quantity).
				Msg("SELL notional over cap, left for manual handling")
			return nil
		}
		return fmt.Errorf("validate sell for pair %d: %w", pair.ID, err)
	}

	if e.dryRun {
		e.logger.Info().
			Int64("trade_pair_id", pair.ID).
			Float64("price", pair.TargetSellPrice).
			Float64("quantity", pair.Quantity).
			Msg("Dry run, SELL not sent")
		return nil
	}

	// The client order id is persisted on the pair before the order goes
	// out. If the process dies after the exchange accepts the order but
	// before the placement is recorded, reconciliation looks the claim up
	// and adopts the live order; the same id on a retry can never produce
	// a second order.
	var clientOrderID string
	if pair.SellClientOrderID != nil {
		clientOrderID = *pair.SellClientOrderID
	} else {
		clientOrderID = uuid.NewString()
		if err := e.store.ClaimSellOrder(ctx, pair.ID, clientOrderID); err != nil {
			return fmt.Errorf("claim SELL for pair %d: %w", pair.ID, err)
		}
		pair.SellClientOrderID = &clientOrderID
	}

	params := map[string]string{
		"symbol":           e.symbol,
		"side":             database.SideSell,
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"quantity":         strconv.FormatFloat(pair.Quantity, 'f', -1, 64),
		"price":            strconv.FormatFloat(pair.TargetSellPrice, 'f', e.priceDecimals, 64),
		"newClientOrderId": clientOrderID,
	}

	resp, err := e.client.PlaceOrder(params)
	if err != nil {
		return fmt.Errorf("place SELL for pair %d: %w", pair.ID, err)
	}

	sell := &database.Order{
		ExchangeOrderID: resp.OrderId,
		Symbol:          e.symbol,
		Side:            database.SideSell,
		Price:           pair.TargetSellPrice,
		Quantity:        pair.Quantity,
		Status:          database.OrderStatusOpen,
	}
	if err := e.store.RecordSellPlacement(ctx, pair.ID, sell); err != nil {
		// The order is live on the exchange but not recorded locally.
		// Reconciliation finds it through the claimed client order id and
		// adopts it via AdoptSell.
		return fmt.Errorf("record SELL %d for pair %d (order is live on exchange): %w", resp.OrderId, pair.ID, err)
	}
	pair.SellOrderID = &sell.ID
	pair.Status = database.PairStatusSellPlaced

	e.logger.Info().
		Int64("trade_pair_id", pair.ID).
		Int64("sell_exchange_order_id", resp.OrderId).
		Float64("price", pair.TargetSellPrice).
		Float64("quantity", pair.Quantity).
		Msg("SELL order placed")
	return nil
}

// AdoptSell links a SELL order that is already live on the exchange to its
// waiting pair. The reconciler calls this when a previous run crashed after
// the exchange accepted a pair's SELL but before the placement was recorded.
func (e *Engine) AdoptSell(ctx context.Context, pair *database.TradePair, remote *binance.OrderResponse) error {
	if pair.SellOrderID != nil || pair.Status != database.PairStatusWaitingForSell {
		return nil
	}

	sell := &database.Order{
		ExchangeOrderID: remote.OrderId,
		Symbol:          remote.Symbol,
		Side:            database.SideSell,
		Price:           pair.TargetSellPrice,
		Quantity:        pair.Quantity,
		Status:          database.OrderStatusOpen,
	}
	if err := e.store.RecordSellPlacement(ctx, pair.ID, sell); err != nil {
		return fmt.Errorf("adopt SELL %d for pair %d: %w", remote.OrderId, pair.ID, err)
	}
	pair.SellOrderID = &sell.ID
	pair.Status = database.PairStatusSellPlaced

	e.logger.Info().
		Int64("trade_pair_id", pair.ID).
		Int64("sell_exchange_order_id", remote.OrderId).
		Str("exchange_status", remote.Status).
		Msg("Adopted SELL order placed by a previous run")

	// Any progress the order made while unrecorded (partial or full fill)
	// flows through the normal event path.
	return e.HandleOrderEvent(ctx, feed.NormalizeOrder(remote, feed.SourceReconcile))
}

func (e *Engine) handleSellEvent(ctx context.Context, event feed.OrderStatusEvent) error {
	pair, err := e.store.TradePairBySellOrder(ctx, event.Symbol, event.ExchangeOrderID)
	if errors.Is(err, database.ErrNotFound) {
		e.logger.Warn().
			Int64("exchange_order_id", event.ExchangeOrderID).
			Str("status", event.Status).
			Msg("SELL event for unknown order, left for manual handling")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pair for sell order %d: %w", event.ExchangeOrderID, err)
	}

	status := mapExchangeStatus(event.Status)
	switch status {
	case database.OrderStatusFilled:
		if pair.Status == database.PairStatusCompleted {
			e.logger.Debug().Int64("trade_pair_id", pair.ID).Msg("Duplicate SELL fill event ignored")
			return nil
		}
		return e.completePair(ctx, pair, event)

	case database.OrderStatusCancelled:
		e.logger.Warn().
			Int64("trade_pair_id", pair.ID).
			Int64("exchange_order_id", event.ExchangeOrderID).
			Msg("SELL order cancelled on exchange, left for manual handling")
		return nil

	default:
		// Partial SELL fills update the stored order but the pair stays
		// SELL_PLACED until fully filled.
		sell := &database.Order{
			ExchangeOrderID: event.ExchangeOrderID,
			Symbol:          event.Symbol,
			Side:            database.SideSell,
			Price:           event.Price,
			Quantity:        event.Quantity,
			FilledQuantity:  event.CumulativeFilled,
			AvgFillPrice:    event.AvgFillPrice,
			Status:          status,
		}
		if err := e.store.UpsertOrder(ctx, sell); err != nil {
			return fmt.Errorf("update sell order %d: %w", event.ExchangeOrderID, err)
		}
		return nil
	}
}

func (e *Engine) completePair(ctx context.Context, pair *database.TradePair, event feed.OrderStatusEvent) error {
	fillPrice := event.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = event.LastFilledPrice
	}
	if fillPrice <= 0 {
		fillPrice = pair.TargetSellPrice
	}

	if err := e.store.CompleteTradePair(ctx, pair.ID, *pair.SellOrderID, fillPrice, event.Timestamp); err != nil {
		return fmt.Errorf("complete pair %d: %w", pair.ID, err)
	}

	logEvent := e.logger.Info().
		Int64("trade_pair_id", pair.ID).
		Int64("sell_exchange_order_id", event.ExchangeOrderID).
		Float64("sell_price", fillPrice).
		Float64("quantity", pair.Quantity)

	if buy, err := e.store.OrderByID(ctx, pair.BuyOrderID); err == nil {
		if net, err := e.calc.NetProfit(buy.Price, fillPrice, pair.Quantity); err == nil {
			logEvent = logEvent.Float64("net_profit", net)
		}
	}
	logEvent.Msg("Trade pair completed")
	return nil
}

// Position is one open trade pair with its orders and the last known price
type Position struct {
	Pair      *database.TradePair `json:"pair"`
	Buy       *database.Order     `json:"buy"`
	Sell      *database.Order     `json:"sell,omitempty"`
	LastPrice float64             `json:"last_price,omitempty"`
}

// OpenPositions returns every trade pair that has not completed, with its
// orders attached.
func (e *Engine) OpenPositions(ctx context.Context) ([]Position, error) {
	pairs, err := e.store.ActiveTradePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active pairs: %w", err)
	}

	positions := make([]Position, 0, len(pairs))
	for _, pair := range pairs {
		position := Position{Pair: pair}
		if buy, err := e.store.OrderByID(ctx, pair.BuyOrderID); err == nil {
			position.Buy = buy
		}
		if pair.SellOrderID != nil {
			if sell, err := e.store.OrderByID(ctx, *pair.SellOrderID); err == nil {
				position.Sell = sell
			}
		}
		if point, ok := e.prices.Get(e.symbol); ok {
			position.LastPrice = point.Price
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// LastPrice returns the cached last known price for a symbol
func (e *Engine) LastPrice(symbol string) (PricePoint, bool) {
	return e.prices.Get(symbol)
}

// runPositionAgeMonitor periodically flags positions that have been open
// longer than the configured alert threshold. It only reads and logs.
func (e *Engine) runPositionAgeMonitor(ctx context.Context) {
	if e.checkInterval <= 0 {
		return
	}

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkPositions(ctx)
		}
	}
}

// checkPositions records the current open position count in the system
// state row and flags pairs open past the age threshold.
func (e *Engine) checkPositions(ctx context.Context) {
	pairs, err := e.store.ActiveTradePairs(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Position age check failed")
		return
	}

	count := len(pairs)
	if err := e.store.UpdateSystemState(ctx, database.SystemStateUpdate{OpenOrderCount: &count}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record open position count")
	}

	for _, pair := range pairs {
		age := time.Since(pair.CreatedAt)
		if age > e.positionAgeAlert {
			e.logger.Warn().
				Int64("trade_pair_id", pair.ID).
				Dur("age", age).
				Str("status", pair.Status).
				Float64("target_sell_price", pair.TargetSellPrice).
				Msg("Position open past age threshold")
		}
	}
}

// mapExchangeStatus converts exchange order statuses to local ones
func mapExchangeStatus(status string) string {
	switch status {
	case "NEW":
		return database.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return database.OrderStatusPartiallyFilled
	case "FILLED":
		return database.OrderStatusFilled
	case "CANCELED", "EXPIRED", "REJECTED", "PENDING_CANCEL":
		return database.OrderStatusCancelled
	default:
		return status
	}
}

func decimalsForTick(tick float64) int {
	if tick <= 0 || tick >= 1 {
		return 0
	}
	return int(math.Round(-math.Log10(tick)))
}
