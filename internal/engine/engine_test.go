package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
	"swing-trading-bot/internal/feed"
	"swing-trading-bot/internal/profit"
)

// fakeStore is an in-memory Store with the same transactional semantics as
// the real repository.
type fakeStore struct {
	nextOrderID int64
	nextPairID  int64
	orders      map[int64]*database.Order
	pairs       map[int64]*database.TradePair
	state       database.SystemState

	failWrites bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[int64]*database.Order),
		pairs:  make(map[int64]*database.TradePair),
		state:  database.SystemState{ID: 1, Status: database.SystemStatusInitializing},
	}
}

var errWriteFailed = errors.New("simulated write failure")

func (s *fakeStore) UpsertOrder(ctx context.Context, order *database.Order) error {
	if s.failWrites {
		return errWriteFailed
	}
	for _, existing := range s.orders {
		if existing.ExchangeOrderID == order.ExchangeOrderID &&
			existing.Symbol == order.Symbol && existing.ParentOrderID == nil {
			if database.CanTransition(existing.Status, order.Status) {
				existing.Status = order.Status
				if order.FilledQuantity > existing.FilledQuantity {
					existing.FilledQuantity = order.FilledQuantity
				}
				existing.AvgFillPrice = order.AvgFillPrice
			}
			order.ID = existing.ID
			return nil
		}
	}
	s.nextOrderID++
	order.ID = s.nextOrderID
	order.CreatedAt = time.Now()
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *fakeStore) OrderByExchangeID(ctx context.Context, symbol string, exchangeOrderID int64) (*database.Order, error) {
	for _, order := range s.orders {
		if order.Symbol == symbol && order.ExchangeOrderID == exchangeOrderID && order.ParentOrderID == nil {
			copied := *order
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) OrderByID(ctx context.Context, id int64) (*database.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeStore) OpenOrders(ctx context.Context) ([]*database.Order, error) {
	var out []*database.Order
	for _, order := range s.orders {
		if order.ParentOrderID == nil &&
			(order.Status == database.OrderStatusOpen || order.Status == database.OrderStatusPartiallyFilled) {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) NonTerminalOrders(ctx context.Context) ([]*database.Order, error) {
	var out []*database.Order
	for _, order := range s.orders {
		if order.ParentOrderID == nil && !order.IsTerminal() {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateFillIncrement(ctx context.Context, root, increment *database.Order, pair *database.TradePair) error {
	if s.failWrites {
		return errWriteFailed
	}
	stored, ok := s.orders[root.ID]
	if !ok {
		return database.ErrNotFound
	}
	stored.Status = root.Status
	stored.FilledQuantity = root.FilledQuantity
	stored.AvgFillPrice = root.AvgFillPrice
	stored.FillTime = root.FillTime

	s.nextOrderID++
	increment.ID = s.nextOrderID
	increment.ParentOrderID = &root.ID
	copiedInc := *increment
	s.orders[increment.ID] = &copiedInc

	s.nextPairID++
	pair.ID = s.nextPairID
	pair.BuyOrderID = increment.ID
	pair.RootBuyOrderID = root.ID
	pair.CreatedAt = time.Now()
	copiedPair := *pair
	s.pairs[pair.ID] = &copiedPair
	return nil
}

func (s *fakeStore) ClaimSellOrder(ctx context.Context, pairID int64, clientOrderID string) error {
	if s.failWrites {
		return errWriteFailed
	}
	pair, ok := s.pairs[pairID]
	if !ok {
		return database.ErrNotFound
	}
	if pair.SellOrderID != nil {
		return errors.New("trade pair already has a sell order")
	}
	pair.SellClientOrderID = &clientOrderID
	return nil
}

func (s *fakeStore) RecordSellPlacement(ctx context.Context, pairID int64, sell *database.Order) error {
	if s.failWrites {
		return errWriteFailed
	}
	pair, ok := s.pairs[pairID]
	if !ok {
		return database.ErrNotFound
	}
	if pair.SellOrderID != nil {
		return errors.New("trade pair already has a sell order")
	}
	s.nextOrderID++
	sell.ID = s.nextOrderID
	copied := *sell
	s.orders[sell.ID] = &copied
	pair.SellOrderID = &sell.ID
	pair.Status = database.PairStatusSellPlaced
	return nil
}

func (s *fakeStore) CompleteTradePair(ctx context.Context, pairID, sellOrderID int64, fillPrice float64, fillTime time.Time) error {
	if s.failWrites {
		return errWriteFailed
	}
	pair, ok := s.pairs[pairID]
	if !ok {
		return database.ErrNotFound
	}
	if sell, ok := s.orders[sellOrderID]; ok {
		sell.Status = database.OrderStatusFilled
		sell.FilledQuantity = sell.Quantity
		sell.AvgFillPrice = fillPrice
		sell.FillTime = &fillTime
	}
	pair.Status = database.PairStatusCompleted
	pair.CompletedAt = &fillTime
	return nil
}

func (s *fakeStore) TradePairsByStatus(ctx context.Context, status string) ([]*database.TradePair, error) {
	var out []*database.TradePair
	for _, pair := range s.pairs {
		if pair.Status == status {
			copied := *pair
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) ActiveTradePairs(ctx context.Context) ([]*database.TradePair, error) {
	var out []*database.TradePair
	for _, pair := range s.pairs {
		if pair.Status != database.PairStatusCompleted {
			copied := *pair
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) TradePairBySellOrder(ctx context.Context, symbol string, sellExchangeOrderID int64) (*database.TradePair, error) {
	for _, pair := range s.pairs {
		if pair.SellOrderID == nil {
			continue
		}
		sell, ok := s.orders[*pair.SellOrderID]
		if ok && sell.Symbol == symbol && sell.ExchangeOrderID == sellExchangeOrderID {
			copied := *pair
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) SystemState(ctx context.Context) (*database.SystemState, error) {
	copied := s.state
	return &copied, nil
}

func (s *fakeStore) UpdateSystemState(ctx context.Context, update database.SystemStateUpdate) error {
	if update.Status != nil {
		s.state.Status = *update.Status
	}
	if update.FeedStatus != nil {
		s.state.FeedStatus = *update.FeedStatus
	}
	if update.LastError != nil {
		s.state.LastError = update.LastError
	}
	if update.OpenOrderCount != nil {
		s.state.OpenOrderCount = *update.OpenOrderCount
	}
	return nil
}

var _ Store = (*fakeStore)(nil)

// ============================================================================
// TEST SETUP
// ============================================================================

func testEngine(store Store, client binance.ExchangeClient) *Engine {
	calc := profit.NewCalculator(0.001, 0.001, 0.003, 100.0, 0.0001)
	prices := NewPriceCache(nil, zerolog.Nop())
	tradingCfg := config.TradingConfig{
		Symbol:        "TRUMPUSDC",
		PriceTickSize: 0.0001,
	}
	monitorCfg := config.MonitorConfig{
		PositionAgeAlert: 10 * time.Hour,
		CheckInterval:    5 * time.Minute,
	}
	return New(store, client, calc, prices, tradingCfg, monitorCfg, zerolog.Nop())
}

func buyEvent(orderID int64, status string, qty, cumFilled, lastPrice float64) feed.OrderStatusEvent {
	return feed.OrderStatusEvent{
		Symbol:           "TRUMPUSDC",
		ExchangeOrderID:  orderID,
		Side:             "BUY",
		Status:           status,
		Price:            8.50,
		Quantity:         qty,
		CumulativeFilled: cumFilled,
		LastFilledPrice:  lastPrice,
		AvgFillPrice:     lastPrice,
		Timestamp:        time.Now(),
		Source:           feed.SourceStream,
	}
}

// ============================================================================
// BUY FILL HANDLING
// ============================================================================

func TestHandleOrderEvent_FullFillPlacesSell(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err != nil {
		t.Fatalf("HandleOrderEvent failed: %v", err)
	}

	placed, err := store.TradePairsByStatus(ctx, database.PairStatusSellPlaced)
	if err != nil {
		t.Fatalf("TradePairsByStatus failed: %v", err)
	}
	if len(placed) != 1 {
		t.Fatalf("expected 1 SELL_PLACED pair, got %d", len(placed))
	}

	pair := placed[0]
	if pair.Quantity != 10 {
		t.Errorf("expected pair quantity 10, got %f", pair.Quantity)
	}
	// 8.50 * 1.004 / 0.999 ~= 8.5425, rounded up to tick
	if pair.TargetSellPrice < 8.5425 || pair.TargetSellPrice > 8.5427 {
		t.Errorf("unexpected target sell price %.6f", pair.TargetSellPrice)
	}

	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 1 {
		t.Fatalf("expected 1 order on exchange, got %d", len(open))
	}
	if open[0].Side != "SELL" || open[0].OrigQty != 10 {
		t.Errorf("unexpected exchange order: %+v", open[0])
	}
}

func TestHandleOrderEvent_DuplicateEventsAreNoOps(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	event := buyEvent(100, "FILLED", 10, 10, 8.50)
	for i := 0; i < 3; i++ {
		if err := e.HandleOrderEvent(ctx, event); err != nil {
			t.Fatalf("replay %d failed: %v", i, err)
		}
	}

	pairs, _ := store.ActiveTradePairs(ctx)
	if len(pairs) != 1 {
		t.Fatalf("expected exactly 1 pair after replays, got %d", len(pairs))
	}
	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 1 {
		t.Errorf("expected exactly 1 SELL on exchange after replays, got %d", len(open))
	}
}

func TestHandleOrderEvent_PartialFillIncrements(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	// Three increments: 2, then +3, then +5
	steps := []struct {
		status string
		cum    float64
	}{
		{"PARTIALLY_FILLED", 2},
		{"PARTIALLY_FILLED", 5},
		{"FILLED", 10},
	}
	for _, step := range steps {
		if err := e.HandleOrderEvent(ctx, buyEvent(100, step.status, 10, step.cum, 8.50)); err != nil {
			t.Fatalf("step cum=%f failed: %v", step.cum, err)
		}
	}

	pairs, _ := store.TradePairsByStatus(ctx, database.PairStatusSellPlaced)
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs for 3 increments, got %d", len(pairs))
	}

	quantities := map[float64]bool{}
	for _, pair := range pairs {
		quantities[pair.Quantity] = true
	}
	for _, want := range []float64{2, 3, 5} {
		if !quantities[want] {
			t.Errorf("missing pair with increment quantity %f", want)
		}
	}

	root, err := store.OrderByExchangeID(ctx, "TRUMPUSDC", 100)
	if err != nil {
		t.Fatalf("root lookup failed: %v", err)
	}
	if root.FilledQuantity != 10 || root.Status != database.OrderStatusFilled {
		t.Errorf("root not fully filled: qty=%f status=%s", root.FilledQuantity, root.Status)
	}
}

func TestHandleOrderEvent_StaleEventIgnored(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	// Out-of-order partial fill arrives after the full fill
	if err := e.HandleOrderEvent(ctx, buyEvent(100, "PARTIALLY_FILLED", 10, 4, 8.50)); err != nil {
		t.Fatalf("stale event errored: %v", err)
	}

	pairs, _ := store.ActiveTradePairs(ctx)
	if len(pairs) != 1 {
		t.Fatalf("stale event created extra pairs: got %d", len(pairs))
	}
	root, _ := store.OrderByExchangeID(ctx, "TRUMPUSDC", 100)
	if root.FilledQuantity != 10 {
		t.Errorf("stale event regressed filled quantity to %f", root.FilledQuantity)
	}
}

func TestHandleOrderEvent_CancelledBuyNoSell(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "NEW", 10, 0, 0)); err != nil {
		t.Fatalf("NEW event failed: %v", err)
	}
	if err := e.HandleOrderEvent(ctx, buyEvent(100, "CANCELED", 10, 0, 0)); err != nil {
		t.Fatalf("cancel event failed: %v", err)
	}

	root, _ := store.OrderByExchangeID(ctx, "TRUMPUSDC", 100)
	if root.Status != database.OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", root.Status)
	}
	pairs, _ := store.ActiveTradePairs(ctx)
	if len(pairs) != 0 {
		t.Errorf("cancelled order must not create pairs, got %d", len(pairs))
	}
	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 0 {
		t.Errorf("cancelled order must not place SELLs, got %d", len(open))
	}
}

func TestHandleOrderEvent_NotionalOverCapSkipsPlacement(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	// 8.50 * 20 = 170 notional, over the 100 cap
	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 20, 20, 8.50)); err != nil {
		t.Fatalf("HandleOrderEvent failed: %v", err)
	}

	waiting, _ := store.TradePairsByStatus(ctx, database.PairStatusWaitingForSell)
	if len(waiting) != 1 {
		t.Fatalf("expected pair left WAITING_FOR_SELL, got %d waiting", len(waiting))
	}
	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 0 {
		t.Errorf("over-cap SELL must not reach the exchange, got %d orders", len(open))
	}
}

func TestHandleOrderEvent_OtherSymbolIgnored(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	event := buyEvent(100, "FILLED", 10, 10, 8.50)
	event.Symbol = "BTCUSDC"
	if err := e.HandleOrderEvent(ctx, event); err != nil {
		t.Fatalf("foreign symbol errored: %v", err)
	}

	pairs, _ := store.ActiveTradePairs(ctx)
	if len(pairs) != 0 {
		t.Errorf("foreign symbol must be ignored, got %d pairs", len(pairs))
	}
}

func TestPlaceSell_ClaimsClientOrderIDBeforePlacement(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	placed, _ := store.TradePairsByStatus(ctx, database.PairStatusSellPlaced)
	if len(placed) != 1 {
		t.Fatalf("expected 1 placed pair, got %d", len(placed))
	}
	if placed[0].SellClientOrderID == nil {
		t.Fatal("pair missing the claimed client order id")
	}

	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 1 {
		t.Fatalf("expected 1 order on exchange, got %d", len(open))
	}
	if open[0].ClientOrderId != *placed[0].SellClientOrderID {
		t.Errorf("exchange order carries client id %q, pair claims %q",
			open[0].ClientOrderId, *placed[0].SellClientOrderID)
	}
}

func TestPlaceSell_ReusesExistingClaim(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	// A pair left behind by a crashed placement attempt, claim persisted
	// but no order on the exchange.
	root := &database.Order{
		ExchangeOrderID: 100, Symbol: "TRUMPUSDC", Side: database.SideBuy,
		Price: 8.5, Quantity: 5, Status: database.OrderStatusOpen,
	}
	if err := store.UpsertOrder(ctx, root); err != nil {
		t.Fatalf("seed root failed: %v", err)
	}
	root.Status = database.OrderStatusFilled
	root.FilledQuantity = 5
	increment := &database.Order{
		ExchangeOrderID: 100, Symbol: "TRUMPUSDC", Side: database.SideBuy,
		Price: 8.5, Quantity: 5, FilledQuantity: 5,
		Status: database.OrderStatusFilled,
	}
	pair := &database.TradePair{
		TargetSellPrice: 8.5426, Quantity: 5,
		Status: database.PairStatusWaitingForSell,
	}
	if err := store.CreateFillIncrement(ctx, root, increment, pair); err != nil {
		t.Fatalf("seed pair failed: %v", err)
	}
	if err := store.ClaimSellOrder(ctx, pair.ID, "recovered-claim-1"); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	claim := "recovered-claim-1"
	pair.SellClientOrderID = &claim

	if err := e.PlaceSell(ctx, pair); err != nil {
		t.Fatalf("PlaceSell failed: %v", err)
	}

	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 1 {
		t.Fatalf("expected 1 SELL, got %d", len(open))
	}
	if open[0].ClientOrderId != "recovered-claim-1" {
		t.Errorf("expected the claimed client order id to be reused, got %q", open[0].ClientOrderId)
	}
}

// ============================================================================
// SELL COMPLETION
// ============================================================================

func TestHandleOrderEvent_SellFillCompletesPair(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	placed, _ := store.TradePairsByStatus(ctx, database.PairStatusSellPlaced)
	sell, err := store.OrderByID(ctx, *placed[0].SellOrderID)
	if err != nil {
		t.Fatalf("sell lookup failed: %v", err)
	}

	sellFill := feed.OrderStatusEvent{
		Symbol:           "TRUMPUSDC",
		ExchangeOrderID:  sell.ExchangeOrderID,
		Side:             "SELL",
		Status:           "FILLED",
		Price:            sell.Price,
		Quantity:         sell.Quantity,
		CumulativeFilled: sell.Quantity,
		AvgFillPrice:     sell.Price,
		Timestamp:        time.Now(),
		Source:           feed.SourceStream,
	}
	if err := e.HandleOrderEvent(ctx, sellFill); err != nil {
		t.Fatalf("sell fill failed: %v", err)
	}

	completed, _ := store.TradePairsByStatus(ctx, database.PairStatusCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected completed pair, got %d", len(completed))
	}
	if completed[0].CompletedAt == nil {
		t.Error("completed pair missing completion timestamp")
	}

	// Replayed SELL fill is a no-op
	if err := e.HandleOrderEvent(ctx, sellFill); err != nil {
		t.Fatalf("sell fill replay errored: %v", err)
	}
}

func TestHandleOrderEvent_UnknownSellLogged(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	event := feed.OrderStatusEvent{
		Symbol:          "TRUMPUSDC",
		ExchangeOrderID: 999,
		Side:            "SELL",
		Status:          "FILLED",
		Timestamp:       time.Now(),
	}
	if err := e.HandleOrderEvent(ctx, event); err != nil {
		t.Errorf("unknown SELL must be logged, not errored: %v", err)
	}
}

// ============================================================================
// DURABILITY
// ============================================================================

func TestHandleOrderEvent_WriteFailureSurfaced(t *testing.T) {
	store := newFakeStore()
	store.failWrites = true
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err == nil {
		t.Fatal("expected store write failure to surface")
	}

	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 0 {
		t.Errorf("failed persistence must not place SELLs, got %d", len(open))
	}
}

// ============================================================================
// EVENT LOOP TASKS
// ============================================================================

func TestExecute_RunsOnEventLoop(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx, cancel := context.WithCancel(context.Background())

	orders := make(chan feed.OrderStatusEvent)
	prices := make(chan feed.PriceUpdate)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		e.Run(ctx, orders, prices)
	}()

	ran := false
	if err := e.Execute(ctx, func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !ran {
		t.Fatal("submitted task did not run")
	}

	wantErr := errors.New("task failure")
	if err := e.Execute(ctx, func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected task error back, got %v", err)
	}

	cancel()
	<-loopDone

	if err := e.Execute(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context error after loop stop, got %v", err)
	}
}

// ============================================================================
// POSITION MONITOR
// ============================================================================

func TestCheckPositions_RecordsOpenCount(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	if err := e.HandleOrderEvent(ctx, buyEvent(100, "FILLED", 10, 10, 8.50)); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	e.checkPositions(ctx)

	if store.state.OpenOrderCount != 1 {
		t.Errorf("expected open order count 1, got %d", store.state.OpenOrderCount)
	}
}

// ============================================================================
// PRICE CACHE
// ============================================================================

func TestHandlePriceUpdate(t *testing.T) {
	store := newFakeStore()
	client := binance.NewMockClient()
	e := testEngine(store, client)
	ctx := context.Background()

	e.HandlePriceUpdate(ctx, feed.PriceUpdate{
		Symbol:    "TRUMPUSDC",
		Price:     8.75,
		Timestamp: time.Now(),
	})

	point, ok := e.prices.Get("TRUMPUSDC")
	if !ok {
		t.Fatal("price not cached")
	}
	if point.Price != 8.75 {
		t.Errorf("expected 8.75, got %f", point.Price)
	}

	// Price updates never place orders
	open, _ := client.GetOpenOrders("TRUMPUSDC")
	if len(open) != 0 {
		t.Errorf("price update placed orders: %d", len(open))
	}
}
