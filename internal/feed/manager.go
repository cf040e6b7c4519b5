package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
)

// StateRecorder persists feed bookkeeping into the system state row
type StateRecorder interface {
	UpdateSystemState(ctx context.Context, update database.SystemStateUpdate) error
}

// Manager maintains the two logical feed channels (order updates via the
// user data stream, price ticks via the market stream), each as a state
// machine with reconnect backoff. While a channel is not CONNECTED its
// events keep flowing through REST polling at a fixed interval, so
// subscribers see increased latency but never a gap. Delivery is
// at-least-once: the same event may arrive from both paths.
type Manager struct {
	client    binance.ExchangeClient
	recorder  StateRecorder
	symbol    string
	streamURL string
	cfg       config.FeedConfig
	logger    zerolog.Logger

	orderChannel *channel
	priceChannel *channel

	prices chan PriceUpdate
	orders chan OrderStatusEvent
	failed chan error

	// Orders seen open during polling, so a vanished order can be resolved
	// to its terminal state with a direct query.
	mu           sync.Mutex
	polledOpen   map[int64]struct{}
	totalRetries int

	wg sync.WaitGroup
}

func NewManager(client binance.ExchangeClient, recorder StateRecorder, symbol, streamURL string, cfg config.FeedConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		client:       client,
		recorder:     recorder,
		symbol:       symbol,
		streamURL:    streamURL,
		cfg:          cfg,
		logger:       logger,
		orderChannel: newChannel("user-data", logger),
		priceChannel: newChannel("market", logger),
		prices:       make(chan PriceUpdate, 256),
		orders:       make(chan OrderStatusEvent, 256),
		failed:       make(chan error, 2),
		polledOpen:   make(map[int64]struct{}),
	}
}

// Prices is the normalized price tick stream
func (m *Manager) Prices() <-chan PriceUpdate { return m.prices }

// Orders is the normalized order status stream
func (m *Manager) Orders() <-chan OrderStatusEvent { return m.orders }

// Failed delivers at most one error per channel whose retry budget is
// exhausted. Receiving on it means the process should shut down.
func (m *Manager) Failed() <-chan error { return m.failed }

// ChannelStates reports the current state of both channels
func (m *Manager) ChannelStates() (orderState, priceState ChannelState) {
	return m.orderChannel.State(), m.priceChannel.State()
}

// Start launches both channel loops and both polling fallbacks
func (m *Manager) Start(ctx context.Context) {
	marketStream := NewMarketStream(
		m.streamURL, m.symbol, m.cfg.PingInterval, m.cfg.PingTimeout,
		m.logger, m.emitPrice,
	)
	userStream := NewUserStream(
		m.client, m.streamURL, m.cfg.ListenKeyKeepAlive,
		m.cfg.PingInterval, m.cfg.PingTimeout, m.logger,
		func(event OrderStatusEvent) { m.emitOrder(ctx, event) },
	)

	m.wg.Add(4)
	go func() {
		defer m.wg.Done()
		m.runChannel(ctx, m.priceChannel, marketStream.Run)
	}()
	go func() {
		defer m.wg.Done()
		m.runChannel(ctx, m.orderChannel, userStream.Run)
	}()
	go func() {
		defer m.wg.Done()
		m.pollPrices(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.pollOrders(ctx)
	}()
}

// Wait blocks until every feed goroutine has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

// runChannel drives one channel's connect/reconnect state machine. run is a
// single websocket session: nil return means ctx cancellation, an error
// means a disconnect worth retrying.
func (m *Manager) runChannel(ctx context.Context, ch *channel, run func(context.Context, func()) error) {
	retry := NewBackoff(m.cfg.InitialRetryDelay, m.cfg.ReconnectCeiling)

	for {
		if ctx.Err() != nil {
			return
		}

		if ch.State() != StateReconnecting {
			ch.setState(StateConnecting)
		}

		connected := func() {
			ch.setState(StateConnected)
			retry.Reset()
			m.resetRetries()
			m.recordFeedState(ctx, 0)
		}

		err := run(ctx, connected)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		ch.setState(StateReconnecting)

		delay, ok := retry.Next()
		if !ok {
			ch.setState(StateFailed)
			m.logger.Error().
				Str("channel", ch.name).
				Dur("budget", m.cfg.ReconnectCeiling).
				Msg("Reconnect budget exhausted, channel failed")
			m.failed <- fmt.Errorf("feed channel %s exhausted reconnect budget (%s): %w", ch.name, m.cfg.ReconnectCeiling, err)
			return
		}

		attempts := m.incrementRetries()
		m.recordFeedState(ctx, attempts)
		m.logger.Warn().
			Str("channel", ch.name).
			Err(err).
			Dur("retry_in", delay).
			Int("attempts", attempts).
			Msg("Feed channel disconnected, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) emitPrice(update PriceUpdate) {
	select {
	case m.prices <- update:
	default:
		m.logger.Warn().Msg("Price subscriber falling behind, dropping tick")
	}
}

func (m *Manager) emitOrder(ctx context.Context, event OrderStatusEvent) {
	// Order events are never dropped while running; block until the
	// consumer catches up. Cancellation unblocks the send so shutdown is
	// not wedged behind a full buffer once the engine stops draining.
	select {
	case m.orders <- event:
	case <-ctx.Done():
	}
}

// pollPrices serves price ticks over REST whenever the market channel is
// not CONNECTED.
func (m *Manager) pollPrices(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.priceChannel.State() == StateConnected {
				continue
			}

			price, err := m.client.GetCurrentPrice(m.symbol)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Price poll failed")
				continue
			}
			m.emitPrice(PriceUpdate{
				Symbol:    m.symbol,
				Price:     price,
				Timestamp: time.Now(),
				Source:    SourcePoll,
			})
		}
	}
}

// pollOrders serves order status events over REST whenever the user data
// channel is not CONNECTED. Orders that were open on a previous poll and
// have since vanished from the open list are resolved with a direct query
// so their terminal event is still delivered.
func (m *Manager) pollOrders(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.orderChannel.State() == StateConnected {
				continue
			}
			m.pollOrdersOnce(ctx)
		}
	}
}

func (m *Manager) pollOrdersOnce(ctx context.Context) {
	open, err := m.client.GetOpenOrders(m.symbol)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Open order poll failed")
		return
	}

	current := make(map[int64]struct{}, len(open))
	for i := range open {
		current[open[i].OrderId] = struct{}{}
		m.emitOrder(ctx, NormalizeOrder(&open[i], SourcePoll))
	}

	m.mu.Lock()
	var vanished []int64
	for id := range m.polledOpen {
		if _, ok := current[id]; !ok {
			vanished = append(vanished, id)
		}
	}
	m.polledOpen = current
	m.mu.Unlock()

	for _, id := range vanished {
		order, err := m.client.GetOrder(m.symbol, id)
		if err != nil {
			m.logger.Warn().Err(err).Int64("exchange_order_id", id).Msg("Failed to resolve vanished order")
			continue
		}
		m.emitOrder(ctx, NormalizeOrder(order, SourcePoll))
	}
}

// NormalizeOrder converts a REST order snapshot into the same event shape
// the websocket stream produces.
func NormalizeOrder(order *binance.OrderResponse, source EventSource) OrderStatusEvent {
	ts := order.UpdateTime
	if ts == 0 {
		ts = order.TransactTime
	}

	event := OrderStatusEvent{
		Symbol:           order.Symbol,
		ExchangeOrderID:  order.OrderId,
		ClientOrderID:    order.ClientOrderId,
		Side:             order.Side,
		Status:           order.Status,
		Price:            order.Price,
		Quantity:         order.OrigQty,
		CumulativeFilled: order.ExecutedQty,
		Timestamp:        time.UnixMilli(ts),
		Source:           source,
	}
	if order.ExecutedQty > 0 {
		event.AvgFillPrice = order.CummulativeQuoteQty / order.ExecutedQty
	}
	return event
}

func (m *Manager) incrementRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRetries++
	return m.totalRetries
}

func (m *Manager) resetRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRetries = 0
}

func (m *Manager) recordFeedState(ctx context.Context, attempts int) {
	orderState, priceState := m.ChannelStates()
	feedStatus := fmt.Sprintf("user-data=%s market=%s", orderState, priceState)

	update := database.SystemStateUpdate{
		FeedStatus:           &feedStatus,
		ReconnectionAttempts: &attempts,
	}
	if err := m.recorder.UpdateSystemState(ctx, update); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to record feed state")
	}
}
