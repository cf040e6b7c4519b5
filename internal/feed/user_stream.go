package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"swing-trading-bot/internal/binance"
)

// UserStream runs one websocket session against the account user data
// stream. It owns the listen key for the session lifetime, refreshing it on
// a keepalive interval and closing it on exit.
type UserStream struct {
	client       binance.ExchangeClient
	wsBaseURL    string
	keepAlive    time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       zerolog.Logger

	onOrder func(OrderStatusEvent)
}

func NewUserStream(client binance.ExchangeClient, wsBaseURL string, keepAlive, pingInterval, pongTimeout time.Duration, logger zerolog.Logger, onOrder func(OrderStatusEvent)) *UserStream {
	return &UserStream{
		client:       client,
		wsBaseURL:    wsBaseURL,
		keepAlive:    keepAlive,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		logger:       logger,
		onOrder:      onOrder,
	}
}

// executionReport is the raw order update event from the user data stream
type executionReport struct {
	EventType        string  `json:"e"`
	EventTime        int64   `json:"E"`
	Symbol           string  `json:"s"`
	ClientOrderId    string  `json:"c"`
	Side             string  `json:"S"`
	OrderType        string  `json:"o"`
	Quantity         float64 `json:"q,string"`
	Price            float64 `json:"p,string"`
	ExecutionType    string  `json:"x"`
	OrderStatus      string  `json:"X"`
	OrderId          int64   `json:"i"`
	LastFilledQty    float64 `json:"l,string"`
	CumulativeFilled float64 `json:"z,string"`
	LastFilledPrice  float64 `json:"L,string"`
	CumulativeQuote  float64 `json:"Z,string"`
	TransactTime     int64   `json:"T"`
}

// Run obtains a listen key, dials the stream and reads until the connection
// drops or ctx is cancelled. onConnected fires once after a successful
// handshake. A nil return means ctx cancellation.
func (s *UserStream) Run(ctx context.Context, onConnected func()) error {
	listenKey, err := s.client.CreateListenKey()
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		if err := s.client.CloseListenKey(listenKey); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close listen key")
		}
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()

	s.logger.Info().Msg("User data stream connected")
	onConnected()

	keepAliveCtx, cancelKeepAlive := context.WithCancel(ctx)
	defer cancelKeepAlive()
	go s.keepAliveLoop(keepAliveCtx, listenKey)

	return runSession(ctx, conn, s.pingInterval, s.pongTimeout, s.handleMessage)
}

func (s *UserStream) handleMessage(message []byte) {
	var report executionReport
	if err := json.Unmarshal(message, &report); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse user stream message")
		return
	}
	if report.EventType != "executionReport" {
		return
	}

	event := OrderStatusEvent{
		Symbol:           report.Symbol,
		ExchangeOrderID:  report.OrderId,
		ClientOrderID:    report.ClientOrderId,
		Side:             report.Side,
		Status:           report.OrderStatus,
		Price:            report.Price,
		Quantity:         report.Quantity,
		CumulativeFilled: report.CumulativeFilled,
		LastFilledPrice:  report.LastFilledPrice,
		Timestamp:        time.UnixMilli(report.TransactTime),
		Source:           SourceStream,
	}
	if report.CumulativeFilled > 0 {
		event.AvgFillPrice = report.CumulativeQuote / report.CumulativeFilled
	}

	s.onOrder(event)
}

// keepAliveLoop extends the listen key on an interval. Keys expire after an
// hour server-side; failures are retried three times before giving up until
// the next tick.
func (s *UserStream) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var lastErr error
			for attempt := 1; attempt <= 3; attempt++ {
				if lastErr = s.client.KeepAliveListenKey(listenKey); lastErr == nil {
					break
				}
				s.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Listen key keepalive failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
			if lastErr != nil {
				s.logger.Error().Err(lastErr).Msg("All listen key keepalive attempts failed")
			} else {
				s.logger.Debug().Msg("Listen key kept alive")
			}
		}
	}
}
