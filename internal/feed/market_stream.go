package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MarketStream runs one websocket session against the public trade stream
// for a symbol. Run returns a non-nil error on any disconnect; the caller
// owns reconnection.
type MarketStream struct {
	wsBaseURL    string
	symbol       string
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       zerolog.Logger

	onPrice func(PriceUpdate)
}

func NewMarketStream(wsBaseURL, symbol string, pingInterval, pongTimeout time.Duration, logger zerolog.Logger, onPrice func(PriceUpdate)) *MarketStream {
	return &MarketStream{
		wsBaseURL:    wsBaseURL,
		symbol:       symbol,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		logger:       logger,
		onPrice:      onPrice,
	}
}

// tradeMessage is the raw trade event from the exchange stream
type tradeMessage struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	Quantity  float64 `json:"q,string"`
	TradeTime int64   `json:"T"`
}

// Run dials the stream and reads until the connection drops or ctx is
// cancelled. onConnected fires once after a successful handshake. A nil
// return means ctx cancellation; any error is a disconnect.
func (s *MarketStream) Run(ctx context.Context, onConnected func()) error {
	wsURL := fmt.Sprintf("%s/ws/%s@trade", s.wsBaseURL, strings.ToLower(s.symbol))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial market stream: %w", err)
	}
	defer conn.Close()

	s.logger.Info().Str("symbol", s.symbol).Msg("Market stream connected")
	onConnected()

	return runSession(ctx, conn, s.pingInterval, s.pongTimeout, s.handleMessage)
}

func (s *MarketStream) handleMessage(message []byte) {
	var trade tradeMessage
	if err := json.Unmarshal(message, &trade); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse market stream message")
		return
	}
	if trade.EventType != "trade" {
		return
	}

	s.onPrice(PriceUpdate{
		Symbol:    trade.Symbol,
		Price:     trade.Price,
		Timestamp: time.UnixMilli(trade.TradeTime),
		Source:    SourceStream,
	})
}

// runSession reads messages from an established connection, keeping it
// alive with periodic pings. A missed pong within pongTimeout surfaces as a
// read deadline error and ends the session.
func runSession(ctx context.Context, conn *websocket.Conn, pingInterval, pongTimeout time.Duration, handle func([]byte)) error {
	readDeadline := pingInterval + pongTimeout

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		// Server-initiated pings also refresh the deadline.
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		handle(message)
	}
}
