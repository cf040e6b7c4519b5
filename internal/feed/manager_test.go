package feed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
)

type nopRecorder struct{}

func (nopRecorder) UpdateSystemState(ctx context.Context, update database.SystemStateUpdate) error {
	return nil
}

func testManager() *Manager {
	cfg := config.FeedConfig{
		InitialRetryDelay: time.Millisecond,
		ReconnectCeiling:  5 * time.Millisecond,
		PollInterval:      time.Second,
	}
	return NewManager(binance.NewMockClient(), nopRecorder{}, "TRUMPUSDC",
		"wss://example.invalid", cfg, zerolog.Nop())
}

// ============================================================================
// ORDER EMISSION
// ============================================================================

func TestEmitOrder_UnblocksOnCancel(t *testing.T) {
	m := testManager()
	ctx, cancel := context.WithCancel(context.Background())

	// Fill the buffer with nobody consuming, as happens once the engine
	// loop has stopped during shutdown.
	for i := 0; i < cap(m.orders); i++ {
		m.emitOrder(ctx, OrderStatusEvent{ExchangeOrderID: int64(i)})
	}

	cancel()

	done := make(chan struct{})
	go func() {
		m.emitOrder(ctx, OrderStatusEvent{ExchangeOrderID: 9999})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitOrder stayed blocked on a full buffer after cancellation")
	}
}

func TestEmitOrder_DeliversWhileRunning(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	m.emitOrder(ctx, OrderStatusEvent{ExchangeOrderID: 42})

	select {
	case event := <-m.Orders():
		if event.ExchangeOrderID != 42 {
			t.Errorf("expected order 42, got %d", event.ExchangeOrderID)
		}
	default:
		t.Fatal("emitted order not delivered")
	}
}
