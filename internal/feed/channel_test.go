package feed

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"swing-trading-bot/internal/binance"
)

// ============================================================================
// BACKOFF SCHEDULE
// ============================================================================

func TestBackoff_DoublingSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 900*time.Second)

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second, 512 * time.Second,
	}

	for i, want := range expected {
		delay, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted too early", i+1)
		}
		if delay != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, delay)
		}
	}

	// 1+2+...+512 = 1023s, past the 900s ceiling: the next attempt fails
	if _, ok := b.Next(); ok {
		t.Error("expected budget exhaustion after cumulative delay exceeded the ceiling")
	}
}

func TestBackoff_DelayCappedAtCeiling(t *testing.T) {
	b := NewBackoff(time.Second, 3*time.Second)

	delays := []time.Duration{}
	for {
		delay, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, delay)
	}

	for i, delay := range delays {
		if delay > 3*time.Second {
			t.Errorf("attempt %d: delay %v exceeds ceiling", i+1, delay)
		}
	}
	if len(delays) == 0 {
		t.Fatal("expected at least one attempt before exhaustion")
	}
}

func TestBackoff_ResetRestoresBudget(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)

	// Spend most of the budget
	b.Next() // 1s
	b.Next() // 2s
	b.Next() // 4s

	b.Reset()

	delay, ok := b.Next()
	if !ok {
		t.Fatal("expected budget available after reset")
	}
	if delay != time.Second {
		t.Errorf("expected initial delay after reset, got %v", delay)
	}
}

func TestBackoff_ExhaustionIsSticky(t *testing.T) {
	b := NewBackoff(time.Second, 2*time.Second)

	for {
		if _, ok := b.Next(); !ok {
			break
		}
	}

	if _, ok := b.Next(); ok {
		t.Error("exhausted backoff must stay exhausted until reset")
	}
}

// ============================================================================
// CHANNEL STATE MACHINE
// ============================================================================

func TestChannel_StateTransitions(t *testing.T) {
	ch := newChannel("test", zerolog.Nop())

	if ch.State() != StateConnecting {
		t.Errorf("expected initial state CONNECTING, got %s", ch.State())
	}

	ch.setState(StateConnected)
	if ch.State() != StateConnected {
		t.Errorf("expected CONNECTED, got %s", ch.State())
	}

	ch.setState(StateReconnecting)
	ch.setState(StateConnected)
	if ch.State() != StateConnected {
		t.Errorf("expected CONNECTED after recovery, got %s", ch.State())
	}

	ch.setState(StateReconnecting)
	ch.setState(StateFailed)
	if ch.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", ch.State())
	}
}

// ============================================================================
// EVENT NORMALIZATION
// ============================================================================

func orderSnapshot(orderId int64, status string, price, qty, executed, quoteQty float64) *binance.OrderResponse {
	return &binance.OrderResponse{
		Symbol:              "TRUMPUSDC",
		OrderId:             orderId,
		Side:                "BUY",
		Status:              status,
		Price:               price,
		OrigQty:             qty,
		ExecutedQty:         executed,
		CummulativeQuoteQty: quoteQty,
		TransactTime:        time.Now().UnixMilli(),
	}
}

func TestNormalizeOrder_AveragePriceFromQuote(t *testing.T) {
	event := NormalizeOrder(orderSnapshot(12345, "PARTIALLY_FILLED", 8.50, 10, 4, 34.2), SourcePoll)

	if event.ExchangeOrderID != 12345 {
		t.Errorf("expected order id 12345, got %d", event.ExchangeOrderID)
	}
	if event.CumulativeFilled != 4 {
		t.Errorf("expected cumulative filled 4, got %f", event.CumulativeFilled)
	}
	if event.AvgFillPrice != 34.2/4 {
		t.Errorf("expected avg fill price %.4f, got %.4f", 34.2/4, event.AvgFillPrice)
	}
	if event.Source != SourcePoll {
		t.Errorf("expected poll source, got %s", event.Source)
	}
}

func TestNormalizeOrder_NoFillNoAvgPrice(t *testing.T) {
	event := NormalizeOrder(orderSnapshot(12346, "NEW", 8.50, 10, 0, 0), SourcePoll)

	if event.AvgFillPrice != 0 {
		t.Errorf("expected zero avg fill price for unfilled order, got %f", event.AvgFillPrice)
	}
	if event.Status != "NEW" {
		t.Errorf("expected NEW status, got %s", event.Status)
	}
}
