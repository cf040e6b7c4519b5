package database

import "time"

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order status values. Transitions are monotonic: an order only moves
// forward through OPEN -> PARTIALLY_FILLED -> FILLED, or into CANCELLED
// from a non-terminal state. Nothing moves backward.
const (
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
)

// TradePair status values
const (
	PairStatusWaitingForSell = "WAITING_FOR_SELL"
	PairStatusSellPlaced     = "SELL_PLACED"
	PairStatusCompleted      = "COMPLETED"
)

// System status values recorded in the system_state row
const (
	SystemStatusInitializing = "INITIALIZING"
	SystemStatusReconciling  = "RECONCILING"
	SystemStatusRunning      = "RUNNING"
	SystemStatusDegraded     = "DEGRADED"
	SystemStatusStopped      = "STOPPED"
)

// Order represents one exchange order as known locally. A BUY order that
// fills in more than one increment spawns a child Order row per increment;
// children reference the root row via ParentOrderID and are never merged
// back into it.
type Order struct {
	ID              int64      `json:"id"`
	ExchangeOrderID int64      `json:"exchange_order_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Price           float64    `json:"price"`
	Quantity        float64    `json:"quantity"`
	FilledQuantity  float64    `json:"filled_quantity"`
	AvgFillPrice    float64    `json:"avg_fill_price"`
	Status          string     `json:"status"`
	ParentOrderID   *int64     `json:"parent_order_id,omitempty"`
	FillTime        *time.Time `json:"fill_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// statusRank orders the forward-only progression of order statuses.
var statusRank = map[string]int{
	OrderStatusOpen:            0,
	OrderStatusPartiallyFilled: 1,
	OrderStatusFilled:          2,
}

// CanTransition reports whether an order status change is allowed.
// Forward moves along OPEN -> PARTIALLY_FILLED -> FILLED are allowed, as is
// CANCELLED from any non-terminal state. Same-status writes are allowed so
// duplicate events stay idempotent.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == OrderStatusFilled || from == OrderStatusCancelled {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank > fromRank
}

// TradePair pairs one BUY fill increment with, eventually, one SELL order.
// TargetSellPrice is computed once when the pair is created and never
// changes. Quantity always equals the BUY increment's filled quantity.
// SellClientOrderID is written before the SELL goes to the exchange, so a
// crash mid-placement leaves a claim that reconciliation can resolve to the
// live order instead of placing a second one.
type TradePair struct {
	ID                int64      `json:"id"`
	BuyOrderID        int64      `json:"buy_order_id"`
	SellOrderID       *int64     `json:"sell_order_id,omitempty"`
	SellClientOrderID *string    `json:"sell_client_order_id,omitempty"`
	RootBuyOrderID    int64      `json:"root_buy_order_id"`
	TargetSellPrice   float64    `json:"target_sell_price"`
	Quantity          float64    `json:"quantity"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// SystemState is the singleton bookkeeping row. It is overwritten in place,
// never historized.
type SystemState struct {
	ID                     int64      `json:"id"`
	Status                 string     `json:"status"`
	FeedStatus             string     `json:"feed_status"`
	LastError              *string    `json:"last_error,omitempty"`
	LastProcessedTime      *time.Time `json:"last_processed_time,omitempty"`
	LastReconciliationTime *time.Time `json:"last_reconciliation_time,omitempty"`
	ReconnectionAttempts   int        `json:"reconnection_attempts"`
	OpenOrderCount         int        `json:"open_order_count"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// SystemStateUpdate carries a partial update of the system_state row.
// Nil fields are left untouched.
type SystemStateUpdate struct {
	Status               *string
	FeedStatus           *string
	LastError            *string
	ReconnectionAttempts *int
	OpenOrderCount       *int
}
