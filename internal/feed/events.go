package feed

import "time"

// EventSource identifies which delivery path produced an event. Both paths
// can deliver the same event; consumers must be idempotent.
type EventSource string

const (
	SourceStream    EventSource = "stream"
	SourcePoll      EventSource = "poll"
	SourceReconcile EventSource = "reconcile"
)

// PriceUpdate is a normalized market price tick
type PriceUpdate struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Source    EventSource
}

// OrderStatusEvent is a normalized order state observation. CumulativeFilled
// carries the exchange's cumulative filled quantity, which downstream code
// uses to order events regardless of arrival order.
type OrderStatusEvent struct {
	Symbol           string
	ExchangeOrderID  int64
	ClientOrderID    string
	Side             string
	Status           string
	Price            float64
	Quantity         float64
	CumulativeFilled float64
	LastFilledPrice  float64
	AvgFillPrice     float64
	Timestamp        time.Time
	Source           EventSource
}
