package binance

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// MockClient provides simulated exchange behavior for development/testing
type MockClient struct {
	mu sync.RWMutex

	prices      map[string]float64
	orders      map[int64]*OrderResponse
	nextOrderId int64
	lastUpdate  time.Time

	listenKey string

	// Overridable hooks for tests
	PlaceOrderErr error
	PriceErr      error
	OpenOrdersErr error
}

// NewMockClient creates a new mock client
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"TRUMPUSDC": 8.50,
			"BTCUSDC":   104500.00,
			"ETHUSDC":   3900.00,
			"SOLUSDC":   220.00,
		},
		orders:      make(map[int64]*OrderResponse),
		nextOrderId: 1000,
		lastUpdate:  time.Now(),
	}
}

// SetPrice pins the mock price for a symbol
func (mc *MockClient) SetPrice(symbol string, price float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.prices[symbol] = price
}

// updatePrices adds small random variations to simulate market movement
func (mc *MockClient) updatePrices() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if time.Since(mc.lastUpdate) < time.Second {
		return
	}

	for symbol, price := range mc.prices {
		// Random walk: -0.5% to +0.5% change
		change := (rand.Float64() - 0.5) * 0.01
		mc.prices[symbol] = price * (1 + change)
	}
	mc.lastUpdate = time.Now()
}

// GetCurrentPrice returns the simulated price for a symbol
func (mc *MockClient) GetCurrentPrice(symbol string) (float64, error) {
	if mc.PriceErr != nil {
		return 0, mc.PriceErr
	}

	mc.updatePrices()

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	price, ok := mc.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol: %s", symbol)
	}
	return price, nil
}

// GetOpenOrders returns simulated open orders
func (mc *MockClient) GetOpenOrders(symbol string) ([]OrderResponse, error) {
	if mc.OpenOrdersErr != nil {
		return nil, mc.OpenOrdersErr
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var open []OrderResponse
	for _, order := range mc.orders {
		if order.Symbol == symbol && (order.Status == "NEW" || order.Status == "PARTIALLY_FILLED") {
			open = append(open, *order)
		}
	}
	return open, nil
}

// GetOrder returns a simulated order by id
func (mc *MockClient) GetOrder(symbol string, orderId int64) (*OrderResponse, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	order, ok := mc.orders[orderId]
	if !ok || order.Symbol != symbol {
		return nil, &APIError{Code: -2013, Msg: "Order does not exist.", HTTPStatus: 400}
	}
	copied := *order
	return &copied, nil
}

// GetOrderByClientID returns a simulated order by its client order id
func (mc *MockClient) GetOrderByClientID(symbol, clientOrderId string) (*OrderResponse, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	for _, order := range mc.orders {
		if order.Symbol == symbol && order.ClientOrderId == clientOrderId {
			copied := *order
			return &copied, nil
		}
	}
	return nil, &APIError{Code: -2013, Msg: "Order does not exist.", HTTPStatus: 400}
}

// PlaceOrder records a simulated order and returns it as accepted
func (mc *MockClient) PlaceOrder(params map[string]string) (*OrderResponse, error) {
	if mc.PlaceOrderErr != nil {
		return nil, mc.PlaceOrderErr
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.nextOrderId++
	order := &OrderResponse{
		Symbol:        params["symbol"],
		OrderId:       mc.nextOrderId,
		ClientOrderId: params["newClientOrderId"],
		TransactTime:  time.Now().UnixMilli(),
		Price:         parseFloat(params["price"]),
		OrigQty:       parseFloat(params["quantity"]),
		Status:        "NEW",
		Type:          params["type"],
		Side:          params["side"],
	}
	mc.orders[order.OrderId] = order

	copied := *order
	return &copied, nil
}

// FillOrder marks a simulated order as fully filled, for tests
func (mc *MockClient) FillOrder(orderId int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if order, ok := mc.orders[orderId]; ok {
		order.Status = "FILLED"
		order.ExecutedQty = order.OrigQty
		order.CummulativeQuoteQty = order.OrigQty * order.Price
		order.UpdateTime = time.Now().UnixMilli()
	}
}

// SetOrderFill sets a simulated order's fill progress, for tests
func (mc *MockClient) SetOrderFill(orderId int64, executedQty float64, status string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if order, ok := mc.orders[orderId]; ok {
		order.Status = status
		order.ExecutedQty = executedQty
		order.CummulativeQuoteQty = executedQty * order.Price
		order.UpdateTime = time.Now().UnixMilli()
	}
}

// CancelOrder cancels a simulated order
func (mc *MockClient) CancelOrder(symbol string, orderId int64) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	order, ok := mc.orders[orderId]
	if !ok || order.Symbol != symbol {
		return &APIError{Code: -2011, Msg: "Unknown order sent.", HTTPStatus: 400}
	}
	order.Status = "CANCELED"
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// CreateListenKey returns a simulated listen key
func (mc *MockClient) CreateListenKey() (string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.listenKey = fmt.Sprintf("mock-listen-key-%d", time.Now().UnixNano())
	return mc.listenKey, nil
}

// KeepAliveListenKey is a no-op for the mock
func (mc *MockClient) KeepAliveListenKey(listenKey string) error {
	return nil
}

// CloseListenKey is a no-op for the mock
func (mc *MockClient) CloseListenKey(listenKey string) error {
	return nil
}
