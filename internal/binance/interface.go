package binance

// ExchangeClient is the interface both real and mock clients implement
type ExchangeClient interface {
	GetCurrentPrice(symbol string) (float64, error)
	GetOpenOrders(symbol string) ([]OrderResponse, error)
	GetOrder(symbol string, orderId int64) (*OrderResponse, error)
	GetOrderByClientID(symbol, clientOrderId string) (*OrderResponse, error)
	PlaceOrder(params map[string]string) (*OrderResponse, error)
	CancelOrder(symbol string, orderId int64) error

	CreateListenKey() (string, error)
	KeepAliveListenKey(listenKey string) error
	CloseListenKey(listenKey string) error
}

// Ensure both implementations satisfy the interface
var (
	_ ExchangeClient = (*Client)(nil)
	_ ExchangeClient = (*MockClient)(nil)
)
