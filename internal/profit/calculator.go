package profit

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidInput indicates a non-positive or non-finite price or quantity.
	ErrInvalidInput = errors.New("price and quantity must be positive finite numbers")

	// ErrNotionalExceeded indicates the order value is above the configured cap.
	ErrNotionalExceeded = errors.New("order notional exceeds maximum")
)

// Calculator computes fee-aware minimum sell prices. It holds only
// configured rates and has no external state.
type Calculator struct {
	BuyFeeRate    float64
	SellFeeRate   float64
	MinProfitRate float64
	MaxNotional   float64
	PriceTickSize float64
}

func NewCalculator(buyFee, sellFee, minProfit, maxNotional, tickSize float64) *Calculator {
	return &Calculator{
		BuyFeeRate:    buyFee,
		SellFeeRate:   sellFee,
		MinProfitRate: minProfit,
		MaxNotional:   maxNotional,
		PriceTickSize: tickSize,
	}
}

// MinSellPrice returns the minimum sell price at which liquidating quantity
// units bought at buyPrice nets at least MinProfitRate of the buy cost after
// both legs' fees. The result is rounded up to the price tick, never down:
// sellPrice*quantity*(1-sellFee) >= buyCost*(1+buyFee) + buyCost*minProfit
// holds for every returned value.
func (c *Calculator) MinSellPrice(buyPrice, quantity float64) (float64, error) {
	if !validPositive(buyPrice) || !validPositive(quantity) {
		return 0, ErrInvalidInput
	}

	buyCost := buyPrice * quantity
	totalBuyCost := buyCost * (1 + c.BuyFeeRate)
	requiredProfit := buyCost * c.MinProfitRate
	requiredGross := totalBuyCost + requiredProfit

	sellPrice := requiredGross / (quantity * (1 - c.SellFeeRate))
	sellPrice = c.roundUpToTick(sellPrice)

	// Float rounding must never make the price optimistic.
	for sellPrice*quantity*(1-c.SellFeeRate) < requiredGross {
		if c.PriceTickSize > 0 {
			sellPrice += c.PriceTickSize
		} else {
			sellPrice *= 1.00001
		}
	}

	return sellPrice, nil
}

// ValidateNotional rejects orders whose value exceeds the configured cap.
// It reports the violation instead of clamping the order down.
func (c *Calculator) ValidateNotional(price, quantity float64) error {
	if !validPositive(price) || !validPositive(quantity) {
		return ErrInvalidInput
	}
	notional := price * quantity
	if notional > c.MaxNotional {
		return fmt.Errorf("%w: order value %.2f exceeds maximum allowed %.2f",
			ErrNotionalExceeded, notional, c.MaxNotional)
	}
	return nil
}

// NetProfit returns the realized profit of a completed round trip after
// both legs' fees.
func (c *Calculator) NetProfit(buyPrice, sellPrice, quantity float64) (float64, error) {
	if !validPositive(buyPrice) || !validPositive(sellPrice) || !validPositive(quantity) {
		return 0, ErrInvalidInput
	}

	totalBuyCost := buyPrice * quantity * (1 + c.BuyFeeRate)
	totalSellAmount := sellPrice * quantity * (1 - c.SellFeeRate)

	return totalSellAmount - totalBuyCost, nil
}

func (c *Calculator) roundUpToTick(price float64) float64 {
	if c.PriceTickSize <= 0 {
		return price
	}
	ticks := math.Ceil(price/c.PriceTickSize - 1e-9)
	return ticks * c.PriceTickSize
}

func validPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
