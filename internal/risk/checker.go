// Package risk validates venue/instrument targets before money moves.
//
// Two checkers exist: OrderChecker vets a prospective order at signal time
// (connectivity, book depth, price sanity, balance); PositionChecker picks a
// venue able to close the remainder of an existing position. Both return a
// human-readable reason when a target is unsuitable — the strategies record
// those reasons against the signal instead of trading.
package risk

import (
	"fmt"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// DefaultMaxPriceDeviation bounds how far a checked price may sit from the
// current market before the target is considered insane.
const DefaultMaxPriceDeviation = 0.05

// OrderChecker validates one prospective order.
type OrderChecker struct {
	IsBuy bool
	Qty   float64
	Price float64

	// MaxPriceDeviation overrides DefaultMaxPriceDeviation when positive.
	MaxPriceDeviation float64
}

// NewOrderChecker builds a checker for one signal-time target.
func NewOrderChecker(isBuy bool, qty, price float64) *OrderChecker {
	return &OrderChecker{IsBuy: isBuy, Qty: qty, Price: price}
}

// Check returns an empty string when the target is suitable, or the reason
// it is not.
func (c *OrderChecker) Check(sec *market.Security, venue connector.TradingSystem) string {
	if !venue.IsConnected() {
		return fmt.Sprintf("venue %q is not connected", venue.Name())
	}
	if c.Qty <= 0 {
		return "order qty is not positive"
	}
	if c.Price <= 0 {
		return "order price is not positive"
	}

	var (
		marketPrice float64
		marketQty   float64
		err         error
	)
	if c.IsBuy {
		marketPrice, err = sec.AskPrice()
		if err == nil {
			marketQty, err = sec.AskQty()
		}
	} else {
		marketPrice, err = sec.BidPrice()
		if err == nil {
			marketQty, err = sec.BidQty()
		}
	}
	if err != nil {
		return "market data is not available"
	}
	if marketQty < c.Qty {
		return fmt.Sprintf("market qty %v is below order qty %v", marketQty, c.Qty)
	}

	deviation := c.MaxPriceDeviation
	if deviation <= 0 {
		deviation = DefaultMaxPriceDeviation
	}
	if diff := c.Price - marketPrice; diff > marketPrice*deviation || -diff > marketPrice*deviation {
		return fmt.Sprintf("price %v deviates from market %v by more than %v%%",
			c.Price, marketPrice, deviation*100)
	}

	symbol := sec.Symbol()
	balances := venue.Balances()
	if c.IsBuy {
		required := c.Qty * c.Price
		required += venue.CalcCommission(c.Qty, c.Price, types.Buy, sec)
		if available := balances.AvailableToTrade(symbol.Quote); available < required {
			return fmt.Sprintf("available %v %s is below required %v",
				available, symbol.Quote, required)
		}
	} else {
		if available := balances.AvailableToTrade(symbol.Base); available < c.Qty {
			return fmt.Sprintf("available %v %s is below required %v",
				available, symbol.Base, c.Qty)
		}
	}
	return ""
}

// PositionChecker selects a venue able to absorb the close of a position's
// remaining quantity.
type PositionChecker struct {
	closeSide types.OrderSide
	qty       float64

	bestSec   *market.Security
	bestVenue connector.TradingSystem
	bestQty   float64
}

// NewPositionChecker builds a checker for closing qty in the given close
// direction.
func NewPositionChecker(closeSide types.OrderSide, qty float64) *PositionChecker {
	return &PositionChecker{closeSide: closeSide, qty: qty}
}

// Check evaluates one candidate. Empty result means the candidate is
// suitable; the best suitable candidate (deepest book side) is retained.
func (c *PositionChecker) Check(sec *market.Security, venue connector.TradingSystem) string {
	if !venue.IsConnected() {
		return fmt.Sprintf("venue %q is not connected", venue.Name())
	}
	var (
		qty float64
		err error
	)
	if c.closeSide == types.Buy {
		qty, err = sec.AskQty()
	} else {
		qty, err = sec.BidQty()
	}
	if err != nil {
		return "market data is not available"
	}
	if qty < c.qty {
		return fmt.Sprintf("market qty %v is below position qty %v", qty, c.qty)
	}
	if c.bestSec == nil || qty > c.bestQty {
		c.bestSec, c.bestVenue, c.bestQty = sec, venue, qty
	}
	return ""
}

// HasSuitable reports whether any checked candidate passed.
func (c *PositionChecker) HasSuitable() bool { return c.bestSec != nil }

// Suitable returns the retained best candidate.
func (c *PositionChecker) Suitable() (*market.Security, connector.TradingSystem) {
	return c.bestSec, c.bestVenue
}
