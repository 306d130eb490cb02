// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — symbols, order
// sides and statuses, book snapshots, and trade payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// SecurityType classifies an instrument.
type SecurityType uint8

const (
	Spot SecurityType = iota
	Futures
	Options
	Index
	Crypto
)

func (t SecurityType) String() string {
	switch t {
	case Spot:
		return "spot"
	case Futures:
		return "futures"
	case Options:
		return "options"
	case Index:
		return "index"
	case Crypto:
		return "crypto"
	default:
		return fmt.Sprintf("security-type(%d)", uint8(t))
	}
}

// PositionSide is the direction of an exposure: long or short.
type PositionSide uint8

const (
	Long PositionSide = iota
	Short
)

func (s PositionSide) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Opposite returns the other direction.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide is the direction of one order: buy or sell.
type OrderSide uint8

const (
	Buy OrderSide = iota
	Sell
)

func (s OrderSide) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// TimeInForce enumerates the supported order lifecycles.
type TimeInForce uint8

const (
	GTC TimeInForce = iota // Good-Til-Cancelled: stays on book until filled or cancelled
	IOC                    // Immediate-Or-Cancel: unfilled remainder is cancelled by the venue
)

func (t TimeInForce) String() string {
	if t == IOC {
		return "IOC"
	}
	return "GTC"
}

// OrderStatus is the lifecycle state of one order as reported by a venue.
// Sent and RequestedCancel are locally assigned; everything else arrives
// from the venue.
type OrderStatus uint8

const (
	OrderStatusSent OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusRequestedCancel
	OrderStatusFilledPartially
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusError
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSent:
		return "sent"
	case OrderStatusSubmitted:
		return "submitted"
	case OrderStatusRequestedCancel:
		return "requested-cancel"
	case OrderStatusFilledPartially:
		return "filled-partially"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusError:
		return "error"
	default:
		return fmt.Sprintf("order-status(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further order-level transitions are expected.
// Trades may still trail in after a terminal status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusError:
		return true
	default:
		return false
	}
}

// CloseReason records why a position is being (or was) closed.
type CloseReason uint8

const (
	CloseReasonNone CloseReason = iota
	CloseReasonSignal
	CloseReasonTakeProfit
	CloseReasonStopLoss
	CloseReasonTimeout
	CloseReasonOpenFailed
	CloseReasonSystemError
	CloseReasonRequest
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonSignal:
		return "signal"
	case CloseReasonTakeProfit:
		return "take-profit"
	case CloseReasonStopLoss:
		return "stop-loss"
	case CloseReasonTimeout:
		return "timeout"
	case CloseReasonOpenFailed:
		return "open-failed"
	case CloseReasonSystemError:
		return "system-error"
	case CloseReasonRequest:
		return "request"
	default:
		return fmt.Sprintf("close-reason(%d)", uint8(r))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Symbols
// ————————————————————————————————————————————————————————————————————————

// Symbol identifies one tradable instrument. Equality is by value across all
// components; Symbol is immutable once constructed.
type Symbol struct {
	Base       string       // base asset, e.g. "BTC"
	Quote      string       // quote asset, e.g. "USD"
	Type       SecurityType // spot, futures, ...
	Venue      string       // venue hint, empty = any venue
	Expiration time.Time    // contract expiration, zero = perpetual/spot
}

func (s Symbol) String() string {
	out := s.Base + "/" + s.Quote
	if !s.Expiration.IsZero() {
		out += "@" + s.Expiration.Format("2006-01-02")
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Prices, books, trades
// ————————————————————————————————————————————————————————————————————————

// ScaledPrice is a price expressed in integer units of the instrument's
// price precision (see market.Security.ScalePrice). Lossless on the wire.
type ScaledPrice int64

// PriceLevel is a single bid or ask level in a depth book.
// Price and Qty are always positive.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// BookSnapshot is a point-in-time view of one instrument's depth book.
// Bids are sorted strictly descending by price, asks strictly ascending.
type BookSnapshot struct {
	Bids []PriceLevel
	Asks []PriceLevel
	Time time.Time
}

// TradeInfo is one execution reported by a venue for one of our orders.
type TradeInfo struct {
	ID    string      // venue trade id
	Qty   float64     // executed quantity
	Price ScaledPrice // execution price, scaled to the instrument precision
}

// OrderParams carries optional per-order venue parameters.
type OrderParams struct {
	GoodTillTime time.Time // zero = no expiry
	ClientTag    string    // free-form tag passed through to the venue
}

// Milestones carries timing checkpoints of one event as it travels
// through the engine. Used for latency accounting in logs only.
type Milestones struct {
	Received   time.Time // when the frame left the transport
	Dispatched time.Time // when the engine handed it to a consumer
}
