// Package connector defines the uniform contracts venue adapters implement.
//
// Two adapter families exist: market-data sources (subscription + level-1 /
// book / tick delivery) and trading systems (order submission, cancellation,
// asynchronous status and trade callbacks). One physical venue may implement
// both. The position engine and the strategies talk exclusively to these
// interfaces; the concrete XML gate lives in internal/exchange/xmlgate.
package connector

import (
	"context"
	"time"

	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// OrderID identifies one submitted order within one trading system. It is
// assigned synchronously at submission (the venue's transaction id).
type OrderID int64

// TransactionContext is the identity of one submitted order: the venue that
// accepted it plus its venue-assigned id. Immutable after construction.
type TransactionContext struct {
	venue   TradingSystem
	orderID OrderID
}

// NewTransactionContext builds the context returned from SendOrder.
func NewTransactionContext(venue TradingSystem, orderID OrderID) *TransactionContext {
	return &TransactionContext{venue: venue, orderID: orderID}
}

func (c *TransactionContext) Venue() TradingSystem { return c.venue }
func (c *TransactionContext) OrderID() OrderID     { return c.orderID }

// StatusCallback delivers asynchronous order lifecycle updates.
//
// For one order the venue produces the sequence
// Sent → Submitted → zero or more FilledPartially → Filled|Cancelled|Rejected|Error,
// with trades possibly trailing after a terminal status. commission and trade
// are nil when the update carries none. Callbacks for one order arrive in
// venue order; the adapter never invokes the callback concurrently for the
// same order.
type StatusCallback func(
	orderID OrderID,
	venueOrderID string,
	status types.OrderStatus,
	remainingQty float64,
	commission *float64,
	trade *types.TradeInfo,
)

// OrderIntent is everything a trading system needs to route one order.
type OrderIntent struct {
	Security   *market.Security
	Currency   string
	Qty        float64
	LimitPrice *float64 // nil = market order
	Params     types.OrderParams
	Side       types.OrderSide
	TimeInForce types.TimeInForce
}

// Balances is a stale-tolerant snapshot of funds available for trading.
type Balances interface {
	// AvailableToTrade returns the free balance of one asset symbol.
	// Unknown symbols report zero.
	AvailableToTrade(symbol string) float64
}

// TradingSystem is the execution-side venue adapter contract.
type TradingSystem interface {
	// Name is the adapter instance name used in logs and configuration.
	Name() string

	// Connect establishes the venue session. Blocks until the venue
	// confirms or the configured request timeout expires (ErrConnect).
	Connect(ctx context.Context) error

	// IsConnected reports the live session state.
	IsConnected() bool

	// SendOrder enqueues one order and registers the callback for its
	// asynchronous lifecycle. The returned context identifies the order for
	// CancelOrder. Communication failures surface as CommunicationError.
	SendOrder(intent OrderIntent, callback StatusCallback) (*TransactionContext, error)

	// CancelOrder requests cancellation. Fire-and-forget: the outcome
	// arrives through the order's callback. ErrUnknownOrderCancel when the
	// order is not live.
	CancelOrder(id OrderID) error

	// Balances returns the venue's balance snapshot.
	Balances() Balances

	// CalcCommission computes the venue fee for a hypothetical execution.
	// Pure function of its arguments.
	CalcCommission(qty, price float64, side types.OrderSide, sec *market.Security) float64

	// DefaultPollingInterval is the minimum gap between retries the venue
	// tolerates; the controller schedules re-submissions with it.
	DefaultPollingInterval() time.Duration
}

// FeedSink receives market data from a MarketDataSource. The engine
// implements it and fans events out to strategies.
type FeedSink interface {
	// OnNewTick delivers one venue trade print.
	OnNewTick(at time.Time, board, symbol string, price, qty float64, ms types.Milestones)

	// OnLevel1Update delivers best bid/ask changes. Nil fields are absent.
	OnLevel1Update(board, symbol string, bidPrice, bidQty, askPrice, askQty *float64, ms types.Milestones)

	// OnBookUpdate delivers a full depth snapshot already applied to sec.
	OnBookUpdate(sec *market.Security, book types.BookSnapshot, ms types.Milestones)
}

// MarketDataSource is the feed-side venue adapter contract.
type MarketDataSource interface {
	// Name is the adapter instance name used in logs and configuration.
	Name() string

	// Connect establishes the feed session.
	Connect(ctx context.Context) error

	// CreateSecurity creates and registers the instrument for symbol.
	// The returned Security is owned by the connector; calling twice for the
	// same symbol returns the same instance.
	CreateSecurity(symbol types.Symbol) (*market.Security, error)

	// SubscribeSecurities issues the aggregated subscription for every
	// security registered so far. Called once after all CreateSecurity calls.
	SubscribeSecurities() error
}
