// Package position implements the order-lifecycle engine.
//
// A Position models one directional exposure (long or short) in one
// instrument at one venue. It owns the ordered sequences of open-side and
// close-side orders, folds venue fills into opened/closed quantities and
// average prices, computes realized and unrealized P&L, and notifies
// subscribers after every state change that completes an order.
//
// Locking: every Position carries its own mutex guarding internal state.
// Venue callbacks (delivered on the adapter's reader goroutine) take it,
// mutate, release, and only then emit the update signal, so subscribers may
// freely call back into the strategy. Strategy-side operations (Open*,
// Close*, Cancel*) take the same mutex around their bookkeeping but never
// hold it across the venue round-trip.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// StrategyHost is what a Position needs from its owning strategy: a clock,
// the two log sinks, and a scheduler for deferred work. The strategy owns
// positions by strong reference; the position holds this narrow view back.
type StrategyHost interface {
	Name() string
	Log() *slog.Logger
	TradingLog() *slog.Logger
	Now() time.Time
	Schedule(d time.Duration, fn func())

	// RaisePositionUpdate enqueues p for the strategy's event goroutine.
	RaisePositionUpdate(p *Position)

	// RegisterPosition/UnregisterPosition maintain the strategy's strong
	// references; Positions snapshots them.
	RegisterPosition(p *Position)
	UnregisterPosition(p *Position)
	Positions() []*Position
}

// Order is one submitted (or about to be submitted) order inside a position.
type Order struct {
	Time        time.Time
	IsActive    bool
	IsCanceled  bool // cancel requested; stays active until the venue acknowledges
	Price       *float64
	Qty         float64
	TimeInForce types.TimeInForce
	Txn         *connector.TransactionContext
	ExecutedQty float64
	Commission  float64
}

// directionData aggregates one side (open or close) of a position.
type directionData struct {
	startPrice     float64
	firstTradeTime time.Time
	volume         float64
	qty            float64
	numberOfTrades int
	lastTradePrice float64
	orders         []*Order
}

func (d *directionData) current() *Order {
	if len(d.orders) == 0 {
		return nil
	}
	return d.orders[len(d.orders)-1]
}

func (d *directionData) hasActiveOrders() bool {
	cur := d.current()
	return cur != nil && cur.IsActive
}

func (d *directionData) isCanceling() bool {
	cur := d.current()
	return cur != nil && cur.IsActive && cur.IsCanceled
}

func (d *directionData) onNewTrade(qty, price float64) {
	d.volume += qty * price
	d.qty += qty
	d.numberOfTrades++
	d.lastTradePrice = price
}

func (d *directionData) avgPrice() float64 {
	if d.qty == 0 {
		return 0
	}
	return d.volume / d.qty
}

type orderSide uint8

const (
	openSide orderSide = iota
	closeSide
)

func (s orderSide) String() string {
	if s == closeSide {
		return "close"
	}
	return "open"
}

// Position is one directional exposure. Create through the Controller;
// destroyed by the strategy after completion.
type Position struct {
	mu sync.Mutex

	host      StrategyHost
	operation Operation
	subID     int64

	venue    connector.TradingSystem
	security *market.Security
	currency string

	side       types.PositionSide
	plannedQty float64
	expiration time.Time

	open  directionData
	close directionData

	closeStartPrice float64
	closeReason     types.CloseReason
	markedCompleted bool
	isError         bool
	isInactive      bool

	startTime time.Time
	openTime  time.Time // when the open side finished its first completed order with fills
	closeTime time.Time // when active qty reached zero

	defaultParams types.OrderParams

	subscribers []func()
}

// New creates a position. startPrice is the market reference at decision
// time; qty must be positive.
func New(
	host StrategyHost,
	op Operation,
	subID int64,
	venue connector.TradingSystem,
	sec *market.Security,
	currency string,
	side types.PositionSide,
	qty float64,
	startPrice float64,
) *Position {
	if qty <= 0 {
		panic("position: planned qty must be positive")
	}
	p := &Position{
		host:       host,
		operation:  op,
		subID:      subID,
		venue:      venue,
		security:   sec,
		currency:   currency,
		side:       side,
		plannedQty: qty,
		startTime:  host.Now(),
	}
	p.open.startPrice = startPrice
	p.expiration = sec.Symbol().Expiration
	return p
}

// ————————————————————————————————————————————————————————————————————————
// Identity and plain accessors
// ————————————————————————————————————————————————————————————————————————

func (p *Position) Operation() Operation               { return p.operation }
func (p *Position) OperationID() uuid.UUID             { return p.operation.ID() }
func (p *Position) SubID() int64                       { return p.subID }
func (p *Position) Security() *market.Security         { return p.security }
func (p *Position) Venue() connector.TradingSystem     { return p.venue }
func (p *Position) Currency() string                   { return p.currency }
func (p *Position) Side() types.PositionSide           { return p.side }
func (p *Position) IsLong() bool                       { return p.side == types.Long }
func (p *Position) Expiration() time.Time              { return p.expiration }
func (p *Position) StartTime() time.Time               { return p.startTime }
func (p *Position) Host() StrategyHost                 { return p.host }

// OpenOrderSide is the order direction that grows the exposure.
func (p *Position) OpenOrderSide() types.OrderSide {
	if p.side == types.Long {
		return types.Buy
	}
	return types.Sell
}

// CloseOrderSide is the order direction that reduces the exposure.
func (p *Position) CloseOrderSide() types.OrderSide {
	if p.side == types.Long {
		return types.Sell
	}
	return types.Buy
}

// ReplaceVenue retargets the position to another venue/security pair for the
// remaining quantity. Used by the controller when the original venue cannot
// close the rest.
func (p *Position) ReplaceVenue(sec *market.Security, venue connector.TradingSystem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.security = sec
	p.venue = venue
}

// ————————————————————————————————————————————————————————————————————————
// Quantities, prices, timing
// ————————————————————————————————————————————————————————————————————————

func (p *Position) PlannedQty() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plannedQty
}

func (p *Position) OpenedQty() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.qty
}

func (p *Position) ClosedQty() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.qty
}

// ActiveQty is the live exposure: openedQty − closedQty. Never negative.
func (p *Position) ActiveQty() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeQtyLocked()
}

func (p *Position) activeQtyLocked() float64 { return p.open.qty - p.close.qty }

// SetOpenedQty accepts a venue-reported over-fill: the opened quantity is
// forced to qty and the plan grows to match if needed.
func (p *Position) SetOpenedQty(qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open.qty = qty
	if qty > p.plannedQty {
		p.plannedQty = qty
	}
}

// SetClosedQty forces the closed quantity (external reconciliation).
func (p *Position) SetClosedQty(qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close.qty = qty
}

func (p *Position) OpenStartPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.startPrice
}

func (p *Position) OpenAvgPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.avgPrice()
}

func (p *Position) OpenedVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.volume
}

func (p *Position) LastOpenTradePrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.lastTradePrice
}

func (p *Position) SetCloseStartPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeStartPrice = price
}

func (p *Position) CloseStartPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeStartPrice
}

func (p *Position) CloseAvgPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.avgPrice()
}

func (p *Position) ClosedVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.volume
}

func (p *Position) LastCloseTradePrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.lastTradePrice
}

func (p *Position) OpenTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openTime
}

func (p *Position) CloseTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeTime
}

// Commission returns the total commission accumulated across both sides.
func (p *Position) Commission() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total float64
	for _, o := range p.open.orders {
		total += o.Commission
	}
	for _, o := range p.close.orders {
		total += o.Commission
	}
	return total
}

func (p *Position) NumberOfOpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open.orders)
}

func (p *Position) NumberOfCloseOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.close.orders)
}

func (p *Position) NumberOfOpenTrades() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.numberOfTrades
}

func (p *Position) NumberOfCloseTrades() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.numberOfTrades
}

// OpeningContext returns the transaction context of the n-th open order,
// nil when absent.
func (p *Position) OpeningContext(n int) *connector.TransactionContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= len(p.open.orders) {
		return nil
	}
	return p.open.orders[n].Txn
}

// ActiveOpenOrderPrice returns the limit price of the live open order.
func (p *Position) ActiveOpenOrderPrice() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.open.current(); cur != nil && cur.IsActive {
		return cur.Price
	}
	return nil
}

// ActiveCloseOrderPrice returns the limit price of the live close order.
func (p *Position) ActiveCloseOrderPrice() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.close.current(); cur != nil && cur.IsActive {
		return cur.Price
	}
	return nil
}

// ActiveOpenOrderTime returns the submission time of the live open order.
func (p *Position) ActiveOpenOrderTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.open.current(); cur != nil && cur.IsActive {
		return cur.Time
	}
	return time.Time{}
}

// ActiveCloseOrderTime returns the submission time of the live close order.
func (p *Position) ActiveCloseOrderTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.close.current(); cur != nil && cur.IsActive {
		return cur.Time
	}
	return time.Time{}
}

// ————————————————————————————————————————————————————————————————————————
// State predicates
// ————————————————————————————————————————————————————————————————————————

// IsStarted reports whether at least one open order was ever submitted.
func (p *Position) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open.orders) > 0
}

// IsOpened: started, something filled, and no open order in flight.
func (p *Position) IsOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOpenedLocked()
}

func (p *Position) isOpenedLocked() bool {
	return len(p.open.orders) > 0 && p.open.qty > 0 && !p.open.hasActiveOrders()
}

// IsFullyOpened reports whether the whole planned quantity has been filled.
func (p *Position) IsFullyOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.qty >= p.plannedQty
}

// IsClosed: was opened once, nothing remains, nothing in flight.
func (p *Position) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.qty > 0 && p.activeQtyLocked() == 0 &&
		!p.open.hasActiveOrders() && !p.close.hasActiveOrders()
}

// IsCompleted: terminal. Either forced, or started with nothing live and
// nothing left.
func (p *Position) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isCompletedLocked()
}

func (p *Position) isCompletedLocked() bool {
	if p.markedCompleted {
		return true
	}
	return len(p.open.orders) > 0 &&
		!p.open.hasActiveOrders() && !p.close.hasActiveOrders() &&
		p.activeQtyLocked() == 0
}

// HasActiveOrders reports whether either side has an order in flight.
func (p *Position) HasActiveOrders() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.hasActiveOrders() || p.close.hasActiveOrders()
}

func (p *Position) HasActiveOpenOrders() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.hasActiveOrders()
}

func (p *Position) HasActiveCloseOrders() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close.hasActiveOrders()
}

// IsCancelling reports whether a cancel is in flight on either side.
func (p *Position) IsCancelling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.isCanceling() || p.close.isCanceling()
}

func (p *Position) IsError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isError
}

func (p *Position) IsInactive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isInactive
}

func (p *Position) SetInactive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isInactive = true
}

// CloseReason returns the recorded close reason.
func (p *Position) CloseReason() types.CloseReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeReason
}

// SetCloseReason records why the position is being closed. The first
// non-none reason wins; use ResetCloseReason to override.
func (p *Position) SetCloseReason(reason types.CloseReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeReason != types.CloseReasonNone {
		return
	}
	p.closeReason = reason
}

// ResetCloseReason overrides the recorded reason unconditionally.
func (p *Position) ResetCloseReason(reason types.CloseReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeReason = reason
}

// MarkAsCompleted forces the terminal state without venue traffic.
// It does not emit the update signal; callers finalize explicitly.
func (p *Position) MarkAsCompleted() {
	p.mu.Lock()
	if !p.markedCompleted {
		p.markedCompleted = true
		if p.closeTime.IsZero() {
			p.closeTime = p.host.Now()
		}
	}
	p.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// P&L
// ————————————————————————————————————————————————————————————————————————

// RealizedPnl is the locked-in result of the closed part, rounded to the
// instrument precision.
func (p *Position) RealizedPnl() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	closedQty := p.close.qty
	openAvg := p.open.avgPrice()
	var pnl float64
	if p.side == types.Long {
		pnl = p.close.volume - closedQty*openAvg
	} else {
		pnl = closedQty*openAvg - p.close.volume
	}
	return p.security.RoundPrice(pnl)
}

// UnrealizedPnl marks the live exposure against the opposite book side.
// Fails with ErrMarketDataValueDoesNotExist before the first quote.
func (p *Position) UnrealizedPnl() (float64, error) {
	p.mu.Lock()
	activeQty := p.activeQtyLocked()
	openAvg := p.open.avgPrice()
	side := p.side
	sec := p.security
	p.mu.Unlock()

	if activeQty == 0 {
		return 0, nil
	}
	activeVolume := activeQty * openAvg
	var pnl float64
	if side == types.Long {
		bid, err := sec.BidPrice()
		if err != nil {
			return 0, err
		}
		pnl = activeQty*bid - activeVolume
	} else {
		ask, err := sec.AskPrice()
		if err != nil {
			return 0, err
		}
		pnl = activeVolume - activeQty*ask
	}
	return sec.RoundPrice(pnl), nil
}

// PlannedPnl = realized + unrealized.
func (p *Position) PlannedPnl() (float64, error) {
	unrealized, err := p.UnrealizedPnl()
	if err != nil {
		return 0, err
	}
	return p.security.RoundPrice(p.RealizedPnl() + unrealized), nil
}

// ————————————————————————————————————————————————————————————————————————
// Subscription
// ————————————————————————————————————————————————————————————————————————

// Subscribe registers a state-update observer, called after every state
// change that completes an order (and once more per post-terminal trade).
// The returned function removes the subscription.
func (p *Position) Subscribe(slot func()) func() {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, slot)
	idx := len(p.subscribers) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		if idx < len(p.subscribers) {
			p.subscribers[idx] = nil
		}
		p.mu.Unlock()
	}
}

// emitUpdate runs subscribers outside the position mutex.
func (p *Position) emitUpdate() {
	p.mu.Lock()
	subs := make([]func(), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()
	for _, slot := range subs {
		if slot != nil {
			slot()
		}
	}
}

func (p *Position) String() string {
	return fmt.Sprintf("%s/%d %s %s", p.operation.ID(), p.subID, p.side, p.security.Symbol())
}
