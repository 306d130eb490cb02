package position

import (
	"log/slog"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// maxOrderAttempts bounds the total number of submissions (open and close
// combined) the controller will drive for one position before giving up.
const maxOrderAttempts = 11

// Controller opens, updates and closes positions on behalf of a strategy.
// It owns the retry policy (bounded attempts paced by the venue's polling
// interval), the close-venue selection, and the translation of position
// update signals into strategy decisions.
type Controller struct {
	host StrategyHost
	log  *slog.Logger

	// Hold is invoked when a position is fully opened with no close signal.
	// Nil keeps the position open awaiting a later signal; strategies whose
	// operations realize their result at open time set it to mark the
	// position completed.
	Hold func(p *Position)

	// BestVenue selects the venue/security pair to close the remaining
	// quantity on. Nil keeps the position's current pair. An error means no
	// suitable venue exists; the position is completed as-is.
	BestVenue func(p *Position) (*market.Security, connector.TradingSystem, error)

	// OnCompleted is invoked exactly once per position after it reaches the
	// terminal state and is unregistered.
	OnCompleted func(p *Position)
}

// NewController builds a controller bound to one strategy.
func NewController(host StrategyHost, log *slog.Logger) *Controller {
	return &Controller{
		host: host,
		log:  log.With("component", "controller"),
	}
}

// OpenPosition creates a position for one leg of op and submits its first
// open order. On submission failure the position is discarded and the error
// returned; communication errors are retryable by the caller.
func (c *Controller) OpenPosition(
	op Operation,
	subID int64,
	sec *market.Security,
	venue connector.TradingSystem,
	currency string,
) (*Position, error) {
	side := types.Short
	if op.IsLong(sec) {
		side = types.Long
	}
	startPrice, err := sec.MarketPrice(side)
	if err != nil {
		return nil, err
	}

	p := New(c.host, op, subID, venue, sec, currency, side, op.PlannedQty(sec), startPrice)
	p.Subscribe(func() { c.host.RaisePositionUpdate(p) })
	c.host.RegisterPosition(p)

	if err := op.OpenOrderPolicy(p).Open(p); err != nil {
		c.host.UnregisterPosition(p)
		return nil, err
	}
	return p, nil
}

// OnPositionUpdate advances the position state machine on every update
// signal. Runs on the strategy's event goroutine.
func (c *Controller) OnPositionUpdate(p *Position) {
	if p.IsCompleted() {
		c.finalize(p)
		return
	}
	if p.HasActiveOrders() {
		return
	}

	attempts := p.NumberOfOpenOrders() + p.NumberOfCloseOrders()
	if attempts >= maxOrderAttempts {
		c.log.Warn("position attempt budget exhausted",
			"position", p.String(),
			"open-orders", p.NumberOfOpenOrders(),
			"close-orders", p.NumberOfCloseOrders(),
		)
		p.MarkAsCompleted()
		c.finalize(p)
		return
	}

	switch {
	case p.IsError():
		if p.ActiveQty() > 0 {
			p.SetCloseReason(types.CloseReasonSystemError)
			c.continueClosing(p)
		} else {
			p.MarkAsCompleted()
			c.finalize(p)
		}

	case p.NumberOfCloseOrders() > 0 || p.CloseReason() != types.CloseReasonNone:
		c.continueClosing(p)

	case p.IsOpened() && p.Operation().HasCloseSignal(p):
		p.SetCloseReason(types.CloseReasonSignal)
		c.continueClosing(p)

	case !p.IsFullyOpened():
		c.continueOpening(p)

	default:
		c.hold(p)
	}
}

// ClosePosition starts (or continues) closing with the given reason.
func (c *Controller) ClosePosition(p *Position, reason types.CloseReason) {
	p.SetCloseReason(reason)
	if p.HasActiveOrders() {
		p.CancelAllOrders()
		return
	}
	if p.ActiveQty() == 0 {
		p.MarkAsCompleted()
		c.finalize(p)
		return
	}
	c.closeNow(p)
}

// OnPositionsCloseRequest closes every position the strategy still holds.
func (c *Controller) OnPositionsCloseRequest() {
	for _, p := range c.host.Positions() {
		c.ClosePosition(p, types.CloseReasonRequest)
	}
}

func (c *Controller) hold(p *Position) {
	if c.Hold != nil {
		c.Hold(p)
		if p.IsCompleted() {
			c.finalize(p)
		}
	}
}

// continueOpening re-submits the open remainder after the venue's polling
// interval. Each submission counts against the attempt budget.
func (c *Controller) continueOpening(p *Position) {
	c.host.Schedule(p.Venue().DefaultPollingInterval(), func() {
		if p.IsCompleted() || p.HasActiveOrders() {
			return
		}
		if err := p.Operation().OpenOrderPolicy(p).Open(p); err != nil {
			c.log.Warn("failed to continue opening",
				"position", p.String(), "error", err)
			c.host.RaisePositionUpdate(p)
		}
	})
}

// continueClosing re-submits the close remainder after the venue's polling
// interval, retargeting the venue first when a selector is configured.
func (c *Controller) continueClosing(p *Position) {
	c.host.Schedule(p.Venue().DefaultPollingInterval(), func() {
		if p.IsCompleted() || p.HasActiveOrders() {
			return
		}
		if p.ActiveQty() == 0 {
			p.MarkAsCompleted()
			c.finalize(p)
			return
		}
		c.closeNow(p)
	})
}

func (c *Controller) closeNow(p *Position) {
	if c.BestVenue != nil {
		sec, venue, err := c.BestVenue(p)
		if err != nil {
			c.log.Error("no suitable venue to close the rest of the position",
				"position", p.String(),
				"active-qty", p.ActiveQty(),
				"opened-qty", p.OpenedQty(),
				"error", err,
			)
			p.MarkAsCompleted()
			c.finalize(p)
			return
		}
		p.ReplaceVenue(sec, venue)
	}
	if price, err := p.Security().MarketOppositePrice(p.Side()); err == nil {
		p.SetCloseStartPrice(price)
	}
	if err := p.Operation().CloseOrderPolicy(p).Close(p); err != nil {
		c.log.Warn("failed to close position",
			"position", p.String(), "error", err)
		if types.IsCommunicationError(err) {
			c.host.RaisePositionUpdate(p)
		}
	}
}

// finalize unregisters the position and reports it exactly once.
func (c *Controller) finalize(p *Position) {
	if p.IsInactive() {
		return
	}
	p.SetInactive()
	c.host.UnregisterPosition(p)

	pnl := p.Operation().Pnl()
	c.host.TradingLog().Info("position completed",
		"position", p.String(),
		"opened-qty", p.OpenedQty(),
		"closed-qty", p.ClosedQty(),
		"open-orders", p.NumberOfOpenOrders(),
		"close-orders", p.NumberOfCloseOrders(),
		"close-reason", p.CloseReason().String(),
		"realized-pnl", p.RealizedPnl(),
		"operation-result", pnl.Result().String(),
		"operation-pnl", pnl.Totals(),
		"is-error", p.IsError(),
	)
	if c.OnCompleted != nil {
		c.OnCompleted(p)
	}
}
