package position

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// Operation groups the positions executing one strategy decision (the legs)
// and defines the per-leg order policy. A position references exactly one
// operation; an operation may reference several positions.
//
// All methods except Pnl are side-effect free.
type Operation interface {
	// ID is the operation-group id shared by every leg.
	ID() uuid.UUID

	// OpenOrderPolicy translates a "submit open" intent for p into a
	// concrete order.
	OpenOrderPolicy(p *Position) OrderPolicy

	// CloseOrderPolicy translates a "submit close" intent for p.
	CloseOrderPolicy(p *Position) OrderPolicy

	// IsLong reports the direction this operation takes in sec.
	IsLong(sec *market.Security) bool

	// PlannedQty is the quantity this operation wants in sec.
	PlannedQty(sec *market.Security) float64

	// HasCloseSignal reports whether the operation wants p closed now.
	HasCloseSignal(p *Position) bool

	// Pnl is the operation's result accumulator.
	Pnl() *PnlContainer
}

// BaseOperation carries the pieces every operation shares. Embed it.
type BaseOperation struct {
	id  uuid.UUID
	pnl PnlContainer
}

// NewBaseOperation allocates a fresh operation id.
func NewBaseOperation() BaseOperation {
	return BaseOperation{id: uuid.New()}
}

func (o *BaseOperation) ID() uuid.UUID      { return o.id }
func (o *BaseOperation) Pnl() *PnlContainer { return &o.pnl }

// ————————————————————————————————————————————————————————————————————————
// P&L container
// ————————————————————————————————————————————————————————————————————————

// PnlResult classifies an operation's outcome.
type PnlResult uint8

const (
	PnlNone PnlResult = iota
	PnlProfit
	PnlLoss
)

func (r PnlResult) String() string {
	switch r {
	case PnlProfit:
		return "profit"
	case PnlLoss:
		return "loss"
	default:
		return "none"
	}
}

// pnlVolumes is the per-asset running result.
type pnlVolumes struct {
	financialResult decimal.Decimal
	commission      decimal.Decimal
}

// PnlContainer accumulates an operation's financial result per asset.
// A buy moves base up and quote down; a sell the reverse. Commission is
// charged to the asset it was paid in.
type PnlContainer struct {
	mu   sync.Mutex
	data map[string]pnlVolumes
}

// AddTrade folds one execution into the container.
func (c *PnlContainer) AddTrade(symbol types.Symbol, side types.OrderSide, qty, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]pnlVolumes)
	}
	dq := decimal.NewFromFloat(qty)
	dv := dq.Mul(decimal.NewFromFloat(price))
	base := c.data[symbol.Base]
	quote := c.data[symbol.Quote]
	if side == types.Buy {
		base.financialResult = base.financialResult.Add(dq)
		quote.financialResult = quote.financialResult.Sub(dv)
	} else {
		base.financialResult = base.financialResult.Sub(dq)
		quote.financialResult = quote.financialResult.Add(dv)
	}
	c.data[symbol.Base] = base
	c.data[symbol.Quote] = quote
}

// AddCommission charges a fee against one asset.
func (c *PnlContainer) AddCommission(asset string, amount float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]pnlVolumes)
	}
	v := c.data[asset]
	v.commission = v.commission.Add(decimal.NewFromFloat(amount))
	c.data[asset] = v
}

// Totals returns asset → financial result minus commission.
func (c *PnlContainer) Totals() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.data))
	for asset, v := range c.data {
		out[asset] = v.financialResult.Sub(v.commission).InexactFloat64()
	}
	return out
}

// minProfit is the threshold below which a positive leftover does not make
// the operation a profit on its own.
var minProfit = decimal.NewFromFloat(0.0001)

// Result classifies the accumulated totals: no movement is none; no
// positive asset, or more than one losing asset, is a loss; a single losing
// asset is a loss when it loses at least the smaller of minProfit and the
// smallest positive total; otherwise profit.
func (c *PnlContainer) Result() PnlResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	profits, losses := 0, 0
	for _, v := range c.data {
		total := v.financialResult.Sub(v.commission)
		switch {
		case total.IsPositive():
			profits++
		case total.IsNegative():
			losses++
		}
	}
	if profits == 0 && losses == 0 {
		return PnlNone
	}
	if profits == 0 || losses > 1 {
		return PnlLoss
	}
	if losses == 0 {
		return PnlProfit
	}

	threshold := minProfit
	for _, v := range c.data {
		total := v.financialResult.Sub(v.commission)
		if total.IsPositive() && total.LessThan(threshold) {
			threshold = total
		}
	}
	for _, v := range c.data {
		total := v.financialResult.Sub(v.commission)
		if total.LessThanOrEqual(threshold.Neg()) {
			return PnlLoss
		}
	}
	return PnlProfit
}

// ————————————————————————————————————————————————————————————————————————
// Order policies
// ————————————————————————————————————————————————————————————————————————

// OrderPolicy turns a "submit open/close" intent into a concrete
// (price, time-in-force) decision against a position.
type OrderPolicy interface {
	Open(p *Position) error
	Close(p *Position) error
}

// MarketOrderPolicy submits market orders.
type MarketOrderPolicy struct{}

func (MarketOrderPolicy) Open(p *Position) error {
	_, err := p.OpenAtMarketPrice()
	return err
}

func (MarketOrderPolicy) Close(p *Position) error {
	_, err := p.CloseAtMarketPrice()
	return err
}

// LimitGTCOrderPolicy joins the market price on the order's own side: a long
// open rests at the ask, a long close at the bid.
type LimitGTCOrderPolicy struct{}

func (LimitGTCOrderPolicy) Open(p *Position) error {
	price, err := p.Security().MarketPrice(p.Side())
	if err != nil {
		return err
	}
	_, err = p.Open(price)
	return err
}

func (LimitGTCOrderPolicy) Close(p *Position) error {
	price, err := p.Security().MarketOppositePrice(p.Side())
	if err != nil {
		return err
	}
	_, err = p.Close(price, 0)
	return err
}

// LimitIOCOrderPolicy offsets the market price by one pip to cross the book
// in the desired direction, with immediate-or-cancel time in force.
type LimitIOCOrderPolicy struct{}

func (LimitIOCOrderPolicy) Open(p *Position) error {
	price, err := p.Security().MarketPrice(p.Side())
	if err != nil {
		return err
	}
	pip := p.Security().PriceStep()
	if p.IsLong() {
		price += pip
	} else {
		price -= pip
	}
	_, err = p.OpenImmediatelyOrCancel(p.Security().RoundPrice(price))
	return err
}

func (LimitIOCOrderPolicy) Close(p *Position) error {
	price, err := p.Security().MarketOppositePrice(p.Side())
	if err != nil {
		return err
	}
	pip := p.Security().PriceStep()
	if p.IsLong() {
		price -= pip
	} else {
		price += pip
	}
	_, err = p.CloseImmediatelyOrCancel(p.Security().RoundPrice(price))
	return err
}
