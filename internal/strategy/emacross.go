package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/internal/position"
	"tradekit/internal/service"
	"tradekit/pkg/types"
)

// trend of the fast average relative to the slow one.
type trend int8

const (
	trendLevel trend = iota
	trendUp
	trendDown
)

func (t trend) String() string {
	switch t {
	case trendUp:
		return "up"
	case trendDown:
		return "down"
	default:
		return "level"
	}
}

// EMACrossConfig is the configuration from the [strategy.<name>] section.
type EMACrossConfig struct {
	Name              string
	ID                uuid.UUID
	Symbol            types.Symbol
	NumberOfContracts float64
	FastPeriod        int
	SlowPeriod        int
	IsTradingEnabled  bool

	// PassiveOrderMaxLifetime bounds how long a passive close may rest on
	// the book before it is cancelled and resubmitted crossing the spread.
	// Zero disables the escalation.
	PassiveOrderMaxLifetime time.Duration
}

// EMACross trades one futures instrument on fast/slow moving-average
// crossings: an up-crossing opens a long, a down-crossing a short, and an
// open position reverses on the opposite crossing. Closes start passive and
// escalate to an aggressive price when they linger.
type EMACross struct {
	Base

	cfg        EMACrossConfig
	venueOf    func(sec *market.Security) connector.TradingSystem
	controller *position.Controller

	sec        *market.Security
	fast, slow *service.MovingAverage

	direction   trend
	pendingSide *types.PositionSide // side to open once the book is flat
}

// NewEMACross builds the strategy.
func NewEMACross(
	cfg EMACrossConfig,
	venueOf func(sec *market.Security) connector.TradingSystem,
	log, tlog *slog.Logger,
) (*EMACross, error) {
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 {
		return nil, fmt.Errorf("moving average periods must be positive, got %d/%d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.NumberOfContracts <= 0 {
		return nil, fmt.Errorf("number of contracts must be positive, got %v", cfg.NumberOfContracts)
	}
	s := &EMACross{
		cfg:     cfg,
		venueOf: venueOf,
		fast:    service.NewMovingAverage("fast", service.Exponential, cfg.FastPeriod),
		slow:    service.NewMovingAverage("slow", service.Exponential, cfg.SlowPeriod),
	}
	s.Init(cfg.Name, cfg.ID, s, log, tlog)
	s.controller = position.NewController(s, s.Log())

	s.Log().Info("EMA cross configured",
		"symbol", cfg.Symbol.String(),
		"contracts", cfg.NumberOfContracts,
		"fast", cfg.FastPeriod,
		"slow", cfg.SlowPeriod,
		"trading-enabled", cfg.IsTradingEnabled,
	)
	return s, nil
}

// Controller exposes the strategy's controller for engine wiring.
func (s *EMACross) Controller() *position.Controller { return s.controller }

// Symbols lists the single instrument this strategy needs.
func (s *EMACross) Symbols() []types.Symbol { return []types.Symbol{s.cfg.Symbol} }

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

func (s *EMACross) OnSecurityStart(sec *market.Security) {
	if s.sec == nil {
		s.sec = sec
		sec.Subscribe(market.SubscribeLevel1Ticks)
		sec.Subscribe(market.SubscribeTrades)
		s.Log().Info("using security to trade", "security", sec.String())
		return
	}
	if s.sec != sec {
		s.Block("strategy can not work with more than one security")
	}
}

func (s *EMACross) OnLevel1Update(sec *market.Security) {
	if sec != s.sec {
		return
	}
	price, err := sec.LastPrice()
	if err != nil {
		return
	}
	if s.fast.Update(price) {
		s.OnServiceDataUpdate(s.fast)
	}
	if s.slow.Update(price) {
		s.OnServiceDataUpdate(s.slow)
	}
}

func (s *EMACross) OnBookUpdate(*market.Security) {}

func (s *EMACross) OnServiceDataUpdate(service.Service) {
	if !s.fast.HasData() || !s.slow.HasData() {
		return
	}

	next := trendLevel
	switch {
	case s.fast.LastPoint() > s.slow.LastPoint():
		next = trendUp
	case s.fast.LastPoint() < s.slow.LastPoint():
		next = trendDown
	}
	if next == s.direction || next == trendLevel {
		return
	}
	prev := s.direction
	s.direction = next
	if prev == trendLevel {
		// First resolved direction after warmup is not a crossing.
		return
	}

	s.TradingLog().Info("crossing",
		"direction", next.String(),
		"fast", s.fast.LastPoint(),
		"slow", s.slow.LastPoint(),
	)
	if !s.cfg.IsTradingEnabled {
		return
	}

	side := types.Short
	if next == trendUp {
		side = types.Long
	}
	s.turn(side)
}

func (s *EMACross) OnPositionUpdate(p *position.Position) {
	s.controller.OnPositionUpdate(p)

	if p.HasActiveCloseOrders() && s.cfg.PassiveOrderMaxLifetime > 0 {
		s.scheduleCloseEscalation(p)
	}
	if p.IsCompleted() && s.pendingSide != nil && len(s.Positions()) == 0 {
		side := *s.pendingSide
		s.pendingSide = nil
		s.openPosition(side)
	}
}

func (s *EMACross) OnPositionsCloseRequest() {
	s.pendingSide = nil
	s.controller.OnPositionsCloseRequest()
}

// ————————————————————————————————————————————————————————————————————————
// Decisions
// ————————————————————————————————————————————————————————————————————————

// turn opens toward side, reversing any opposite exposure first.
func (s *EMACross) turn(side types.PositionSide) {
	for _, p := range s.Positions() {
		if p.Side() == side {
			return // already positioned this way
		}
		s.pendingSide = &side
		s.controller.ClosePosition(p, types.CloseReasonSignal)
		return
	}
	s.openPosition(side)
}

func (s *EMACross) openPosition(side types.PositionSide) {
	if s.sec == nil {
		return
	}
	venue := s.venueOf(s.sec)
	if venue == nil {
		s.Log().Warn("no trading system for security", "security", s.sec.String())
		return
	}
	op := &emaOperation{
		BaseOperation: position.NewBaseOperation(),
		strategy:      s,
		isLong:        side == types.Long,
		qty:           s.cfg.NumberOfContracts,
	}
	if _, err := s.controller.OpenPosition(op, 1, s.sec, venue, s.cfg.Symbol.Quote); err != nil {
		s.Log().Warn("failed to open position", "side", side.String(), "error", err)
	}
}

// scheduleCloseEscalation arms the too-slow hook: when the same close order
// is still resting after the configured lifetime, it is cancelled and the
// operation switches to an aggressive close price.
func (s *EMACross) scheduleCloseEscalation(p *position.Position) {
	armedAt := p.ActiveCloseOrderTime()
	if armedAt.IsZero() {
		return
	}
	s.Schedule(s.cfg.PassiveOrderMaxLifetime, func() {
		if !p.HasActiveCloseOrders() || p.ActiveCloseOrderTime() != armedAt {
			return
		}
		if op, ok := p.Operation().(*emaOperation); ok {
			op.escalated = true
		}
		s.TradingLog().Info("close escalated", "position", p.String())
		p.CancelAllOrders()
	})
}

// ————————————————————————————————————————————————————————————————————————
// Operation
// ————————————————————————————————————————————————————————————————————————

// emaOperation is a single-leg operation with a passive close that may be
// escalated to an aggressive one.
type emaOperation struct {
	position.BaseOperation
	strategy  *EMACross
	isLong    bool
	qty       float64
	escalated bool
}

func (o *emaOperation) OpenOrderPolicy(*position.Position) position.OrderPolicy {
	return position.LimitGTCOrderPolicy{}
}

func (o *emaOperation) CloseOrderPolicy(*position.Position) position.OrderPolicy {
	if o.escalated {
		return position.LimitIOCOrderPolicy{}
	}
	return passiveClosePolicy{}
}

func (o *emaOperation) IsLong(*market.Security) bool { return o.isLong }

func (o *emaOperation) PlannedQty(*market.Security) float64 { return o.qty }

// HasCloseSignal reports an opposite crossing while the position is held.
func (o *emaOperation) HasCloseSignal(p *position.Position) bool {
	dir := o.strategy.direction
	if p.IsLong() {
		return dir == trendDown
	}
	return dir == trendUp
}

// passiveClosePolicy rests the close on the position's own side of the
// spread, waiting for the market to come to it: a long closes at the ask, a
// short at the bid.
type passiveClosePolicy struct{}

func (passiveClosePolicy) Open(p *position.Position) error {
	return position.LimitGTCOrderPolicy{}.Open(p)
}

func (passiveClosePolicy) Close(p *position.Position) error {
	price, err := p.Security().MarketPrice(p.Side())
	if err != nil {
		return err
	}
	_, err = p.Close(price, 0)
	return err
}
