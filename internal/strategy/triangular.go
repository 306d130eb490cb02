package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/internal/position"
	"tradekit/internal/risk"
	"tradekit/internal/service"
	"tradekit/pkg/types"
)

// Legs of a triangle: base/mid, mid/quote, base/quote.
const (
	Leg1 = iota
	Leg2
	Leg3
	numberOfLegs
)

// LegConfig describes one leg: its symbol, the side this strategy takes in
// it, and an optional venue allow-list (empty = any venue).
type LegConfig struct {
	Symbol types.Symbol
	IsLong bool
	Venues []string
}

// TriangularConfig is the strategy configuration from the [strategy.<name>]
// section.
type TriangularConfig struct {
	Name             string
	ID               uuid.UUID
	Legs             [numberOfLegs]LegConfig
	MinVolume        float64
	MaxVolume        float64
	MinProfitRatio   float64
	IsTradingEnabled bool
}

// Target is one leg of a concrete opportunity: where and what to trade.
type Target struct {
	Security *market.Security
	Venue    connector.TradingSystem
	Price    float64
	Qty      float64
}

// Opportunity is one evaluated venue triple. PnlVolume and PnlRatio are NaN
// when the triple cannot be priced; numeric opportunities sort before NaNs.
type Opportunity struct {
	Targets             [numberOfLegs]Target
	PnlVolume           float64
	PnlRatio            float64
	CheckError          string
	CheckErrorVenue     string
	ReducedByBalanceLeg int // numberOfLegs = no reduction
	IsSignaled          bool
}

// legTarget pairs a security with the trading system that executes on it.
type legTarget struct {
	sec   *market.Security
	venue connector.TradingSystem
}

// legPolicy is the side-dependent behavior of one leg.
type legPolicy struct {
	symbol  types.Symbol
	isLong  bool
	venues  map[string]bool // allow-list, nil = any
	targets []legTarget
}

func (l *legPolicy) orderSide() types.OrderSide {
	if l.isLong {
		return types.Buy
	}
	return types.Sell
}

// price is the book side this leg crosses: ask to buy, bid to sell.
func (l *legPolicy) price(sec *market.Security) (float64, error) {
	if l.isLong {
		return sec.AskPrice()
	}
	return sec.BidPrice()
}

// qty is the size available at that book side.
func (l *legPolicy) qty(sec *market.Security) (float64, error) {
	if l.isLong {
		return sec.AskQty()
	}
	return sec.BidQty()
}

// calcX is this leg's contribution to the triangle product: a long leg
// contributes 1/price, a short leg contributes price.
func (l *legPolicy) calcX(sec *market.Security) (float64, error) {
	p, err := l.price(sec)
	if err != nil {
		return 0, err
	}
	if l.isLong {
		return 1 / p, nil
	}
	return p, nil
}

// qtyAllowedByBalance converts the venue's free balance into a leg order
// quantity cap.
func (l *legPolicy) qtyAllowedByBalance(venue connector.TradingSystem, sec *market.Security, price float64) float64 {
	symbol := sec.Symbol()
	if l.isLong {
		balance := venue.Balances().AvailableToTrade(symbol.Quote)
		balance -= venue.CalcCommission(balance/price, price, types.Buy, sec)
		if balance <= 0 {
			return 0
		}
		return balance / price
	}
	return venue.Balances().AvailableToTrade(symbol.Base)
}

func (l *legPolicy) allowsVenue(name string) bool {
	return l.venues == nil || l.venues[name]
}

// Triangular is the three-leg arbitrage strategy: it watches the legs'
// level-1 across every allowed venue combination, prices the triangle
// product, and launches a three-position operation whenever the product
// clears the configured profit ratio.
type Triangular struct {
	Base

	cfg        TriangularConfig
	legs       [numberOfLegs]*legPolicy
	venueOf    func(sec *market.Security) connector.TradingSystem
	controller *position.Controller

	failedTargets   map[connector.TradingSystem]bool
	lastCheckErrors []string

	opportunitySubs []func([]Opportunity)
	checkErrorSubs  []func([]string)
}

// NewTriangular builds the strategy. venueOf resolves which trading system
// executes on a given security; the engine provides it from configuration.
func NewTriangular(
	cfg TriangularConfig,
	venueOf func(sec *market.Security) connector.TradingSystem,
	log, tlog *slog.Logger,
) (*Triangular, error) {
	if cfg.MaxVolume < cfg.MinVolume {
		return nil, fmt.Errorf("max volume %v is below min volume %v", cfg.MaxVolume, cfg.MinVolume)
	}
	t := &Triangular{
		cfg:           cfg,
		venueOf:       venueOf,
		failedTargets: make(map[connector.TradingSystem]bool),
	}
	for i, leg := range cfg.Legs {
		policy := &legPolicy{symbol: leg.Symbol, isLong: leg.IsLong}
		if len(leg.Venues) > 0 {
			policy.venues = make(map[string]bool, len(leg.Venues))
			for _, v := range leg.Venues {
				policy.venues[v] = true
			}
		}
		t.legs[i] = policy
	}
	t.Init(cfg.Name, cfg.ID, t, log, tlog)
	t.controller = position.NewController(t, t.Log())
	t.controller.Hold = func(p *position.Position) { p.MarkAsCompleted() }
	t.controller.BestVenue = t.bestVenueToClose

	t.Log().Info("triangular arbitrage configured",
		"trading-enabled", cfg.IsTradingEnabled,
		"volume-min", cfg.MinVolume,
		"volume-max", cfg.MaxVolume,
		"min-profit-ratio", cfg.MinProfitRatio,
		"legs", t.describeLegs(),
	)
	return t, nil
}

func (t *Triangular) describeLegs() string {
	parts := make([]string, 0, numberOfLegs)
	for _, leg := range t.legs {
		parts = append(parts, fmt.Sprintf("%s(%s)", leg.symbol, leg.orderSide()))
	}
	return strings.Join(parts, ", ")
}

// Controller exposes the strategy's controller for engine wiring
// (completion reporting).
func (t *Triangular) Controller() *position.Controller { return t.controller }

// Symbols lists the instruments this strategy needs, one per leg.
func (t *Triangular) Symbols() []types.Symbol {
	out := make([]types.Symbol, 0, numberOfLegs)
	for _, leg := range t.legs {
		out = append(out, leg.symbol)
	}
	return out
}

// SubscribeToOpportunities registers an observer of every evaluated
// opportunity list (GUI, API).
func (t *Triangular) SubscribeToOpportunities(slot func([]Opportunity)) {
	t.Lock()
	defer t.Unlock()
	t.opportunitySubs = append(t.opportunitySubs, slot)
}

// SubscribeToCheckErrors registers an observer of signal-check errors.
func (t *Triangular) SubscribeToCheckErrors(slot func([]string)) {
	t.Lock()
	defer t.Unlock()
	t.checkErrorSubs = append(t.checkErrorSubs, slot)
}

// IsTradingEnabled reports whether signals launch operations.
func (t *Triangular) IsTradingEnabled() bool {
	t.Lock()
	defer t.Unlock()
	return t.cfg.IsTradingEnabled
}

// EnableTrading flips trading on or off at runtime.
func (t *Triangular) EnableTrading(enabled bool) {
	t.Lock()
	defer t.Unlock()
	if t.cfg.IsTradingEnabled == enabled {
		return
	}
	t.TradingLog().Info("trading toggled", "enabled", enabled)
	t.cfg.IsTradingEnabled = enabled
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

func (t *Triangular) OnSecurityStart(sec *market.Security) {
	attached := false
	for i, leg := range t.legs {
		if leg.symbol.Base != sec.Symbol().Base || leg.symbol.Quote != sec.Symbol().Quote {
			continue
		}
		venue := t.venueOf(sec)
		if venue == nil {
			continue
		}
		sec.Subscribe(market.SubscribeLevel1Ticks)
		sec.Subscribe(market.SubscribeBookUpdates)
		leg.targets = append(leg.targets, legTarget{sec: sec, venue: venue})
		attached = true
		t.Log().Debug("security attached to leg",
			"security", sec.String(), "leg", i+1, "side", leg.orderSide().String())
	}
	if !attached {
		t.Block(fmt.Sprintf("failed to find configured leg for security %q", sec))
	}
}

func (t *Triangular) OnLevel1Update(*market.Security) { t.checkSignal() }

func (t *Triangular) OnBookUpdate(*market.Security) {}

func (t *Triangular) OnServiceDataUpdate(service.Service) {}

func (t *Triangular) OnPositionUpdate(p *position.Position) {
	t.controller.OnPositionUpdate(p)
	if !p.HasActiveOpenOrders() {
		// An opening just resolved one way or the other: market state moved,
		// look again.
		t.Schedule(0, t.checkSignal)
	}
}

func (t *Triangular) OnPositionsCloseRequest() {
	t.controller.OnPositionsCloseRequest()
}

// ————————————————————————————————————————————————————————————————————————
// Signal detection
// ————————————————————————————————————————————————————————————————————————

func (t *Triangular) checkSignal() {
	opportunities, skipped := t.enumerate()
	if len(opportunities) == 0 && !skipped {
		t.Block("one or more legs don't have securities")
		return
	}

	sortOpportunities(opportunities)

	for _, slot := range t.opportunitySubs {
		slot(opportunities)
	}

	if !t.cfg.IsTradingEnabled {
		return
	}
	t.trade(opportunities)
}

// sortOpportunities orders by descending pnl volume; numeric values sort
// before NaNs.
func sortOpportunities(opportunities []Opportunity) {
	sort.SliceStable(opportunities, func(i, j int) bool {
		a, b := opportunities[i].PnlVolume, opportunities[j].PnlVolume
		if !math.IsNaN(a) && !math.IsNaN(b) {
			return a > b
		}
		return !math.IsNaN(a)
	})
}

// enumerate walks every allowed venue triple and prices it.
func (t *Triangular) enumerate() ([]Opportunity, bool) {
	var opportunities []Opportunity
	skipped := false

	for _, tgt1 := range t.legs[Leg1].targets {
		if !t.legs[Leg1].allowsVenue(tgt1.venue.Name()) {
			skipped = true
			continue
		}
		for _, tgt2 := range t.legs[Leg2].targets {
			if !t.legs[Leg2].allowsVenue(tgt2.venue.Name()) {
				skipped = true
				continue
			}
			for _, tgt3 := range t.legs[Leg3].targets {
				if !t.legs[Leg3].allowsVenue(tgt3.venue.Name()) {
					skipped = true
					continue
				}
				opp, err := t.evaluate(tgt1, tgt2, tgt3)
				if err != nil {
					if errors.Is(err, types.ErrMarketDataValueDoesNotExist) {
						skipped = true
						continue
					}
					// Leg volumes are irreconcilable: the configuration is
					// wrong, trading on it would be unsafe.
					t.Block(err.Error())
					return nil, true
				}
				opportunities = append(opportunities, opp)
			}
		}
	}
	return opportunities, skipped
}

func (t *Triangular) evaluate(tgt1, tgt2, tgt3 legTarget) (Opportunity, error) {
	opp := Opportunity{
		PnlVolume:           math.NaN(),
		PnlRatio:            math.NaN(),
		ReducedByBalanceLeg: numberOfLegs,
	}
	for i, tgt := range []legTarget{tgt1, tgt2, tgt3} {
		price, err := t.legs[i].price(tgt.sec)
		if err != nil {
			return opp, err
		}
		opp.Targets[i] = Target{Security: tgt.sec, Venue: tgt.venue, Price: price}
	}

	if err := t.calcLegQtys(&opp); err != nil {
		return opp, err
	}
	opp.CheckError, opp.CheckErrorVenue = t.checkTargets(&opp)

	leg1Volume := opp.Targets[Leg1].Qty * opp.Targets[Leg1].Price
	leg3Volume := opp.Targets[Leg3].Qty * opp.Targets[Leg3].Price
	if leg1Volume == 0 || leg3Volume == 0 {
		return opp, nil
	}
	if leg3Volume < leg1Volume*0.5 || leg1Volume*1.5 < leg3Volume {
		return opp, fmt.Errorf(
			"legs configuration is wrong - 3rd leg volume is %v (qty %v, price %v), but should be near %v (qty %v, price %v)",
			leg3Volume, opp.Targets[Leg3].Qty, opp.Targets[Leg3].Price,
			leg1Volume, opp.Targets[Leg1].Qty, opp.Targets[Leg1].Price)
	}
	opp.PnlVolume = leg3Volume - leg1Volume

	product := 1.0
	for i := range t.legs {
		x, err := t.legs[i].calcX(opp.Targets[i].Security)
		if err != nil {
			return opp, err
		}
		product *= x
	}
	opp.PnlRatio = product - 1
	opp.IsSignaled = opp.CheckError == "" && opp.PnlRatio >= t.cfg.MinProfitRatio
	return opp, nil
}

// calcLegQtys fills target quantities from the {minVolume, maxVolume}
// envelope, then clamps against balances and each leg's own book depth,
// propagating the clamps so the legs' notionals stay consistent.
func (t *Triangular) calcLegQtys(opp *Opportunity) error {
	targets := &opp.Targets
	p1, p2 := targets[Leg1].Price, targets[Leg2].Price
	if p1 == 0 || p2 == 0 {
		return nil
	}

	targets[Leg1].Qty = t.cfg.MaxVolume / p1
	minLeg1Qty := t.cfg.MinVolume / p1
	leg1QtyForced := targets[Leg1].Qty < minLeg1Qty
	if leg1QtyForced {
		targets[Leg1].Qty = minLeg1Qty
	}

	if allowed := t.legs[Leg1].qtyAllowedByBalance(targets[Leg1].Venue, targets[Leg1].Security, p1); allowed < targets[Leg1].Qty {
		targets[Leg1].Qty = allowed
		opp.ReducedByBalanceLeg = Leg1
	}
	if targets[Leg1].Qty == 0 {
		return nil
	}

	targets[Leg2].Qty = targets[Leg1].Qty / p2
	if !leg1QtyForced {
		qty2, err := t.legs[Leg2].qty(targets[Leg2].Security)
		if err != nil {
			return err
		}
		qty3, err := t.legs[Leg3].qty(targets[Leg3].Security)
		if err != nil {
			return err
		}
		actual := math.Max(minLeg1Qty/p2, math.Min(qty2, qty3))
		if actual < targets[Leg2].Qty {
			targets[Leg2].Qty = actual
		}
	}
	{
		allowed2 := t.legs[Leg2].qtyAllowedByBalance(targets[Leg2].Venue, targets[Leg2].Security, p2)
		allowed3 := t.legs[Leg3].qtyAllowedByBalance(targets[Leg3].Venue, targets[Leg3].Security, targets[Leg3].Price)
		lowest := math.Min(allowed2, allowed3)
		if lowest < targets[Leg2].Qty {
			targets[Leg2].Qty = lowest
			if allowed2 <= allowed3 {
				opp.ReducedByBalanceLeg = Leg2
			} else {
				opp.ReducedByBalanceLeg = Leg3
			}
		}
	}
	targets[Leg3].Qty = targets[Leg2].Qty
	if targets[Leg2].Qty == 0 {
		targets[Leg1].Qty = 0
		return nil
	}

	if leg1Qty := targets[Leg2].Qty * p2; leg1Qty < targets[Leg1].Qty {
		targets[Leg1].Qty = leg1Qty
	}
	return nil
}

func (t *Triangular) checkTargets(opp *Opportunity) (string, string) {
	for i, target := range opp.Targets {
		checker := risk.NewOrderChecker(t.legs[i].isLong, target.Qty, target.Price)
		if reason := checker.Check(target.Security, target.Venue); reason != "" {
			return reason, target.Venue.Name()
		}
	}
	return "", ""
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

func (t *Triangular) trade(opportunities []Opportunity) {
	var checkErrors []string
	for i := range opportunities {
		opp := &opportunities[i]
		if !opp.IsSignaled {
			if opp.CheckError != "" {
				checkErrors = append(checkErrors, fmt.Sprintf("%s (%s)", opp.CheckError, opp.CheckErrorVenue))
			}
			continue
		}
		if reason := t.launch(opp); reason != "" {
			checkErrors = append(checkErrors, reason)
		}
	}
	t.reportCheckErrors(checkErrors)
}

// launch opens the three legs of one signaled opportunity. Returns a
// non-empty reason only when two or more of the triple's venues are on the
// blocked list; other skips return an empty string.
func (t *Triangular) launch(opp *Opportunity) string {
	// Launch only while every registered position is still opening on a venue
	// outside this triple: a position with no open order in flight, or one
	// opening on a venue this triple uses, defers the launch.
	for _, p := range t.Positions() {
		if !p.HasActiveOpenOrders() {
			return ""
		}
		for _, target := range opp.Targets {
			if p.Venue() == target.Venue {
				return ""
			}
		}
	}

	blockedLeg := -1
	for i := range opp.Targets {
		if !t.failedTargets[opp.Targets[i].Venue] {
			continue
		}
		if blockedLeg >= 0 {
			return "two or more targets on the blocked list"
		}
		blockedLeg = i
	}

	t.reportSignal("trade", opp, blockedLeg < 0)

	op := &triangularOperation{
		BaseOperation: position.NewBaseOperation(),
		strategy:      t,
		targets:       opp.Targets,
	}

	openLeg := func(leg int) (*position.Position, error) {
		target := op.targets[leg]
		return t.controller.OpenPosition(op, int64(leg)+1, target.Security, target.Venue,
			target.Security.Symbol().Quote)
	}

	var positions [numberOfLegs]*position.Position
	var errs [numberOfLegs]error

	if blockedLeg >= 0 {
		// A previously failed venue opens first, synchronously; the healthy
		// legs follow only if it succeeds.
		if positions[blockedLeg], errs[blockedLeg] = openLeg(blockedLeg); errs[blockedLeg] != nil {
			t.reportSignalError(opp, false, blockedLeg, errs[blockedLeg])
			return ""
		}
		delete(t.failedTargets, op.targets[blockedLeg].Venue)
	}

	var wg conc.WaitGroup
	for leg := range op.targets {
		if leg == blockedLeg {
			continue
		}
		leg := leg
		wg.Go(func() {
			positions[leg], errs[leg] = openLeg(leg)
		})
	}
	wg.Wait()

	hasErrors := false
	for leg := range positions {
		if errs[leg] != nil {
			t.reportSignalError(opp, blockedLeg < 0, leg, errs[leg])
		}
		if positions[leg] == nil {
			t.failedTargets[op.targets[leg].Venue] = true
			hasErrors = true
		}
	}
	if hasErrors {
		t.unwind(positions)
	}
	return ""
}

// unwind closes the legs that did open after a sibling failed to start.
func (t *Triangular) unwind(positions [numberOfLegs]*position.Position) {
	var wg conc.WaitGroup
	for _, p := range positions {
		if p == nil {
			continue
		}
		p := p
		wg.Go(func() {
			t.controller.ClosePosition(p, types.CloseReasonOpenFailed)
		})
	}
	wg.Wait()
}

// bestVenueToClose selects, among the leg's candidate securities, the venue
// able to absorb the close of the remaining quantity.
func (t *Triangular) bestVenueToClose(p *position.Position) (*market.Security, connector.TradingSystem, error) {
	op, ok := p.Operation().(*triangularOperation)
	if !ok {
		return p.Security(), p.Venue(), nil
	}
	leg := op.legOf(p.Security())
	if leg < 0 {
		return p.Security(), p.Venue(), nil
	}

	checker := risk.NewPositionChecker(p.CloseOrderSide(), p.ActiveQty())
	var reasons []string
	for _, candidate := range t.legs[leg].targets {
		if reason := checker.Check(candidate.sec, candidate.venue); reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", candidate.sec, reason))
		}
	}
	if !checker.HasSuitable() {
		return nil, nil, fmt.Errorf("no suitable security: %s", strings.Join(reasons, ", "))
	}
	sec, venue := checker.Suitable()
	return sec, venue, nil
}

// ————————————————————————————————————————————————————————————————————————
// Reporting
// ————————————————————————————————————————————————————————————————————————

func (t *Triangular) reportSignal(signal string, opp *Opportunity, isAsync bool) {
	attrs := []any{
		"signal", signal,
		"pnl-ratio", opp.PnlRatio,
		"pnl-volume", opp.PnlVolume,
		"async", isAsync,
	}
	for i, target := range opp.Targets {
		attrs = append(attrs,
			fmt.Sprintf("leg%d", i+1),
			fmt.Sprintf("%s qty=%v price=%v side=%s", target.Security, target.Qty, target.Price, t.legs[i].orderSide()),
		)
	}
	t.TradingLog().Info("signal", attrs...)
}

func (t *Triangular) reportSignalError(opp *Opportunity, isAsync bool, leg int, err error) {
	t.reportSignal("error", opp, isAsync)
	mode := "sync"
	if isAsync {
		mode = "async"
	}
	t.Log().Warn("failed to start trading",
		"mode", mode,
		"leg", leg+1,
		"error", err,
	)
}

// reportCheckErrors emits the signal-check error list when it changes.
func (t *Triangular) reportCheckErrors(report []string) {
	if equalStrings(report, t.lastCheckErrors) {
		return
	}
	t.lastCheckErrors = report
	if len(report) > 0 {
		t.TradingLog().Info("signal check errors", "errors", strings.Join(report, "; "))
	}
	for _, slot := range t.checkErrorSubs {
		slot(report)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Operation
// ————————————————————————————————————————————————————————————————————————

// triangularOperation bundles the three legs of one launched signal.
type triangularOperation struct {
	position.BaseOperation
	strategy *Triangular
	targets  [numberOfLegs]Target
	policy   position.LimitIOCOrderPolicy
}

func (o *triangularOperation) legOf(sec *market.Security) int {
	for i, target := range o.targets {
		if target.Security == sec {
			return i
		}
	}
	return -1
}

func (o *triangularOperation) OpenOrderPolicy(*position.Position) position.OrderPolicy {
	return o.policy
}

// CloseOrderPolicy keeps the pip-crossing IOC for signal-driven closes. A
// leg being withdrawn because the operation never started whole, or because
// the venue errored, is dumped at market: the triangle is already broken and
// the residual exposure is worth less than the queue position.
func (o *triangularOperation) CloseOrderPolicy(p *position.Position) position.OrderPolicy {
	switch p.CloseReason() {
	case types.CloseReasonOpenFailed, types.CloseReasonSystemError:
		return position.MarketOrderPolicy{}
	default:
		return o.policy
	}
}

func (o *triangularOperation) IsLong(sec *market.Security) bool {
	leg := o.legOf(sec)
	if leg < 0 {
		return false
	}
	return o.strategy.legs[leg].isLong
}

func (o *triangularOperation) PlannedQty(sec *market.Security) float64 {
	leg := o.legOf(sec)
	if leg < 0 {
		return 0
	}
	return o.targets[leg].Qty
}

func (o *triangularOperation) HasCloseSignal(*position.Position) bool { return false }
