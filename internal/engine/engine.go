// Package engine is the central orchestrator.
//
// It wires together all subsystems:
//
//  1. One Session+Gate+Feed triple per [gate.<name>] section (the venue
//     adapters).
//  2. One strategy per [strategy.<name>] section, each with its Controller.
//  3. Securities: each strategy declares its symbols; the engine registers
//     them with every feed the strategy trades through and routes market
//     data back to the interested strategies.
//  4. Completed positions flow to the CSV report and the status API.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"tradekit/internal/api"
	"tradekit/internal/config"
	"tradekit/internal/connector"
	"tradekit/internal/exchange/xmlgate"
	"tradekit/internal/market"
	"tradekit/internal/position"
	"tradekit/internal/report"
	"tradekit/internal/strategy"
	"tradekit/pkg/types"
)

// gateSlot is one venue adapter instance.
type gateSlot struct {
	cfg     config.GateConfig
	session *xmlgate.Session
	gate    *xmlgate.Gate
	feed    *xmlgate.Feed
}

// secEntry routes one security's market data to its consumers.
type secEntry struct {
	sec        *market.Security
	strategies []strategy.Strategy
}

// Engine orchestrates all components.
type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	tlog *slog.Logger

	startedAt time.Time

	gates      map[string]*gateSlot
	strategies []strategy.Strategy

	secMu    sync.RWMutex
	secByKey map[string]*secEntry                           // gate/board/code → entry
	secVenue map[*market.Security]connector.TradingSystem   // execution venue per security
	secOf    map[*market.Security]*secEntry

	reporter *report.Writer
	events   *api.Server // nil when the API is disabled

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger, tradingLogger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       logger.With("component", "engine"),
		tlog:      tradingLogger,
		startedAt: time.Now(),
		gates:     make(map[string]*gateSlot),
		secByKey:  make(map[string]*secEntry),
		secVenue:  make(map[*market.Security]connector.TradingSystem),
		secOf:     make(map[*market.Security]*secEntry),
	}

	for _, gateCfg := range cfg.Gates {
		slot, err := e.buildGate(gateCfg, logger, tradingLogger)
		if err != nil {
			return nil, err
		}
		e.gates[gateCfg.Name] = slot
	}

	if cfg.Report.IsEnabled {
		w, err := report.Open(cfg.Report.Dir, e.startedAt)
		if err != nil {
			return nil, err
		}
		e.reporter = w
	}

	for _, stratCfg := range cfg.Strategies {
		if !stratCfg.IsEnabled {
			e.log.Info("strategy disabled", "strategy", stratCfg.Name)
			continue
		}
		strat, err := e.buildStrategy(stratCfg, logger, tradingLogger)
		if err != nil {
			return nil, err
		}
		e.strategies = append(e.strategies, strat)
	}
	if len(e.strategies) == 0 {
		return nil, fmt.Errorf("no enabled strategies")
	}
	return e, nil
}

func (e *Engine) buildGate(gateCfg config.GateConfig, logger, tradingLogger *slog.Logger) (*gateSlot, error) {
	xcfg := xmlgate.Config{
		Name:            gateCfg.Name,
		URL:             gateCfg.URL,
		RestURL:         gateCfg.RestURL,
		Login:           gateCfg.Login,
		Password:        gateCfg.Password,
		Host:            gateCfg.Host,
		Port:            gateCfg.Port,
		Client:          gateCfg.Client,
		Union:           gateCfg.Union,
		RQDelay:         gateCfg.RQDelay,
		SessionTimeout:  gateCfg.SessionTimeout,
		RequestTimeout:  gateCfg.RequestTimeout,
		PollingInterval: gateCfg.PollingInterval,
		CommissionRatio: gateCfg.CommissionRatio,
		DryRun:          gateCfg.TradingMode == "paper",
	}
	session := xmlgate.NewSession(xcfg, logger)
	gate := xmlgate.NewGate(session, xcfg, logger, tradingLogger)
	feed := xmlgate.NewFeed(session, xcfg, int32(gateCfg.PricePrecision), &feedSink{engine: e, gate: gateCfg.Name}, logger)

	session.StopDueFatalError(func(reason string) {
		e.log.Error("gate stopped due to fatal error", "gate", gateCfg.Name, "reason", reason)
		for _, s := range e.strategies {
			s.Block(fmt.Sprintf("gate %q: %s", gateCfg.Name, reason))
		}
		e.publish("gate_fatal", map[string]string{"gate": gateCfg.Name, "reason": reason})
	})

	return &gateSlot{cfg: gateCfg, session: session, gate: gate, feed: feed}, nil
}

func (e *Engine) buildStrategy(stratCfg config.StrategyConfig, logger, tradingLogger *slog.Logger) (strategy.Strategy, error) {
	gates := stratCfg.Gates
	if len(gates) == 0 {
		for name := range e.gates {
			gates = append(gates, name)
		}
	}
	for _, name := range gates {
		if e.gates[name] == nil {
			return nil, fmt.Errorf("strategy %q references unknown gate %q", stratCfg.Name, name)
		}
	}

	var (
		strat      strategy.Strategy
		controller *position.Controller
		symbols    []types.Symbol
		err        error
	)
	switch stratCfg.Module {
	case "triarb":
		cfg := strategy.TriangularConfig{
			Name:             stratCfg.Name,
			ID:               stratCfg.ID,
			MinVolume:        stratCfg.MinVolume,
			MaxVolume:        stratCfg.MaxVolume,
			MinProfitRatio:   stratCfg.MinProfitRatio,
			IsTradingEnabled: stratCfg.IsTradingEnabled,
		}
		for i, leg := range stratCfg.Legs {
			cfg.Legs[i] = strategy.LegConfig{
				Symbol: leg.Symbol,
				IsLong: leg.IsLong,
				Venues: stratCfg.LegVenues[i],
			}
		}
		var tri *strategy.Triangular
		tri, err = strategy.NewTriangular(cfg, e.venueOf, logger, tradingLogger)
		if err == nil {
			strat, controller, symbols = tri, tri.Controller(), tri.Symbols()
		}

	case "emacross":
		cfg := strategy.EMACrossConfig{
			Name:                    stratCfg.Name,
			ID:                      stratCfg.ID,
			Symbol:                  stratCfg.Symbol,
			NumberOfContracts:       stratCfg.NumberOfContracts,
			FastPeriod:              stratCfg.FastPeriod,
			SlowPeriod:              stratCfg.SlowPeriod,
			IsTradingEnabled:        stratCfg.IsTradingEnabled,
			PassiveOrderMaxLifetime: stratCfg.PassiveOrderMaxLifetime,
		}
		var ema *strategy.EMACross
		ema, err = strategy.NewEMACross(cfg, e.venueOf, logger, tradingLogger)
		if err == nil {
			strat, controller, symbols = ema, ema.Controller(), ema.Symbols()
		}

	default:
		return nil, fmt.Errorf("strategy %q: unknown module %q", stratCfg.Name, stratCfg.Module)
	}
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", stratCfg.Name, err)
	}

	controller.OnCompleted = func(p *position.Position) {
		if e.reporter != nil {
			if err := e.reporter.Append(p); err != nil {
				e.log.Error("failed to report position", "position", p.String(), "error", err)
			}
		}
		e.publish("position_completed", api.PositionSnapshot{
			Operation:   p.OperationID().String(),
			SubID:       p.SubID(),
			Symbol:      p.Security().Symbol().String(),
			Venue:       p.Venue().Name(),
			Side:        p.Side().String(),
			PlannedQty:  p.PlannedQty(),
			OpenedQty:   p.OpenedQty(),
			ClosedQty:   p.ClosedQty(),
			ActiveQty:   p.ActiveQty(),
			OpenAvg:     p.OpenAvgPrice(),
			CloseAvg:    p.CloseAvgPrice(),
			RealizedPnl: p.RealizedPnl(),
			CloseReason: p.CloseReason().String(),
			IsCompleted: true,
		})
	}

	// Register the strategy's instruments with every feed it trades through.
	for _, gateName := range gates {
		slot := e.gates[gateName]
		for _, symbol := range symbols {
			sec, err := slot.feed.CreateSecurity(symbol)
			if err != nil {
				return nil, fmt.Errorf("strategy %q: create security %s on %s: %w",
					stratCfg.Name, symbol, gateName, err)
			}
			e.attach(sec, slot, strat)
		}
	}
	return strat, nil
}

// attach indexes one security for market-data routing and venue resolution.
func (e *Engine) attach(sec *market.Security, slot *gateSlot, strat strategy.Strategy) {
	key := secKey(slot.cfg.Name, sec.Board(), sec.Symbol())
	e.secMu.Lock()
	defer e.secMu.Unlock()
	entry := e.secByKey[key]
	if entry == nil {
		entry = &secEntry{sec: sec}
		e.secByKey[key] = entry
		e.secVenue[sec] = slot.gate
		e.secOf[sec] = entry
	}
	for _, s := range entry.strategies {
		if s == strat {
			return
		}
	}
	entry.strategies = append(entry.strategies, strat)
}

func (e *Engine) venueOf(sec *market.Security) connector.TradingSystem {
	e.secMu.RLock()
	defer e.secMu.RUnlock()
	return e.secVenue[sec]
}

func secKey(gate, board string, symbol types.Symbol) string {
	return gate + "/" + board + "/" + symbol.Base + symbol.Quote
}

// SetAPI attaches the status API server for event publication.
func (e *Engine) SetAPI(server *api.Server) { e.events = server }

func (e *Engine) publish(eventType string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish(api.Event{Type: eventType, Time: time.Now(), Payload: payload})
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start connects every gate, announces securities to strategies, starts the
// strategy event loops, and issues the aggregated subscriptions.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// Connect gates in parallel; one refusing venue fails the start.
	var wg conc.WaitGroup
	errs := make([]error, 0, len(e.gates))
	var errsMu sync.Mutex
	for _, slot := range e.gates {
		slot := slot
		wg.Go(func() {
			if err := slot.gate.Connect(e.ctx); err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("gate %q: %w", slot.cfg.Name, err))
				errsMu.Unlock()
			}
		})
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}

	for _, strat := range e.strategies {
		if err := strat.Start(e.ctx); err != nil {
			return fmt.Errorf("strategy %q: %w", strat.Name(), err)
		}
	}

	// Announce instruments, then subscribe once everything is registered.
	e.secMu.RLock()
	entries := make([]*secEntry, 0, len(e.secByKey))
	for _, entry := range e.secByKey {
		entries = append(entries, entry)
	}
	e.secMu.RUnlock()
	for _, entry := range entries {
		for _, strat := range entry.strategies {
			strat.NotifySecurityStart(entry.sec)
		}
	}
	for _, slot := range e.gates {
		if err := slot.feed.SubscribeSecurities(); err != nil {
			return fmt.Errorf("gate %q: %w", slot.cfg.Name, err)
		}
	}

	e.log.Info("engine started",
		"gates", len(e.gates),
		"strategies", len(e.strategies),
		"securities", len(e.secByKey),
	)
	return nil
}

// Stop asks every strategy to close its positions, then tears everything
// down.
func (e *Engine) Stop() {
	e.log.Info("shutting down...")

	for _, strat := range e.strategies {
		strat.NotifyPositionsCloseRequest()
	}
	// Give in-flight closes a moment to reach the venues.
	time.Sleep(500 * time.Millisecond)

	for _, strat := range e.strategies {
		strat.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	for _, slot := range e.gates {
		if err := slot.session.Close(); err != nil {
			e.log.Error("failed to close session", "gate", slot.cfg.Name, "error", err)
		}
	}
	if e.reporter != nil {
		if err := e.reporter.Close(); err != nil {
			e.log.Error("failed to close report", "error", err)
		}
	}
	e.log.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Status API
// ————————————————————————————————————————————————————————————————————————

// Snapshot implements api.SnapshotSource.
func (e *Engine) Snapshot() api.Snapshot {
	snap := api.Snapshot{StartedAt: e.startedAt}
	for name, slot := range e.gates {
		snap.Gates = append(snap.Gates, api.GateSnapshot{
			Name:        name,
			IsConnected: slot.gate.IsConnected(),
		})
	}
	for _, strat := range e.strategies {
		ss := api.StrategySnapshot{
			Name:    strat.Name(),
			ID:      strat.ID().String(),
			Blocked: strat.IsBlocked(),
		}
		if holder, ok := strat.(interface{ Positions() []*position.Position }); ok {
			for _, p := range holder.Positions() {
				ss.Positions = append(ss.Positions, api.PositionSnapshot{
					Operation:   p.OperationID().String(),
					SubID:       p.SubID(),
					Symbol:      p.Security().Symbol().String(),
					Venue:       p.Venue().Name(),
					Side:        p.Side().String(),
					PlannedQty:  p.PlannedQty(),
					OpenedQty:   p.OpenedQty(),
					ClosedQty:   p.ClosedQty(),
					ActiveQty:   p.ActiveQty(),
					OpenAvg:     p.OpenAvgPrice(),
					CloseAvg:    p.CloseAvgPrice(),
					RealizedPnl: p.RealizedPnl(),
					CloseReason: p.CloseReason().String(),
					IsCompleted: p.IsCompleted(),
				})
			}
		}
		if blocker, ok := strat.(interface{ BlockReason() string }); ok {
			ss.BlockReason = blocker.BlockReason()
		}
		snap.Strategies = append(snap.Strategies, ss)
	}
	return snap
}

// ————————————————————————————————————————————————————————————————————————
// Market data routing
// ————————————————————————————————————————————————————————————————————————

// feedSink routes one gate's market data callbacks to the interested
// strategies. The security state itself is already updated by the feed.
type feedSink struct {
	engine *Engine
	gate   string
}

func (f *feedSink) entryFor(board, symbol string) *secEntry {
	f.engine.secMu.RLock()
	defer f.engine.secMu.RUnlock()
	return f.engine.secByKey[f.gate+"/"+board+"/"+symbol]
}

func (f *feedSink) OnNewTick(_ time.Time, board, symbol string, _, _ float64, _ types.Milestones) {
	entry := f.entryFor(board, symbol)
	if entry == nil {
		return
	}
	for _, strat := range entry.strategies {
		strat.NotifyLevel1Update(entry.sec)
	}
}

func (f *feedSink) OnLevel1Update(board, symbol string, _, _, _, _ *float64, _ types.Milestones) {
	entry := f.entryFor(board, symbol)
	if entry == nil {
		return
	}
	for _, strat := range entry.strategies {
		strat.NotifyLevel1Update(entry.sec)
	}
}

func (f *feedSink) OnBookUpdate(sec *market.Security, _ types.BookSnapshot, _ types.Milestones) {
	f.engine.secMu.RLock()
	entry := f.engine.secOf[sec]
	f.engine.secMu.RUnlock()
	if entry == nil {
		return
	}
	for _, strat := range entry.strategies {
		strat.NotifyBookUpdate(sec)
	}
}
