// Package strategy implements the strategy coordination layer.
//
// A strategy observes market data across venues and instruments, detects
// opportunities, creates positions through a Controller, and reacts to
// position-state changes. Base carries the lifecycle every strategy shares:
// serialized event dispatch behind one mutex, a position registry, deferred
// scheduling, and the terminal Blocked state.
//
// Threading: market-data events are dispatched on the connector's reader
// goroutine, position updates on the strategy's own event goroutine; both
// serialize on the strategy mutex, so no two handlers for one strategy ever
// run concurrently.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradekit/internal/market"
	"tradekit/internal/position"
	"tradekit/internal/service"
)

// Events is the handler set a concrete strategy implements. Every method is
// invoked with the strategy mutex held and the blocked state already
// checked.
type Events interface {
	OnSecurityStart(sec *market.Security)
	OnLevel1Update(sec *market.Security)
	OnBookUpdate(sec *market.Security)
	OnServiceDataUpdate(svc service.Service)
	OnPositionUpdate(p *position.Position)
	OnPositionsCloseRequest()
}

// Strategy is what the engine drives.
type Strategy interface {
	Name() string
	ID() uuid.UUID
	Start(ctx context.Context) error
	Stop()
	Block(reason string)
	IsBlocked() bool

	NotifySecurityStart(sec *market.Security)
	NotifyLevel1Update(sec *market.Security)
	NotifyBookUpdate(sec *market.Security)
	NotifyPositionsCloseRequest()
}

const positionUpdateBuffer = 256

// Base carries shared strategy state. Concrete strategies embed it and hand
// themselves in through Init.
type Base struct {
	name string
	id   uuid.UUID
	log  *slog.Logger
	tlog *slog.Logger

	mu   sync.Mutex
	impl Events

	blocked     atomic.Bool
	blockReason string

	posMu     sync.Mutex
	positions []*position.Position

	updates chan *position.Position
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Init wires the embedded Base. impl is the concrete strategy.
func (b *Base) Init(name string, id uuid.UUID, impl Events, log, tlog *slog.Logger) {
	b.name = name
	b.id = id
	b.impl = impl
	b.log = log.With("strategy", name)
	b.tlog = tlog.With("strategy", name)
	b.updates = make(chan *position.Position, positionUpdateBuffer)
}

func (b *Base) Name() string             { return b.name }
func (b *Base) ID() uuid.UUID            { return b.id }
func (b *Base) Log() *slog.Logger        { return b.log }
func (b *Base) TradingLog() *slog.Logger { return b.tlog }
func (b *Base) Now() time.Time           { return time.Now() }

// Start launches the position-update event goroutine.
func (b *Base) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case p := <-b.updates:
				b.dispatch(func() { b.impl.OnPositionUpdate(p) })
			}
		}
	}()
	return nil
}

// Stop cancels the event goroutine and waits for it.
func (b *Base) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// dispatch serializes one handler call behind the strategy mutex.
func (b *Base) dispatch(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked.Load() {
		return
	}
	fn()
}

// Lock exposes the strategy mutex for out-of-band state changes (parameter
// updates from the API, tests). Event handlers must not call it.
func (b *Base) Lock()   { b.mu.Lock() }
func (b *Base) Unlock() { b.mu.Unlock() }

// ————————————————————————————————————————————————————————————————————————
// Event entry points (engine / connector side)
// ————————————————————————————————————————————————————————————————————————

func (b *Base) NotifySecurityStart(sec *market.Security) {
	b.dispatch(func() { b.impl.OnSecurityStart(sec) })
}

func (b *Base) NotifyLevel1Update(sec *market.Security) {
	b.dispatch(func() { b.impl.OnLevel1Update(sec) })
}

func (b *Base) NotifyBookUpdate(sec *market.Security) {
	b.dispatch(func() { b.impl.OnBookUpdate(sec) })
}

func (b *Base) NotifyPositionsCloseRequest() {
	b.dispatch(func() { b.impl.OnPositionsCloseRequest() })
}

// RaisePositionUpdate enqueues a position for the event goroutine. Called
// by position update signals (on the venue reader goroutine) and by the
// controller's retry scheduling.
func (b *Base) RaisePositionUpdate(p *position.Position) {
	if b.ctx == nil {
		return
	}
	select {
	case b.updates <- p:
	case <-b.ctx.Done():
	}
}

// Schedule runs fn after d on the strategy mutex, unless the strategy is
// blocked or stopped by then.
func (b *Base) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		if b.ctx != nil && b.ctx.Err() != nil {
			return
		}
		b.dispatch(fn)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Position registry
// ————————————————————————————————————————————————————————————————————————

func (b *Base) RegisterPosition(p *position.Position) {
	b.posMu.Lock()
	defer b.posMu.Unlock()
	b.positions = append(b.positions, p)
}

func (b *Base) UnregisterPosition(p *position.Position) {
	b.posMu.Lock()
	defer b.posMu.Unlock()
	for i, q := range b.positions {
		if q == p {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			return
		}
	}
}

// Positions snapshots the registry.
func (b *Base) Positions() []*position.Position {
	b.posMu.Lock()
	defer b.posMu.Unlock()
	out := make([]*position.Position, len(b.positions))
	copy(out, b.positions)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Blocking
// ————————————————————————————————————————————————————————————————————————

// Block puts the strategy into the terminal blocked state. Idempotent: the
// first call emits one structured record; later calls are no-ops. Blocked
// strategies silently drop all further events, but the process stays up.
func (b *Base) Block(reason string) {
	if !b.blocked.CompareAndSwap(false, true) {
		return
	}
	b.blockReason = reason
	b.log.Error("strategy blocked", "reason", reason)
	b.tlog.Info("blocked", "reason", reason)
}

func (b *Base) IsBlocked() bool { return b.blocked.Load() }

// BlockReason returns the recorded reason, empty while unblocked.
func (b *Base) BlockReason() string {
	if !b.blocked.Load() {
		return ""
	}
	return b.blockReason
}
