// Package market models instruments (securities) and their market data state.
//
// A Security is created once per symbol per market-data connector and is
// mutated only by that connector. Readers — strategies, risk checkers, order
// policies — get atomically consistent level-1 and book snapshots without
// taking a lock: writers publish through an atomic sequence counter (even =
// stable, odd = write in progress) and readers retry until they observe the
// same even value on both sides of the copy.
package market

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradekit/pkg/types"
)

// SubscriptionType is a bitset of market data kinds a consumer asked for.
type SubscriptionType uint8

const (
	SubscribeLevel1Ticks SubscriptionType = 1 << iota
	SubscribeBookUpdates
	SubscribeTrades
	SubscribeBarUpdates
)

// DefaultPricePrecision is the price scale used when a symbol does not
// configure its own.
const DefaultPricePrecision = 8

// level1 is the mutable level-1 state guarded by the sequence counter.
// A zero "set" bit means the field was never published.
type level1 struct {
	bidPrice, bidQty   float64
	askPrice, askQty   float64
	lastPrice, lastQty float64
	volume             float64
	set                uint8
}

const (
	hasBidPrice = 1 << iota
	hasBidQty
	hasAskPrice
	hasAskQty
	hasLastPrice
	hasLastQty
)

// Security is one tradable instrument at one market-data source.
type Security struct {
	symbol    types.Symbol
	board     string // venue board/segment code used on the wire
	precision int32
	priceStep decimal.Decimal // 10^-precision, the smallest price increment

	subs atomic.Uint32 // SubscriptionType bitset

	seq  atomic.Uint64 // seqlock: odd while a write is in progress
	l1   level1
	book types.BookSnapshot

	writeMu sync.Mutex // serializes writers when a connector fans in from several goroutines
}

// NewSecurity creates an instrument with the given price precision.
// Precision ≤ 0 falls back to DefaultPricePrecision.
func NewSecurity(symbol types.Symbol, board string, precision int32) *Security {
	if precision <= 0 {
		precision = DefaultPricePrecision
	}
	return &Security{
		symbol:    symbol,
		board:     board,
		precision: precision,
		priceStep: decimal.New(1, -precision),
	}
}

func (s *Security) Symbol() types.Symbol { return s.symbol }
func (s *Security) Board() string        { return s.board }
func (s *Security) Precision() int32     { return s.precision }

// PriceStep returns one pip: the smallest representable price increment.
func (s *Security) PriceStep() float64 { return s.priceStep.InexactFloat64() }

func (s *Security) String() string { return s.symbol.String() }

// Subscribe records interest in a market data kind. Idempotent; the owning
// connector reads the accumulated bitset when it issues the aggregated
// subscription request.
func (s *Security) Subscribe(kind SubscriptionType) {
	for {
		old := s.subs.Load()
		if old&uint32(kind) == uint32(kind) {
			return
		}
		if s.subs.CompareAndSwap(old, old|uint32(kind)) {
			return
		}
	}
}

// Subscriptions returns the accumulated subscription bitset.
func (s *Security) Subscriptions() SubscriptionType {
	return SubscriptionType(s.subs.Load())
}

// IsSubscribed reports whether kind was requested.
func (s *Security) IsSubscribed(kind SubscriptionType) bool {
	return s.Subscriptions()&kind == kind
}

// ————————————————————————————————————————————————————————————————————————
// Price scaling
// ————————————————————————————————————————————————————————————————————————

// ScalePrice converts a price to integer units of the instrument precision.
// Descale(Scale(x)) == x to the instrument precision.
func (s *Security) ScalePrice(price float64) types.ScaledPrice {
	return types.ScaledPrice(decimal.NewFromFloat(price).Shift(s.precision).Round(0).IntPart())
}

// DescalePrice converts a scaled price back to a float.
func (s *Security) DescalePrice(price types.ScaledPrice) float64 {
	return decimal.New(int64(price), -s.precision).InexactFloat64()
}

// RoundPrice rounds a price to the instrument precision.
func (s *Security) RoundPrice(price float64) float64 {
	return decimal.NewFromFloat(price).Round(s.precision).InexactFloat64()
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// read copies the level-1 state under the sequence counter.
func (s *Security) read() level1 {
	for {
		v1 := s.seq.Load()
		if v1%2 != 0 {
			continue
		}
		snap := s.l1
		if s.seq.Load() == v1 {
			return snap
		}
	}
}

func (s *Security) value(mask uint8, v func(l1 level1) float64) (float64, error) {
	snap := s.read()
	if snap.set&mask == 0 {
		return 0, types.ErrMarketDataValueDoesNotExist
	}
	return v(snap), nil
}

// BidPrice returns the best bid price, or ErrMarketDataValueDoesNotExist if
// the field was never published.
func (s *Security) BidPrice() (float64, error) {
	return s.value(hasBidPrice, func(l level1) float64 { return l.bidPrice })
}

func (s *Security) BidQty() (float64, error) {
	return s.value(hasBidQty, func(l level1) float64 { return l.bidQty })
}

func (s *Security) AskPrice() (float64, error) {
	return s.value(hasAskPrice, func(l level1) float64 { return l.askPrice })
}

func (s *Security) AskQty() (float64, error) {
	return s.value(hasAskQty, func(l level1) float64 { return l.askQty })
}

func (s *Security) LastPrice() (float64, error) {
	return s.value(hasLastPrice, func(l level1) float64 { return l.lastPrice })
}

func (s *Security) LastQty() (float64, error) {
	return s.value(hasLastQty, func(l level1) float64 { return l.lastQty })
}

// TradedVolume returns the cumulative traded volume published so far.
func (s *Security) TradedVolume() float64 { return s.read().volume }

// MarketPrice returns the book side an aggressor of the given position side
// crosses to open: ask for long, bid for short.
func (s *Security) MarketPrice(side types.PositionSide) (float64, error) {
	if side == types.Long {
		return s.AskPrice()
	}
	return s.BidPrice()
}

// MarketOppositePrice returns the side a position of the given direction
// closes against: bid for long, ask for short.
func (s *Security) MarketOppositePrice(side types.PositionSide) (float64, error) {
	if side == types.Long {
		return s.BidPrice()
	}
	return s.AskPrice()
}

// Book returns the latest depth snapshot. The slices are never mutated after
// publication; callers must not modify them.
func (s *Security) Book() types.BookSnapshot {
	for {
		v1 := s.seq.Load()
		if v1%2 != 0 {
			continue
		}
		snap := s.book
		if s.seq.Load() == v1 {
			return snap
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Writes — confined to the owning connector
// ————————————————————————————————————————————————————————————————————————

func (s *Security) publish(mutate func()) {
	s.writeMu.Lock()
	s.seq.Add(1)
	mutate()
	s.seq.Add(1)
	s.writeMu.Unlock()
}

// SetLevel1 publishes a level-1 update. Nil fields keep their previous value.
func (s *Security) SetLevel1(bidPrice, bidQty, askPrice, askQty *float64) {
	s.publish(func() {
		if bidPrice != nil {
			s.l1.bidPrice, s.l1.set = *bidPrice, s.l1.set|hasBidPrice
		}
		if bidQty != nil {
			s.l1.bidQty, s.l1.set = *bidQty, s.l1.set|hasBidQty
		}
		if askPrice != nil {
			s.l1.askPrice, s.l1.set = *askPrice, s.l1.set|hasAskPrice
		}
		if askQty != nil {
			s.l1.askQty, s.l1.set = *askQty, s.l1.set|hasAskQty
		}
	})
}

// AddTrade publishes a venue trade: last price/qty plus cumulative volume.
func (s *Security) AddTrade(price, qty float64) {
	s.publish(func() {
		s.l1.lastPrice, s.l1.lastQty = price, qty
		s.l1.set |= hasLastPrice | hasLastQty
		s.l1.volume += price * qty
	})
}

// SetBook publishes a depth snapshot. Levels with non-positive price or qty
// are discarded; sides are sorted into the snapshot invariant (bids
// descending, asks ascending) regardless of wire order.
func (s *Security) SetBook(bids, asks []types.PriceLevel, at time.Time) {
	bids = sanitizeLevels(bids)
	asks = sanitizeLevels(asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	s.publish(func() {
		s.book = types.BookSnapshot{Bids: bids, Asks: asks, Time: at}
	})
}

func sanitizeLevels(levels []types.PriceLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price <= 0 || l.Qty <= 0 || math.IsNaN(l.Price) || math.IsNaN(l.Qty) {
			continue
		}
		out = append(out, l)
	}
	return out
}
