package strategy

import (
	"testing"

	"github.com/google/uuid"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/internal/position"
	"tradekit/pkg/types"
)

func newEMAFixture(t *testing.T) (*EMACross, *market.Security, *fakeVenue) {
	t.Helper()
	venue := newFakeVenue("main")
	sec := market.NewSecurity(types.Symbol{Base: "GD", Quote: "USD", Type: types.Futures}, "main", 2)
	bid, bidQty, ask, askQty := 9.0, 500.0, 11.0, 500.0
	sec.SetLevel1(&bid, &bidQty, &ask, &askQty)

	cfg := EMACrossConfig{
		Name:              "ema",
		ID:                uuid.New(),
		Symbol:            sec.Symbol(),
		NumberOfContracts: 3,
		FastPeriod:        2,
		SlowPeriod:        3,
		IsTradingEnabled:  true,
	}
	s, err := NewEMACross(cfg, func(*market.Security) connector.TradingSystem { return venue }, testLogger(), testLogger())
	if err != nil {
		t.Fatalf("NewEMACross: %v", err)
	}
	s.OnSecurityStart(sec)
	return s, sec, venue
}

// feedPrice publishes one trade print and dispatches the level-1 event.
func feedPrice(s *EMACross, sec *market.Security, price float64) {
	sec.AddTrade(price, 1)
	s.OnLevel1Update(sec)
}

func TestEMAConfigValidation(t *testing.T) {
	t.Parallel()
	venueOf := func(*market.Security) connector.TradingSystem { return nil }
	_, err := NewEMACross(EMACrossConfig{Name: "x", FastPeriod: 5, SlowPeriod: 3, NumberOfContracts: 1}, venueOf, testLogger(), testLogger())
	if err == nil {
		t.Fatal("fast ≥ slow must be rejected")
	}
	_, err = NewEMACross(EMACrossConfig{Name: "x", FastPeriod: 2, SlowPeriod: 5, NumberOfContracts: 0}, venueOf, testLogger(), testLogger())
	if err == nil {
		t.Fatal("zero contracts must be rejected")
	}
}

func TestEMADownCrossingOpensShort(t *testing.T) {
	t.Parallel()
	s, sec, venue := newEMAFixture(t)

	// Warmup establishes an up direction without trading.
	for _, p := range []float64{10, 10, 10, 12} {
		feedPrice(s, sec, p)
	}
	if venue.sentCount() != 0 {
		t.Fatalf("warmup traded %d orders, want 0", venue.sentCount())
	}

	// The fast average dives under the slow one: open a short.
	feedPrice(s, sec, 5)
	if venue.sentCount() != 1 {
		t.Fatalf("down-crossing sent %d orders, want 1", venue.sentCount())
	}
	sent := venue.firstSent(t)
	if sent.intent.Side != types.Sell || sent.intent.Qty != 3 {
		t.Fatalf("intent = %s %v, want sell 3", sent.intent.Side, sent.intent.Qty)
	}
	// Passive open joins the short's own side of the spread: the bid.
	if sent.intent.LimitPrice == nil || *sent.intent.LimitPrice != 9 {
		t.Fatalf("limit price = %v, want 9", sent.intent.LimitPrice)
	}
}

func TestEMAReversalClosesBeforeReopening(t *testing.T) {
	t.Parallel()
	s, sec, venue := newEMAFixture(t)

	for _, p := range []float64{10, 10, 10, 12, 5} {
		feedPrice(s, sec, p)
	}
	if venue.sentCount() != 1 {
		t.Fatalf("sent %d orders, want 1", venue.sentCount())
	}

	// Fill the short open completely.
	open := venue.firstSent(t)
	trade := &types.TradeInfo{ID: "f1", Qty: 3, Price: sec.ScalePrice(9)}
	open.callback(open.id, "v1", types.OrderStatusFilled, 0, nil, trade)

	// Up-crossing while short: the reversal closes first.
	for _, p := range []float64{30, 30} {
		feedPrice(s, sec, p)
	}
	if venue.sentCount() != 2 {
		t.Fatalf("sent %d orders total, want 2 (open + close)", venue.sentCount())
	}
	venue.mu.Lock()
	closeOrder := venue.sent[1]
	venue.mu.Unlock()
	if closeOrder.intent.Side != types.Buy || closeOrder.intent.Qty != 3 {
		t.Fatalf("close intent = %s %v, want buy 3", closeOrder.intent.Side, closeOrder.intent.Qty)
	}

	positions := s.Positions()
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	if got := positions[0].CloseReason(); got != types.CloseReasonSignal {
		t.Fatalf("position close reason = %s, want signal", got)
	}
}

func TestEMACloseEscalationSwitchesPolicy(t *testing.T) {
	t.Parallel()
	op := &emaOperation{isLong: false, qty: 3}

	// Before escalation the close rests passively; afterwards it crosses
	// the spread immediate-or-cancel.
	if _, ok := op.CloseOrderPolicy(nil).(passiveClosePolicy); !ok {
		t.Fatal("fresh operation must close passively")
	}
	op.escalated = true
	if _, ok := op.CloseOrderPolicy(nil).(position.LimitIOCOrderPolicy); !ok {
		t.Fatal("escalated operation must close aggressively")
	}
}
