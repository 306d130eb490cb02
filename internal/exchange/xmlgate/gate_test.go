package xmlgate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

type orderUpdate struct {
	orderID      connector.OrderID
	venueOrderID string
	status       types.OrderStatus
	remainingQty float64
	commission   *float64
	trade        *types.TradeInfo
}

type updateRecorder struct {
	updates []orderUpdate
}

func (r *updateRecorder) callback() connector.StatusCallback {
	return func(orderID connector.OrderID, venueOrderID string, status types.OrderStatus, remainingQty float64, commission *float64, trade *types.TradeInfo) {
		var tradeCopy *types.TradeInfo
		if trade != nil {
			c := *trade
			tradeCopy = &c
		}
		r.updates = append(r.updates, orderUpdate{
			orderID:      orderID,
			venueOrderID: venueOrderID,
			status:       status,
			remainingQty: remainingQty,
			commission:   commission,
			trade:        tradeCopy,
		})
	}
}

func (r *updateRecorder) clear() { r.updates = nil }

func (r *updateRecorder) last(t *testing.T) orderUpdate {
	t.Helper()
	if len(r.updates) == 0 {
		t.Fatal("no updates recorded")
	}
	return r.updates[len(r.updates)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T) (*Gate, *market.Security, *updateRecorder) {
	t.Helper()
	cfg := Config{Name: "main", Client: "acc"}
	session := NewSession(cfg, discardLogger())
	gate := NewGate(session, cfg, discardLogger(), discardLogger())
	sec := market.NewSecurity(types.Symbol{Base: "BTC", Quote: "USD", Type: types.Crypto}, "main", 2)
	return gate, sec, &updateRecorder{}
}

// submitOrder mirrors the submission path after the venue's command reply:
// the row is registered with the reply's transaction id.
func submitOrder(g *Gate, sec *market.Security, id connector.OrderID, qty float64, rec *updateRecorder) {
	g.registerOrder(sec, id, qty, rec.callback())
}

func expectUpdate(t *testing.T, u orderUpdate, status types.OrderStatus, remaining float64, trade *types.TradeInfo) {
	t.Helper()
	if u.orderID != 999 {
		t.Errorf("orderID = %d, want 999", u.orderID)
	}
	if u.venueOrderID != "123134234" {
		t.Errorf("venueOrderID = %q, want %q", u.venueOrderID, "123134234")
	}
	if u.status != status {
		t.Errorf("status = %s, want %s", u.status, status)
	}
	if u.remainingQty != remaining {
		t.Errorf("remainingQty = %v, want %v", u.remainingQty, remaining)
	}
	if trade == nil {
		if u.trade != nil {
			t.Errorf("unexpected trade payload %+v", u.trade)
		}
		return
	}
	if u.trade == nil {
		t.Fatal("missing trade payload")
	}
	if u.trade.ID != trade.ID || u.trade.Qty != trade.Qty || u.trade.Price != trade.Price {
		t.Errorf("trade = %+v, want %+v", u.trade, trade)
	}
}

// testUnknownOrderCancel verifies cancels of dead or never-known orders
// surface ErrUnknownOrderCancel, repeatedly.
func testUnknownOrderCancel(t *testing.T, g *Gate) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if err := g.CancelOrder(999); !errors.Is(err, types.ErrUnknownOrderCancel) {
			t.Fatalf("CancelOrder(999) = %v, want ErrUnknownOrderCancel", err)
		}
	}
	for i := 0; i < 99; i++ {
		if err := g.CancelOrder(connector.OrderID(1000 + i)); !errors.Is(err, types.ErrUnknownOrderCancel) {
			t.Fatalf("CancelOrder(%d) = %v, want ErrUnknownOrderCancel", 1000+i, err)
		}
	}
}

func TestCanceledWithoutTrades(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)

	submitOrder(g, sec, 999, 11, rec)
	if len(rec.updates) != 0 {
		t.Fatalf("submission emitted %d updates, want 0", len(rec.updates))
	}

	g.applyOrderUpdate(999, 123134234, types.OrderStatusSubmitted, 11, "tradingSystemMessage")
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusSubmitted, 11, nil)

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 11, "tradingSystemMessage")
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusCancelled, 11, nil)

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 0, "tradingSystemMessage")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	testUnknownOrderCancel(t, g)
}

func TestFilledWithOneFullTrade(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)

	submitOrder(g, sec, 999, 11, rec)

	g.applyOrderUpdate(999, 123134234, types.OrderStatusSubmitted, 11, "")
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusSubmitted, 11, nil)

	rec.clear()
	g.applyTrade("sfgaer", 123134234, 665, 11, nil)
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusFilled, 0,
		&types.TradeInfo{ID: "sfgaer", Qty: 11, Price: 66500})

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusFilled, 0, "")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	testUnknownOrderCancel(t, g)
}

func TestCanceledAfterTwoTrades(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)

	submitOrder(g, sec, 999, 11, rec)
	g.applyOrderUpdate(999, 123134234, types.OrderStatusSubmitted, 11, "")

	rec.clear()
	g.applyTrade("sfgaer1", 123134234, 665, 1, nil)
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusFilledPartially, 10,
		&types.TradeInfo{ID: "sfgaer1", Qty: 1, Price: 66500})

	rec.clear()
	g.applyTrade("sfgaer2", 123134234, 665, 5, nil)
	expectUpdate(t, rec.last(t), types.OrderStatusFilledPartially, 5,
		&types.TradeInfo{ID: "sfgaer2", Qty: 5, Price: 66500})

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 5, "")
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusCancelled, 5, nil)

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 1, "")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	testUnknownOrderCancel(t, g)
}

func TestCanceledBeforeTradesArriveLate(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)

	submitOrder(g, sec, 999, 11, rec)
	g.applyOrderUpdate(999, 123134234, types.OrderStatusSubmitted, 11, "")

	rec.clear()
	g.applyTrade("sfgaer1", 123134234, 665, 1, nil)
	expectUpdate(t, rec.last(t), types.OrderStatusFilledPartially, 10,
		&types.TradeInfo{ID: "sfgaer1", Qty: 1, Price: 66500})

	// The cancel overtook its last fill: no update until the trade drains
	// the remainder down to the reported balance.
	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 5, "")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	g.applyTrade("sfgaer2", 123134234, 665, 5, nil)
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusCancelled, 5,
		&types.TradeInfo{ID: "sfgaer2", Qty: 5, Price: 66500})

	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusCancelled, 1, "")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	testUnknownOrderCancel(t, g)
}

func TestFilledSignalBeforeFourTrades(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)

	submitOrder(g, sec, 999, 11, rec)
	g.applyOrderUpdate(999, 123134234, types.OrderStatusSubmitted, 11, "")

	// Filled overtook every trade: nothing to report yet.
	rec.clear()
	g.applyOrderUpdate(999, 123134234, types.OrderStatusFilled, 0, "")
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	steps := []struct {
		tradeID   string
		qty       float64
		status    types.OrderStatus
		remaining float64
	}{
		{"sfgaer1", 1, types.OrderStatusFilledPartially, 10},
		{"sfgaer2", 5, types.OrderStatusFilledPartially, 5},
		{"sfgaer3", 4, types.OrderStatusFilledPartially, 1},
		{"sfgaer4", 1, types.OrderStatusFilled, 0},
	}
	for _, step := range steps {
		rec.clear()
		g.applyTrade(step.tradeID, 123134234, 665, step.qty, nil)
		if len(rec.updates) != 1 {
			t.Fatalf("trade %s: got %d updates, want 1", step.tradeID, len(rec.updates))
		}
		expectUpdate(t, rec.last(t), step.status, step.remaining,
			&types.TradeInfo{ID: step.tradeID, Qty: step.qty, Price: 66500})
	}

	testUnknownOrderCancel(t, g)
}

func TestOrdersFrameParsing(t *testing.T) {
	t.Parallel()
	g, sec, rec := newTestGate(t)
	submitOrder(g, sec, 999, 11, rec)

	// Submitted maps from "active".
	g.onOrdersFrame([]byte(
		`<orders><order transactionid="999" status="active" balance="11"><orderno>123134234</orderno></order></orders>`,
	), types.Milestones{})
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusSubmitted, 11, nil)

	// A cancelled row with an empty withdraw time is ignored.
	rec.clear()
	g.onOrdersFrame([]byte(
		`<orders><order transactionid="999" status="cancelled" balance="11"><orderno>123134234</orderno><withdrawtime></withdrawtime></order></orders>`,
	), types.Milestones{})
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}

	// With a withdraw time the cancel is acknowledged.
	g.onOrdersFrame([]byte(
		`<orders><order transactionid="999" status="cancelled" balance="11"><orderno>123134234</orderno><withdrawtime>28.07.2026 10:00:00.000</withdrawtime></order></orders>`,
	), types.Milestones{})
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	expectUpdate(t, rec.last(t), types.OrderStatusCancelled, 11, nil)
}

func TestTradesFrameForUnknownOrderIsDropped(t *testing.T) {
	t.Parallel()
	g, _, rec := newTestGate(t)
	g.onTradesFrame([]byte(
		`<trades><trade tradeno="t1" orderno="555" price="10" quantity="1"/></trades>`,
	), types.Milestones{})
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates, want 0", len(rec.updates))
	}
	if g.LiveOrders() != 0 {
		t.Fatalf("LiveOrders = %d, want 0", g.LiveOrders())
	}
}

func TestOrderStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		venue  string
		status types.OrderStatus
		skip   bool
		ok     bool
	}{
		{"active", types.OrderStatusSubmitted, false, true},
		{"matched", types.OrderStatusFilled, false, true},
		{"cancelled", types.OrderStatusCancelled, false, true},
		{"disabled", types.OrderStatusCancelled, false, true},
		{"expired", types.OrderStatusCancelled, false, true},
		{"rejected", types.OrderStatusRejected, false, true},
		{"refused", types.OrderStatusRejected, false, true},
		{"forwarding", types.OrderStatusSent, false, true},
		{"wait", types.OrderStatusSent, false, true},
		{"watching", types.OrderStatusSent, false, true},
		{"denied", types.OrderStatusError, false, true},
		{"failed", types.OrderStatusError, false, true},
		{"inactive", types.OrderStatusError, false, true},
		{"removed", types.OrderStatusError, false, true},
		{"none", 0, true, true},
		{"garbage", 0, false, false},
	}
	for _, tc := range cases {
		status, skip, ok := mapOrderStatus(tc.venue)
		if ok != tc.ok || skip != tc.skip || (ok && !skip && status != tc.status) {
			t.Errorf("mapOrderStatus(%q) = (%v, %v, %v), want (%v, %v, %v)",
				tc.venue, status, skip, ok, tc.status, tc.skip, tc.ok)
		}
	}
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   float64
		want string
	}{
		{123, "123.00"},
		{123.45, "123.45"},
		{665.5, "665.50"},
		{0.1234567, "0.1234567"},
		{100.1, "100.10"},
		{0.00000010, "0.0000001"},
	}
	for _, tc := range cases {
		if got := formatPrice(tc.in); got != tc.want {
			t.Errorf("formatPrice(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDryRunOrderLifecycle(t *testing.T) {
	t.Parallel()
	cfg := Config{Name: "paper", Client: "acc", DryRun: true}
	session := NewSession(cfg, discardLogger())
	g := NewGate(session, cfg, discardLogger(), discardLogger())
	sec := market.NewSecurity(types.Symbol{Base: "BTC", Quote: "USD"}, "paper", 2)

	rec := &updateRecorder{}
	price := 123.0
	txn, err := g.SendOrder(connector.OrderIntent{
		Security:   sec,
		Currency:   "USD",
		Qty:        11,
		LimitPrice: &price,
		Side:       types.Buy,
	}, rec.callback())
	if err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	if txn.Venue() != g {
		t.Error("transaction context venue mismatch")
	}
	if err := g.CancelOrder(txn.OrderID()); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	if u := rec.last(t); u.status != types.OrderStatusCancelled || u.remainingQty != 11 {
		t.Errorf("update = %+v, want cancelled remaining 11", u)
	}
	if err := g.CancelOrder(txn.OrderID()); !errors.Is(err, types.ErrUnknownOrderCancel) {
		t.Errorf("second cancel = %v, want ErrUnknownOrderCancel", err)
	}
}

func TestInnerXML(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{`<connect><login>x</login></connect>`, `<login>x</login>`},
		{`<cancelorder><transactionid>9</transactionid></cancelorder>`, `<transactionid>9</transactionid>`},
		{`<subscribe/>`, ``},
	}
	for _, tc := range cases {
		if got := string(innerXML([]byte(tc.in))); got != tc.want {
			t.Errorf("innerXML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	frame := buildCommandFrame("connect", 7, []byte(`<connect><login>x</login></connect>`))
	want := `<command id="connect" seq="7"><login>x</login></command>`
	if string(frame) != want {
		t.Errorf("buildCommandFrame = %q, want %q", frame, want)
	}
}
