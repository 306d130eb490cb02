package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

type fakeVenue struct {
	mu        sync.Mutex
	name      string
	connected bool
	balances  map[string]float64
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{name: name, connected: true, balances: map[string]float64{}}
}

func (v *fakeVenue) Name() string                  { return v.name }
func (v *fakeVenue) Connect(context.Context) error { return nil }
func (v *fakeVenue) IsConnected() bool             { return v.connected }

func (v *fakeVenue) SendOrder(connector.OrderIntent, connector.StatusCallback) (*connector.TransactionContext, error) {
	return nil, types.ErrMethodNotImplemented
}

func (v *fakeVenue) CancelOrder(connector.OrderID) error { return types.ErrMethodNotImplemented }

func (v *fakeVenue) Balances() connector.Balances { return v }

func (v *fakeVenue) AvailableToTrade(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[symbol]
}

func (v *fakeVenue) CalcCommission(qty, price float64, _ types.OrderSide, _ *market.Security) float64 {
	return qty * price * 0.001
}

func (v *fakeVenue) DefaultPollingInterval() time.Duration { return time.Second }

func testSecurity() *market.Security {
	sec := market.NewSecurity(types.Symbol{Base: "BTC", Quote: "USD", Type: types.Crypto}, "main", 2)
	bid, bidQty, ask, askQty := 99.0, 50.0, 101.0, 40.0
	sec.SetLevel1(&bid, &bidQty, &ask, &askQty)
	return sec
}

func TestOrderCheckerPasses(t *testing.T) {
	t.Parallel()
	sec := testSecurity()
	venue := newFakeVenue("main")
	venue.balances["USD"] = 10000
	venue.balances["BTC"] = 100

	if reason := NewOrderChecker(true, 10, 101).Check(sec, venue); reason != "" {
		t.Fatalf("buy check failed: %s", reason)
	}
	if reason := NewOrderChecker(false, 10, 99).Check(sec, venue); reason != "" {
		t.Fatalf("sell check failed: %s", reason)
	}
}

func TestOrderCheckerRejections(t *testing.T) {
	t.Parallel()
	sec := testSecurity()

	cases := []struct {
		name    string
		checker *OrderChecker
		prepare func(v *fakeVenue)
		want    string
	}{
		{"disconnected", NewOrderChecker(true, 10, 101), func(v *fakeVenue) { v.connected = false }, "not connected"},
		{"zero qty", NewOrderChecker(true, 0, 101), nil, "qty is not positive"},
		{"zero price", NewOrderChecker(true, 10, 0), nil, "price is not positive"},
		{"too deep", NewOrderChecker(true, 100, 101), nil, "below order qty"},
		{"price off market", NewOrderChecker(true, 10, 150), nil, "deviates from market"},
		{"no funds", NewOrderChecker(true, 10, 101), func(v *fakeVenue) { v.balances["USD"] = 1 }, "below required"},
		{"no inventory", NewOrderChecker(false, 10, 99), func(v *fakeVenue) { v.balances["BTC"] = 1 }, "below required"},
	}
	for _, tc := range cases {
		v := newFakeVenue("main")
		v.balances["USD"] = 10000
		v.balances["BTC"] = 100
		if tc.prepare != nil {
			tc.prepare(v)
		}
		reason := tc.checker.Check(sec, v)
		if !strings.Contains(reason, tc.want) {
			t.Errorf("%s: reason %q does not contain %q", tc.name, reason, tc.want)
		}
	}
}

func TestOrderCheckerFailsWithoutMarketData(t *testing.T) {
	t.Parallel()
	sec := market.NewSecurity(types.Symbol{Base: "BTC", Quote: "USD"}, "main", 2)
	venue := newFakeVenue("main")

	reason := NewOrderChecker(true, 1, 100).Check(sec, venue)
	if !strings.Contains(reason, "market data") {
		t.Fatalf("reason = %q, want market data failure", reason)
	}
}

func TestPositionCheckerPicksDeepestSide(t *testing.T) {
	t.Parallel()
	shallow := testSecurity()
	deep := market.NewSecurity(types.Symbol{Base: "BTC", Quote: "USD"}, "other", 2)
	bid, bidQty, ask, askQty := 99.0, 500.0, 101.0, 400.0
	deep.SetLevel1(&bid, &bidQty, &ask, &askQty)

	v1 := newFakeVenue("main")
	v2 := newFakeVenue("other")

	checker := NewPositionChecker(types.Sell, 10)
	if reason := checker.Check(shallow, v1); reason != "" {
		t.Fatalf("shallow candidate rejected: %s", reason)
	}
	if reason := checker.Check(deep, v2); reason != "" {
		t.Fatalf("deep candidate rejected: %s", reason)
	}
	if !checker.HasSuitable() {
		t.Fatal("no suitable candidate retained")
	}
	sec, venue := checker.Suitable()
	if sec != deep || venue != v2 {
		t.Fatal("checker must retain the deepest candidate")
	}
}

func TestPositionCheckerRejectsThinBooks(t *testing.T) {
	t.Parallel()
	sec := testSecurity() // bid qty 50
	venue := newFakeVenue("main")

	checker := NewPositionChecker(types.Sell, 60)
	if reason := checker.Check(sec, venue); !strings.Contains(reason, "below position qty") {
		t.Fatalf("reason = %q, want depth rejection", reason)
	}
	if checker.HasSuitable() {
		t.Fatal("thin candidate must not be retained")
	}
}
