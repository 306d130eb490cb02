package market

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tradekit/pkg/types"
)

func testSymbol() types.Symbol {
	return types.Symbol{Base: "BTC", Quote: "USD", Type: types.Crypto}
}

func TestLevel1ReadsFailUntilPublished(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)

	if _, err := sec.BidPrice(); !errors.Is(err, types.ErrMarketDataValueDoesNotExist) {
		t.Fatalf("BidPrice = %v, want ErrMarketDataValueDoesNotExist", err)
	}
	if _, err := sec.LastPrice(); !errors.Is(err, types.ErrMarketDataValueDoesNotExist) {
		t.Fatalf("LastPrice = %v, want ErrMarketDataValueDoesNotExist", err)
	}

	bid, bidQty := 100.5, 3.0
	sec.SetLevel1(&bid, &bidQty, nil, nil)

	got, err := sec.BidPrice()
	if err != nil || got != 100.5 {
		t.Fatalf("BidPrice = %v, %v; want 100.5", got, err)
	}
	// The ask side is still unpublished.
	if _, err := sec.AskPrice(); !errors.Is(err, types.ErrMarketDataValueDoesNotExist) {
		t.Fatalf("AskPrice = %v, want ErrMarketDataValueDoesNotExist", err)
	}
}

func TestPartialLevel1UpdateKeepsPreviousValues(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)
	bid, bidQty, ask, askQty := 100.0, 1.0, 101.0, 2.0
	sec.SetLevel1(&bid, &bidQty, &ask, &askQty)

	newBid := 100.2
	sec.SetLevel1(&newBid, nil, nil, nil)

	if got, _ := sec.BidPrice(); got != 100.2 {
		t.Fatalf("BidPrice = %v, want 100.2", got)
	}
	if got, _ := sec.AskPrice(); got != 101 {
		t.Fatalf("AskPrice = %v, want 101", got)
	}
	if got, _ := sec.BidQty(); got != 1 {
		t.Fatalf("BidQty = %v, want 1", got)
	}
}

func TestScaleDescaleRoundTrip(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)

	cases := []float64{0.00000001, 0.1, 1, 123.45678901, 99999.99999999, 665}
	for _, price := range cases {
		scaled := sec.ScalePrice(price)
		back := sec.DescalePrice(scaled)
		if back != sec.RoundPrice(price) {
			t.Errorf("Descale(Scale(%v)) = %v, want %v", price, back, sec.RoundPrice(price))
		}
	}

	two := NewSecurity(testSymbol(), "main", 2)
	if got := two.ScalePrice(665); got != 66500 {
		t.Errorf("ScalePrice(665) = %d, want 66500", got)
	}
	if got := two.DescalePrice(66500); got != 665 {
		t.Errorf("DescalePrice(66500) = %v, want 665", got)
	}
}

func TestScaleDescaleRandomProperty(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		price := sec.RoundPrice(r.Float64() * 100000)
		if got := sec.DescalePrice(sec.ScalePrice(price)); got != price {
			t.Fatalf("round trip of %v gave %v", price, got)
		}
	}
}

func TestBookSortedAndSanitized(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)

	sec.SetBook(
		[]types.PriceLevel{{Price: 99, Qty: 1}, {Price: 100, Qty: 2}, {Price: 0, Qty: 5}, {Price: 98, Qty: -1}},
		[]types.PriceLevel{{Price: 102, Qty: 1}, {Price: 101, Qty: 2}, {Price: 103, Qty: 0}},
		time.Now(),
	)

	book := sec.Book()
	if len(book.Bids) != 2 || book.Bids[0].Price != 100 || book.Bids[1].Price != 99 {
		t.Fatalf("bids = %+v, want descending {100, 99}", book.Bids)
	}
	if len(book.Asks) != 2 || book.Asks[0].Price != 101 || book.Asks[1].Price != 102 {
		t.Fatalf("asks = %+v, want ascending {101, 102}", book.Asks)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)

	sec.Subscribe(SubscribeLevel1Ticks)
	sec.Subscribe(SubscribeLevel1Ticks)
	sec.Subscribe(SubscribeBookUpdates)

	want := SubscribeLevel1Ticks | SubscribeBookUpdates
	if got := sec.Subscriptions(); got != want {
		t.Fatalf("Subscriptions = %b, want %b", got, want)
	}
	if !sec.IsSubscribed(SubscribeLevel1Ticks) || sec.IsSubscribed(SubscribeTrades) {
		t.Fatal("subscription bits wrong")
	}
}

func TestAddTradeAccumulatesVolume(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)
	sec.AddTrade(100, 2)
	sec.AddTrade(101, 1)

	if got, _ := sec.LastPrice(); got != 101 {
		t.Fatalf("LastPrice = %v, want 101", got)
	}
	if got, _ := sec.LastQty(); got != 1 {
		t.Fatalf("LastQty = %v, want 1", got)
	}
	if got := sec.TradedVolume(); got != 301 {
		t.Fatalf("TradedVolume = %v, want 301", got)
	}
}

// TestConcurrentReadersSeeConsistentSnapshots hammers the seqlock: readers
// must never observe a half-written update (bid above ask within one
// publish).
func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 8)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			// Bid and ask always move together, keeping ask = bid + 1.
			bid := float64(i % 1000)
			ask := bid + 1
			qty := 1.0
			sec.SetLevel1(&bid, &qty, &ask, &qty)
		}
	}()

	for i := 0; i < 100000; i++ {
		bid, errB := sec.BidPrice()
		ask, errA := sec.AskPrice()
		if errB != nil || errA != nil {
			continue
		}
		if ask != bid+1 {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read: bid=%v ask=%v", bid, ask)
		}
	}
	close(stop)
	wg.Wait()
}

func TestMarketPrices(t *testing.T) {
	t.Parallel()
	sec := NewSecurity(testSymbol(), "main", 2)
	bid, bidQty, ask, askQty := 99.0, 1.0, 101.0, 1.0
	sec.SetLevel1(&bid, &bidQty, &ask, &askQty)

	if got, _ := sec.MarketPrice(types.Long); got != 101 {
		t.Fatalf("MarketPrice(long) = %v, want 101", got)
	}
	if got, _ := sec.MarketPrice(types.Short); got != 99 {
		t.Fatalf("MarketPrice(short) = %v, want 99", got)
	}
	if got, _ := sec.MarketOppositePrice(types.Long); got != 99 {
		t.Fatalf("MarketOppositePrice(long) = %v, want 99", got)
	}
	if got := sec.PriceStep(); got != 0.01 {
		t.Fatalf("PriceStep = %v, want 0.01", got)
	}
}
