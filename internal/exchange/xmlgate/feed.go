// feed.go implements the market-data side of the adapter: the security
// registry, the aggregated subscription request, and the parsing of
// quotation, depth and tick frames into Security updates plus sink
// callbacks.
package xmlgate

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// Feed is the MarketDataSource over one Session.
type Feed struct {
	session *Session
	cfg     Config
	log     *slog.Logger
	sink    connector.FeedSink

	mu         sync.Mutex
	securities map[string]*market.Security // board+seccode → security

	precision int32 // price precision applied to created securities
}

// NewFeed wires a market-data source over the session and registers its
// frame handlers. precision ≤ 0 uses the market default.
func NewFeed(session *Session, cfg Config, precision int32, sink connector.FeedSink, logger *slog.Logger) *Feed {
	f := &Feed{
		session:    session,
		cfg:        cfg,
		log:        logger.With("component", "feed", "gate", cfg.Name),
		sink:       sink,
		securities: make(map[string]*market.Security),
		precision:  precision,
	}
	session.RegisterHandler("quotations", f.onQuotationsFrame)
	session.RegisterHandler("quotes", f.onQuotesFrame)
	session.RegisterHandler("alltrades", f.onTicksFrame)
	return f
}

func (f *Feed) Name() string { return f.cfg.Name }

// Connect establishes the feed session. Shared sessions connect once; a
// second Connect is a no-op.
func (f *Feed) Connect(ctx context.Context) error {
	if f.session.IsConnected() {
		return nil
	}
	return f.session.Connect(ctx)
}

// CreateSecurity creates and registers the instrument for symbol. Calling
// twice for the same symbol returns the same instance.
func (f *Feed) CreateSecurity(symbol types.Symbol) (*market.Security, error) {
	board := symbol.Venue
	if board == "" {
		board = f.cfg.Name
	}
	sec := market.NewSecurity(symbol, board, f.precision)
	key := securityKey(board, securityCode(sec))

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.securities[key]; ok {
		return existing, nil
	}
	f.securities[key] = sec
	return sec, nil
}

// subscribeCommand is the <command id="subscribe"> payload listing every
// registered security per data kind.
type subscribeCommand struct {
	XMLName    xml.Name       `xml:"subscribe"`
	Quotations []subscription `xml:"quotations>security"`
	Quotes     []subscription `xml:"quotes>security"`
	AllTrades  []subscription `xml:"alltrades>security"`
}

type subscription struct {
	Board   string `xml:"board"`
	SecCode string `xml:"seccode"`
}

// SubscribeSecurities issues the aggregated subscription after all
// securities are registered.
func (f *Feed) SubscribeSecurities() error {
	f.mu.Lock()
	var cmd subscribeCommand
	count := len(f.securities)
	for _, sec := range f.securities {
		sub := subscription{Board: sec.Board(), SecCode: securityCode(sec)}
		if sec.IsSubscribed(market.SubscribeLevel1Ticks) {
			cmd.Quotations = append(cmd.Quotations, sub)
		}
		if sec.IsSubscribed(market.SubscribeBookUpdates) {
			cmd.Quotes = append(cmd.Quotes, sub)
		}
		if sec.IsSubscribed(market.SubscribeTrades) {
			cmd.AllTrades = append(cmd.AllTrades, sub)
		}
	}
	f.mu.Unlock()

	f.log.Info("sending market data subscription request", "securities", count)
	raw, err := xml.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	result, err := f.session.SendCommand("subscribe", raw)
	if err != nil {
		return fmt.Errorf("failed to send market data subscription request: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("failed to send market data subscription request: %s", result.Message)
	}
	f.log.Info("market data subscription request sent")
	return nil
}

func (f *Feed) lookup(board, seccode string) *market.Security {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.securities[securityKey(board, seccode)]
}

func securityKey(board, seccode string) string { return board + "/" + seccode }

// ————————————————————————————————————————————————————————————————————————
// Frame handlers
// ————————————————————————————————————————————————————————————————————————

func (f *Feed) onQuotationsFrame(frame []byte, ms types.Milestones) {
	var msg quotationsFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		f.log.Error("malformed quotations frame dropped", "error", err)
		return
	}
	for _, q := range msg.Quotations {
		sec := f.lookup(q.Board, q.SecCode)
		if sec == nil {
			f.log.Debug("quotation for unknown security dropped",
				"board", q.Board, "seccode", q.SecCode)
			continue
		}
		sec.SetLevel1(q.Bid, q.BidQty, q.Ask, q.AskQty)
		f.sink.OnLevel1Update(q.Board, q.SecCode, q.Bid, q.BidQty, q.Ask, q.AskQty, ms)
	}
}

func (f *Feed) onQuotesFrame(frame []byte, ms types.Milestones) {
	var msg quotesFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		f.log.Error("malformed quotes frame dropped", "error", err)
		return
	}

	// One frame may interleave several securities; group levels per book.
	type book struct {
		sec        *market.Security
		bids, asks []types.PriceLevel
	}
	books := make(map[string]*book)
	for _, q := range msg.Quotes {
		key := securityKey(q.Board, q.SecCode)
		b := books[key]
		if b == nil {
			sec := f.lookup(q.Board, q.SecCode)
			if sec == nil {
				continue
			}
			b = &book{sec: sec}
			books[key] = b
		}
		switch {
		case q.Buy != nil && *q.Buy > 0:
			b.bids = append(b.bids, types.PriceLevel{Price: q.Price, Qty: *q.Buy})
		case q.Sell != nil && *q.Sell > 0:
			b.asks = append(b.asks, types.PriceLevel{Price: q.Price, Qty: *q.Sell})
		}
	}

	now := time.Now()
	for _, b := range books {
		b.sec.SetBook(b.bids, b.asks, now)
		f.sink.OnBookUpdate(b.sec, b.sec.Book(), ms)
	}
}

func (f *Feed) onTicksFrame(frame []byte, ms types.Milestones) {
	var msg ticksFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		f.log.Error("malformed trades frame dropped", "error", err)
		return
	}
	for _, t := range msg.Ticks {
		sec := f.lookup(t.Board, t.SecCode)
		if sec == nil {
			continue
		}
		sec.AddTrade(t.Price, t.Quantity)
		at, err := time.Parse("02.01.2006 15:04:05.000", t.Time)
		if err != nil {
			at = time.Now()
		}
		f.sink.OnNewTick(at, t.Board, t.SecCode, t.Price, t.Quantity, ms)
	}
}
