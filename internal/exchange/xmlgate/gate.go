// gate.go implements the trading-system side of the adapter: order
// submission, cancellation, and the order table that folds asynchronous
// order/trade frames into status callbacks.
//
// The order table keeps one row per live order, keyed by transaction id and
// by the venue order number once known. The row's remaining quantity is
// decremented by trades as they arrive; a terminal status whose reported
// remainder is below the local one is deferred until the in-flight trades
// drain down to it. That preserves the venue's accounting even when frames
// arrive out of order (a cancel overtaking its last fills, a filled signal
// overtaking all of them).
package xmlgate

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradekit/internal/connector"
	"tradekit/internal/market"
	"tradekit/pkg/types"
)

// unknownCancelVenueError is the venue error prefix meaning "subject of the
// operation is not found".
const unknownCancelVenueError = "[151]"

// defaultPollingInterval is used when the section configures none.
const defaultPollingInterval = time.Second

// orderRow is one live order in the table.
type orderRow struct {
	sec          *market.Security
	id           connector.OrderID
	venueOrderID int64
	callback     connector.StatusCallback
	qty          float64
	remainingQty float64 // local remainder, decremented by trades
	status       types.OrderStatus

	deferred       bool // a terminal status waits for in-flight trades
	deferredStatus types.OrderStatus
	deferredTarget float64
}

// Gate is the TradingSystem over one Session.
type Gate struct {
	session *Session
	cfg     Config
	log     *slog.Logger
	tlog    *slog.Logger

	ordersMu  sync.Mutex
	byID      map[connector.OrderID]*orderRow
	byVenueID map[int64]*orderRow

	balances  *balanceTable
	rest      *restClient
	dryRunSeq atomic.Int64
}

// NewGate wires a trading system over the session and registers its frame
// handlers.
func NewGate(session *Session, cfg Config, logger, tradingLogger *slog.Logger) *Gate {
	g := &Gate{
		session:   session,
		cfg:       cfg,
		log:       logger.With("component", "gate", "gate", cfg.Name),
		tlog:      tradingLogger.With("gate", cfg.Name),
		byID:      make(map[connector.OrderID]*orderRow),
		byVenueID: make(map[int64]*orderRow),
		balances:  newBalanceTable(),
	}
	if cfg.RestURL != "" {
		g.rest = newRESTClient(cfg, logger)
	}
	session.RegisterHandler("orders", g.onOrdersFrame)
	session.RegisterHandler("trades", g.onTradesFrame)
	session.RegisterHandler("positions", g.onPositionsFrame)
	return g
}

func (g *Gate) Name() string { return g.cfg.Name }

// Connect establishes the venue session and primes the balance snapshot.
func (g *Gate) Connect(ctx context.Context) error {
	if err := g.session.Connect(ctx); err != nil {
		return err
	}
	if g.rest != nil {
		if err := g.rest.FetchBalances(ctx, g.balances); err != nil {
			g.log.Warn("failed to fetch initial balances", "error", err)
		}
	}
	return nil
}

func (g *Gate) IsConnected() bool { return g.session.IsConnected() }

func (g *Gate) Balances() connector.Balances { return g.balances }

// CalcCommission is the venue fee: a flat ratio of the traded volume.
func (g *Gate) CalcCommission(qty, price float64, _ types.OrderSide, sec *market.Security) float64 {
	return sec.RoundPrice(qty * price * g.cfg.CommissionRatio)
}

func (g *Gate) DefaultPollingInterval() time.Duration {
	if g.cfg.PollingInterval > 0 {
		return g.cfg.PollingInterval
	}
	return defaultPollingInterval
}

// ————————————————————————————————————————————————————————————————————————
// Submission
// ————————————————————————————————————————————————————————————————————————

// newOrderCommand is the <command id="neworder"> payload.
type newOrderCommand struct {
	XMLName  xml.Name `xml:"neworder"`
	Board    string   `xml:"security>board"`
	SecCode  string   `xml:"security>seccode"`
	Client   string   `xml:"client"`
	Union    string   `xml:"union,omitempty"`
	Price    string   `xml:"price,omitempty"`
	ByMarket *struct{} `xml:"bymarket"`
	Quantity string   `xml:"quantity"`
	BuySell  string   `xml:"buysell"`
	Unfilled string   `xml:"unfilled"`
}

// SendOrder submits one order and registers its callback. The venue assigns
// the transaction id synchronously in the command reply; status and trade
// frames arrive out-of-band afterwards.
func (g *Gate) SendOrder(intent connector.OrderIntent, callback connector.StatusCallback) (*connector.TransactionContext, error) {
	if intent.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", types.ErrSending)
	}

	cmd := newOrderCommand{
		Board:    intent.Security.Board(),
		SecCode:  securityCode(intent.Security),
		Client:   g.cfg.Client,
		Union:    g.cfg.Union,
		Quantity: strconv.FormatFloat(intent.Qty, 'f', -1, 64),
		Unfilled: "PutInQueue",
	}
	if intent.Side == types.Buy {
		cmd.BuySell = "B"
	} else {
		cmd.BuySell = "S"
	}
	if intent.TimeInForce == types.IOC {
		cmd.Unfilled = "CancelBalance"
	}
	if intent.LimitPrice != nil {
		cmd.Price = formatPrice(*intent.LimitPrice)
	} else {
		cmd.ByMarket = &struct{}{}
	}

	var id connector.OrderID
	if g.cfg.DryRun {
		id = connector.OrderID(1_000_000 + g.dryRunSeq.Add(1))
		g.log.Info("DRY-RUN: would send order",
			"security", intent.Security.String(),
			"side", intent.Side.String(),
			"qty", intent.Qty,
		)
	} else {
		raw, err := xml.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("marshal order: %w", err)
		}
		result, err := g.session.SendCommand("neworder", raw)
		if err != nil {
			g.log.Error("failed to send order", "side", intent.Side.String(), "error", err)
			return nil, err
		}
		if !result.Success {
			return nil, fmt.Errorf("%w: %s", types.ErrSending, result.Message)
		}
		id = connector.OrderID(result.TransactionID)
	}

	g.registerOrder(intent.Security, id, intent.Qty, callback)
	return connector.NewTransactionContext(g, id), nil
}

func (g *Gate) registerOrder(sec *market.Security, id connector.OrderID, qty float64, callback connector.StatusCallback) {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	g.byID[id] = &orderRow{
		sec:          sec,
		id:           id,
		callback:     callback,
		qty:          qty,
		remainingQty: qty,
		status:       types.OrderStatusSent,
	}
}

// cancelOrderCommand is the <command id="cancelorder"> payload.
type cancelOrderCommand struct {
	XMLName       xml.Name `xml:"cancelorder"`
	TransactionID int64    `xml:"transactionid"`
}

// CancelOrder requests cancellation; the outcome arrives via the order's
// callback. ErrUnknownOrderCancel when the order is not live either locally
// or at the venue.
func (g *Gate) CancelOrder(id connector.OrderID) error {
	g.ordersMu.Lock()
	row := g.byID[id]
	live := row != nil && row.remainingQty > 0
	var remaining float64
	if live {
		remaining = row.remainingQty
	}
	g.ordersMu.Unlock()
	if !live {
		return fmt.Errorf(
			"%w: order %d never existed, already filled, canceled or rejected (local error)",
			types.ErrUnknownOrderCancel, id)
	}

	if g.cfg.DryRun {
		g.applyOrderUpdate(id, 0, types.OrderStatusCancelled, remaining, "")
		return nil
	}

	raw, err := xml.Marshal(cancelOrderCommand{TransactionID: int64(id)})
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}
	result, err := g.session.SendCommand("cancelorder", raw)
	if err != nil {
		g.log.Error("failed to send order canceling", "order", int64(id), "error", err)
		return err
	}
	if !result.Success {
		if strings.HasPrefix(result.Message, unknownCancelVenueError) {
			return fmt.Errorf(
				"%w: order %d never existed, already filled, canceled or rejected (trading system error)",
				types.ErrUnknownOrderCancel, id)
		}
		return fmt.Errorf("%w: %s", types.ErrSending, result.Message)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Frame handlers
// ————————————————————————————————————————————————————————————————————————

func (g *Gate) onOrdersFrame(frame []byte, _ types.Milestones) {
	var msg ordersFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		g.log.Error("malformed orders frame dropped", "error", err)
		return
	}
	for _, order := range msg.Orders {
		status, skip, ok := mapOrderStatus(order.Status)
		if !ok {
			g.log.Error("failed to parse order status, frame dropped",
				"status", order.Status, "order", order.TransactionID)
			continue
		}
		if skip {
			continue
		}
		// A cancelled row with no withdraw time is the venue echoing the
		// request, not the acknowledgement.
		if status == types.OrderStatusCancelled && order.WithdrawTime == "" {
			continue
		}
		g.applyOrderUpdate(
			connector.OrderID(order.TransactionID),
			order.OrderNo,
			status,
			order.Balance,
			order.Result,
		)
	}
}

func (g *Gate) onTradesFrame(frame []byte, _ types.Milestones) {
	var msg tradesFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		g.log.Error("malformed trades frame dropped", "error", err)
		return
	}
	for _, trade := range msg.Trades {
		g.applyTrade(trade.TradeNo, trade.OrderNo, trade.Price, trade.Quantity, trade.Commission)
	}
}

func (g *Gate) onPositionsFrame(frame []byte, _ types.Milestones) {
	var msg positionsFrame
	if err := xml.Unmarshal(frame, &msg); err != nil {
		g.log.Error("malformed positions frame dropped", "error", err)
		return
	}
	for _, m := range msg.Money {
		g.balances.Set(m.Currency, m.Free)
	}
	for _, a := range msg.Assets {
		g.balances.Set(a.Code, a.Free)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order table
// ————————————————————————————————————————————————————————————————————————

// applyOrderUpdate folds one order-status frame into the table.
func (g *Gate) applyOrderUpdate(id connector.OrderID, venueOrderID int64, status types.OrderStatus, remainingQty float64, message string) {
	if message != "" {
		g.log.Warn("order has message from the trading system",
			"order", int64(id),
			"venue-order", venueOrderID,
			"status", status.String(),
			"remaining", remainingQty,
			"message", message,
		)
	}

	g.ordersMu.Lock()
	row := g.byID[id]
	if row == nil {
		g.ordersMu.Unlock()
		g.tlog.Info("unknown order",
			"order", int64(id),
			"venue-order", venueOrderID,
			"status", status.String(),
			"remaining", remainingQty,
		)
		return
	}
	if row.venueOrderID == 0 && venueOrderID != 0 {
		row.venueOrderID = venueOrderID
		g.byVenueID[venueOrderID] = row
	}
	venueID := strconv.FormatInt(row.venueOrderID, 10)

	var emit bool
	var emitStatus types.OrderStatus
	var emitRemaining float64

	switch status {
	case types.OrderStatusSent:
		// forwarding/wait/watching: the venue is still working on it.

	case types.OrderStatusSubmitted:
		if row.status != types.OrderStatusSent {
			break // duplicate
		}
		row.status = types.OrderStatusSubmitted
		emit, emitStatus, emitRemaining = true, status, row.qty

	case types.OrderStatusFilled:
		if row.remainingQty == 0 {
			g.deleteRowLocked(row)
		} else {
			// Filled overtook its trades; the last trade closes the row.
			row.status = types.OrderStatusFilled
		}

	case types.OrderStatusCancelled, types.OrderStatusRejected, types.OrderStatusError:
		if remainingQty < row.remainingQty {
			// The terminal status overtook in-flight trades: hold it until
			// the trades drain the local remainder down to the reported one.
			row.deferred = true
			row.deferredStatus = status
			row.deferredTarget = remainingQty
			break
		}
		g.deleteRowLocked(row)
		emit, emitStatus, emitRemaining = true, status, remainingQty

	default:
		g.ordersMu.Unlock()
		g.log.Error("unexpected order status from venue",
			"order", int64(id), "status", status.String())
		return
	}
	callback := row.callback
	g.ordersMu.Unlock()

	if emit {
		callback(id, venueID, emitStatus, emitRemaining, nil, nil)
	}
}

// applyTrade folds one execution into the table and emits the resulting
// status.
func (g *Gate) applyTrade(tradeID string, venueOrderID int64, price, qty float64, commission *float64) {
	g.ordersMu.Lock()
	row := g.byVenueID[venueOrderID]
	if row == nil {
		g.ordersMu.Unlock()
		g.tlog.Info("unknown trade",
			"trade", tradeID,
			"venue-order", venueOrderID,
			"price", price,
			"qty", qty,
		)
		return
	}
	if qty > row.remainingQty {
		g.log.Error("trade qty exceeds order remainder, clamped",
			"trade", tradeID, "qty", qty, "remaining", row.remainingQty)
		qty = row.remainingQty
	}
	row.remainingQty -= qty

	trade := &types.TradeInfo{
		ID:    tradeID,
		Qty:   qty,
		Price: row.sec.ScalePrice(price),
	}
	status := types.OrderStatusFilledPartially
	switch {
	case row.deferred && row.remainingQty <= row.deferredTarget:
		status = row.deferredStatus
		g.deleteRowLocked(row)
	case row.remainingQty == 0:
		status = types.OrderStatusFilled
		g.deleteRowLocked(row)
	}
	id := row.id
	remaining := row.remainingQty
	venueID := strconv.FormatInt(venueOrderID, 10)
	callback := row.callback
	g.ordersMu.Unlock()

	callback(id, venueID, status, remaining, commission, trade)
}

func (g *Gate) deleteRowLocked(row *orderRow) {
	delete(g.byID, row.id)
	if row.venueOrderID != 0 {
		delete(g.byVenueID, row.venueOrderID)
	}
}

// LiveOrders reports the number of rows still in the table (diagnostics).
func (g *Gate) LiveOrders() int {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	return len(g.byID)
}

// securityCode is the venue symbol code: BASEQUOTE.
func securityCode(sec *market.Security) string {
	symbol := sec.Symbol()
	return symbol.Base + symbol.Quote
}

// ————————————————————————————————————————————————————————————————————————
// Balances
// ————————————————————————————————————————————————————————————————————————

// balanceTable is the stale-tolerant funds snapshot.
type balanceTable struct {
	mu    sync.RWMutex
	funds map[string]float64
}

func newBalanceTable() *balanceTable {
	return &balanceTable{funds: make(map[string]float64)}
}

func (b *balanceTable) Set(symbol string, free float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funds[symbol] = free
}

func (b *balanceTable) AvailableToTrade(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.funds[symbol]
}
