package position

import (
	"errors"
	"fmt"

	"tradekit/internal/connector"
	"tradekit/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Open side
// ————————————————————————————————————————————————————————————————————————

// OpenAtMarketPrice submits a market order for the unfilled remainder of the
// planned quantity.
func (p *Position) OpenAtMarketPrice(params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitOpen(nil, types.GTC, params)
}

// Open submits a limit order for the unfilled remainder.
func (p *Position) Open(price float64, params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitOpen(&price, types.GTC, params)
}

// OpenImmediatelyOrCancel submits a limit IOC order for the unfilled
// remainder.
func (p *Position) OpenImmediatelyOrCancel(price float64, params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitOpen(&price, types.IOC, params)
}

func (p *Position) submitOpen(price *float64, tif types.TimeInForce, params []types.OrderParams) (*connector.TransactionContext, error) {
	p.mu.Lock()
	if err := p.checkOpeningLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	qty := p.plannedQty - p.open.qty
	ord := &Order{
		Time:        p.host.Now(),
		IsActive:    true,
		Price:       price,
		Qty:         qty,
		TimeInForce: tif,
	}
	p.open.orders = append(p.open.orders, ord)
	p.mu.Unlock()

	return p.send(ord, openSide, qty, price, tif, mergeParams(p.defaultParams, params))
}

func (p *Position) checkOpeningLocked() error {
	switch {
	case p.markedCompleted:
		return errors.New("position is completed")
	case !p.venue.IsConnected():
		return fmt.Errorf("%w: venue %q is offline", types.ErrSending, p.venue.Name())
	case len(p.close.orders) > 0:
		return errors.New("position is already closing")
	case p.open.isCanceling() || p.close.isCanceling():
		return fmt.Errorf("failed to start opening as %w", types.ErrCancelling)
	case p.open.hasActiveOrders():
		return errors.New("open order is already active")
	case p.plannedQty-p.open.qty <= 0:
		return errors.New("position is already fully opened")
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Close side
// ————————————————————————————————————————————————————————————————————————

// CloseAtMarketPrice submits a market order for the whole active quantity.
func (p *Position) CloseAtMarketPrice(params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitClose(nil, 0, types.GTC, params)
}

// Close submits a limit order for min(maxQty, activeQty). maxQty ≤ 0 means
// the whole active quantity.
func (p *Position) Close(price float64, maxQty float64, params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitClose(&price, maxQty, types.GTC, params)
}

// CloseImmediatelyOrCancel submits a limit IOC order for the whole active
// quantity.
func (p *Position) CloseImmediatelyOrCancel(price float64, params ...types.OrderParams) (*connector.TransactionContext, error) {
	return p.submitClose(&price, 0, types.IOC, params)
}

func (p *Position) submitClose(price *float64, maxQty float64, tif types.TimeInForce, params []types.OrderParams) (*connector.TransactionContext, error) {
	p.mu.Lock()
	if err := p.checkClosingLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	qty := p.activeQtyLocked()
	if maxQty > 0 && maxQty < qty {
		qty = maxQty
	}
	ord := &Order{
		Time:        p.host.Now(),
		IsActive:    true,
		Price:       price,
		Qty:         qty,
		TimeInForce: tif,
	}
	p.close.orders = append(p.close.orders, ord)
	p.mu.Unlock()

	return p.send(ord, closeSide, qty, price, tif, mergeParams(p.defaultParams, params))
}

func (p *Position) checkClosingLocked() error {
	switch {
	case p.markedCompleted:
		return errors.New("position is completed")
	case !p.isOpenedLocked():
		return types.ErrNotOpened
	case p.activeQtyLocked() <= 0:
		return types.ErrAlreadyClosed
	case p.open.isCanceling() || p.close.isCanceling():
		return fmt.Errorf("failed to start closing as %w", types.ErrCancelling)
	case p.close.hasActiveOrders():
		return errors.New("close order is already active")
	case !p.venue.IsConnected():
		return fmt.Errorf("%w: venue %q is offline", types.ErrSending, p.venue.Name())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Shared submission path
// ————————————————————————————————————————————————————————————————————————

func (p *Position) send(ord *Order, side orderSide, qty float64, price *float64, tif types.TimeInForce, params types.OrderParams) (*connector.TransactionContext, error) {
	intent := connector.OrderIntent{
		Security:    p.security,
		Currency:    p.currency,
		Qty:         qty,
		LimitPrice:  price,
		Params:      params,
		TimeInForce: tif,
	}
	if side == openSide {
		intent.Side = p.OpenOrderSide()
	} else {
		intent.Side = p.CloseOrderSide()
	}

	txn, err := p.venue.SendOrder(intent, p.bindUpdate(ord, side))

	p.mu.Lock()
	if err != nil {
		// The order never reached the venue: it still counts as an attempt
		// but carries no transaction context and cannot receive callbacks.
		ord.IsActive = false
		p.mu.Unlock()
		p.reportOrder(side, "send-failed", ord, nil)
		return nil, err
	}
	ord.Txn = txn
	p.mu.Unlock()
	p.reportOrder(side, "sent", ord, txn)
	return txn, nil
}

func mergeParams(def types.OrderParams, params []types.OrderParams) types.OrderParams {
	if len(params) == 0 {
		return def
	}
	return params[len(params)-1]
}

// SetDefaultOrderParams replaces the params applied when a submission passes
// none.
func (p *Position) SetDefaultOrderParams(params types.OrderParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultParams = params
}

// ————————————————————————————————————————————————————————————————————————
// Cancel, restore
// ————————————————————————————————————————————————————————————————————————

// CancelAllOrders requests cancellation of the live open and/or close order.
// The orders stay active until the venue acknowledges. Reports whether at
// least one cancel was sent.
func (p *Position) CancelAllOrders() bool {
	p.mu.Lock()
	var contexts []*connector.TransactionContext
	for _, d := range []*directionData{&p.open, &p.close} {
		cur := d.current()
		if cur == nil || !cur.IsActive || cur.IsCanceled || cur.Txn == nil {
			continue
		}
		cur.IsCanceled = true
		contexts = append(contexts, cur.Txn)
	}
	p.mu.Unlock()

	sent := false
	for _, txn := range contexts {
		if err := txn.Venue().CancelOrder(txn.OrderID()); err != nil {
			p.host.Log().Warn("failed to cancel order",
				"position", p.String(), "order", txn.OrderID(), "error", err)
			continue
		}
		sent = true
	}
	return sent
}

// RestoreOpenState synthesizes an opened position from external state, with
// no venue traffic. Fails with ErrAlreadyStarted on a started position.
func (p *Position) RestoreOpenState(openPrice float64) error {
	p.mu.Lock()
	if len(p.open.orders) > 0 {
		p.mu.Unlock()
		return types.ErrAlreadyStarted
	}
	now := p.host.Now()
	ord := &Order{
		Time:        now,
		Qty:         p.plannedQty,
		ExecutedQty: p.plannedQty,
		Price:       &openPrice,
	}
	p.open.orders = append(p.open.orders, ord)
	p.open.onNewTrade(p.plannedQty, openPrice)
	p.open.firstTradeTime = now
	p.openTime = now
	p.mu.Unlock()

	p.host.TradingLog().Info("order restored",
		"position", p.String(),
		"price", openPrice,
		"qty", p.plannedQty,
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Venue callback handling
// ————————————————————————————————————————————————————————————————————————

func (p *Position) bindUpdate(ord *Order, side orderSide) connector.StatusCallback {
	return func(orderID connector.OrderID, venueOrderID string, status types.OrderStatus, remainingQty float64, commission *float64, trade *types.TradeInfo) {
		if err := p.update(ord, side, orderID, venueOrderID, status, remainingQty, commission, trade); err != nil {
			p.host.Log().Error("position update rejected",
				"position", p.String(),
				"order", orderID,
				"status", status.String(),
				"error", err,
			)
		}
	}
}

func (p *Position) update(
	ord *Order,
	side orderSide,
	orderID connector.OrderID,
	venueOrderID string,
	status types.OrderStatus,
	remainingQty float64,
	commission *float64,
	trade *types.TradeInfo,
) error {
	p.mu.Lock()

	data := &p.open
	if side == closeSide {
		data = &p.close
	}
	if data.current() != ord {
		p.mu.Unlock()
		return fmt.Errorf("unknown %s order id %d", side, orderID)
	}
	if ord.Txn != nil && ord.Txn.OrderID() != orderID {
		p.mu.Unlock()
		return fmt.Errorf("unknown %s order id %d", side, orderID)
	}

	if commission != nil {
		// The venue reports the order's running total; the operation's
		// container takes the increment, charged in the position currency.
		if delta := *commission - ord.Commission; delta != 0 {
			p.operation.Pnl().AddCommission(p.currency, delta)
		}
		ord.Commission = *commission
	}

	wasActive := ord.IsActive
	signal := false

	switch status {
	case types.OrderStatusSent, types.OrderStatusRequestedCancel:
		p.mu.Unlock()
		return &types.ProtocolError{Reason: "status can be set only by this object"}

	case types.OrderStatusSubmitted:
		if ord.ExecutedQty != 0 || remainingQty != ord.Qty {
			p.mu.Unlock()
			return &types.ProtocolError{Reason: fmt.Sprintf(
				"submitted with remaining qty %v, expected %v", remainingQty, ord.Qty)}
		}
		p.mu.Unlock()
		p.reportUpdate(side, status, venueOrderID, remainingQty, trade)
		return nil

	case types.OrderStatusFilled, types.OrderStatusFilledPartially:
		if trade == nil {
			p.mu.Unlock()
			return &types.ProtocolError{Reason: "filled order has no trade information"}
		}
		price := p.security.DescalePrice(trade.Price)
		ord.ExecutedQty += trade.Qty
		data.onNewTrade(trade.Qty, price)
		p.operation.Pnl().AddTrade(p.security.Symbol(), p.orderSideOf(side), trade.Qty, price)
		if wasActive {
			ord.IsActive = remainingQty > 0
			signal = !ord.IsActive
		} else {
			// Late trade past a terminal status: the quantities still move
			// and subscribers hear about it once more.
			signal = true
		}

	case types.OrderStatusError:
		signal = p.applyTerminalLocked(data, ord, trade, wasActive)
		p.isError = true

	case types.OrderStatusCancelled, types.OrderStatusRejected:
		signal = p.applyTerminalLocked(data, ord, trade, wasActive)

	default:
		p.mu.Unlock()
		return &types.ProtocolError{Reason: "unknown order status " + status.String()}
	}

	if !ord.IsActive && ord.ExecutedQty > 0 && data.firstTradeTime.IsZero() {
		data.firstTradeTime = p.host.Now()
	}
	if side == openSide {
		if !ord.IsActive && p.open.qty > 0 && p.openTime.IsZero() {
			p.openTime = p.host.Now()
		}
	} else if p.activeQtyLocked() == 0 && p.closeTime.IsZero() {
		p.closeTime = p.host.Now()
	}

	p.mu.Unlock()

	p.reportUpdate(side, status, venueOrderID, remainingQty, trade)
	if signal {
		p.emitUpdate()
	}
	return nil
}

// applyTerminalLocked folds a terminal status into the order. A trade
// payload riding on it (a cancel resolved by its last fills, or a fill
// trailing past the terminal status) still moves the quantities; either way
// subscribers hear about the transition exactly once.
func (p *Position) applyTerminalLocked(data *directionData, ord *Order, trade *types.TradeInfo, wasActive bool) bool {
	signal := false
	if trade != nil {
		price := p.security.DescalePrice(trade.Price)
		ord.ExecutedQty += trade.Qty
		data.onNewTrade(trade.Qty, price)
		p.operation.Pnl().AddTrade(p.security.Symbol(), p.orderSideOf(p.sideOf(data)), trade.Qty, price)
		signal = true
	}
	if wasActive {
		ord.IsActive = false
		signal = true
	}
	return signal
}

func (p *Position) sideOf(data *directionData) orderSide {
	if data == &p.open {
		return openSide
	}
	return closeSide
}

func (p *Position) orderSideOf(side orderSide) types.OrderSide {
	if side == openSide {
		return p.OpenOrderSide()
	}
	return p.CloseOrderSide()
}

// ————————————————————————————————————————————————————————————————————————
// Trading-log records
// ————————————————————————————————————————————————————————————————————————

func (p *Position) reportOrder(side orderSide, event string, ord *Order, txn *connector.TransactionContext) {
	attrs := []any{
		"event", side.String() + "->" + event,
		"position", p.String(),
		"venue", p.venue.Name(),
		"qty", ord.Qty,
		"tif", ord.TimeInForce.String(),
	}
	if ord.Price != nil {
		attrs = append(attrs, "price", *ord.Price)
	} else {
		attrs = append(attrs, "price", "market")
	}
	if txn != nil {
		attrs = append(attrs, "order", int64(txn.OrderID()))
	}
	p.host.TradingLog().Info("order", attrs...)
}

func (p *Position) reportUpdate(side orderSide, status types.OrderStatus, venueOrderID string, remainingQty float64, trade *types.TradeInfo) {
	attrs := []any{
		"event", side.String() + "->" + status.String(),
		"position", p.String(),
		"venue-order", venueOrderID,
		"remaining", remainingQty,
	}
	if trade != nil {
		attrs = append(attrs,
			"trade", trade.ID,
			"trade-qty", trade.Qty,
			"trade-price", p.security.DescalePrice(trade.Price),
		)
	}
	p.host.TradingLog().Info("order", attrs...)
}
