// parse.go defines the wire frames of the XML protocol and their mapping
// onto the engine's order vocabulary.
package xmlgate

import (
	"encoding/xml"
	"strings"

	"github.com/shopspring/decimal"

	"tradekit/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Frames
// ————————————————————————————————————————————————————————————————————————

// ordersFrame: <orders><order transactionid=… status=… balance=…>
// <orderno>…</orderno><result>…</result></order>…</orders>
type ordersFrame struct {
	XMLName xml.Name     `xml:"orders"`
	Orders  []orderFrame `xml:"order"`
}

type orderFrame struct {
	TransactionID int64   `xml:"transactionid,attr"`
	Status        string  `xml:"status,attr"`
	Balance       float64 `xml:"balance,attr"` // remaining quantity
	OrderNo       int64   `xml:"orderno"`
	Result        string  `xml:"result"`
	WithdrawTime  string  `xml:"withdrawtime"`
}

// tradesFrame: <trades><trade tradeno=… orderno=… price=… quantity=…/>…</trades>
type tradesFrame struct {
	XMLName xml.Name     `xml:"trades"`
	Trades  []tradeFrame `xml:"trade"`
}

type tradeFrame struct {
	TradeNo    string   `xml:"tradeno,attr"`
	OrderNo    int64    `xml:"orderno,attr"`
	Price      float64  `xml:"price,attr"`
	Quantity   float64  `xml:"quantity,attr"`
	Commission *float64 `xml:"commission,attr"`
}

// positionsFrame carries the venue's funds snapshot deltas.
type positionsFrame struct {
	XMLName xml.Name        `xml:"positions"`
	Money   []moneyPosition `xml:"money"`
	Assets  []assetPosition `xml:"asset"`
}

type moneyPosition struct {
	Currency string  `xml:"currency,attr"`
	Free     float64 `xml:"free,attr"`
}

type assetPosition struct {
	Code string  `xml:"code,attr"`
	Free float64 `xml:"free,attr"`
}

// quotationsFrame carries level-1 changes per security.
type quotationsFrame struct {
	XMLName    xml.Name    `xml:"quotations"`
	Quotations []quotation `xml:"quotation"`
}

type quotation struct {
	Board   string   `xml:"board"`
	SecCode string   `xml:"seccode"`
	Bid     *float64 `xml:"bid"`
	BidQty  *float64 `xml:"biddepth"`
	Ask     *float64 `xml:"offer"`
	AskQty  *float64 `xml:"offerdepth"`
}

// quotesFrame carries depth levels; a negative or missing side marks which
// book half a level belongs to.
type quotesFrame struct {
	XMLName xml.Name `xml:"quotes"`
	Quotes  []quote  `xml:"quote"`
}

type quote struct {
	Board   string   `xml:"board"`
	SecCode string   `xml:"seccode"`
	Price   float64  `xml:"price"`
	Buy     *float64 `xml:"buy"`  // bid qty at this price
	Sell    *float64 `xml:"sell"` // ask qty at this price
}

// ticksFrame carries venue trade prints.
type ticksFrame struct {
	XMLName xml.Name `xml:"alltrades"`
	Ticks   []tick   `xml:"trade"`
}

type tick struct {
	Board    string  `xml:"board"`
	SecCode  string  `xml:"seccode"`
	Time     string  `xml:"time"`
	Price    float64 `xml:"price"`
	Quantity float64 `xml:"quantity"`
}

// ————————————————————————————————————————————————————————————————————————
// Status mapping
// ————————————————————————————————————————————————————————————————————————

var orderStatusMap = map[string]types.OrderStatus{
	"active":     types.OrderStatusSubmitted,
	"matched":    types.OrderStatusFilled,
	"cancelled":  types.OrderStatusCancelled,
	"disabled":   types.OrderStatusCancelled,
	"expired":    types.OrderStatusCancelled,
	"rejected":   types.OrderStatusRejected,
	"refused":    types.OrderStatusRejected,
	"forwarding": types.OrderStatusSent,
	"wait":       types.OrderStatusSent,
	"watching":   types.OrderStatusSent,
	"denied":     types.OrderStatusError,
	"failed":     types.OrderStatusError,
	"inactive":   types.OrderStatusError,
	"removed":    types.OrderStatusError,
}

// mapOrderStatus translates a venue status string. skip=true means the
// status carries no transition ("none"); ok=false means it is unknown.
func mapOrderStatus(s string) (status types.OrderStatus, skip, ok bool) {
	if s == "none" {
		return 0, true, true
	}
	status, ok = orderStatusMap[s]
	return status, false, ok
}

// ————————————————————————————————————————————————————————————————————————
// Price formatting
// ————————————————————————————————————————————————————————————————————————

// formatPrice renders an order price as the fixed-point string the venue
// expects: up to seven fractional digits, trailing zeros trimmed, but never
// fewer than two fractional digits.
func formatPrice(price float64) string {
	s := decimal.NewFromFloat(price).StringFixed(7)
	dot := strings.IndexByte(s, '.')
	trimmed := strings.TrimRight(s, "0")
	if len(trimmed) < dot+3 {
		trimmed = s[:dot+3]
	}
	return trimmed
}
