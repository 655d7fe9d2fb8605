package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// DayLayout formats calendar days used by keys and counters.
const DayLayout = "2006-01-02"

// orderNamespace seeds deterministic client order ids.
var orderNamespace = uuid.MustParse("5b0f3f8e-6a54-4c1b-9d0e-2f7a1c3e9b41")

// Order is a proposed trade. Two orders sharing an IdempotencyKey are the
// same logical order.
type Order struct {
	Ticker         string
	Side           Side
	Quantity       int
	ReferencePrice decimal.Decimal
	Bucket         string
	Reason         string
	InitialBuild   bool
	Emergency      bool
	Day            string
	IdempotencyKey string
}

// NewOrder builds an order for the given calendar day with its key derived.
func NewOrder(ticker string, side Side, qty int, price decimal.Decimal, day time.Time) Order {
	o := Order{
		Ticker:         strings.ToUpper(strings.TrimSpace(ticker)),
		Side:           side,
		Quantity:       qty,
		ReferencePrice: price.Round(2),
		Day:            day.Format(DayLayout),
	}
	o.IdempotencyKey = IdempotencyKey(o.Ticker, o.Side, o.Quantity, o.ReferencePrice, o.Day)
	return o
}

// IdempotencyKey renders TICKER|SIDE|QTY|PRICE|YYYY-MM-DD with price to the cent.
func IdempotencyKey(ticker string, side Side, qty int, price decimal.Decimal, day string) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s", strings.ToUpper(ticker), side, qty, price.StringFixed(2), day)
}

// ClientOrderID is a broker-safe deterministic id for the key.
func (o Order) ClientOrderID() string {
	return ClientOrderID(o.IdempotencyKey)
}

// ClientOrderID derives the broker client id from an idempotency key.
func ClientOrderID(key string) string {
	return "rb-" + uuid.NewSHA1(orderNamespace, []byte(key)).String()
}

// Notional is quantity times reference price.
func (o Order) Notional() decimal.Decimal {
	return o.ReferencePrice.Mul(decimal.NewFromInt(int64(o.Quantity)))
}

// CountsAsReplacement reports whether a confirmed fill consumes the weekly
// replacement allowance.
func (o Order) CountsAsReplacement() bool {
	return o.Side == Buy && o.Bucket != "" && !o.InitialBuild && !o.Emergency
}

func (o Order) String() string {
	return fmt.Sprintf("%s %d %s @ %s", o.Side, o.Quantity, o.Ticker, o.ReferencePrice.StringFixed(2))
}
