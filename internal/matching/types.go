package matching

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Kind is the execution style of an order.
type Kind string

const (
	Limit  Kind = "limit"  // rests on the book until filled or cancelled
	Market Kind = "market" // consumes liquidity immediately, never rests
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Limit || k == Market
}

// Status is the lifecycle state of an order inside the book. Matching only ever
// produces Pending, Partial and Filled; Cancelled comes from CancelOrder.
type Status string

const (
	Pending   Status = "pending"
	Partial   Status = "partial"
	Filled    Status = "filled"
	Cancelled Status = "cancelled"
)

// Order is a request to buy or sell Quantity of Symbol.
type Order struct {
	ID        string          `json:"order_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Kind      Kind            `json:"order_type"`
	Price     decimal.Decimal `json:"price"` // ignored for market orders
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Status    Status          `json:"status"`
	Seq       uint64          `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// Remaining is the quantity still open on the order.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// crosses reports whether the order may trade against a resting order at price.
func (o Order) crosses(price decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Buy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}

func (o *Order) fill(qty decimal.Decimal) {
	o.Filled = o.Filled.Add(qty)
	o.Status = statusFor(o.Quantity, o.Filled)
}

func statusFor(quantity, filled decimal.Decimal) Status {
	switch {
	case filled.IsZero():
		return Pending
	case filled.GreaterThanOrEqual(quantity):
		return Filled
	default:
		return Partial
	}
}

// Trade records one match between a buy order and a sell order. The price is
// always the resting order's price.
type Trade struct {
	ID          string          `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	TakerSide   Side            `json:"taker_side"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Execution is the outcome of adding one order to a book.
type Execution struct {
	// Order is the incoming order after matching.
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
	// Makers holds the post-match state of every resting order the incoming
	// order traded against, in the order they were matched.
	Makers []Order `json:"makers"`
	// Rested is true when the remainder of a limit order was inserted into the book.
	Rested bool `json:"rested"`
	// Dropped is the unmatched remainder of a market order that was discarded.
	Dropped decimal.Decimal `json:"dropped"`
}

// Matched returns the total quantity traded by the execution.
func (e Execution) Matched() decimal.Decimal {
	total := decimal.Zero
	for _, t := range e.Trades {
		total = total.Add(t.Quantity)
	}
	return total
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is an aggregated view of the top of a book.
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}
