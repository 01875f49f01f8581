package matching

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book maintains the resting bids and asks of a single symbol and matches
// incoming orders against them under price-time priority.
//
// A Book does no locking of its own. Callers that share a Book between
// goroutines must serialize every call, since a match is only a valid state
// once it has run to completion.
type Book struct {
	symbol string
	bids   *bookSide
	asks   *bookSide
	index  map[string]*orderEntry
	seq    uint64
	now    func() time.Time
	newID  func() string
}

// BookOption configures a Book.
type BookOption func(*Book)

// WithClock sets the clock used to timestamp trades.
func WithClock(now func() time.Time) BookOption {
	return func(b *Book) { b.now = now }
}

// WithTradeIDs sets the generator used for trade ids.
func WithTradeIDs(newID func() string) BookOption {
	return func(b *Book) { b.newID = newID }
}

// NewBook creates an empty book for symbol.
func NewBook(symbol string, opts ...BookOption) *Book {
	b := &Book{
		symbol: symbol,
		bids:   newBookSide(Buy),
		asks:   newBookSide(Sell),
		index:  make(map[string]*orderEntry),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Symbol returns the instrument the book trades.
func (b *Book) Symbol() string {
	return b.symbol
}

// AddOrder matches order against the opposite side of the book and rests any
// limit remainder on its own side. Market remainders are dropped.
//
// The order is taken by value: the returned Execution carries its final state,
// the generated trades and the updated resting orders it consumed. An error is
// returned only for orders that break the submission contract, and in that
// case the book is left untouched.
//
// Orders are sequenced on arrival. A caller-supplied Seq is kept when it is
// greater than every sequence the book has handed out, which lets a book be
// rebuilt from stored orders without reordering them.
func (b *Book) AddOrder(order Order) (Execution, error) {
	if err := b.check(order); err != nil {
		return Execution{}, err
	}

	if order.Seq > b.seq {
		b.seq = order.Seq
	} else {
		b.seq++
		order.Seq = b.seq
	}
	order.Status = statusFor(order.Quantity, order.Filled)

	exec := Execution{Dropped: decimal.Zero}
	opposing := b.asks
	if order.Side == Sell {
		opposing = b.bids
	}

	for order.Remaining().IsPositive() {
		head := opposing.head()
		if head == nil || !order.crosses(head.order.Price) {
			break
		}

		qty := decimal.Min(order.Remaining(), head.order.Remaining())
		order.fill(qty)
		opposing.fill(head, qty)
		exec.Trades = append(exec.Trades, b.trade(order, head.order, qty))
		exec.Makers = append(exec.Makers, head.order)

		if !head.order.Remaining().IsPositive() {
			opposing.remove(head)
			delete(b.index, head.order.ID)
		}
	}

	if order.Remaining().IsPositive() {
		if order.Kind == Limit {
			entry := &orderEntry{order: order}
			b.sideOf(order.Side).insert(entry)
			b.index[order.ID] = entry
			exec.Rested = true
		} else {
			exec.Dropped = order.Remaining()
		}
	}

	exec.Order = order
	return exec, nil
}

// CancelOrder removes a resting order and returns it marked cancelled. It
// reports false when no order with that id is resting in the book.
func (b *Book) CancelOrder(id string) (Order, bool) {
	entry, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	b.sideOf(entry.order.Side).remove(entry)
	delete(b.index, id)

	order := entry.order
	order.Status = Cancelled
	return order, true
}

// Order returns a copy of the resting order with the given id.
func (b *Book) Order(id string) (Order, bool) {
	entry, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	return entry.order, true
}

// Bids returns a copy of the resting buy orders, best price first and oldest
// first within a price.
func (b *Book) Bids() []Order {
	return b.bids.orders()
}

// Asks returns a copy of the resting sell orders, best price first and oldest
// first within a price.
func (b *Book) Asks() []Order {
	return b.asks.orders()
}

// BestBid returns the highest priority resting buy order.
func (b *Book) BestBid() (Order, bool) {
	return best(b.bids)
}

// BestAsk returns the highest priority resting sell order.
func (b *Book) BestAsk() (Order, bool) {
	return best(b.asks)
}

// Depth aggregates the top levels of each side. A non-positive levels value
// returns every level.
func (b *Book) Depth(levels int) Depth {
	return Depth{
		Symbol: b.symbol,
		Bids:   b.bids.depth(levels),
		Asks:   b.asks.depth(levels),
	}
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

func best(s *bookSide) (Order, bool) {
	head := s.head()
	if head == nil {
		return Order{}, false
	}
	return head.order, true
}

func (b *Book) sideOf(side Side) *bookSide {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) trade(taker, maker Order, qty decimal.Decimal) Trade {
	t := Trade{
		ID:        b.newID(),
		Symbol:    b.symbol,
		Price:     maker.Price,
		Quantity:  qty,
		TakerSide: taker.Side,
		CreatedAt: b.now(),
	}
	if taker.Side == Buy {
		t.BuyOrderID, t.SellOrderID = taker.ID, maker.ID
	} else {
		t.BuyOrderID, t.SellOrderID = maker.ID, taker.ID
	}
	return t
}

// check enforces the submission contract before the book is touched.
func (b *Book) check(o Order) error {
	switch {
	case o.ID == "":
		return invalid(o.ID, "missing id")
	case o.Symbol != b.symbol:
		return &OrderError{OrderID: o.ID, Reason: "book trades " + b.symbol + ", got " + o.Symbol, Err: ErrSymbolMismatch}
	case !o.Side.Valid():
		return invalid(o.ID, "unknown side "+string(o.Side))
	case !o.Kind.Valid():
		return invalid(o.ID, "unknown kind "+string(o.Kind))
	case !o.Quantity.IsPositive():
		return invalid(o.ID, "quantity must be positive")
	case o.Filled.IsNegative() || o.Filled.GreaterThanOrEqual(o.Quantity):
		return invalid(o.ID, "filled must be within [0, quantity)")
	case o.Kind == Limit && o.Price.IsNegative():
		return invalid(o.ID, "price must not be negative")
	}
	if _, ok := b.index[o.ID]; ok {
		return &OrderError{OrderID: o.ID, Reason: "already resting", Err: ErrDuplicateOrder}
	}
	return nil
}
