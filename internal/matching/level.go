package matching

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// orderEntry is a resting order linked into its price level.
type orderEntry struct {
	order      Order
	level      *priceLevel
	prev, next *orderEntry
}

// priceLevel is a FIFO queue of resting orders sharing one price.
type priceLevel struct {
	price  decimal.Decimal
	head   *orderEntry
	tail   *orderEntry
	volume decimal.Decimal // sum of remaining quantity
	count  int
}

func (l *priceLevel) push(e *orderEntry) {
	e.level = l
	if l.tail == nil {
		l.head = e
		l.tail = e
	} else {
		l.tail.next = e
		e.prev = l.tail
		l.tail = e
	}
	l.volume = l.volume.Add(e.order.Remaining())
	l.count++
}

func (l *priceLevel) unlink(e *orderEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	l.volume = l.volume.Sub(e.order.Remaining())
	l.count--
	e.prev, e.next, e.level = nil, nil, nil
}

// bookSide holds the price levels of one side of a book. Levels are kept in a
// B-tree ordered by ascending price; bids read it from the top, asks from the bottom.
type bookSide struct {
	side   Side
	levels *btree.BTreeG[*priceLevel]
}

func newBookSide(side Side) *bookSide {
	return &bookSide{
		side: side,
		levels: btree.NewBTreeGOptions(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}, btree.Options{NoLocks: true}),
	}
}

// best returns the level with the highest priority, or nil when the side is empty.
func (s *bookSide) best() *priceLevel {
	var (
		lvl *priceLevel
		ok  bool
	)
	if s.side == Buy {
		lvl, ok = s.levels.Max()
	} else {
		lvl, ok = s.levels.Min()
	}
	if !ok {
		return nil
	}
	return lvl
}

// head returns the oldest order at the best price.
func (s *bookSide) head() *orderEntry {
	if lvl := s.best(); lvl != nil {
		return lvl.head
	}
	return nil
}

func (s *bookSide) insert(e *orderEntry) {
	lvl, ok := s.levels.Get(&priceLevel{price: e.order.Price})
	if !ok {
		lvl = &priceLevel{price: e.order.Price, volume: decimal.Zero}
		s.levels.Set(lvl)
	}
	lvl.push(e)
}

func (s *bookSide) remove(e *orderEntry) {
	lvl := e.level
	if lvl == nil {
		return
	}
	lvl.unlink(e)
	if lvl.count == 0 {
		s.levels.Delete(lvl)
	}
}

// fill applies a match to a resting order that stays on the book.
func (s *bookSide) fill(e *orderEntry, qty decimal.Decimal) {
	e.order.fill(qty)
	e.level.volume = e.level.volume.Sub(qty)
}

// walk visits levels in priority order until visit returns false.
func (s *bookSide) walk(visit func(*priceLevel) bool) {
	if s.side == Buy {
		s.levels.Reverse(visit)
		return
	}
	s.levels.Scan(visit)
}

func (s *bookSide) orders() []Order {
	out := make([]Order, 0, s.levels.Len())
	s.walk(func(lvl *priceLevel) bool {
		for e := lvl.head; e != nil; e = e.next {
			out = append(out, e.order)
		}
		return true
	})
	return out
}

func (s *bookSide) depth(levels int) []Level {
	out := make([]Level, 0)
	s.walk(func(lvl *priceLevel) bool {
		if levels > 0 && len(out) >= levels {
			return false
		}
		out = append(out, Level{Price: lvl.price, Quantity: lvl.volume, Orders: lvl.count})
		return true
	})
	return out
}
