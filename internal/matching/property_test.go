package matching

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// opSeq drives a book with a random mix of limit, market and cancel operations
// and hands every step to check.
func opSeq(t *rapid.T, check func(b *Book, in Order, exec Execution)) (*Book, map[string]Order, map[string]decimal.Decimal) {
	b := NewBook(testSymbol)
	final := make(map[string]Order)
	traded := make(map[string]decimal.Decimal)
	var submitted []string

	steps := rapid.IntRange(1, 80).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		if len(submitted) > 0 && rapid.IntRange(0, 9).Draw(t, "op") == 0 {
			id := rapid.SampledFrom(submitted).Draw(t, "cancel")
			if o, ok := b.CancelOrder(id); ok {
				final[id] = o
			}
			continue
		}

		o := Order{
			ID:       fmt.Sprintf("o%d", i),
			Symbol:   testSymbol,
			Side:     rapid.SampledFrom([]Side{Buy, Sell}).Draw(t, "side"),
			Kind:     Limit,
			Price:    decimal.NewFromInt(rapid.Int64Range(95, 105).Draw(t, "price")),
			Quantity: decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(t, "qty")),
		}
		if rapid.IntRange(0, 4).Draw(t, "kind") == 0 {
			o.Kind = Market
			o.Price = decimal.Zero
		}

		exec, err := b.AddOrder(o)
		if err != nil {
			t.Fatalf("add %s: %v", o.ID, err)
		}
		submitted = append(submitted, o.ID)
		final[o.ID] = exec.Order
		for _, m := range exec.Makers {
			final[m.ID] = m
		}
		for _, tr := range exec.Trades {
			traded[tr.BuyOrderID] = traded[tr.BuyOrderID].Add(tr.Quantity)
			traded[tr.SellOrderID] = traded[tr.SellOrderID].Add(tr.Quantity)
		}
		if check != nil {
			check(b, o, exec)
		}
	}
	return b, final, traded
}

func TestProperty_Conservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, final, traded := opSeq(t, func(b *Book, in Order, exec Execution) {
			if !exec.Matched().Equal(exec.Order.Filled) {
				t.Fatalf("order %s: trades sum %s, filled %s", in.ID, exec.Matched(), exec.Order.Filled)
			}
		})
		for id, o := range final {
			if o.Filled.GreaterThan(o.Quantity) || o.Filled.IsNegative() {
				t.Fatalf("order %s filled %s outside [0, %s]", id, o.Filled, o.Quantity)
			}
			if !traded[id].Equal(o.Filled) {
				t.Fatalf("order %s: traded %s, filled %s", id, traded[id], o.Filled)
			}
		}
	})
}

func TestProperty_SidesStaySorted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opSeq(t, func(b *Book, _ Order, _ Execution) {
			bids := b.Bids()
			for i := 1; i < len(bids); i++ {
				p, c := bids[i-1], bids[i]
				if p.Price.LessThan(c.Price) || (p.Price.Equal(c.Price) && p.Seq >= c.Seq) {
					t.Fatalf("bids out of order at %d: %s/%d then %s/%d", i, p.Price, p.Seq, c.Price, c.Seq)
				}
			}
			asks := b.Asks()
			for i := 1; i < len(asks); i++ {
				p, c := asks[i-1], asks[i]
				if p.Price.GreaterThan(c.Price) || (p.Price.Equal(c.Price) && p.Seq >= c.Seq) {
					t.Fatalf("asks out of order at %d: %s/%d then %s/%d", i, p.Price, p.Seq, c.Price, c.Seq)
				}
			}
			bid, okB := b.BestBid()
			ask, okA := b.BestAsk()
			if okB && okA && bid.Price.GreaterThanOrEqual(ask.Price) {
				t.Fatalf("book crossed: bid %s >= ask %s", bid.Price, ask.Price)
			}
		})
	})
}

func TestProperty_MarketOrdersNeverRest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opSeq(t, func(b *Book, in Order, exec Execution) {
			if in.Kind != Market {
				return
			}
			if exec.Rested {
				t.Fatalf("market order %s rested", in.ID)
			}
			if _, ok := b.Order(in.ID); ok {
				t.Fatalf("market order %s found in book", in.ID)
			}
		})
	})
}

func TestProperty_TradesPrintAtRestingPrice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opSeq(t, func(_ *Book, in Order, exec Execution) {
			for i, tr := range exec.Trades {
				maker := exec.Makers[i]
				if !tr.Price.Equal(maker.Price) {
					t.Fatalf("trade %s at %s, resting price %s", tr.ID, tr.Price, maker.Price)
				}
				if in.Kind == Limit {
					if in.Side == Buy && tr.Price.GreaterThan(in.Price) {
						t.Fatalf("buyer %s paid %s above limit %s", in.ID, tr.Price, in.Price)
					}
					if in.Side == Sell && tr.Price.LessThan(in.Price) {
						t.Fatalf("seller %s sold %s below limit %s", in.ID, tr.Price, in.Price)
					}
				}
			}
		})
	})
}

func TestProperty_CancelIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b, _, _ := opSeq(t, nil)
		for _, o := range append(b.Bids(), b.Asks()...) {
			if _, ok := b.CancelOrder(o.ID); !ok {
				t.Fatalf("resting order %s not cancellable", o.ID)
			}
			if _, ok := b.CancelOrder(o.ID); ok {
				t.Fatalf("order %s cancelled twice", o.ID)
			}
		}
		if b.Len() != 0 {
			t.Fatalf("book not empty after cancelling everything: %d", b.Len())
		}
	})
}
