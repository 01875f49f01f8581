package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Engine keeps one Book per symbol, created on first submission, and routes
// calls to it.
//
// Creating a book is safe under concurrent use. Operating on a given book is
// not: callers must serialize Submit, Cancel and reads of the same symbol.
type Engine struct {
	mu       sync.RWMutex
	books    map[string]*Book
	bookOpts []BookOption
	now      func() time.Time
	logger   zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBookOptions applies opts to every book the engine creates.
func WithBookOptions(opts ...BookOption) EngineOption {
	return func(e *Engine) { e.bookOpts = append(e.bookOpts, opts...) }
}

// WithEngineClock sets the clock used to stamp orders submitted without a CreatedAt.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger the engine reports book creation and self-trades to.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine with an empty registry.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		books:  make(map[string]*Book),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit routes order to the book of its symbol, creating the book if needed.
func (e *Engine) Submit(order Order) (Execution, error) {
	if order.Symbol == "" {
		return Execution{}, invalid(order.ID, "missing symbol")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = e.now()
	}

	exec, err := e.bookFor(order.Symbol).AddOrder(order)
	if err != nil {
		return Execution{}, err
	}

	if order.ClientID != "" {
		for _, maker := range exec.Makers {
			if maker.ClientID == order.ClientID {
				e.logger.Warn().
					Str("symbol", order.Symbol).
					Str("client_id", order.ClientID).
					Str("taker_order_id", order.ID).
					Str("maker_order_id", maker.ID).
					Msg("self-trade")
			}
		}
	}
	return exec, nil
}

// Cancel removes a resting order from the book of symbol. It reports false when
// the symbol has no book or the order is not resting; no book is created.
func (e *Engine) Cancel(symbol, orderID string) (Order, bool) {
	book, ok := e.Book(symbol)
	if !ok {
		return Order{}, false
	}
	return book.CancelOrder(orderID)
}

// Book returns the book for symbol without creating one.
func (e *Engine) Book(symbol string) (*Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	book, ok := e.books[symbol]
	return book, ok
}

// Symbols returns the symbols that have a book, sorted.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for symbol := range e.books {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) bookFor(symbol string) *Book {
	if book, ok := e.Book(symbol); ok {
		return book
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if book, ok := e.books[symbol]; ok {
		return book
	}
	book := NewBook(symbol, e.bookOpts...)
	e.books[symbol] = book
	e.logger.Debug().Str("symbol", symbol).Msg("created order book")
	return book
}
