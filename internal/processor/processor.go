// Package processor feeds queued orders to the matching engine and stores
// what the engine did with them.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/metrics"
	"github.com/ksred/klear-match/internal/orderqueue"
	"github.com/ksred/klear-match/internal/publisher"
	"github.com/ksred/klear-match/internal/stream"
	"github.com/ksred/klear-match/internal/types"
	"github.com/ksred/klear-match/internal/venue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Store is the persistence the processor needs.
type Store interface {
	GetOrder(orderID string) (*types.Order, error)
	SaveExecution(exec matching.Execution) error
	SetOrderStatus(orderID string, status types.OrderStatus, reason string) error
	MarkCancelled(order matching.Order) error
	OpenOrders() ([]types.Order, error)
	CreateExecution(execution *types.Execution) error
}

type Processor struct {
	engine       *matching.Engine
	queue        orderqueue.Queue
	store        Store
	events       *stream.Events
	publisher    publisher.Publisher
	metrics      *metrics.Metrics
	router       *venue.Router
	processDelay time.Duration // time between queue polls

	mu       sync.Mutex
	lanes    map[string]*lane
	done     chan struct{}
	stopOnce sync.Once
	routes   sync.WaitGroup
	logger   zerolog.Logger
}

type Option func(*Processor)

func WithEvents(events *stream.Events) Option {
	return func(p *Processor) { p.events = events }
}

func WithPublisher(pub publisher.Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithRouter sends the dropped remainder of market orders to external venues.
func WithRouter(router *venue.Router) Option {
	return func(p *Processor) { p.router = router }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.processDelay = d
		}
	}
}

func New(engine *matching.Engine, queue orderqueue.Queue, store Store, opts ...Option) *Processor {
	p := &Processor{
		engine:       engine,
		queue:        queue,
		store:        store,
		events:       stream.NewHub[stream.Event](),
		publisher:    publisher.Nop{},
		processDelay: 50 * time.Millisecond,
		lanes:        make(map[string]*lane),
		done:         make(chan struct{}),
		logger:       log.With().Str("component", "matching_processor").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	return p
}

// Start restores the open orders of every book and then drains the queue on
// every tick until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info().Msg("starting matching processor")
	defer p.Stop()

	if n, err := p.Restore(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to restore order books")
	} else {
		p.logger.Info().Int("orders", n).Msg("restored order books")
	}

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down matching processor")
			p.routes.Wait()
			return
		case <-ticker.C:
			if err := p.drain(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to process queued orders")
			}
		}
	}
}

// Stop shuts every lane down. Calls made afterwards return ErrStopped.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// drain processes queued jobs in order until the queue is empty or a job
// fails. A failed job stays queued and is retried on the next tick.
func (p *Processor) drain(ctx context.Context) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if errors.Is(err, orderqueue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.process(ctx, job); err != nil {
			p.logger.Error().Err(err).Str("order_id", job.Order.ID).Msg("failed to process order")
			return err
		}
	}
}

func (p *Processor) process(ctx context.Context, job orderqueue.Job) error {
	logger := p.logger.With().
		Str("order_id", job.Order.ID).
		Str("symbol", job.Order.Symbol).
		Logger()

	stored, err := p.store.GetOrder(job.Order.ID)
	if err != nil {
		return err
	}
	if stored == nil {
		logger.Warn().Msg("queued order has no stored record, dropping job")
		return p.queue.Ack(ctx, job.ID)
	}
	if stored.ProcessedAt != nil {
		logger.Debug().Msg("order already processed, acknowledging job")
		return p.queue.Ack(ctx, job.ID)
	}

	order := job.Order
	l := p.laneFor(order.Symbol)

	var (
		exec       matching.Execution
		submitErr  error
		persistErr error
		reference  decimal.Decimal
	)
	err = l.do(ctx, p.done, func() {
		if pending, ok := l.unsaved[order.ID]; ok {
			exec = pending
		} else {
			start := time.Now()
			exec, submitErr = p.engine.Submit(order)
			took := time.Since(start)
			if submitErr != nil {
				p.metrics.ObserveMatch(order.Symbol, string(order.Kind), metrics.OutcomeRejected, 0, 0, took, p.resting(order.Symbol))
				return
			}
			qty, _ := exec.Matched().Float64()
			p.metrics.ObserveMatch(order.Symbol, string(order.Kind), outcome(exec), len(exec.Trades), qty, took, p.resting(order.Symbol))
			if n := len(exec.Trades); n > 0 {
				l.lastPrice = exec.Trades[n-1].Price
			}
		}
		reference = l.lastPrice

		if persistErr = p.store.SaveExecution(exec); persistErr != nil {
			l.unsaved[order.ID] = exec
			return
		}
		delete(l.unsaved, order.ID)
	})
	if err != nil {
		return err
	}

	if submitErr != nil {
		logger.Warn().Err(submitErr).Msg("order rejected by book")
		if err := p.store.SetOrderStatus(order.ID, types.StatusRejected, submitErr.Error()); err != nil {
			return err
		}
		p.events.Broadcast(stream.OrderEvent(rejected(order)))
		return p.queue.Ack(ctx, job.ID)
	}
	if persistErr != nil {
		return persistErr
	}

	logger.Info().
		Str("status", string(exec.Order.Status)).
		Str("filled", exec.Order.Filled.String()).
		Int("trades", len(exec.Trades)).
		Bool("rested", exec.Rested).
		Msg("order matched")

	p.broadcast(exec)
	if err := p.publisher.Publish(ctx, exec.Trades); err != nil {
		logger.Error().Err(err).Msg("failed to publish trades")
	}

	if p.router != nil && exec.Dropped.IsPositive() {
		p.routes.Add(1)
		go func() {
			defer p.routes.Done()
			p.route(ctx, exec, reference)
		}()
	}

	return p.queue.Ack(ctx, job.ID)
}

// Restore rebuilds the books from the orders that were resting when the
// server last stopped.
func (p *Processor) Restore(ctx context.Context) (int, error) {
	orders, err := p.store.OpenOrders()
	if err != nil {
		return 0, err
	}

	restored := 0
	for i := range orders {
		order := orders[i].Matching()
		l := p.laneFor(order.Symbol)

		var exec matching.Execution
		var submitErr error
		if err := l.do(ctx, p.done, func() {
			exec, submitErr = p.engine.Submit(order)
		}); err != nil {
			return restored, err
		}
		if submitErr != nil {
			p.logger.Warn().Err(submitErr).Str("order_id", order.ID).Msg("failed to restore order")
			continue
		}
		if len(exec.Trades) > 0 {
			p.logger.Warn().Str("order_id", order.ID).Int("trades", len(exec.Trades)).Msg("restored order crossed the book")
		}
		restored++
	}

	for _, symbol := range p.engine.Symbols() {
		p.metrics.RestingOrders.WithLabelValues(symbol).Set(float64(p.resting(symbol)))
	}
	return restored, nil
}

// Cancel removes a resting order from its book once its cancellation is
// stored. It reports false when the order is not resting, or while the book
// holds executions that are not stored yet.
func (p *Processor) Cancel(ctx context.Context, symbol, orderID string) (matching.Order, bool, error) {
	if _, ok := p.engine.Book(symbol); !ok {
		p.metrics.Cancels.WithLabelValues(symbol, "not_found").Inc()
		return matching.Order{}, false, nil
	}

	var (
		cancelled matching.Order
		found     bool
		behind    bool
		storeErr  error
	)
	l := p.laneFor(symbol)
	err := l.do(ctx, p.done, func() {
		// The stored rows lag the book until the unsaved executions are
		// written, and writing them would undo the cancellation.
		if len(l.unsaved) > 0 {
			behind = true
			return
		}
		book, _ := p.engine.Book(symbol)
		order, ok := book.Order(orderID)
		if !ok {
			return
		}
		order.Status = matching.Cancelled
		if storeErr = p.store.MarkCancelled(order); storeErr != nil {
			return
		}
		cancelled, found = p.engine.Cancel(symbol, orderID)
		p.metrics.RestingOrders.WithLabelValues(symbol).Set(float64(book.Len()))
	})
	if err != nil {
		return matching.Order{}, false, err
	}
	if storeErr != nil {
		return matching.Order{}, false, storeErr
	}
	if behind {
		p.metrics.Cancels.WithLabelValues(symbol, "unsaved").Inc()
		p.logger.Warn().Str("order_id", orderID).Str("symbol", symbol).Msg("cancel refused while book has unsaved executions")
		return matching.Order{}, false, nil
	}
	if !found {
		p.metrics.Cancels.WithLabelValues(symbol, "not_found").Inc()
		return matching.Order{}, false, nil
	}

	p.metrics.Cancels.WithLabelValues(symbol, "cancelled").Inc()
	p.events.Broadcast(stream.OrderEvent(cancelled))
	p.logger.Info().Str("order_id", orderID).Str("symbol", symbol).Msg("order cancelled")
	return cancelled, true, nil
}

// Depth returns the aggregated top levels of a book.
func (p *Processor) Depth(ctx context.Context, symbol string, levels int) (matching.Depth, error) {
	depth := matching.Depth{Symbol: symbol, Bids: []matching.Level{}, Asks: []matching.Level{}}
	if _, ok := p.engine.Book(symbol); !ok {
		return depth, nil
	}
	err := p.laneFor(symbol).do(ctx, p.done, func() {
		book, _ := p.engine.Book(symbol)
		depth = book.Depth(levels)
	})
	return depth, err
}

// Orders returns copies of the resting orders of a book.
func (p *Processor) Orders(ctx context.Context, symbol string) (bids, asks []matching.Order, err error) {
	bids, asks = []matching.Order{}, []matching.Order{}
	if _, ok := p.engine.Book(symbol); !ok {
		return bids, asks, nil
	}
	err = p.laneFor(symbol).do(ctx, p.done, func() {
		book, _ := p.engine.Book(symbol)
		bids, asks = book.Bids(), book.Asks()
	})
	return bids, asks, err
}

func (p *Processor) laneFor(symbol string) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[symbol]
	if !ok {
		l = newLane(symbol)
		p.lanes[symbol] = l
		go l.run(p.done)
		p.logger.Debug().Str("symbol", symbol).Msg("started lane")
	}
	return l
}

// resting must be called on the symbol's lane.
func (p *Processor) resting(symbol string) int {
	if book, ok := p.engine.Book(symbol); ok {
		return book.Len()
	}
	return 0
}

func (p *Processor) broadcast(exec matching.Execution) {
	for _, t := range exec.Trades {
		p.events.Broadcast(stream.TradeEvent(t))
	}
	for _, m := range exec.Makers {
		p.events.Broadcast(stream.OrderEvent(m))
	}
	p.events.Broadcast(stream.OrderEvent(exec.Order))
}

func outcome(exec matching.Execution) string {
	switch {
	case exec.Rested:
		return metrics.OutcomeRested
	case exec.Dropped.IsPositive():
		return metrics.OutcomeDropped
	default:
		return metrics.OutcomeFilled
	}
}

func rejected(o matching.Order) matching.Order {
	o.Status = matching.Status(types.StatusRejected)
	return o
}
