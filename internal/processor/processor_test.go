package processor

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ksred/klear-match/internal/database"
	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/orderqueue"
	"github.com/ksred/klear-match/internal/stream"
	"github.com/ksred/klear-match/internal/trading"
	"github.com/ksred/klear-match/internal/types"
	"github.com/ksred/klear-match/internal/venue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const symbol = "BTCUSD"

type fixture struct {
	gorm  *gorm.DB
	db    *trading.Database
	queue *orderqueue.MemoryQueue
	proc  *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gdb, err := database.NewDatabase(":memory:")
	require.NoError(t, err)

	f := &fixture{
		gorm:  gdb,
		db:    trading.NewDatabase(gdb),
		queue: orderqueue.NewMemoryQueue(),
	}
	f.proc = New(matching.NewEngine(), f.queue, f.db, opts...)
	t.Cleanup(f.proc.Stop)
	return f
}

// submit stores an order the way the trading service does and queues it.
func (f *fixture) submit(t *testing.T, id string, side matching.Side, kind matching.Kind, price, qty int64) {
	t.Helper()
	row := &types.Order{
		OrderID:   id,
		ClientID:  "client-" + id,
		Symbol:    symbol,
		Side:      string(side),
		OrderType: string(kind),
		Price:     decimal.NewFromInt(price),
		Quantity:  decimal.NewFromInt(qty),
		Filled:    decimal.Zero,
		Status:    types.StatusPending,
	}
	require.NoError(t, f.gorm.Create(row).Error)
	require.NoError(t, f.queue.Enqueue(context.Background(), orderqueue.Job{Order: row.Matching()}))
}

func (f *fixture) order(t *testing.T, id string) *types.Order {
	t.Helper()
	o, err := f.db.GetOrder(id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) queued(t *testing.T) int {
	n, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	return n
}

func TestDrain_MatchesAndPersists(t *testing.T) {
	f := newFixture(t)
	sub := f.proc.events.Subscribe(16)

	f.submit(t, "a1", matching.Sell, matching.Limit, 100, 5)
	f.submit(t, "b1", matching.Buy, matching.Limit, 101, 3)
	require.NoError(t, f.proc.drain(context.Background()))
	assert.Zero(t, f.queued(t))

	maker := f.order(t, "a1")
	assert.Equal(t, types.StatusPartial, maker.Status)
	assert.True(t, maker.Filled.Equal(decimal.NewFromInt(3)))
	assert.NotNil(t, maker.ProcessedAt)

	taker := f.order(t, "b1")
	assert.Equal(t, types.StatusFilled, taker.Status)
	assert.NotZero(t, taker.Seq)

	trades, err := f.db.TradesForOrder("b1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(100)), "prints at the resting price")
	assert.Equal(t, "a1", trades[0].SellOrderID)

	var kinds []string
	for len(sub.C()) > 0 {
		kinds = append(kinds, (<-sub.C()).Type)
	}
	assert.Contains(t, kinds, stream.TypeTrade)
	assert.Contains(t, kinds, stream.TypeOrder)
}

func TestDrain_SkipsAlreadyProcessedOrders(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "a1", matching.Sell, matching.Limit, 100, 5)
	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 2)
	require.NoError(t, f.proc.drain(context.Background()))

	// a replayed job must not match a second time
	replay := f.order(t, "b1").Matching()
	require.NoError(t, f.queue.Enqueue(context.Background(), orderqueue.Job{Order: replay}))
	require.NoError(t, f.proc.drain(context.Background()))

	assert.Zero(t, f.queued(t))
	trades, err := f.db.TradesForOrder("a1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.True(t, f.order(t, "a1").Filled.Equal(decimal.NewFromInt(2)))
}

func TestDrain_RejectsOrdersTheBookRefuses(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "bad", matching.Buy, matching.Limit, 100, 1)

	// corrupt the queued copy so the book refuses it
	require.NoError(t, f.queue.Ack(context.Background(), "bad"))
	o := f.order(t, "bad").Matching()
	o.Quantity = decimal.Zero
	require.NoError(t, f.queue.Enqueue(context.Background(), orderqueue.Job{Order: o}))

	require.NoError(t, f.proc.drain(context.Background()))

	stored := f.order(t, "bad")
	assert.Equal(t, types.StatusRejected, stored.Status)
	assert.Contains(t, stored.Reason, "quantity must be positive")
	assert.Zero(t, f.queued(t))
}

type flakyStore struct {
	Store
	failures int
}

func (s *flakyStore) SaveExecution(exec matching.Execution) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Store.SaveExecution(exec)
}

func TestDrain_RetriesPersistenceWithoutRematching(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.db, failures: 1}
	f.proc = New(matching.NewEngine(), f.queue, store)
	t.Cleanup(f.proc.Stop)

	f.submit(t, "a1", matching.Sell, matching.Limit, 100, 5)
	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 2)

	require.Error(t, f.proc.drain(context.Background()))
	assert.Equal(t, 2, f.queued(t), "failed job stays queued")
	assert.Nil(t, f.order(t, "a1").ProcessedAt)

	require.NoError(t, f.proc.drain(context.Background()))
	assert.Zero(t, f.queued(t))

	_, asks, err := f.proc.Orders(context.Background(), symbol)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Remaining().Equal(decimal.NewFromInt(3)))
	assert.True(t, f.order(t, "a1").Filled.Equal(decimal.NewFromInt(2)))
}

func TestCancel_RefusedWhileExecutionUnsaved(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.db, failures: 1}
	f.proc = New(matching.NewEngine(), f.queue, store)
	t.Cleanup(f.proc.Stop)

	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 2)
	require.Error(t, f.proc.drain(context.Background()))

	_, ok, err := f.proc.Cancel(context.Background(), symbol, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.StatusPending, f.order(t, "b1").Status)

	require.NoError(t, f.proc.drain(context.Background()))
	stored := f.order(t, "b1")
	assert.Equal(t, types.StatusPending, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)

	_, ok, err = f.proc.Cancel(context.Background(), symbol, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, f.order(t, "b1").Status)

	// a restarted processor must not bring the order back
	restarted := New(matching.NewEngine(), orderqueue.NewMemoryQueue(), f.db)
	t.Cleanup(restarted.Stop)
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestore_RebuildsBooksInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	rows := []types.Order{
		{OrderID: "late", Symbol: symbol, Side: "sell", OrderType: "limit", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Filled: decimal.Zero, Status: types.StatusPending, Seq: 9, ProcessedAt: &now},
		{OrderID: "early", Symbol: symbol, Side: "sell", OrderType: "limit", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(4), Filled: decimal.NewFromInt(1), Status: types.StatusPartial, Seq: 3, ProcessedAt: &now},
		{OrderID: "done", Symbol: symbol, Side: "sell", OrderType: "limit", Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(1), Filled: decimal.NewFromInt(1), Status: types.StatusFilled, Seq: 1, ProcessedAt: &now},
		{OrderID: "queued", Symbol: symbol, Side: "sell", OrderType: "limit", Price: decimal.NewFromInt(98), Quantity: decimal.NewFromInt(1), Filled: decimal.Zero, Status: types.StatusPending},
	}
	require.NoError(t, f.gorm.Create(&rows).Error)

	n, err := f.proc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, asks, err := f.proc.Orders(context.Background(), symbol)
	require.NoError(t, err)
	require.Len(t, asks, 2)
	assert.Equal(t, "early", asks[0].ID)
	assert.True(t, asks[0].Remaining().Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "late", asks[1].ID)

	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 3)
	require.NoError(t, f.proc.drain(context.Background()))
	assert.Equal(t, types.StatusFilled, f.order(t, "early").Status)
	assert.Equal(t, types.StatusPending, f.order(t, "late").Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 2)
	require.NoError(t, f.proc.drain(context.Background()))

	cancelled, ok, err := f.proc.Cancel(context.Background(), symbol, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, matching.Cancelled, cancelled.Status)
	assert.Equal(t, types.StatusCancelled, f.order(t, "b1").Status)

	_, ok, err = f.proc.Cancel(context.Background(), symbol, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = f.proc.Cancel(context.Background(), "ETHUSD", "b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDepth(t *testing.T) {
	f := newFixture(t)

	empty, err := f.proc.Depth(context.Background(), "ETHUSD", 5)
	require.NoError(t, err)
	assert.Empty(t, empty.Bids)
	assert.Empty(t, empty.Asks)

	f.submit(t, "b1", matching.Buy, matching.Limit, 99, 2)
	f.submit(t, "b2", matching.Buy, matching.Limit, 99, 3)
	f.submit(t, "a1", matching.Sell, matching.Limit, 101, 1)
	require.NoError(t, f.proc.drain(context.Background()))

	depth, err := f.proc.Depth(context.Background(), symbol, 5)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 1)
	assert.True(t, depth.Bids[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 2, depth.Bids[0].Orders)
	require.Len(t, depth.Asks, 1)
}

func testRouter() *venue.Router {
	v := &venue.Venue{ID: "V1", Name: "Test", MinLatency: 1, MaxLatency: 1, LiquidityFactor: 1, SuccessRate: 1, FeeRate: 0.001}
	return venue.NewRouter([]*venue.Venue{v},
		venue.WithRand(rand.New(rand.NewSource(1))),
		venue.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func TestRoute_MarketRemainderGoesToVenues(t *testing.T) {
	f := newFixture(t, WithRouter(testRouter()))
	f.submit(t, "a1", matching.Sell, matching.Limit, 100, 1)
	f.submit(t, "m1", matching.Buy, matching.Market, 0, 3)
	require.NoError(t, f.proc.drain(context.Background()))
	f.proc.routes.Wait()

	assert.Equal(t, types.StatusRouted, f.order(t, "m1").Status)
	executions, err := f.db.GetExecutionsForOrder("m1")
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.True(t, executions[0].TotalQuantity.Equal(decimal.NewFromInt(2)))
	require.Len(t, executions[0].Fills, 1)
}

func TestRoute_WithoutReferencePriceFails(t *testing.T) {
	f := newFixture(t, WithRouter(testRouter()))
	f.submit(t, "m1", matching.Sell, matching.Market, 0, 3)
	require.NoError(t, f.proc.drain(context.Background()))
	f.proc.routes.Wait()

	stored := f.order(t, "m1")
	assert.Equal(t, types.StatusRouteFailed, stored.Status)
	assert.Contains(t, stored.Reason, "no reference price")
}

func TestStart_DrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.proc.Start(ctx)
	}()

	f.submit(t, "b1", matching.Buy, matching.Limit, 100, 1)
	require.Eventually(t, func() bool {
		n, err := f.queue.Size(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-stopped

	_, err := f.proc.Depth(context.Background(), symbol, 1)
	assert.ErrorIs(t, err, ErrStopped)
}
