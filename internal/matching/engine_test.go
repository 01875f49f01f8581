package matching

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CreatesBooksLazily(t *testing.T) {
	e := NewEngine()

	_, ok := e.Book(testSymbol)
	assert.False(t, ok)

	_, err := e.Submit(limit("b1", Buy, 100, 10))
	require.NoError(t, err)

	book, ok := e.Book(testSymbol)
	require.True(t, ok)
	assert.Equal(t, testSymbol, book.Symbol())
	assert.Equal(t, []string{"b1"}, ids(book.Bids()))
}

func TestEngine_RoutesBySymbol(t *testing.T) {
	e := NewEngine()
	eth := limit("e1", Sell, 100, 1)
	eth.Symbol = "ETHUSD"

	_, err := e.Submit(eth)
	require.NoError(t, err)
	exec, err := e.Submit(limit("b1", Buy, 100, 1))
	require.NoError(t, err)

	assert.Empty(t, exec.Trades, "books of different symbols never match")
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, e.Symbols())
}

func TestEngine_CancelDoesNotCreateBook(t *testing.T) {
	e := NewEngine()

	_, ok := e.Cancel("DOGEUSD", "x")
	assert.False(t, ok)
	_, exists := e.Book("DOGEUSD")
	assert.False(t, exists)
	assert.Empty(t, e.Symbols())
}

func TestEngine_SubmitThenCancel(t *testing.T) {
	e := NewEngine()
	_, err := e.Submit(limit("b1", Buy, 100, 1))
	require.NoError(t, err)

	cancelled, ok := e.Cancel(testSymbol, "b1")
	require.True(t, ok)
	assert.Equal(t, Cancelled, cancelled.Status)

	book, _ := e.Book(testSymbol)
	assert.Empty(t, book.Bids())

	_, ok = e.Cancel(testSymbol, "b1")
	assert.False(t, ok)
}

func TestEngine_StampsCreatedAt(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEngine(WithEngineClock(func() time.Time { return at }))

	exec, err := e.Submit(limit("b1", Buy, 100, 1))
	require.NoError(t, err)
	assert.Equal(t, at, exec.Order.CreatedAt)

	given := limit("b2", Buy, 100, 1)
	given.CreatedAt = at.Add(-time.Hour)
	exec, err = e.Submit(given)
	require.NoError(t, err)
	assert.Equal(t, given.CreatedAt, exec.Order.CreatedAt)
}

func TestEngine_RejectsMissingSymbol(t *testing.T) {
	e := NewEngine()
	o := limit("b1", Buy, 100, 1)
	o.Symbol = ""

	_, err := e.Submit(o)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Empty(t, e.Symbols())
}

func TestEngine_AppliesBookOptions(t *testing.T) {
	e := NewEngine(WithBookOptions(WithTradeIDs(func() string { return "fixed" })))
	_, err := e.Submit(limit("a1", Sell, 100, 1))
	require.NoError(t, err)

	exec, err := e.Submit(limit("b1", Buy, 100, 1))
	require.NoError(t, err)
	require.Len(t, exec.Trades, 1)
	assert.Equal(t, "fixed", exec.Trades[0].ID)
}

func TestEngine_ConcurrentBookCreationYieldsOneBook(t *testing.T) {
	e := NewEngine()
	const n = 64

	books := make([]*Book, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			books[i] = e.bookFor("SOLUSD")
		}(i)
	}
	wg.Wait()

	for _, b := range books {
		assert.Same(t, books[0], b)
	}
	assert.Equal(t, []string{"SOLUSD"}, e.Symbols())
}
