package processor

import (
	"context"
	"errors"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/shopspring/decimal"
)

// ErrStopped is returned for calls made after the processor shut down.
var ErrStopped = errors.New("processor stopped")

// lane owns the book of one symbol. Every operation on that book runs on the
// lane's goroutine, one at a time.
type lane struct {
	symbol string
	reqs   chan func()

	// executions matched in the book but not yet stored, by order id
	unsaved   map[string]matching.Execution
	lastPrice decimal.Decimal
}

func newLane(symbol string) *lane {
	return &lane{
		symbol:  symbol,
		reqs:    make(chan func()),
		unsaved: make(map[string]matching.Execution),
	}
}

func (l *lane) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case fn := <-l.reqs:
			fn()
		}
	}
}

// do runs fn on the lane and waits for it to finish.
func (l *lane) do(ctx context.Context, done <-chan struct{}, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.reqs <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}
}
