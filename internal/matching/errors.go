package matching

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOrder is returned for orders that break the submission contract
	// (non-positive quantity, negative price, unknown side or kind, ...).
	ErrInvalidOrder = errors.New("invalid order")
	// ErrDuplicateOrder is returned when an order id is already resting in the book.
	ErrDuplicateOrder = errors.New("duplicate order id")
	// ErrSymbolMismatch is returned when a book receives an order for another symbol.
	ErrSymbolMismatch = errors.New("symbol mismatch")
)

// OrderError describes why an order was refused before it touched the book.
type OrderError struct {
	OrderID string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %q: %s: %s", e.OrderID, e.Err, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

func invalid(id, reason string) error {
	return &OrderError{OrderID: id, Reason: reason, Err: ErrInvalidOrder}
}
