package types

import (
	"github.com/ksred/klear-match/internal/matching"
)

// BookOrdersResponse lists the resting orders of a book in priority order.
type BookOrdersResponse struct {
	Symbol string           `json:"symbol"`
	Bids   []matching.Order `json:"bids"`
	Asks   []matching.Order `json:"asks"`
}

// CancelResponse is returned by a successful cancel.
type CancelResponse struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Filled  string      `json:"filled"`
}
