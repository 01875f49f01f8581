package trading

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord remembers the order a client created under a key.
// Keys are scoped to the client that sent them.
type IdempotencyRecord struct {
	gorm.Model
	ClientID       string    `gorm:"uniqueIndex:idx_idempotency_client_key" json:"client_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_client_key" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol" binding:"required"`
	Side      string `json:"side" binding:"required,oneof=buy sell BUY SELL"`
	OrderType string `json:"order_type" binding:"required,oneof=limit market LIMIT MARKET"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity" binding:"required"`
}
