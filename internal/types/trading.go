package types

import (
	"time"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the persisted status of an order. It extends the book
// statuses with the states the execution pipeline adds around the book.
type OrderStatus string

const (
	StatusPending     OrderStatus = OrderStatus(matching.Pending)
	StatusPartial     OrderStatus = OrderStatus(matching.Partial)
	StatusFilled      OrderStatus = OrderStatus(matching.Filled)
	StatusCancelled   OrderStatus = OrderStatus(matching.Cancelled)
	StatusRejected    OrderStatus = "rejected"     // refused by the book
	StatusRouted      OrderStatus = "routed"       // remainder executed on external venues
	StatusRouteFailed OrderStatus = "route_failed" // remainder could not be placed externally
)

// Open reports whether an order with this status may still rest in a book.
func (s OrderStatus) Open() bool {
	return s == StatusPending || s == StatusPartial
}

type Order struct {
	gorm.Model  `json:"-"`
	OrderID     string          `gorm:"uniqueIndex" json:"order_id"`
	ClientID    string          `gorm:"index" json:"client_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	Side        string          `json:"side"`       // buy or sell
	OrderType   string          `json:"order_type"` // limit or market
	Price       decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	Filled      decimal.Decimal `gorm:"type:decimal(36,18)" json:"filled"`
	Status      OrderStatus     `gorm:"index" json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Seq         uint64          `json:"-"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Matching converts the stored order into the value the book works on.
func (o *Order) Matching() matching.Order {
	return matching.Order{
		ID:        o.OrderID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Side:      matching.Side(o.Side),
		Kind:      matching.Kind(o.OrderType),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.Filled,
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt,
	}
}

// Trade is the persisted form of a matching.Trade.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	TakerSide   string          `json:"taker_side"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewTrade builds the row for a trade produced by the book.
func NewTrade(t matching.Trade) Trade {
	return Trade{
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		Price:       t.Price,
		Quantity:    t.Quantity,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		TakerSide:   string(t.TakerSide),
		CreatedAt:   t.CreatedAt,
	}
}

type ExchangeFill struct {
	gorm.Model   `json:"-"`
	FillID       string          `gorm:"uniqueIndex" json:"fill_id"`
	ExecutionID  string          `json:"execution_id"`
	ExchangeID   string          `json:"exchange_id"`
	ExchangeName string          `json:"exchange_name"`
	Price        decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity     decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	FeeRate      decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee_rate"`
	FeeAmount    decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee_amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Execution groups the external venue fills of an order remainder the book
// could not match.
type Execution struct {
	gorm.Model    `json:"-"`
	ExecutionID   string          `gorm:"uniqueIndex" json:"execution_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	TotalQuantity decimal.Decimal `gorm:"type:decimal(36,18)" json:"total_quantity"`
	AveragePrice  decimal.Decimal `gorm:"type:decimal(36,18)" json:"average_price"`
	Side          string          `json:"side"`
	Status        string          `json:"status"` // COMPLETED, FAILED
	Fills         []ExchangeFill  `json:"fills,omitempty" gorm:"foreignKey:ExecutionID;references:ExecutionID"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
