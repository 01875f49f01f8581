package trading

import (
	"errors"
	"time"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND client_id = ?", orderID, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a
// transaction. An expired record for the same client and key is replaced.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("client_id = ? AND idempotency_key = ? AND expires_at <= ?", order.ClientID, idempotencyKey, time.Now()).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}

		if err := tx.Create(order).Error; err != nil {
			return err
		}

		record := IdempotencyRecord{
			ClientID:       order.ClientID,
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves a client's idempotency record by key, or nil
// when there is none
func (d *Database) GetIdempotencyRecord(clientID, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("client_id = ? AND idempotency_key = ?", clientID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveExecution records the outcome of matching one order: the trades it
// produced, its own new state and the state of every resting order it hit.
func (d *Database) SaveExecution(exec matching.Execution) error {
	now := time.Now()
	return d.db.Transaction(func(tx *gorm.DB) error {
		if len(exec.Trades) > 0 {
			trades := make([]types.Trade, len(exec.Trades))
			for i, t := range exec.Trades {
				trades[i] = types.NewTrade(t)
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&trades).Error; err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"filled":       exec.Order.Filled,
			"status":       types.OrderStatus(exec.Order.Status),
			"seq":          exec.Order.Seq,
			"processed_at": now,
			"updated_at":   now,
		}
		if err := tx.Model(&types.Order{}).Where("order_id = ?", exec.Order.ID).Updates(updates).Error; err != nil {
			return err
		}

		for _, maker := range exec.Makers {
			if err := tx.Model(&types.Order{}).Where("order_id = ?", maker.ID).Updates(map[string]interface{}{
				"filled":     maker.Filled,
				"status":     types.OrderStatus(maker.Status),
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetOrderStatus overwrites the status of an order, with an optional reason.
func (d *Database) SetOrderStatus(orderID string, status types.OrderStatus, reason string) error {
	return d.db.Model(&types.Order{}).Where("order_id = ?", orderID).Updates(map[string]interface{}{
		"status":       status,
		"reason":       reason,
		"processed_at": time.Now(),
		"updated_at":   time.Now(),
	}).Error
}

// MarkCancelled stores the final state of a cancelled order.
func (d *Database) MarkCancelled(order matching.Order) error {
	return d.db.Model(&types.Order{}).Where("order_id = ?", order.ID).Updates(map[string]interface{}{
		"filled":     order.Filled,
		"status":     types.StatusCancelled,
		"updated_at": time.Now(),
	}).Error
}

// OpenOrders returns the limit orders that were resting in a book when the
// server stopped, in the order they arrived at their book.
func (d *Database) OpenOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status IN ? AND order_type = ? AND processed_at IS NOT NULL",
			[]types.OrderStatus{types.StatusPending, types.StatusPartial}, string(matching.Limit)).
		Order("symbol, seq").
		Find(&orders).Error
	return orders, err
}

// TradesForOrder returns every trade an order took part in, oldest first.
func (d *Database) TradesForOrder(orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("created_at, id").
		Find(&trades).Error
	return trades, err
}

// CreateExecution stores an external venue execution with its fills.
func (d *Database) CreateExecution(execution *types.Execution) error {
	return d.db.Create(execution).Error
}

// GetExecutionsForOrder returns the venue executions of an order with their
// fills, oldest first.
func (d *Database) GetExecutionsForOrder(orderID string) ([]types.Execution, error) {
	var executions []types.Execution
	err := d.db.Preload("Fills").
		Where("order_id = ?", orderID).
		Order("created_at, id").
		Find(&executions).Error
	return executions, err
}
