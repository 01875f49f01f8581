package migrations

import (
	"github.com/ksred/klear-match/internal/types"
	"gorm.io/gorm"
)

// AddTrades creates the trades table and the indexes used by order and symbol lookups
func AddTrades(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	indexes := []string{
		// Trades touching an order, either side
		`CREATE INDEX IF NOT EXISTS idx_trades_buy_order_id
		 ON trades(buy_order_id)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_sell_order_id
		 ON trades(sell_order_id)`,

		// Recent trades per symbol
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_created_at
		 ON trades(symbol, created_at)`,

		// Restoring open books in arrival order
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_seq
		 ON orders(symbol, seq)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
