package migrations

import (
	"github.com/ksred/klear-match/internal/types"
	"gorm.io/gorm"
)

// AddVenueExecutions creates the tables holding what routed remainders did
// on external venues, with the indexes the executions endpoint reads by.
func AddVenueExecutions(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Execution{}, &types.ExchangeFill{}); err != nil {
		return err
	}

	indexes := []string{
		// Executions of an order, oldest first
		`CREATE INDEX IF NOT EXISTS idx_executions_order_id_created_at
		 ON executions(order_id, created_at)`,

		// Preloading the fills of an execution
		`CREATE INDEX IF NOT EXISTS idx_exchange_fills_execution_id
		 ON exchange_fills(execution_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
