package migrations

import "gorm.io/gorm"

// ScopeIdempotencyKeys drops the old index that made an idempotency key
// unique across all clients. Keys are now unique per client.
func ScopeIdempotencyKeys(db *gorm.DB) error {
	return db.Exec(`DROP INDEX IF EXISTS idx_idempotency_records_idempotency_key`).Error
}
