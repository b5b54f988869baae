package migrations

import (
	"gorm.io/gorm"
)

// AddSweepIndexes creates the indexes used by the expiration sweep and the
// polling read path.
func AddSweepIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index for the sweep scan over stale pending groups
		`CREATE INDEX IF NOT EXISTS idx_group_orders_status_deadline
		 ON group_orders(status, deadline)`,

		// Index linking groups back to their source order
		`CREATE INDEX IF NOT EXISTS idx_group_orders_source_order_id
		 ON group_orders(source_order_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
