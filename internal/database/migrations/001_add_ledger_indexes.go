package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the indexes the reconciliation engine depends on.
// payment_reference is the idempotency key for webhook application, so its
// uniqueness is enforced at the schema level as well as in the model tag.
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Unique index correlating webhook confirmations to ledger entries
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_member_ledger_entries_payment_reference
		 ON member_ledger_entries(payment_reference)`,

		// Composite index for the paidSum recompute (SUM over PAID entries)
		`CREATE INDEX IF NOT EXISTS idx_member_ledger_entries_group_status
		 ON member_ledger_entries(group_id, status)`,

		// Index for participant history lookups
		`CREATE INDEX IF NOT EXISTS idx_member_ledger_entries_created_at
		 ON member_ledger_entries(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
