package database

import (
	"fmt"

	"github.com/tabshare/tabshare-api/internal/database/migrations"
	"github.com/tabshare/tabshare-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the sqlite database at path and prepares the schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate the aggregate schemas
	err = db.AutoMigrate(
		&types.SourceOrder{},
		&types.GroupOrder{},
		&types.MemberLedgerEntry{},
	)
	if err != nil {
		return nil, err
	}

	// Run index migrations
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddSweepIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
