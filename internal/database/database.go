package database

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/trade-coordinator/internal/locks"
	"github.com/ksred/trade-coordinator/internal/positions"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection with all
// coordinator schemas migrated.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "coordinator.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrateAndLimit(db); err != nil {
		return nil, err
	}
	return db, nil
}

// migrateAndLimit serializes sqlite access through one connection;
// concurrent acquire transactions otherwise race into SQLITE_BUSY.
func migrateAndLimit(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	return migrate(db)
}

// NewTestDatabase returns a uniquely named in-memory database so
// parallel tests never share state.
func NewTestDatabase() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrateAndLimit(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&locks.ResourceLock{},
		&locks.QueueEntry{},
		&positions.ClosedPositionRecord{},
	)
}
