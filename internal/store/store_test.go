package store

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

// openTestDB returns an in-memory database migrated with the full schema.
// A single connection keeps every query on the same in-memory instance.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.LoginCode{},
		&models.Message{},
		&models.Reaction{},
		&models.Presence{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}
