// Package storagetest opens throwaway SQLite databases for package tests.
package storagetest

import (
	"testing"

	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	gormlogger "gorm.io/gorm/logger"
)

// NewSQLite returns a migrated in-memory database. A single pooled connection
// keeps the in-memory database alive for the whole test.
func NewSQLite(t testing.TB) *storage.Postgres {
	t.Helper()

	db, err := storage.Open(sqlite.Open(":memory:"), zap.NewNop(), gormlogger.Silent)
	require.NoError(t, err)

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}
