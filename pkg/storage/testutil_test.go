package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB returns an in-memory SQLite database, or the PostgreSQL
// database named by TEST_DATABASE_URL with every table emptied before and
// after the test.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	quiet := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	dsn, shared := os.LookupEnv("TEST_DATABASE_URL")
	dialector := sqlite.Open(":memory:")
	pool := SQLitePool()
	if shared && dsn != "" {
		dialector = postgres.Open(dsn)
		pool = Pool{MaxOpen: 2, MaxIdle: 1}
	}

	db, err := gorm.Open(dialector, quiet)
	require.NoError(t, err)
	require.NoError(t, pool.Apply(db))
	if dialector.Name() == "postgres" {
		truncate(t, db)
		t.Cleanup(func() { truncate(t, db) })
	}
	return db
}

func truncate(t *testing.T, db *gorm.DB) {
	t.Helper()
	all := db.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, m := range models() {
		if db.Migrator().HasTable(m) {
			require.NoError(t, all.Delete(m).Error)
		}
	}
}

// newTestStorage returns a migrated store on openTestDB.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}
