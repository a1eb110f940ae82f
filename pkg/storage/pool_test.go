package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-research/pkg/core"
)

func TestPoolFor(t *testing.T) {
	assert.Equal(t, SQLitePool(), PoolFor("sqlite"))
	assert.Equal(t, ServerPool(), PoolFor("postgres"))
	assert.Equal(t, 1, SQLitePool().MaxOpen)
	assert.Zero(t, SQLitePool().MaxLifetime, "connection is never recycled")
	assert.Equal(t, 5*time.Minute, ServerPool().MaxLifetime)
}

func TestPool_IsZero(t *testing.T) {
	assert.True(t, Pool{}.IsZero())
	assert.False(t, Pool{MaxIdle: 1}.IsZero())
}

func TestPool_Apply(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Pool{MaxOpen: 30, MaxIdle: 15, MaxLifetime: 7 * time.Minute}.Apply(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 30, sqlDB.Stats().MaxOpenConnections)
}

// With one connection an in-memory database survives between calls, so the
// schema migrated by one statement is visible to the next.
func TestPool_SQLiteKeepsMemoryDatabase(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, SQLitePool().Apply(db))

	s := NewGormStorage(db)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}
