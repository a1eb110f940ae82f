package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Pool sizes the database/sql connection pool under a GormStorage. Zero
// lifetimes mean connections are never recycled.
type Pool struct {
	MaxOpen     int           `yaml:"max_open"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// ServerPool suits a networked database shared by several workers.
func ServerPool() Pool {
	return Pool{MaxOpen: 25, MaxIdle: 10, MaxLifetime: 5 * time.Minute, MaxIdleTime: time.Minute}
}

// SQLitePool keeps one connection open for good. SQLite takes one writer
// at a time, and an in-memory database disappears with its connection.
func SQLitePool() Pool {
	return Pool{MaxOpen: 1, MaxIdle: 1}
}

// PoolFor returns the default pool for a driver name.
func PoolFor(driver string) Pool {
	if driver == "sqlite" {
		return SQLitePool()
	}
	return ServerPool()
}

// IsZero reports whether no limit was set.
func (p Pool) IsZero() bool {
	return p == Pool{}
}

// Apply sets p on db's underlying *sql.DB.
func (p Pool) Apply(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(p.MaxOpen)
	sqlDB.SetMaxIdleConns(p.MaxIdle)
	sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	return nil
}
