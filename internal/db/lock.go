package db

import (
	"fmt"

	"gorm.io/gorm"
)

// LockKey takes a transaction-scoped lock on key. On PostgreSQL this is an
// advisory lock released at commit or rollback. SQLite needs nothing: the
// single connection already serializes transactions.
func LockKey(tx *gorm.DB, key string) error {
	if !IsPostgres(tx) {
		return nil
	}
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", key).Error; err != nil {
		return fmt.Errorf("db: advisory lock: %w", err)
	}
	return nil
}
