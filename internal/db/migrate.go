package db

import (
	"fmt"

	"github.com/router-for-me/CreditMeter/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.QuotaEvent{},
		&models.Profile{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	if errFunc := conn.Exec(`
		CREATE OR REPLACE FUNCTION quota_events_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'quota_events is append-only';
		END;
		$$ LANGUAGE plpgsql
	`).Error; errFunc != nil {
		return fmt.Errorf("db: create append-only function: %w", errFunc)
	}
	if errTrigger := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_trigger WHERE tgname = 'quota_events_append_only'
			) THEN
				CREATE TRIGGER quota_events_append_only
				BEFORE UPDATE OR DELETE ON quota_events
				FOR EACH ROW EXECUTE FUNCTION quota_events_append_only();
			END IF;
		END $$;
	`).Error; errTrigger != nil {
		return fmt.Errorf("db: create append-only trigger: %w", errTrigger)
	}

	if errRoleCheck := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'profiles_role_check'
			) THEN
				ALTER TABLE profiles
				ADD CONSTRAINT profiles_role_check CHECK (role IN ('user', 'admin'));
			END IF;
		END $$;
	`).Error; errRoleCheck != nil {
		return fmt.Errorf("db: add profile role check: %w", errRoleCheck)
	}
	return nil
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.QuotaEvent{},
		&models.Profile{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	if errUpdate := conn.Exec(`
		CREATE TRIGGER IF NOT EXISTS quota_events_no_update
		BEFORE UPDATE ON quota_events
		BEGIN
			SELECT RAISE(ABORT, 'quota_events is append-only');
		END
	`).Error; errUpdate != nil {
		return fmt.Errorf("db: create append-only update trigger: %w", errUpdate)
	}
	if errDelete := conn.Exec(`
		CREATE TRIGGER IF NOT EXISTS quota_events_no_delete
		BEFORE DELETE ON quota_events
		BEGIN
			SELECT RAISE(ABORT, 'quota_events is append-only');
		END
	`).Error; errDelete != nil {
		return fmt.Errorf("db: create append-only delete trigger: %w", errDelete)
	}
	return nil
}
