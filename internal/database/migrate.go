// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// 返されたインスタンスのCloseは内部で開いたDB接続も閉じる。
func NewMigrator(driver, dsn string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	var instance migratedb.Driver
	switch driver {
	case DriverPostgres:
		instance, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		instance, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s migration driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(driver, dsn string) error {
	m, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
