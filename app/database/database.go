// Package database opens the gorm connection for the configured driver and
// migrates the catalog schema.
package database

import (
	"database/sql/driver"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stockroom/inventory-api/app/config"
	"github.com/stockroom/inventory-api/models"
)

// Open connects to the configured database. Driver errors are translated into
// gorm.ErrDuplicatedKey and gorm.ErrForeignKeyViolated where the dialector supports it.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		// Keep at least one idle connection; an in-memory SQLite database
		// disappears together with its last connection.
		idle := max(cfg.MaxOpenConns/2, 1)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(idle)
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite":
		if err := registerSQLiteFunctions(); err != nil {
			return nil, err
		}
		return sqlite.Open(sqliteDSN(cfg.DSN)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

var (
	sqliteFunctionsOnce sync.Once
	sqliteFunctionsErr  error
)

// registerSQLiteFunctions replaces SQLite's lower(), which folds ASCII only,
// with one that lowercases like strings.ToLower. Search patterns are lowered
// in Go, so both sides of LIKE must agree.
func registerSQLiteFunctions() error {
	sqliteFunctionsOnce.Do(func() {
		sqliteFunctionsErr = gosqlite.RegisterDeterministicScalarFunction("lower", 1, unicodeLower)
		if sqliteFunctionsErr != nil {
			sqliteFunctionsErr = fmt.Errorf("register sqlite lower(): %w", sqliteFunctionsErr)
		}
	})
	return sqliteFunctionsErr
}

func unicodeLower(_ *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// sqliteDSN turns on foreign key enforcement for every connection opened
// from dsn, unless the DSN already sets it. Items rely on the constraint to
// reject unknown categories.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// Migrate creates or updates the tables of every model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Category{},
		&models.Item{},
		&models.User{},
		&models.Token{},
		&models.ConsumedResetToken{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
