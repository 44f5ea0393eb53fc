package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

type DB struct {
	conn   *gorm.DB
	dbType string
	logger common.Logger
}

// NewDB creates a new DB instance and initializes the database connection
// (SQLite or PostgreSQL). Query tracing is enabled when verbose is set.
func NewDB(dbType string, dsn string, logger common.Logger, verbose bool) (*DB, error) {
	logger = alogger.OrNop(logger)
	cfg := &gorm.Config{
		Logger: alogger.NewGormLogger(logger, verbose),
	}

	var (
		conn *gorm.DB
		err  error
	)

	// Connect to the appropriate database based on the dbType
	switch dbType {
	case TypePostgres:
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	case TypeSQLite:
		conn, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbType, err)
	}

	if dbType == TypeSQLite {
		// SQLite allows a single writer. Serializing on one connection
		// keeps transactions from failing with "database is locked".
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	database := &DB{conn: conn, dbType: dbType, logger: logger.With(common.FieldModule, "db")}

	// Run migrations using reflection
	if err := database.AutoMigrateWithReflection(); err != nil {
		_ = database.Close()
		return nil, err
	}

	database.logger.Infow("database ready", "type", dbType)
	return database, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrateWithReflection finds and registers all GORM models using reflection
func (db *DB) AutoMigrateWithReflection() error {
	for _, model := range modelTypes {
		modelType := reflect.TypeOf(model)
		if modelType.Kind() == reflect.Ptr {
			modelType = modelType.Elem()
		}

		db.logger.Debugf("migrating model: %s", modelType.Name())
		if err := db.conn.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate model %s: %w", modelType.Name(), err)
		}
	}

	return nil
}

// lockRows reports whether row locks are taken inside transactions.
func (db *DB) lockRows() bool {
	return db.dbType == TypePostgres
}
