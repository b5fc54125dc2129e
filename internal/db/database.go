// Package db stores completed scan results in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

const (
	defaultMaxOpenConns    = 4
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = time.Minute
)

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns a small pool; the sink writes once per scan.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Connect opens and pings a PostgreSQL connection. The DSN is never
// included in returned errors.
func Connect(ctx context.Context, dsn string, pool PoolConfig) (*DB, error) {
	if dsn == "" {
		return nil, scanerrors.NewConfigFieldError(scanerrors.CodeConfiguration, "results DSN is empty", "storage.results_dsn", "")
	}

	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseConnection, "failed to connect to results database", err)
	}

	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := conn.PingContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logging.Warn("Failed to close results database after ping failure")
		}
		return nil, scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseConnection, "failed to verify results database connection", err)
	}

	return &DB{DB: conn}, nil
}

// ConnectAndMigrate connects and applies pending migrations.
func ConnectAndMigrate(ctx context.Context, dsn string, pool PoolConfig, logger *logging.Logger) (*DB, error) {
	database, err := Connect(ctx, dsn, pool)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(database.DB, logger).Up(ctx); err != nil {
		if closeErr := database.Close(); closeErr != nil {
			logger.Warn("Failed to close results database after migration failure", "error", closeErr)
		}
		return nil, err
	}
	return database, nil
}

// sanitizeDBError maps driver errors onto database error codes while keeping
// the raw error as the cause for logging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		dbErr := scanerrors.WrapDatabaseError(scanerrors.CodeCanceled, "database operation was canceled", err)
		dbErr.Operation = operation
		return dbErr
	}
	if errors.Is(err, sql.ErrNoRows) {
		dbErr := scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseQuery, "no rows found", err)
		dbErr.Operation = operation
		return dbErr
	}

	var dbErr *scanerrors.DatabaseError
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23502", "23503", "23514": // not_null, foreign_key, check
			dbErr = scanerrors.WrapDatabaseError(scanerrors.CodeValidation, "result row failed a constraint", err)
		case "57014":
			dbErr = scanerrors.WrapDatabaseError(scanerrors.CodeCanceled, "database operation was canceled", err)
		case "57P01", "08000", "08003", "08006":
			dbErr = scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseConnection, "database connection lost", err)
		default:
			dbErr = scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation), err)
		}
	} else {
		dbErr = scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation), err)
	}
	dbErr.Operation = operation
	return dbErr
}
