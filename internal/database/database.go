// Package database connects the sentinel to the GrantPulse platform's
// Postgres instance. It reads the platform's job and grant tables to
// build rule-engine snapshots and writes the alert audit trail. The
// sentinel runs fine without it: every consumer tolerates a nil handle.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/grantpulse/sentinel/pkg/config"
	"github.com/grantpulse/sentinel/pkg/errors"
)

// DB wraps the sqlx handle with a prepared-statement cache and the
// pool settings the sentinel uses.
type DB struct {
	*sqlx.DB
	stmtCache map[string]*sqlx.Stmt
	stmtMutex sync.RWMutex
}

// New opens a connection pool against the platform database and verifies
// it with a ping.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	return &DB{
		DB:        db,
		stmtCache: make(map[string]*sqlx.Stmt),
	}, nil
}

// Close drains the statement cache and closes the connection pool.
func (db *DB) Close() error {
	if db.DB != nil {
		if err := db.ClearStatementCache(); err != nil {
			return err
		}
		return db.DB.Close()
	}
	return nil
}

// Health reports whether the database is reachable.
func (db *DB) Health(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return errors.NewUnavailableError("database")
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}
	return nil
}

// Stats returns pool statistics for the health endpoint.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// PrepareStatement prepares and caches a statement under name. The audit
// log uses it for its hot insert path.
func (db *DB) PrepareStatement(ctx context.Context, name, query string) (*sqlx.Stmt, error) {
	db.stmtMutex.RLock()
	if stmt, exists := db.stmtCache[name]; exists {
		db.stmtMutex.RUnlock()
		return stmt, nil
	}
	db.stmtMutex.RUnlock()

	db.stmtMutex.Lock()
	defer db.stmtMutex.Unlock()

	// Double-check after acquiring write lock
	if stmt, exists := db.stmtCache[name]; exists {
		return stmt, nil
	}

	stmt, err := db.PreparexContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternalError("failed to prepare statement").WithCause(err)
	}

	db.stmtCache[name] = stmt
	return stmt, nil
}

// ClearStatementCache closes and drops every cached statement.
func (db *DB) ClearStatementCache() error {
	db.stmtMutex.Lock()
	defer db.stmtMutex.Unlock()

	var errs []error
	for name, stmt := range db.stmtCache {
		if err := stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close statement %s: %w", name, err))
		}
	}
	db.stmtCache = make(map[string]*sqlx.Stmt)

	if len(errs) > 0 {
		return errors.NewInternalError("failed to clear statement cache").WithCause(fmt.Errorf("%v", errs))
	}
	return nil
}
