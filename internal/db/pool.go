// Package db opens and pools the orchestrator's durable store. SQLite is the
// default backend; PostgreSQL is selected via configuration for multi-node
// deployments.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/orchestrator/internal/common/config"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection: the writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL both Writer and Reader return the same *sqlx.DB since the
// driver handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Open opens a Pool for the configured driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(writer, "sqlite3"),
			reader: sqlx.NewDb(reader, "sqlite3"),
			driver: "sqlite3",
		}, nil
	case "postgres":
		conn, err := OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		return &Pool{writer: shared, reader: shared, driver: "pgx"}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewPool creates a Pool from separate writer and reader connections. Used by
// tests that open in-memory databases directly.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader, driver: writer.DriverName()}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the sqlx driver name ("sqlite3" or "pgx").
func (p *Pool) DriverName() string { return p.driver }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
