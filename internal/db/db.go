// Package db provides database connection helpers for the session store.
//
// Two backends are supported: bundled SQLite for single-node deployments and
// PostgreSQL when DATABASE_URL is set. Repositories are written against sqlx
// with Rebind so the same queries run on both.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// Open connects to the store selected by url: postgres:// URLs open a pgx
// pool, anything else (including empty) opens SQLite at sqlitePath.
func Open(url, sqlitePath string, maxConns int) (*sqlx.DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenPostgres(url, maxConns)
	}
	return OpenSQLite(sqlitePath)
}

// OpenPostgres opens a PostgreSQL connection pool via the pgx stdlib driver.
func OpenPostgres(url string, maxConns int) (*sqlx.DB, error) {
	pool, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxConns > 0 {
		pool.SetMaxOpenConns(maxConns)
		pool.SetMaxIdleConns(maxConns / 2)
	}
	pool.SetConnMaxLifetime(time.Hour)
	return pool, nil
}

// OpenSQLite opens a SQLite database in WAL mode. Writes are serialized
// through a single connection to avoid SQLITE_BUSY under contention.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}

	// foreign_keys=on enforces FK constraints; WAL allows concurrent reads
	// alongside the single writer; busy_timeout waits briefly on locks.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	pool, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	return pool, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return "maice.db"
	}
	if strings.HasPrefix(dbPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, dbPath[2:])
		}
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
