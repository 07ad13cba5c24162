// Package database owns SQL connectivity for the control plane. Postgres is
// used when DATABASE_URL is configured; otherwise the system falls back to
// lite mode, a local SQLite file. Both the event log and the projection
// store run on either engine.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver (cgo-free)
)

// Dialect selects SQL syntax for the backing engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open connects according to databaseURL. An empty URL selects lite mode:
// a SQLite file named director.db under dataDir.
func Open(ctx context.Context, databaseURL, dataDir string) (*sql.DB, Dialect, error) {
	if databaseURL == "" {
		if dataDir == "" {
			dataDir = "data"
		}
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, "", fmt.Errorf("database: create data dir: %w", err)
		}
		path := filepath.Join(dataDir, "director.db")
		slog.Default().With("component", "database").Info("lite mode", "path", path)
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, "", fmt.Errorf("database: open sqlite: %w", err)
		}
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
		return db, DialectSQLite, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("database: ping postgres: %w", err)
	}
	return db, DialectPostgres, nil
}

// Rebind converts `?` placeholders to the dialect's form. Queries in this
// repository are written with `?`; postgres needs `$1..$N`.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// AutoIncrementPK returns the dialect's auto-incrementing integer primary
// key column definition.
func AutoIncrementPK(d Dialect) string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
