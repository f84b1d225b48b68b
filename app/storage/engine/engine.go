// Package engine provides sql engine (sqlite or postgres) shared by storage tables,
// with dialect-specific queries, table initialization and locking.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	gid    string // group id, to allow per-group storage in the same database
	dbType Type   // type of the database engine
}

// TableConfig defines a table for InitTable
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	MigrateFunc   func(ctx context.Context, tx *sqlx.Tx, gid string) error
	QueriesMap    *QueryMap
}

// New creates a new database engine from the connection url. Supported formats:
// ":memory:", "file://path", "file:path", "sqlite://path", "path.sqlite", "path.db" for sqlite,
// and "postgres://..." or "postgresql://..." for postgres.
func New(ctx context.Context, connURL, gid string) (*SQL, error) {
	if connURL == "" {
		return nil, fmt.Errorf("connection URL is empty")
	}

	switch {
	case connURL == ":memory:":
		return NewSqlite(connURL, gid)
	case strings.HasPrefix(connURL, "file://"):
		return NewSqlite(strings.TrimPrefix(connURL, "file://"), gid)
	case strings.HasPrefix(connURL, "file:"):
		return NewSqlite(strings.TrimPrefix(connURL, "file:"), gid)
	case strings.HasPrefix(connURL, "sqlite://"):
		return NewSqlite(strings.TrimPrefix(connURL, "sqlite://"), gid)
	case strings.HasSuffix(connURL, ".sqlite") || strings.HasSuffix(connURL, ".db"):
		return NewSqlite(connURL, gid)
	case strings.HasPrefix(connURL, "postgres://") || strings.HasPrefix(connURL, "postgresql://"):
		return NewPostgres(ctx, connURL, gid)
	}
	return nil, fmt.Errorf("unsupported database type in connection string %q", connURL)
}

// NewSqlite creates a new sqlite database
func NewSqlite(file, gid string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	if err := setSqlitePragma(db); err != nil {
		return &SQL{}, err
	}
	if file == ":memory:" {
		// each connection gets its own in-memory database, keep a single one
		db.SetMaxOpenConns(1)
	}
	return &SQL{DB: *db, gid: gid, dbType: Sqlite}, nil
}

// NewPostgres creates a new postgres database. Creates the database if it doesn't exist.
// Connection is retried a few times to survive slow database startup.
func NewPostgres(ctx context.Context, connURL, gid string) (*SQL, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection url: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return nil, fmt.Errorf("database name not specified")
	}

	// connect to the service database to check and create the target one
	adminURL := *u
	adminURL.Path = "/postgres"
	adminDB, err := connectPostgres(ctx, adminURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	var exists bool
	err = adminDB.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName)
	if err != nil {
		_ = adminDB.Close()
		return nil, fmt.Errorf("failed to check database %s existence: %w", dbName, err)
	}
	if !exists {
		log.Printf("[INFO] creating postgres database %s", dbName)
		if _, err = adminDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
			_ = adminDB.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
	}
	if err = adminDB.Close(); err != nil {
		log.Printf("[WARN] failed to close postgres admin connection: %v", err)
	}

	db, err := connectPostgres(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database %s: %w", dbName, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &SQL{DB: *db, gid: gid, dbType: Postgres}, nil
}

func connectPostgres(ctx context.Context, connURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", connURL)
	if err != nil {
		return nil, err
	}
	err = repeater.NewDefault(3, 500*time.Millisecond).Do(ctx, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// GID returns the group id
func (e *SQL) GID() string {
	return e.gid
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// Adopt converts "?" placeholders to "$n" for postgres, leaving question marks inside string literals as is.
// For other engines the query is returned unchanged.
func (e *SQL) Adopt(q string) string {
	if e.dbType != Postgres {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n, inLiteral := 0, false
	for _, r := range q {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			sb.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Location returns the identity of the database the engine is connected to: the main file for sqlite
// (empty for in-memory databases) or database name with server address and port for postgres.
func (e *SQL) Location(ctx context.Context) (string, error) {
	var res string
	query := `SELECT file FROM pragma_database_list WHERE name = 'main'`
	if e.dbType == Postgres {
		query = `SELECT current_database() || '@' || COALESCE(host(inet_server_addr()), 'local') || ':' ||
			COALESCE(inet_server_port()::text, '')`
	}
	if err := e.GetContext(ctx, &res, query); err != nil {
		return "", fmt.Errorf("failed to get database location: %w", err)
	}
	return res, nil
}

// MakeLock creates a new lock for the database engine
func (e *SQL) MakeLock() RWLocker {
	if e.dbType == Sqlite {
		return new(sync.RWMutex) // sqlite need locking
	}
	return &NoopLocker{} // other engines don't need locking
}

func setSqlitePragma(db *sqlx.DB) error {
	pragmas := map[string]string{
		"busy_timeout": "5000",
	}

	// set pragma
	for name, value := range pragmas {
		if _, err := db.Exec("PRAGMA " + name + " = " + value); err != nil {
			return err
		}
	}
	return nil
}

// InitTable creates the table and its indexes if needed and runs migration, all in a single transaction
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	createTable, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateTable)
	if err != nil {
		return fmt.Errorf("failed to get create table query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create %s table: %w", cfg.Name, err)
	}

	if cfg.MigrateFunc != nil {
		if err = cfg.MigrateFunc(ctx, tx, db.GID()); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", cfg.Name, err)
		}
	}

	createIndexes, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateIndexes)
	if err != nil {
		return fmt.Errorf("failed to get create indexes query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, createIndexes); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", cfg.Name, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
