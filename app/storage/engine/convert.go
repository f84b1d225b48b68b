package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ExportTables lists tables exported by Converter, in the order they are written
var ExportTables = []string{"category_counts", "feature_category_counts", "dictionary"}

// Converter converts a sqlite database with classifier counts and excluded words to other formats
type Converter struct {
	db     *SQL
	tables []string
}

// NewConverter creates a new converter for the given SQL engine, exporting the given tables.
// Without tables ExportTables is used.
func NewConverter(db *SQL, tables ...string) *Converter {
	if len(tables) == 0 {
		tables = ExportTables
	}
	return &Converter{db: db, tables: tables}
}

// SqliteToPostgres writes the sqlite database as a postgres SQL script: schema, data as COPY blocks
// and indexes, wrapped in a transaction. Missing tables are skipped.
func (c *Converter) SqliteToPostgres(ctx context.Context, w io.Writer) error {
	if c.db.dbType != Sqlite {
		return fmt.Errorf("source database must be SQLite, got %s", c.db.dbType)
	}

	// single read transaction for a consistent snapshot
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	header := fmt.Sprintf("-- SQLite to PostgreSQL export of classifier counts\n-- Generated: %s\n-- GID: %s\n\nBEGIN;\n\n",
		time.Now().Format(time.RFC3339), c.db.gid)
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, table := range c.tables {
		var count int
		query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
		if err := tx.GetContext(ctx, &count, query, table); err != nil {
			return fmt.Errorf("failed to check if table %s exists: %w", table, err)
		}
		if count == 0 {
			continue
		}
		if err := c.convertTable(ctx, tx, w, table); err != nil {
			return err
		}
	}

	if _, err := io.WriteString(w, "COMMIT;\n"); err != nil {
		return fmt.Errorf("failed to write transaction commit: %w", err)
	}
	return nil
}

func (c *Converter) convertTable(ctx context.Context, tx *sqlx.Tx, w io.Writer, table string) error {
	var createStmt string
	if err := tx.GetContext(ctx, &createStmt, "SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table); err != nil {
		return fmt.Errorf("failed to get schema for table %s: %w", table, err)
	}
	if _, err := fmt.Fprintf(w, "%s;\n\n", c.convertTableSchema(createStmt)); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}

	var columns []string
	if err := tx.SelectContext(ctx, &columns, "SELECT name FROM PRAGMA_TABLE_INFO(?)", table); err != nil {
		return fmt.Errorf("failed to get columns for table %s: %w", table, err)
	}
	if err := c.exportTableData(ctx, tx, w, table, columns); err != nil {
		return err
	}

	var indices []string
	query := "SELECT sql FROM sqlite_master WHERE type='index' AND tbl_name=? AND sql IS NOT NULL"
	if err := tx.SelectContext(ctx, &indices, query, table); err != nil {
		return fmt.Errorf("failed to get indices for table %s: %w", table, err)
	}
	for _, idx := range indices {
		if _, err := fmt.Fprintf(w, "%s;\n", idx); err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// convertTableSchema converts a sqlite CREATE TABLE statement to postgres syntax
func (c *Converter) convertTableSchema(sqliteStmt string) string {
	pgStmt := strings.ReplaceAll(sqliteStmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	pgStmt = strings.ReplaceAll(pgStmt, "DATETIME", "TIMESTAMP")
	pgStmt = strings.ReplaceAll(pgStmt, "BLOB", "BYTEA")
	if !strings.Contains(pgStmt, "IF NOT EXISTS") {
		pgStmt = strings.Replace(pgStmt, "CREATE TABLE", "CREATE TABLE IF NOT EXISTS", 1)
	}
	return pgStmt
}

// exportTableData writes table rows as postgres COPY block
func (c *Converter) exportTableData(ctx context.Context, tx *sqlx.Tx, w io.Writer, table string, columns []string) error {
	var count int
	if err := tx.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return fmt.Errorf("failed to get row count: %w", err)
	}
	if count == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(w, "-- Data for table %s\nCOPY %s (%s) FROM stdin;\n", table, table, strings.Join(columns, ", ")); err != nil {
		return fmt.Errorf("failed to write COPY header: %w", err)
	}

	rows, err := tx.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY id", table))
	if err != nil {
		return fmt.Errorf("failed to query data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		values := make([]string, 0, len(columns))
		for _, col := range columns {
			values = append(values, formatPostgresValue(row[col]))
		}
		if _, err := fmt.Fprintf(w, "%s\n", strings.Join(values, "\t")); err != nil {
			return fmt.Errorf("failed to write data row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	if _, err := io.WriteString(w, "\\.\n\n"); err != nil {
		return fmt.Errorf("failed to write COPY end: %w", err)
	}

	// COPY doesn't advance serial sequences
	seq := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE(MAX(id), 1)) FROM %s;\n\n", table, table)
	if _, err := io.WriteString(w, seq); err != nil {
		return fmt.Errorf("failed to write sequence reset: %w", err)
	}
	return nil
}

// formatPostgresValue formats a value for postgres COPY format
func formatPostgresValue(value any) string {
	escape := func(s string) string {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\t", "\\t")
		s = strings.ReplaceAll(s, "\n", "\\n")
		return strings.ReplaceAll(s, "\r", "\\r")
	}
	switch v := value.(type) {
	case nil:
		return "\\N"
	case []byte:
		return escape(string(v))
	case string:
		return escape(v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	case bool:
		if v {
			return "t"
		}
		return "f"
	default:
		return fmt.Sprintf("%v", v)
	}
}
