package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepCountsDB(t *testing.T) *SQL {
	t.Helper()
	db, err := NewSqlite(filepath.Join(t.TempDir(), "convert.db"), "gr1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE category_counts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(gid, category)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE feature_category_counts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT NOT NULL DEFAULT '',
		feature TEXT NOT NULL,
		category TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(gid, feature, category)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE INDEX idx_fcc_lookup ON feature_category_counts(gid, feature)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO category_counts (gid, category, count) VALUES ('gr1', 'good', 3), ('gr1', 'bad', 2)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO feature_category_counts (gid, feature, category, count)
		VALUES ('gr1', 'quick', 'good', 3), ('gr1', 'quick', 'bad', 1), ('gr1', 'tab	bed', 'bad', 1)`)
	require.NoError(t, err)
	return db
}

func TestConverter_SqliteToPostgres(t *testing.T) {
	db := prepCountsDB(t)

	var buf bytes.Buffer
	err := NewConverter(db).SqliteToPostgres(context.Background(), &buf)
	require.NoError(t, err)
	result := buf.String()
	t.Log(result)

	assert.True(t, strings.HasPrefix(result, "-- SQLite to PostgreSQL export of classifier counts"))
	assert.Contains(t, result, "-- GID: gr1")
	assert.Contains(t, result, "BEGIN;")
	assert.True(t, strings.HasSuffix(result, "COMMIT;\n"))

	assert.Contains(t, result, "CREATE TABLE IF NOT EXISTS category_counts")
	assert.Contains(t, result, "CREATE TABLE IF NOT EXISTS feature_category_counts")
	assert.Contains(t, result, "id SERIAL PRIMARY KEY")
	assert.NotContains(t, result, "AUTOINCREMENT")

	assert.Contains(t, result, "COPY category_counts (id, gid, category, count) FROM stdin;")
	assert.Contains(t, result, "1\tgr1\tgood\t3\n")
	assert.Contains(t, result, "2\tgr1\tbad\t2\n")
	assert.Contains(t, result, "COPY feature_category_counts (id, gid, feature, category, count) FROM stdin;")
	assert.Contains(t, result, "1\tgr1\tquick\tgood\t3\n")
	assert.Contains(t, result, "3\tgr1\ttab\\tbed\tbad\t1\n", "tab escaped")
	assert.Contains(t, result, "CREATE INDEX idx_fcc_lookup ON feature_category_counts(gid, feature);")
	assert.Contains(t, result, "SELECT setval(pg_get_serial_sequence('category_counts', 'id')")

	// category_counts goes first
	assert.Less(t, strings.Index(result, "COPY category_counts"), strings.Index(result, "COPY feature_category_counts"))
}

func TestConverter_SqliteToPostgres_MissingAndEmptyTables(t *testing.T) {
	db, err := NewSqlite(":memory:", "gr1")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE category_counts (id INTEGER PRIMARY KEY AUTOINCREMENT, gid TEXT, category TEXT, count INTEGER)`)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewConverter(db).SqliteToPostgres(context.Background(), &buf))
	result := buf.String()
	assert.Contains(t, result, "CREATE TABLE IF NOT EXISTS category_counts")
	assert.NotContains(t, result, "COPY", "empty table has no data block")
	assert.NotContains(t, result, "feature_category_counts", "missing table skipped")
}

func TestConverter_SqliteToPostgres_NonSqliteError(t *testing.T) {
	c := NewConverter(&SQL{dbType: Postgres})
	var buf bytes.Buffer
	err := c.SqliteToPostgres(context.Background(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source database must be SQLite")
	assert.Empty(t, buf.String())
}

func TestConverter_CustomTables(t *testing.T) {
	db := prepCountsDB(t)
	var buf bytes.Buffer
	require.NoError(t, NewConverter(db, "category_counts").SqliteToPostgres(context.Background(), &buf))
	assert.Contains(t, buf.String(), "COPY category_counts")
	assert.NotContains(t, buf.String(), "COPY feature_category_counts")
}

func TestConverter_ConvertTableSchema(t *testing.T) {
	tests := []struct {
		name, inp, want string
	}{
		{
			name: "autoincrement",
			inp:  "CREATE TABLE t (id INTEGER PRIMARY KEY AUTOINCREMENT, v TEXT)",
			want: "CREATE TABLE IF NOT EXISTS t (id SERIAL PRIMARY KEY, v TEXT)",
		},
		{
			name: "datetime and blob",
			inp:  "CREATE TABLE IF NOT EXISTS t (ts DATETIME, b BLOB)",
			want: "CREATE TABLE IF NOT EXISTS t (ts TIMESTAMP, b BYTEA)",
		},
		{
			name: "nothing to convert",
			inp:  "CREATE TABLE IF NOT EXISTS t (v TEXT)",
			want: "CREATE TABLE IF NOT EXISTS t (v TEXT)",
		},
	}

	c := NewConverter(&SQL{dbType: Sqlite})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.convertTableSchema(tt.inp))
		})
	}
}

func TestFormatPostgresValue(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"nil", nil, "\\N"},
		{"string", "quick", "quick"},
		{"string with specials", "a\tb\nc\rd\\e", "a\\tb\\nc\\rd\\\\e"},
		{"bytes", []byte("money\n"), "money\\n"},
		{"int", int64(42), "42"},
		{"float", 0.5, "0.5"},
		{"true", true, "t"},
		{"false", false, "f"},
		{"time", time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC), "2024-05-01 10:20:30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatPostgresValue(tt.val))
		})
	}
}
