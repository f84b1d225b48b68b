package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/classy/app/storage/engine"
)

// Dictionary is a storage of excluded words, partitioned by gid.
// Words extractor skips them, so they never become features.
type Dictionary struct {
	*engine.SQL
	engine.RWLocker
}

// dictionary-related command constants
const (
	CmdCreateDictionaryTable engine.DBCmd = iota + 200
	CmdCreateDictionaryIndexes
	CmdAddExcludedWord
	CmdDeleteExcludedWord
	CmdDeleteAllExcludedWords
)

var dictionaryQueries = engine.NewQueryMap().
	Add(CmdCreateDictionaryTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS dictionary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			word TEXT NOT NULL,
			UNIQUE(gid, word)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS dictionary (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			word TEXT NOT NULL,
			UNIQUE(gid, word)
		)`,
	}).
	AddSame(CmdCreateDictionaryIndexes, `CREATE INDEX IF NOT EXISTS idx_dictionary_gid ON dictionary(gid)`).
	Add(CmdAddExcludedWord, engine.Query{
		Sqlite:   `INSERT OR IGNORE INTO dictionary (gid, word) VALUES (?, ?)`,
		Postgres: `INSERT INTO dictionary (gid, word) VALUES ($1, $2) ON CONFLICT (gid, word) DO NOTHING`,
	}).
	AddAdopted(CmdDeleteExcludedWord, `DELETE FROM dictionary WHERE gid = ? AND word = ?`).
	AddAdopted(CmdDeleteAllExcludedWords, `DELETE FROM dictionary WHERE gid = ?`)

// NewDictionary creates excluded words storage, makes table if needed
func NewDictionary(ctx context.Context, db *engine.SQL) (*Dictionary, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	cfg := engine.TableConfig{
		Name:          "dictionary",
		CreateTable:   CmdCreateDictionaryTable,
		CreateIndexes: CmdCreateDictionaryIndexes,
		QueriesMap:    dictionaryQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init dictionary: %w", err)
	}
	return &Dictionary{SQL: db, RWLocker: db.MakeLock()}, nil
}

// Add adds a word to the dictionary. Words are stored lower-cased, adding an existing word is not an error.
func (d *Dictionary) Add(ctx context.Context, word string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return fmt.Errorf("word cannot be empty")
	}

	query, err := dictionaryQueries.Pick(d.Type(), CmdAddExcludedWord)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}

	d.Lock()
	defer d.Unlock()
	if _, err = d.ExecContext(ctx, query, d.GID(), word); err != nil {
		return fmt.Errorf("failed to add word %q: %w", word, err)
	}
	return nil
}

// Delete removes the word from the dictionary
func (d *Dictionary) Delete(ctx context.Context, word string) error {
	query, err := dictionaryQueries.Pick(d.Type(), CmdDeleteExcludedWord)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}

	d.Lock()
	defer d.Unlock()
	result, err := d.ExecContext(ctx, query, d.GID(), strings.ToLower(strings.TrimSpace(word)))
	if err != nil {
		return fmt.Errorf("failed to remove word: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("word %q not found", word)
	}
	return nil
}

// Read returns all words of the dictionary in the order they were added
func (d *Dictionary) Read(ctx context.Context) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	res := []string{}
	query := d.Adopt(`SELECT word FROM dictionary WHERE gid = ? ORDER BY id`)
	if err := d.SelectContext(ctx, &res, query, d.GID()); err != nil {
		return nil, fmt.Errorf("failed to get words: %w", err)
	}
	return res, nil
}

// Count returns the number of words in the dictionary
func (d *Dictionary) Count(ctx context.Context) (int, error) {
	d.RLock()
	defer d.RUnlock()

	var res int
	if err := d.GetContext(ctx, &res, d.Adopt(`SELECT COUNT(*) FROM dictionary WHERE gid = ?`), d.GID()); err != nil {
		return 0, fmt.Errorf("failed to count words: %w", err)
	}
	return res, nil
}

// Import reads words from the reader, one per line, and adds them to the dictionary in a single transaction.
// If withCleanup is true removes all words of the gid before import. Returns the number of words after import.
func (d *Dictionary) Import(ctx context.Context, r io.Reader, withCleanup bool) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("reader cannot be nil")
	}
	query, err := dictionaryQueries.Pick(d.Type(), CmdAddExcludedWord)
	if err != nil {
		return 0, fmt.Errorf("failed to get query: %w", err)
	}
	cleanup, err := dictionaryQueries.Pick(d.Type(), CmdDeleteAllExcludedWords)
	if err != nil {
		return 0, fmt.Errorf("failed to get query: %w", err)
	}

	err = func() error {
		d.Lock()
		defer d.Unlock()

		tx, err := d.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		defer tx.Rollback() // nolint

		if withCleanup {
			if _, err = tx.ExecContext(ctx, cleanup, d.GID()); err != nil {
				return fmt.Errorf("failed to remove old words: %w", err)
			}
		}
		if err = importWords(ctx, tx, query, d.GID(), r); err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}()
	if err != nil {
		return 0, err
	}
	return d.Count(ctx)
}

func importWords(ctx context.Context, tx *sqlx.Tx, query, gid string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" { // skip empty lines
			continue
		}
		if _, err := tx.ExecContext(ctx, query, gid, word); err != nil {
			return fmt.Errorf("failed to add word %q: %w", word, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}
