package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/classy/app/storage/engine"
)

// Counts is a persistent counter of (feature, category) pairs and categories, partitioned by gid.
// It implements classy.Counter, classy.Learner and classy.Resetter.
type Counts struct {
	*engine.SQL
	engine.RWLocker
	retries int
}

// CountsStats is a summary of stored counts
type CountsStats struct {
	Categories []CategoryCount `json:"categories"`
	Total      int             `json:"total"`
	Features   int             `json:"features"`
}

// CategoryCount is a number of items trained with the category
type CategoryCount struct {
	Category string `json:"category" db:"category"`
	Count    int    `json:"count" db:"count"`
}

// counts-related command constants
const (
	CmdCreateCategoryCountsTable engine.DBCmd = iota + 100
	CmdCreateCategoryCountsIndexes
	CmdCreateFeatureCountsTable
	CmdCreateFeatureCountsIndexes
	CmdIncCategory
	CmdIncFeature
)

var countsQueries = engine.NewQueryMap().
	Add(CmdCreateCategoryCountsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS category_counts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(gid, category)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS category_counts (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(gid, category)
		)`,
	}).
	AddSame(CmdCreateCategoryCountsIndexes, `CREATE INDEX IF NOT EXISTS idx_category_counts_gid ON category_counts(gid)`).
	Add(CmdCreateFeatureCountsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS feature_category_counts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			feature TEXT NOT NULL,
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(gid, feature, category)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS feature_category_counts (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			feature TEXT NOT NULL,
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(gid, feature, category)
		)`,
	}).
	AddSame(CmdCreateFeatureCountsIndexes, `CREATE INDEX IF NOT EXISTS idx_feature_category_counts_gid ON feature_category_counts(gid)`).
	Add(CmdIncCategory, engine.Query{
		Sqlite: `INSERT INTO category_counts (gid, category, count) VALUES (?, ?, 1)
			ON CONFLICT(gid, category) DO UPDATE SET count = count + 1`,
		Postgres: `INSERT INTO category_counts (gid, category, count) VALUES ($1, $2, 1)
			ON CONFLICT (gid, category) DO UPDATE SET count = category_counts.count + 1`,
	}).
	Add(CmdIncFeature, engine.Query{
		Sqlite: `INSERT INTO feature_category_counts (gid, feature, category, count) VALUES (?, ?, ?, 1)
			ON CONFLICT(gid, feature, category) DO UPDATE SET count = count + 1`,
		Postgres: `INSERT INTO feature_category_counts (gid, feature, category, count) VALUES ($1, $2, $3, 1)
			ON CONFLICT (gid, feature, category) DO UPDATE SET count = feature_category_counts.count + 1`,
	})

// NewCounts creates counts storage, makes tables if needed
func NewCounts(ctx context.Context, db *engine.SQL) (*Counts, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Counts{SQL: db, RWLocker: db.MakeLock(), retries: 3}

	tables := []engine.TableConfig{
		{
			Name:          "category_counts",
			CreateTable:   CmdCreateCategoryCountsTable,
			CreateIndexes: CmdCreateCategoryCountsIndexes,
			QueriesMap:    countsQueries,
		},
		{
			Name:          "feature_category_counts",
			CreateTable:   CmdCreateFeatureCountsTable,
			CreateIndexes: CmdCreateFeatureCountsIndexes,
			QueriesMap:    countsQueries,
		},
	}
	for _, cfg := range tables {
		if err := engine.InitTable(ctx, db, cfg); err != nil {
			return nil, fmt.Errorf("failed to init counts storage: %w", err)
		}
	}
	return res, nil
}

// IncFeature increments the count of the feature in the category
func (c *Counts) IncFeature(ctx context.Context, feature, category string) error {
	c.Lock()
	defer c.Unlock()
	return c.inc(ctx, c.ExecContext, CmdIncFeature, c.GID(), feature, category)
}

// IncCategory increments the count of items trained with the category
func (c *Counts) IncCategory(ctx context.Context, category string) error {
	c.Lock()
	defer c.Unlock()
	return c.inc(ctx, c.ExecContext, CmdIncCategory, c.GID(), category)
}

// Learn records all features of an item and its category in a single transaction.
// Failed transaction is retried a few times.
func (c *Counts) Learn(ctx context.Context, category string, features []string) error {
	return repeater.NewDefault(c.retries, 50*time.Millisecond).Do(ctx, func() error {
		if err := c.learn(ctx, category, features); err != nil {
			log.Printf("[WARN] failed to learn %d features of %q: %v", len(features), category, err)
			return err
		}
		return nil
	})
}

func (c *Counts) learn(ctx context.Context, category string, features []string) error {
	return c.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, f := range features {
			if err := c.inc(ctx, tx.ExecContext, CmdIncFeature, c.GID(), f, category); err != nil {
				return err
			}
		}
		return c.inc(ctx, tx.ExecContext, CmdIncCategory, c.GID(), category)
	})
}

type execFn func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (c *Counts) inc(ctx context.Context, exec execFn, cmd engine.DBCmd, args ...any) error {
	query, err := countsQueries.Pick(c.Type(), cmd)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}
	if _, err := exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to increment count, %v: %w", args[1:], err)
	}
	return nil
}

// FeatureCount returns the count of the feature in the category, 0 if never seen
func (c *Counts) FeatureCount(ctx context.Context, feature, category string) (int, error) {
	c.RLock()
	defer c.RUnlock()
	query := c.Adopt("SELECT count FROM feature_category_counts WHERE gid = ? AND feature = ? AND category = ?")
	return c.getCount(ctx, query, c.GID(), feature, category)
}

// CategoryCount returns the number of items trained with the category, 0 if unknown
func (c *Counts) CategoryCount(ctx context.Context, category string) (int, error) {
	c.RLock()
	defer c.RUnlock()
	query := c.Adopt("SELECT count FROM category_counts WHERE gid = ? AND category = ?")
	return c.getCount(ctx, query, c.GID(), category)
}

// TotalCount returns the total number of trained items
func (c *Counts) TotalCount(ctx context.Context) (int, error) {
	c.RLock()
	defer c.RUnlock()
	query := c.Adopt("SELECT COALESCE(SUM(count), 0) FROM category_counts WHERE gid = ?")
	return c.getCount(ctx, query, c.GID())
}

func (c *Counts) getCount(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	err := c.GetContext(ctx, &count, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get count: %w", err)
	}
	return count, nil
}

// Categories returns all categories in registration order
func (c *Counts) Categories(ctx context.Context) ([]string, error) {
	c.RLock()
	defer c.RUnlock()
	var res []string
	query := c.Adopt("SELECT category FROM category_counts WHERE gid = ? ORDER BY id")
	if err := c.SelectContext(ctx, &res, query, c.GID()); err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}
	return res, nil
}

// Reset removes all counts of the gid
func (c *Counts) Reset(ctx context.Context) error {
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"feature_category_counts", "category_counts"} {
			if _, err := tx.ExecContext(ctx, c.Adopt("DELETE FROM "+table+" WHERE gid = ?"), c.GID()); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[INFO] counts reset for gid %q", c.GID())
	return nil
}

// Stats returns categories with counts, total number of items and number of distinct features
func (c *Counts) Stats(ctx context.Context) (*CountsStats, error) {
	c.RLock()
	defer c.RUnlock()

	res := &CountsStats{Categories: []CategoryCount{}}
	query := c.Adopt("SELECT category, count FROM category_counts WHERE gid = ? ORDER BY id")
	if err := c.SelectContext(ctx, &res.Categories, query, c.GID()); err != nil {
		return nil, fmt.Errorf("failed to get category counts: %w", err)
	}
	for _, cc := range res.Categories {
		res.Total += cc.Count
	}
	query = c.Adopt("SELECT COUNT(DISTINCT feature) FROM feature_category_counts WHERE gid = ?")
	if err := c.GetContext(ctx, &res.Features, query, c.GID()); err != nil {
		return nil, fmt.Errorf("failed to get features count: %w", err)
	}
	return res, nil
}

// Import copies all counts from src storage into this one, adding to existing counts.
// Used to move a model between databases or gids. Importing a model into itself is rejected,
// it would double all counts.
func (c *Counts) Import(ctx context.Context, src *Counts) (*CountsStats, error) {
	same, err := c.sameModel(ctx, src)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, fmt.Errorf("can't import gid %q into itself", c.GID())
	}

	type featureRow struct {
		Feature  string `db:"feature"`
		Category string `db:"category"`
		Count    int    `db:"count"`
	}

	src.RLock()
	var cats []CategoryCount
	err = src.SelectContext(ctx, &cats, src.Adopt("SELECT category, count FROM category_counts WHERE gid = ? ORDER BY id"), src.GID())
	if err != nil {
		src.RUnlock()
		return nil, fmt.Errorf("failed to read source categories: %w", err)
	}
	var features []featureRow
	query := src.Adopt("SELECT feature, category, count FROM feature_category_counts WHERE gid = ? ORDER BY id")
	if err = src.SelectContext(ctx, &features, query, src.GID()); err != nil {
		src.RUnlock()
		return nil, fmt.Errorf("failed to read source features: %w", err)
	}
	src.RUnlock()

	err = c.withTx(ctx, func(tx *sqlx.Tx) error {
		catQuery := c.Adopt(`INSERT INTO category_counts (gid, category, count) VALUES (?, ?, ?)
			ON CONFLICT (gid, category) DO UPDATE SET count = category_counts.count + excluded.count`)
		for _, cc := range cats {
			if _, err := tx.ExecContext(ctx, catQuery, c.GID(), cc.Category, cc.Count); err != nil {
				return fmt.Errorf("failed to import category %q: %w", cc.Category, err)
			}
		}
		featQuery := c.Adopt(`INSERT INTO feature_category_counts (gid, feature, category, count) VALUES (?, ?, ?, ?)
			ON CONFLICT (gid, feature, category) DO UPDATE SET count = feature_category_counts.count + excluded.count`)
		for _, f := range features {
			if _, err := tx.ExecContext(ctx, featQuery, c.GID(), f.Feature, f.Category, f.Count); err != nil {
				return fmt.Errorf("failed to import feature %q: %w", f.Feature, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] imported %d categories and %d feature counts from gid %q", len(cats), len(features), src.GID())
	return c.Stats(ctx)
}

// sameModel checks if src is the same gid in the same database
func (c *Counts) sameModel(ctx context.Context, src *Counts) (bool, error) {
	if src.GID() != c.GID() || src.Type() != c.Type() {
		return false, nil
	}
	if src.SQL == c.SQL {
		return true, nil
	}
	srcLoc, err := src.Location(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check source database: %w", err)
	}
	dstLoc, err := c.Location(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check target database: %w", err)
	}
	return srcLoc != "" && srcLoc == dstLoc, nil // in-memory sqlite databases are never shared
}

func (c *Counts) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	c.Lock()
	defer c.Unlock()

	tx, err := c.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
