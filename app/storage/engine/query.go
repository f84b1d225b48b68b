package engine

import (
	"fmt"
	"sync"
)

// DBCmd is a database command, the key of dialect-specific queries in QueryMap.
// Each storage table takes its own range of commands.
type DBCmd int

// Query is a SQL query with sqlite and postgres variants
type Query struct {
	Sqlite   string
	Postgres string
}

// QueryMap maps commands to dialect-specific queries
type QueryMap struct {
	queries map[DBCmd]Query
}

// NewQueryMap creates an empty QueryMap
func NewQueryMap() *QueryMap {
	return &QueryMap{queries: make(map[DBCmd]Query)}
}

// Add adds queries for a command with dialect-specific versions, replacing the previous ones
func (q *QueryMap) Add(cmd DBCmd, query Query) *QueryMap {
	q.queries[cmd] = query
	return q
}

// AddSame adds the same query for all dialects
func (q *QueryMap) AddSame(cmd DBCmd, query string) *QueryMap {
	return q.Add(cmd, Query{Sqlite: query, Postgres: query})
}

// AddAdopted adds a query written with "?" placeholders, postgres variant gets "$n" placeholders
func (q *QueryMap) AddAdopted(cmd DBCmd, query string) *QueryMap {
	return q.Add(cmd, Query{Sqlite: query, Postgres: (&SQL{dbType: Postgres}).Adopt(query)})
}

// Pick returns a query for the db type and command.
// Missing command and a command without query for the db type are errors.
func (q *QueryMap) Pick(dbType Type, cmd DBCmd) (string, error) {
	query, ok := q.queries[cmd]
	if !ok {
		return "", fmt.Errorf("unsupported command type %d", cmd)
	}

	var res string
	switch dbType {
	case Sqlite:
		res = query.Sqlite
	case Postgres:
		res = query.Postgres
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
	if res == "" {
		return "", fmt.Errorf("no %s query for command %d", dbType, cmd)
	}
	return res, nil
}

// RWLocker is a read-write locker, sync.RWMutex or NoopLocker
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker does nothing, for engines handling concurrent writes on their own
type NoopLocker struct{}

// Lock is a no-op
func (NoopLocker) Lock() {}

// Unlock is a no-op
func (NoopLocker) Unlock() {}

// RLock is a no-op
func (NoopLocker) RLock() {}

// RUnlock is a no-op
func (NoopLocker) RUnlock() {}
