package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryMap_Pick(t *testing.T) {
	const (
		cmdUpsert DBCmd = iota + 1
		cmdCount
	)
	qmap := NewQueryMap().
		Add(cmdUpsert, Query{
			Sqlite:   "INSERT INTO category_counts (gid, category, count) VALUES (?, ?, 1) ON CONFLICT DO UPDATE SET count = count + 1",
			Postgres: "INSERT INTO category_counts (gid, category, count) VALUES ($1, $2, 1) ON CONFLICT DO UPDATE SET count = category_counts.count + 1",
		}).
		AddSame(cmdCount, "SELECT COALESCE(SUM(count), 0) FROM category_counts WHERE gid = ?")

	tests := []struct {
		name    string
		dbType  Type
		cmd     DBCmd
		want    string
		wantErr string
	}{
		{
			name:   "sqlite upsert",
			dbType: Sqlite,
			cmd:    cmdUpsert,
			want:   "INSERT INTO category_counts (gid, category, count) VALUES (?, ?, 1) ON CONFLICT DO UPDATE SET count = count + 1",
		},
		{
			name:   "postgres upsert",
			dbType: Postgres,
			cmd:    cmdUpsert,
			want:   "INSERT INTO category_counts (gid, category, count) VALUES ($1, $2, 1) ON CONFLICT DO UPDATE SET count = category_counts.count + 1",
		},
		{
			name:   "same for both, sqlite",
			dbType: Sqlite,
			cmd:    cmdCount,
			want:   "SELECT COALESCE(SUM(count), 0) FROM category_counts WHERE gid = ?",
		},
		{
			name:   "same for both, postgres",
			dbType: Postgres,
			cmd:    cmdCount,
			want:   "SELECT COALESCE(SUM(count), 0) FROM category_counts WHERE gid = ?",
		},
		{name: "unknown db type", dbType: Unknown, cmd: cmdUpsert, wantErr: "unsupported database type"},
		{name: "unknown command", dbType: Sqlite, cmd: 99, wantErr: "unsupported command type 99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := qmap.Pick(tt.dbType, tt.cmd)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryMap_Overwrite(t *testing.T) {
	qmap := NewQueryMap().
		AddSame(1, "DELETE FROM category_counts WHERE gid = ?").
		Add(1, Query{Sqlite: "sqlite only", Postgres: ""})

	query, err := qmap.Pick(Sqlite, 1)
	require.NoError(t, err)
	assert.Equal(t, "sqlite only", query)

	_, err = qmap.Pick(Postgres, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no postgres query for command 1")
}

func TestQueryMap_AddAdopted(t *testing.T) {
	qmap := NewQueryMap().AddAdopted(1, "SELECT word FROM dictionary WHERE gid = ? AND word = ? AND note != '?'")

	query, err := qmap.Pick(Sqlite, 1)
	require.NoError(t, err)
	assert.Equal(t, "SELECT word FROM dictionary WHERE gid = ? AND word = ? AND note != '?'", query)

	query, err = qmap.Pick(Postgres, 1)
	require.NoError(t, err)
	assert.Equal(t, "SELECT word FROM dictionary WHERE gid = $1 AND word = $2 AND note != '?'", query)
}

func TestNoopLocker(t *testing.T) {
	var l NoopLocker
	done := make(chan bool)

	go func() {
		l.Lock()
		l.RLock()
		l.RUnlock()
		l.Unlock()
		done <- true
	}()

	select {
	case <-done:
		// success
	case <-time.After(time.Second):
		t.Error("deadlock in NoopLocker")
	}
}

func TestRWLockerSelection(t *testing.T) {
	t.Run("sqlite uses mutex", func(t *testing.T) {
		db, err := NewSqlite(":memory:", "gr1")
		require.NoError(t, err)
		defer db.Close()

		locker := db.MakeLock()
		_, ok := locker.(*sync.RWMutex)
		assert.True(t, ok)
	})

	t.Run("unknown type uses noop", func(t *testing.T) {
		e := &SQL{dbType: Unknown}
		locker := e.MakeLock()
		_, ok := locker.(*NoopLocker)
		assert.True(t, ok)
	})
}
