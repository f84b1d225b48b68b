package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/classy/app/storage/engine"
)

func newTestDictionary(t *testing.T, gid string) (*Dictionary, *engine.SQL) {
	t.Helper()
	db, err := engine.NewSqlite(":memory:", gid)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	d, err := NewDictionary(context.Background(), db)
	require.NoError(t, err)
	return d, db
}

func TestNewDictionary(t *testing.T) {
	d, err := NewDictionary(context.Background(), nil)
	assert.Error(t, err)
	assert.Nil(t, d)

	d, db := newTestDictionary(t, "gr1")
	assert.NotNil(t, d)

	// repeated init keeps words
	require.NoError(t, d.Add(context.Background(), "the"))
	d2, err := NewDictionary(context.Background(), db)
	require.NoError(t, err)
	words, err := d2.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"the"}, words)
}

func TestDictionary_Add(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDictionary(t, "gr1")

	tests := []struct {
		name    string
		word    string
		wantErr bool
	}{
		{name: "simple word", word: "the"},
		{name: "upper case stored lower", word: "Money"},
		{name: "duplicate ignored", word: "the"},
		{name: "spaces trimmed", word: "  fox "},
		{name: "empty word", word: "", wantErr: true},
		{name: "only spaces", word: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Add(ctx, tt.word)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	words, err := d.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"the", "money", "fox"}, words)
}

func TestDictionary_Delete(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDictionary(t, "gr1")
	require.NoError(t, d.Add(ctx, "the"))
	require.NoError(t, d.Add(ctx, "fox"))

	require.NoError(t, d.Delete(ctx, "The"))
	err := d.Delete(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `word "missing" not found`)

	words, err := d.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fox"}, words)
}

func TestDictionary_Import(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDictionary(t, "gr1")
	require.NoError(t, d.Add(ctx, "old"))

	t.Run("append", func(t *testing.T) {
		count, err := d.Import(ctx, strings.NewReader("the\n\nfox\nThe\n"), false)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		words, err := d.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "the", "fox"}, words)
	})

	t.Run("with cleanup", func(t *testing.T) {
		count, err := d.Import(ctx, strings.NewReader("money\nnow\n"), true)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		words, err := d.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"money", "now"}, words)
	})

	t.Run("nil reader", func(t *testing.T) {
		_, err := d.Import(ctx, nil, false)
		assert.Error(t, err)
	})
}

func TestDictionary_GroupIsolation(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "dict.db")

	db1, err := engine.NewSqlite(file, "gr1")
	require.NoError(t, err)
	defer db1.Close()
	d1, err := NewDictionary(ctx, db1)
	require.NoError(t, err)
	require.NoError(t, d1.Add(ctx, "the"))

	db2, err := engine.NewSqlite(file, "gr2")
	require.NoError(t, err)
	defer db2.Close()
	d2, err := NewDictionary(ctx, db2)
	require.NoError(t, err)
	require.NoError(t, d2.Add(ctx, "the"), "same word in another gid")
	require.NoError(t, d2.Add(ctx, "fox"))

	words, err := d1.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"the"}, words)
	words, err = d2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"the", "fox"}, words)
}

func TestDictionary_Concurrent(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDictionary(t, "gr1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, d.Add(ctx, fmt.Sprintf("word%d", i%10)))
		}(i)
	}
	wg.Wait()

	count, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}
