package db

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"00001_create_cache_tables.sql",
		"00002_create_dead_letters.sql",
	}, names)
}

func TestMigrate_UpToLatestAndRepeatable(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	v, err = Migrate(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	for _, table := range Tables() {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, string(table)).Scan(&name)
		require.NoError(t, err, table)
	}

	var idx int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`).Scan(&idx))
	assert.Equal(t, 6, idx)
}
