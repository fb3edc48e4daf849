package status

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiseki/migrations"
)

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_index.sql":      {Data: []byte("CREATE INDEX x ON t (c);")},
		"001_init.sql":       {Data: []byte("CREATE TABLE t (c int);")},
		"README.md":          {Data: []byte("notes")},
		"old/000_legacy.sql": {Data: []byte("SELECT 1;")},
		"003_seed.sql.orig":  {Data: []byte("SELECT 1;")},
	}

	got, err := pendingMigrations(fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_index.sql"}, got)

	got, err = pendingMigrations(fsys, map[string]struct{}{"001_init.sql": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_index.sql"}, got)
}

func TestPendingMigrationsEmbedded(t *testing.T) {
	got, err := pendingMigrations(migrations.FS, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_file_status.sql"}, got)
}
