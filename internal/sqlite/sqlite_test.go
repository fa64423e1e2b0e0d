package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOpen verifies that Open can create, reopen and checkpoint a database
// in a directory that does not exist yet.
func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "feed.db")

	db, err := Open(dbPath)
	require.NoError(t, err, "Opening new file failed")
	require.NotNil(t, db)

	_, err = db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err, "Creating test_table failed")
	require.NoError(t, Checkpoint(db), "Checkpoint failed")
	require.NoError(t, db.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err, "Reopening existing file failed")
	defer reopened.Close()

	var count int
	err = reopened.QueryRow(`SELECT count(*) FROM test_table`).Scan(&count)
	require.NoError(t, err, "Selecting count after reopen failed")
	require.Equal(t, 0, count)

	var mode string
	require.NoError(t, reopened.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
}
