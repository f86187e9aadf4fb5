package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, DialectSQLite.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", DialectPostgres.Rebind(q))
}

func TestOpen_LiteModeWithoutDatabaseURL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	db, err := Open(context.Background(), "", dir)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, DialectSQLite, db.Dialect)
	assert.FileExists(t, filepath.Join(dir, "relay.db"))
}
